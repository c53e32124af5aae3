// Package tail reads unread bytes of a watched file, tracking offsets and
// detecting truncation or replacement under the same path.
package tail

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"signalpipe/internal/model"
)

// headLen bounds the fingerprint prefix hashed to recognize a file across
// restarts and renames.
const headLen = 1024

// Line is one complete input line with its byte range in the source file.
// End points one past the trailing newline.
type Line struct {
	Raw   []byte
	Start int64
	End   int64
}

// Chunk is a run of complete lines read in one pass. A trailing partial
// line (no terminator yet) is never included; it is re-read on the next
// pass once the producer finishes it.
type Chunk struct {
	Path       string
	Generation uint64
	Start      int64
	End        int64
	Lines      []Line
}

// Tailer reads a single file from its last consumed position to the
// current end. It moves through Discovered -> Tailing -> Idle states, with
// a side transition to Reset when the file shrank below the consumed
// position or its head fingerprint changed.
type Tailer struct {
	path  string
	state model.FileState

	// pos is the read position: committed offset plus any bytes already
	// handed out in chunks that have not reached a terminal outcome yet.
	pos int64

	log *logrus.Entry
}

// New creates a tailer resuming from the given persisted state. A file
// seen for the first time starts with a zero state.
func New(path string, st model.FileState, log *logrus.Entry) *Tailer {
	st.Path = path
	return &Tailer{
		path:  path,
		state: st,
		pos:   st.Offset,
		log:   log.WithField("component", "tail").WithField("file", path),
	}
}

// State returns the current in-memory file state. Offset reflects the last
// commit recorded via Commit, not the read position.
func (t *Tailer) State() model.FileState { return t.state }

// Pos returns the read position.
func (t *Tailer) Pos() int64 { return t.pos }

// Commit records a durably committed offset. The state store owns
// durability; this only keeps the in-memory copy in step.
func (t *Tailer) Commit(offset int64) {
	if offset > t.state.Offset {
		t.state.Offset = offset
	}
}

// Read returns the next chunk of complete lines, or nil when no new
// complete line is available. reset reports that the file was truncated or
// replaced: the read position returned to zero, the generation advanced,
// and any unconsumed data from the old generation is gone.
func (t *Tailer) Read() (chunk *Chunk, reset bool, err error) {
	info, err := os.Stat(t.path)
	if os.IsNotExist(err) {
		// Removed between the notification and the read. The watcher
		// reports removals separately; nothing to do here.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("stat %s: %w", t.path, err)
	}

	size := info.Size()
	if t.detectReset(size) {
		reset = true
		t.pos = 0
		t.state.Offset = 0
		t.state.Generation++
		t.state.HeadHash = ""
		t.state.HeadLen = 0
	}

	if size <= t.pos {
		// Idle: nothing new since the last read.
		t.state.Size = size
		t.state.MtimeNS = info.ModTime().UnixNano()
		return nil, reset, nil
	}

	f, err := os.Open(t.path)
	if err != nil {
		return nil, reset, fmt.Errorf("open %s: %w", t.path, err)
	}
	defer f.Close()

	if t.state.HeadLen == 0 {
		if err := t.fingerprint(f, size); err != nil {
			return nil, reset, err
		}
	}

	if _, err := f.Seek(t.pos, io.SeekStart); err != nil {
		return nil, reset, fmt.Errorf("seek %s: %w", t.path, err)
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, reset, fmt.Errorf("read %s: %w", t.path, err)
	}

	chunk = t.split(data)
	t.state.Size = size
	t.state.MtimeNS = info.ModTime().UnixNano()
	if chunk != nil {
		t.pos = chunk.End
	}
	return chunk, reset, nil
}

// detectReset reports truncation or replacement of the file.
func (t *Tailer) detectReset(size int64) bool {
	if size < t.pos {
		t.log.WithField("size", size).WithField("pos", t.pos).
			Warn("file shrank below consumed position, resetting")
		return true
	}
	// The source is append-only: shrinking below the fingerprinted head
	// proves replacement even when the consumed position is still covered.
	if t.state.HeadLen > 0 && size < t.state.HeadLen {
		t.log.WithField("size", size).WithField("head_len", t.state.HeadLen).
			Warn("file shrank below fingerprinted head, resetting")
		return true
	}
	if t.state.HeadLen > 0 && size >= t.state.HeadLen {
		hash, err := hashHead(t.path, t.state.HeadLen)
		if err != nil {
			return false
		}
		if hash != t.state.HeadHash {
			t.log.Warn("head fingerprint changed, file replaced under same path")
			return true
		}
	}
	return false
}

// fingerprint records the head hash of a freshly discovered or reset file.
func (t *Tailer) fingerprint(f *os.File, size int64) error {
	n := size
	if n > headLen {
		n = headLen
	}
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return fmt.Errorf("fingerprint %s: %w", t.path, err)
	}
	sum := sha256.Sum256(buf)
	t.state.HeadHash = hex.EncodeToString(sum[:])
	t.state.HeadLen = n
	return nil
}

// split cuts the buffer into complete lines, holding back a trailing
// partial line. Returns nil when no complete line is present.
func (t *Tailer) split(data []byte) *Chunk {
	chunk := &Chunk{
		Path:       t.path,
		Generation: t.state.Generation,
		Start:      t.pos,
	}
	start := int64(0)
	for {
		i := bytes.IndexByte(data[start:], '\n')
		if i < 0 {
			break
		}
		end := start + int64(i) + 1
		raw := bytes.TrimRight(data[start:end], "\r\n")
		line := make([]byte, len(raw))
		copy(line, raw)
		chunk.Lines = append(chunk.Lines, Line{
			Raw:   line,
			Start: t.pos + start,
			End:   t.pos + end,
		})
		start = end
		if start >= int64(len(data)) {
			break
		}
	}
	if len(chunk.Lines) == 0 {
		return nil
	}
	chunk.End = chunk.Lines[len(chunk.Lines)-1].End
	return chunk
}

func hashHead(path string, n int64) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	buf := make([]byte, n)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}
