// Package deadletter persists rejected and undeliverable input in an
// append-only NDJSON store.
package deadletter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"signalpipe/internal/model"
)

// Writer appends DeadLetterRecords to per-source, per-day NDJSON files
// under the store directory. Every write is flushed and fsynced before the
// call returns: a record the caller believes written must survive a crash,
// because the source offset advances past it.
type Writer struct {
	dir   string
	mu    sync.Mutex
	files map[string]*os.File
	now   func() time.Time
}

// NewWriter creates the store directory and a writer over it.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating dead-letter dir: %w", err)
	}
	return &Writer{
		dir:   dir,
		files: make(map[string]*os.File),
		now:   time.Now,
	}, nil
}

// Write appends one record durably. An error here must be treated as
// fatal for the originating file's processing: rejected data is never
// silently dropped.
func (w *Writer) Write(rec *model.DeadLetterRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding dead-letter record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := w.file(rec.Source)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("appending dead-letter record: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing dead-letter store: %w", err)
	}
	return nil
}

// WriteBatch dead-letters every signal of an undeliverable batch with
// reason dispatch_exhausted, preserving batch order.
func (w *Writer) WriteBatch(b *model.Batch, detail string) error {
	now := w.now().UTC()
	for _, sig := range b.Signals {
		rec := &model.DeadLetterRecord{
			Raw:        string(sig.Raw),
			Reason:     model.ReasonDispatchExhausted,
			Detail:     detail,
			Source:     b.Source,
			Start:      sig.Start,
			End:        sig.End,
			BatchID:    b.ID,
			RejectedAt: now,
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all open store files.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	var firstErr error
	for key, f := range w.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(w.files, key)
	}
	return firstErr
}

// file returns the open store file for a source, keyed by source base name
// and rejection day.
func (w *Writer) file(source string) (*os.File, error) {
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	name := fmt.Sprintf("%s.%s.dlq.ndjson", base, w.now().UTC().Format("20060102"))
	path := filepath.Join(w.dir, name)

	if f, ok := w.files[path]; ok {
		return f, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening dead-letter store %s: %w", path, err)
	}
	w.files[path] = f
	return f, nil
}
