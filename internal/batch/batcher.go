// Package batch accumulates unique, validated signals from one file into
// dispatch batches bounded by size and wait time.
package batch

import (
	"time"

	"signalpipe/internal/model"
)

// Batcher builds batches for a single source file. It is driven by that
// file's pipeline goroutine and is not safe for concurrent use.
//
// Besides the open batch it tracks the pending commit offset: the end of
// the last consumed raw line, whatever its outcome. Duplicates and
// dead-lettered lines advance it without joining a batch, so a closed
// batch's commit offset covers them too.
type Batcher struct {
	source  string
	maxSize int
	maxWait time.Duration
	now     func() time.Time

	cur      *model.Batch
	offset   int64
	deadline time.Time
}

// New creates a batcher for one source file resuming at the given offset.
func New(source string, maxSize int, maxWait time.Duration, offset int64) *Batcher {
	return &Batcher{
		source:  source,
		maxSize: maxSize,
		maxWait: maxWait,
		now:     time.Now,
		offset:  offset,
	}
}

// Add appends a signal to the open batch, opening one if needed. It
// returns a closed batch once the size bound is reached, nil otherwise.
func (b *Batcher) Add(sig *model.Signal, generation uint64) *model.Batch {
	if b.cur == nil {
		b.cur = model.NewBatch(b.source, generation)
		b.deadline = b.now().Add(b.maxWait)
	}
	b.cur.Signals = append(b.cur.Signals, sig)
	if sig.End > b.offset {
		b.offset = sig.End
	}
	if len(b.cur.Signals) >= b.maxSize {
		return b.close()
	}
	return nil
}

// Extend advances the pending commit offset past a line that reached a
// terminal outcome without dispatch (duplicate or dead-lettered).
func (b *Batcher) Extend(offset int64) {
	if offset > b.offset {
		b.offset = offset
	}
}

// Rebase resets the pending commit offset after a file rotation reset.
// Must not be called with a batch open.
func (b *Batcher) Rebase(offset int64) {
	b.offset = offset
}

// Flush closes and returns the open batch, or nil when none is open.
func (b *Batcher) Flush() *model.Batch {
	if b.cur == nil {
		return nil
	}
	return b.close()
}

// Pending reports whether a batch is open.
func (b *Batcher) Pending() bool { return b.cur != nil }

// Deadline returns the wait-bound flush time of the open batch.
func (b *Batcher) Deadline() (time.Time, bool) {
	if b.cur == nil {
		return time.Time{}, false
	}
	return b.deadline, true
}

// Offset returns the pending commit offset.
func (b *Batcher) Offset() int64 { return b.offset }

func (b *Batcher) close() *model.Batch {
	closed := b.cur
	closed.CommitOffset = b.offset
	b.cur = nil
	return closed
}
