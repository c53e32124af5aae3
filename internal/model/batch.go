package model

import (
	"time"

	"github.com/google/uuid"
)

// Batch is an ordered sequence of unique Signals drawn from one file.
// Signals keep their file append order and are never reordered across
// dispatch attempts.
type Batch struct {
	// ID identifies the batch across retries and audit records.
	ID string

	// Source is the file every signal in the batch was read from.
	Source string

	// Generation is the rotation generation of Source the batch was
	// read under.
	Generation uint64

	// Signals in file append order.
	Signals []*Signal

	// CommitOffset is the byte offset the source file may advance to
	// once every line covered by this batch reached a terminal outcome.
	CommitOffset int64

	CreatedAt time.Time
}

// NewBatch creates an empty batch for the given source file.
func NewBatch(source string, generation uint64) *Batch {
	return &Batch{
		ID:         uuid.NewString(),
		Source:     source,
		Generation: generation,
		CreatedAt:  time.Now().UTC(),
	}
}

// IDs returns the signal identifiers in batch order.
func (b *Batch) IDs() []string {
	ids := make([]string, len(b.Signals))
	for i, s := range b.Signals {
		ids[i] = s.ID
	}
	return ids
}

// DispatchOutcome records how a batch reached its terminal state.
type DispatchOutcome struct {
	BatchID   string
	Delivered bool
	Attempts  int
	Err       error
}
