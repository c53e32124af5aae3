// Package dedup tracks signal identifiers so repeats are suppressed from
// dispatch.
package dedup

import (
	"sync"
	"time"
)

// Index is the in-memory membership index shared by all file pipelines.
// The durable copy of committed identifiers lives in the state store and
// hydrates the index at startup.
//
// Identifiers move through two stages. Claim reserves an identifier for
// the open batch that first carried it, so a repeat in the same read or in
// another file is suppressed even before the batch commits. Commit marks
// identifiers terminal once their batch outcome is durable; only this
// stage is persisted. A crash discards claims, which is exactly right: a
// not-yet-delivered signal must not be remembered as seen.
type Index struct {
	mu        sync.RWMutex
	committed map[string]time.Time
	pending   map[string]struct{}
	window    time.Duration
	now       func() time.Time
}

// New creates an index. A zero window keeps committed entries forever;
// otherwise entries expire window after their commit time.
func New(window time.Duration) *Index {
	return &Index{
		committed: make(map[string]time.Time),
		pending:   make(map[string]struct{}),
		window:    window,
		now:       time.Now,
	}
}

// Hydrate loads previously committed identifiers, typically from the
// state store during startup.
func (x *Index) Hydrate(ids map[string]time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for id, at := range ids {
		x.committed[id] = at
	}
}

// Seen reports whether the identifier already reached a terminal outcome.
func (x *Index) Seen(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.seenLocked(id)
}

func (x *Index) seenLocked(id string) bool {
	at, ok := x.committed[id]
	if !ok {
		return false
	}
	if x.window > 0 && x.now().Sub(at) > x.window {
		return false
	}
	return true
}

// Claim reserves an identifier for dispatch. It returns false when the
// identifier is already committed or claimed by an in-flight batch, in
// which case the caller must drop the signal as a duplicate.
func (x *Index) Claim(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.seenLocked(id) {
		return false
	}
	if _, ok := x.pending[id]; ok {
		return false
	}
	x.pending[id] = struct{}{}
	return true
}

// Commit marks claimed identifiers terminal. Callers must have durably
// committed the batch outcome first.
func (x *Index) Commit(ids []string) {
	now := x.now().UTC()
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range ids {
		delete(x.pending, id)
		x.committed[id] = now
	}
}

// Release drops claims whose batch did not reach a terminal outcome,
// making the identifiers eligible for redelivery.
func (x *Index) Release(ids []string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range ids {
		delete(x.pending, id)
	}
}

// Prune drops expired committed entries to bound memory. A no-op without
// a window.
func (x *Index) Prune() int {
	if x.window == 0 {
		return 0
	}
	cutoff := x.now().Add(-x.window)
	x.mu.Lock()
	defer x.mu.Unlock()
	n := 0
	for id, at := range x.committed {
		if at.Before(cutoff) {
			delete(x.committed, id)
			n++
		}
	}
	return n
}

// Len returns the number of committed identifiers.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.committed)
}
