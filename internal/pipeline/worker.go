package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"signalpipe/internal/batch"
	"signalpipe/internal/model"
	"signalpipe/internal/parse"
	"signalpipe/internal/tail"
	"signalpipe/internal/watch"
)

// fileWorker runs the tailing-and-dispatch pipeline for one watched file.
// It is the single writer of that file's state; all processing inside a
// worker is sequential, which gives strict in-file delivery order for
// free.
type fileWorker struct {
	path   string
	p      *Pipeline
	events chan watch.Kind
	failed atomic.Bool
	log    *logrus.Entry
}

func newFileWorker(path string, p *Pipeline) *fileWorker {
	return &fileWorker{
		path:   path,
		p:      p,
		events: make(chan watch.Kind, 16),
		log:    p.log.WithField("file", path),
	}
}

// notify hands a change event to the worker without blocking the router.
// Events are hints: a read drains the file to EOF, so dropping one when
// the buffer is full loses nothing.
func (w *fileWorker) notify(kind watch.Kind) {
	if w.failed.Load() {
		return
	}
	select {
	case w.events <- kind:
	default:
	}
}

// run drives the worker until cancellation or an unrecoverable state or
// dead-letter IO failure. Such a failure halts only this file; other
// files keep processing.
func (w *fileWorker) run(ctx context.Context) {
	err := w.loop(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		// Shutdown landed mid-dispatch. The batch stayed non-terminal and
		// redelivers after restart; nothing failed.
		w.log.Debug("file pipeline stopped with batch in flight")
		return
	}
	w.failed.Store(true)
	w.log.WithError(err).Error("file pipeline halted")
	w.p.aud.Event("worker_failed", map[string]any{
		"file":  w.path,
		"error": err.Error(),
	})
}

func (w *fileWorker) loop(ctx context.Context) error {
	st, _, err := w.p.store.LoadFileState(w.path)
	if err != nil {
		return err
	}
	tailer := tail.New(w.path, st, w.log)
	batcher := batch.New(w.path, w.p.cfg.Batch.MaxSize, w.p.cfg.Batch.MaxWait, tailer.Pos())

	for {
		var deadlineCh <-chan time.Time
		var timer *time.Timer
		if dl, ok := batcher.Deadline(); ok {
			timer = time.NewTimer(time.Until(dl))
			deadlineCh = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return w.drain(batcher, tailer)

		case kind, ok := <-w.events:
			stopTimer(timer)
			if !ok {
				return w.drain(batcher, tailer)
			}
			if kind == watch.Removed {
				// Stop tailing but retain state: the file may reappear
				// and resume if its fingerprint still matches.
				w.log.Debug("file removed, retaining state")
				continue
			}
			if err := w.consume(ctx, tailer, batcher); err != nil {
				return err
			}

		case <-deadlineCh:
			if b := batcher.Flush(); b != nil {
				if err := w.finish(ctx, b, tailer); err != nil {
					return err
				}
			}
		}
	}
}

// consume reads everything new in the file and moves each line to a
// terminal outcome or into the open batch.
func (w *fileWorker) consume(ctx context.Context, tailer *tail.Tailer, batcher *batch.Batcher) error {
	chunk, reset, err := tailer.Read()
	if err != nil {
		// Transient read problems resolve on the next notification.
		w.log.WithError(err).Warn("read failed, will retry on next change")
		return nil
	}
	if reset {
		w.p.aud.Event("file_reset", map[string]any{
			"file":       w.path,
			"generation": tailer.State().Generation,
		})
		// A batch opened before the reset still has to reach a terminal
		// outcome; its commit leaves the reset offset untouched because
		// its generation no longer matches.
		if old := batcher.Flush(); old != nil {
			if err := w.finish(ctx, old, tailer); err != nil {
				return err
			}
		}
		batcher.Rebase(0)
	}
	if chunk == nil {
		return nil
	}

	res := parse.Chunk(chunk)

	// Walk signals and rejects merged back into file order so the
	// pending commit offset never jumps past an unprocessed line.
	si, ri := 0, 0
	for si < len(res.Signals) || ri < len(res.Rejects) {
		if ri >= len(res.Rejects) ||
			(si < len(res.Signals) && res.Signals[si].Start < res.Rejects[ri].Start) {
			sig := res.Signals[si]
			si++
			if !w.p.index.Claim(sig.ID) {
				// Duplicate: dropped from dispatch, still advances the
				// offset once the surrounding range commits.
				w.log.WithField("id", sig.ID).Debug("duplicate signal dropped")
				batcher.Extend(sig.End)
				continue
			}
			if closed := batcher.Add(sig, chunk.Generation); closed != nil {
				if err := w.finish(ctx, closed, tailer); err != nil {
					return err
				}
			}
			continue
		}

		rec := res.Rejects[ri]
		ri++
		if err := w.p.dlq.Write(rec); err != nil {
			// Never advance past data that was not durably recorded.
			return fmt.Errorf("dead-letter write for %s: %w", w.path, err)
		}
		w.p.aud.Event("dead_letter", map[string]any{
			"file":   w.path,
			"reason": rec.Reason,
			"start":  rec.Start,
			"end":    rec.End,
		})
		batcher.Extend(rec.End)
	}

	// Blank lines produce neither a signal nor a reject but still
	// consume bytes; every line in the chunk is now accounted for.
	batcher.Extend(chunk.End)

	// A range made entirely of duplicates, rejects, and blanks has no
	// batch to ride on; commit its offset directly.
	if !batcher.Pending() && batcher.Offset() > tailer.State().Offset {
		st := tailer.State()
		st.Offset = batcher.Offset()
		if err := w.p.store.CommitBatch(st, nil); err != nil {
			return err
		}
		tailer.Commit(st.Offset)
	}
	return nil
}

// finish takes a closed batch to its terminal outcome and commits it.
func (w *fileWorker) finish(ctx context.Context, b *model.Batch, tailer *tail.Tailer) error {
	outcome, err := w.p.dispatcher.Dispatch(ctx, b)
	if err != nil {
		// Cancelled mid-dispatch: not terminal. The offset stays put and
		// the batch is redelivered after restart.
		w.p.index.Release(b.IDs())
		return err
	}

	if outcome.Delivered {
		w.p.aud.Event("batch_dispatch", map[string]any{
			"file":     w.path,
			"batch":    b.ID,
			"size":     len(b.Signals),
			"attempts": outcome.Attempts,
		})
	} else {
		if err := w.p.dlq.WriteBatch(b, outcome.Err.Error()); err != nil {
			w.p.index.Release(b.IDs())
			return fmt.Errorf("dead-letter write for batch %s: %w", b.ID, err)
		}
		w.p.aud.Event("dead_letter", map[string]any{
			"file":     w.path,
			"batch":    b.ID,
			"reason":   model.ReasonDispatchExhausted,
			"size":     len(b.Signals),
			"attempts": outcome.Attempts,
		})
	}

	st := tailer.State()
	if b.Generation == st.Generation {
		st.Offset = b.CommitOffset
	}
	// On a generation mismatch the file was reset while the batch was
	// open; record only the dedup entries, the offset stays at the
	// reset position.
	if err := w.p.store.CommitBatch(st, b.IDs()); err != nil {
		return err
	}
	w.p.index.Commit(b.IDs())
	tailer.Commit(st.Offset)
	return nil
}

// drain flushes the open batch during shutdown, giving it a bounded
// window to reach a terminal outcome and commit.
func (w *fileWorker) drain(batcher *batch.Batcher, tailer *tail.Tailer) error {
	b := batcher.Flush()
	if b == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), w.p.cfg.Pipeline.ShutdownTimeout)
	defer cancel()
	return w.finish(ctx, b, tailer)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
