package dispatch

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"signalpipe/internal/model"
)

// Dispatcher drives batches through the sink under the retry policy. A
// weighted semaphore bounds in-flight sink calls across all file
// pipelines; slots are held only during an attempt, not across backoff
// waits.
type Dispatcher struct {
	sink   Sink
	policy Policy
	slots  *semaphore.Weighted
	log    *logrus.Entry
}

// NewDispatcher creates a dispatcher with the given in-flight bound.
func NewDispatcher(sink Sink, policy Policy, workers int64, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		sink:   sink,
		policy: policy,
		slots:  semaphore.NewWeighted(workers),
		log:    log.WithField("component", "dispatch"),
	}
}

// Dispatch delivers a batch, retrying failed attempts with backoff until
// success or exhaustion. The returned outcome is terminal: either the
// batch was acknowledged or every attempt failed and the caller must
// dead-letter it. A non-nil error is returned only on context
// cancellation, in which case the batch is NOT terminal and will be
// redelivered after restart.
func (d *Dispatcher) Dispatch(ctx context.Context, b *model.Batch) (model.DispatchOutcome, error) {
	out := model.DispatchOutcome{BatchID: b.ID}
	log := d.log.WithField("batch", b.ID).WithField("source", b.Source)

	var lastErr error
	for attempt := 1; attempt <= d.policy.MaxAttempts; attempt++ {
		if err := d.slots.Acquire(ctx, 1); err != nil {
			return out, err
		}
		err := d.sink.Deliver(ctx, b)
		d.slots.Release(1)

		out.Attempts = attempt
		if err == nil {
			out.Delivered = true
			log.WithField("signals", len(b.Signals)).WithField("attempts", attempt).
				Debug("batch delivered")
			return out, nil
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}

		lastErr = err
		log.WithError(err).WithField("attempt", attempt).Warn("dispatch attempt failed")

		if attempt < d.policy.MaxAttempts {
			if err := sleep(ctx, d.policy.Delay(attempt)); err != nil {
				return out, err
			}
		}
	}

	out.Err = lastErr
	log.WithError(lastErr).WithField("attempts", out.Attempts).
		Error("dispatch attempts exhausted")
	return out, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
