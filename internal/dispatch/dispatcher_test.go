package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalpipe/internal/model"
	"signalpipe/internal/testutil"
)

// flakySink fails a fixed number of times before succeeding.
type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    int
	batches  []*model.Batch
}

func (s *flakySink) Name() string { return "flaky" }

func (s *flakySink) Deliver(ctx context.Context, b *model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.batches = append(s.batches, b)
	if s.calls <= s.failures {
		return errors.New("sink unavailable")
	}
	return nil
}

func testPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2,
	}
}

func testBatch(ids ...string) *model.Batch {
	b := model.NewBatch("/inbox/a.ndjson", 0)
	for _, id := range ids {
		b.Signals = append(b.Signals, &model.Signal{ID: id})
	}
	return b
}

func TestDispatcher_FirstAttemptSucceeds(t *testing.T) {
	sink := &flakySink{}
	d := NewDispatcher(sink, testPolicy(5), 1, testutil.NewTestLogger())

	out, err := d.Dispatch(context.Background(), testBatch("s1"))
	require.NoError(t, err)
	assert.True(t, out.Delivered)
	assert.Equal(t, 1, out.Attempts)
}

func TestDispatcher_RetryThenSuccess(t *testing.T) {
	sink := &flakySink{failures: 2}
	d := NewDispatcher(sink, testPolicy(5), 1, testutil.NewTestLogger())

	out, err := d.Dispatch(context.Background(), testBatch("s1"))
	require.NoError(t, err)
	assert.True(t, out.Delivered)
	assert.Equal(t, 3, out.Attempts, "fails twice then succeeds on the third call")
	assert.Equal(t, 3, sink.calls)
}

func TestDispatcher_Exhaustion(t *testing.T) {
	sink := &flakySink{failures: 100}
	d := NewDispatcher(sink, testPolicy(3), 1, testutil.NewTestLogger())

	out, err := d.Dispatch(context.Background(), testBatch("s1"))
	require.NoError(t, err, "exhaustion is a terminal outcome, not an error")
	assert.False(t, out.Delivered)
	assert.Equal(t, 3, out.Attempts)
	assert.Error(t, out.Err)
	assert.Equal(t, 3, sink.calls)
}

func TestDispatcher_BatchNeverReordered(t *testing.T) {
	sink := &flakySink{failures: 1}
	d := NewDispatcher(sink, testPolicy(3), 1, testutil.NewTestLogger())

	b := testBatch("s1", "s2", "s3")
	_, err := d.Dispatch(context.Background(), b)
	require.NoError(t, err)

	for _, got := range sink.batches {
		assert.Equal(t, []string{"s1", "s2", "s3"}, got.IDs(),
			"every attempt redelivers the identical ordered batch")
	}
}

func TestDispatcher_CancellationIsNotTerminal(t *testing.T) {
	sink := &flakySink{failures: 100}
	d := NewDispatcher(sink, Policy{
		MaxAttempts: 10,
		BaseDelay:   time.Hour, // never reached
		Multiplier:  2,
	}, 1, testutil.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := d.Dispatch(ctx, testBatch("s1"))
	assert.ErrorIs(t, err, context.Canceled)
}
