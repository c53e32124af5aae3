package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalpipe/internal/audit"
	"signalpipe/internal/config"
	"signalpipe/internal/model"
	"signalpipe/internal/state"
	"signalpipe/internal/testutil"
	"signalpipe/internal/watch"
)

// fakeSource feeds scripted change events into the pipeline and closes the
// stream on cancellation, like the real sources do.
type fakeSource struct {
	events chan watch.Event
	once   sync.Once
}

func newFakeSource() *fakeSource {
	return &fakeSource{events: make(chan watch.Event, 16)}
}

func (s *fakeSource) Name() string               { return "fake" }
func (s *fakeSource) Events() <-chan watch.Event { return s.events }

func (s *fakeSource) Start(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.once.Do(func() { close(s.events) })
	}()
	return nil
}

func (s *fakeSource) emit(path string, kind watch.Kind) {
	s.events <- watch.Event{Path: path, Kind: kind}
}

// captureSink records delivered batches and fails the first failures
// attempts across all calls.
type captureSink struct {
	mu       sync.Mutex
	failures int
	calls    int
	batches  []*model.Batch
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Deliver(ctx context.Context, b *model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return errors.New("sink unavailable")
	}
	s.batches = append(s.batches, b)
	return nil
}

func (s *captureSink) delivered() []*model.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

func (s *captureSink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func testConfig(t *testing.T, batchSize int) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		LogLevel: "debug",
		Pipeline: config.PipelineConfig{ShutdownTimeout: 5 * time.Second},
		Watch: config.WatchConfig{
			Dir:          filepath.Join(dir, "inbox"),
			Pattern:      "*.ndjson",
			PollInterval: 10 * time.Millisecond,
		},
		Batch: config.BatchConfig{MaxSize: batchSize, MaxWait: 40 * time.Millisecond},
		Retry: config.RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			Multiplier:  2,
		},
		State:      config.StateConfig{Path: filepath.Join(dir, "state.db")},
		DeadLetter: config.DeadLetterConfig{Dir: filepath.Join(dir, "dlq")},
		Audit:      config.AuditConfig{Enabled: false},
		Dispatch:   config.DispatchConfig{Sink: "stdout", Workers: 2},
	}
}

func signalLine(id string) string {
	return fmt.Sprintf(`{"id":%q,"timestamp":"2026-03-14T09:00:00Z","symbol":"BTC-USD","side":"LONG","confidence":0.9,"entropy_score":0.12,"regime_state":"trending"}`, id)
}

func writeLines(t *testing.T, path string, lines ...string) int64 {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	var data []byte
	for _, l := range lines {
		data = append(data, l...)
		data = append(data, '\n')
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return int64(len(data))
}

func runPipeline(t *testing.T, p *Pipeline) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	return func() {
		stop()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("pipeline did not stop")
		}
	}
}

func dlqRecords(t *testing.T, dir string) []model.DeadLetterRecord {
	t.Helper()
	paths, err := filepath.Glob(filepath.Join(dir, "*.dlq.ndjson"))
	require.NoError(t, err)
	var recs []model.DeadLetterRecord
	for _, path := range paths {
		f, err := os.Open(path)
		require.NoError(t, err)
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			var rec model.DeadLetterRecord
			require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
			recs = append(recs, rec)
		}
		require.NoError(t, sc.Err())
		f.Close()
	}
	return recs
}

func persistedOffset(t *testing.T, statePath, file string) int64 {
	t.Helper()
	store, err := state.Open(statePath)
	require.NoError(t, err)
	defer store.Close()
	st, ok, err := store.LoadFileState(file)
	require.NoError(t, err)
	require.True(t, ok, "no persisted state for %s", file)
	return st.Offset
}

// Five-line file: three valid unique signals, one malformed line, one
// duplicate. Exactly one batch of three is delivered, the malformed line
// is dead-lettered, the duplicate is dropped, and the committed offset
// reaches end of file.
func TestPipeline_EndToEnd(t *testing.T) {
	cfg := testConfig(t, 3)
	file := filepath.Join(cfg.Watch.Dir, "momentum.ndjson")
	size := writeLines(t, file,
		signalLine("s1"),
		signalLine("s2"),
		`{"id": "broken"`,
		signalLine("s1"),
		signalLine("s3"),
	)

	src := newFakeSource()
	sink := &captureSink{}
	p, err := New(cfg, testutil.NewTestLogger(), WithSource(src), WithSink(sink))
	require.NoError(t, err)

	stop := runPipeline(t, p)
	src.emit(file, watch.Created)

	require.Eventually(t, func() bool {
		return len(sink.delivered()) == 1
	}, 5*time.Second, 10*time.Millisecond, "expected one delivered batch")
	stop()

	batches := sink.delivered()
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"s1", "s2", "s3"}, batches[0].IDs())
	assert.Equal(t, file, batches[0].Source)

	recs := dlqRecords(t, cfg.DeadLetter.Dir)
	require.Len(t, recs, 1)
	assert.Equal(t, model.ReasonParseError, recs[0].Reason)
	assert.Equal(t, `{"id": "broken"`, recs[0].Raw)

	assert.Equal(t, size, persistedOffset(t, cfg.State.Path, file))
}

func TestPipeline_TimeoutFlushesPartialBatch(t *testing.T) {
	cfg := testConfig(t, 256)
	file := filepath.Join(cfg.Watch.Dir, "carry.ndjson")
	writeLines(t, file, signalLine("s1"), signalLine("s2"))

	src := newFakeSource()
	sink := &captureSink{}
	p, err := New(cfg, testutil.NewTestLogger(), WithSource(src), WithSink(sink))
	require.NoError(t, err)

	stop := runPipeline(t, p)
	src.emit(file, watch.Created)

	require.Eventually(t, func() bool {
		return len(sink.delivered()) == 1
	}, 5*time.Second, 10*time.Millisecond, "batch should flush on the deadline")
	stop()

	assert.Equal(t, []string{"s1", "s2"}, sink.delivered()[0].IDs())
}

func TestPipeline_ExhaustedBatchIsDeadLettered(t *testing.T) {
	cfg := testConfig(t, 3)
	file := filepath.Join(cfg.Watch.Dir, "momentum.ndjson")
	size := writeLines(t, file,
		signalLine("s1"), signalLine("s2"), signalLine("s3"),
	)

	src := newFakeSource()
	sink := &captureSink{failures: 1000}
	p, err := New(cfg, testutil.NewTestLogger(), WithSource(src), WithSink(sink))
	require.NoError(t, err)

	stop := runPipeline(t, p)
	src.emit(file, watch.Created)

	require.Eventually(t, func() bool {
		return len(dlqRecords(t, cfg.DeadLetter.Dir)) == 3
	}, 5*time.Second, 10*time.Millisecond, "exhausted batch should be dead-lettered")
	stop()

	assert.Empty(t, sink.delivered())
	assert.Equal(t, cfg.Retry.MaxAttempts, sink.callCount())

	recs := dlqRecords(t, cfg.DeadLetter.Dir)
	require.Len(t, recs, 3)
	for _, rec := range recs {
		assert.Equal(t, model.ReasonDispatchExhausted, rec.Reason)
		assert.NotEmpty(t, rec.BatchID)
	}

	// The offset advances past dead-lettered lines: they reached a
	// terminal outcome and must not be replayed.
	assert.Equal(t, size, persistedOffset(t, cfg.State.Path, file))
}

func TestPipeline_DuplicateSuppressedAcrossFiles(t *testing.T) {
	cfg := testConfig(t, 2)
	fileA := filepath.Join(cfg.Watch.Dir, "alpha.ndjson")
	fileB := filepath.Join(cfg.Watch.Dir, "beta.ndjson")
	writeLines(t, fileA, signalLine("s1"), signalLine("s2"))

	src := newFakeSource()
	sink := &captureSink{}
	p, err := New(cfg, testutil.NewTestLogger(), WithSource(src), WithSink(sink))
	require.NoError(t, err)

	stop := runPipeline(t, p)
	src.emit(fileA, watch.Created)

	require.Eventually(t, func() bool {
		return len(sink.delivered()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// s1 reappears in a second file alongside a fresh signal.
	writeLines(t, fileB, signalLine("s1"), signalLine("s3"))
	src.emit(fileB, watch.Created)

	require.Eventually(t, func() bool {
		return len(sink.delivered()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	batches := sink.delivered()
	assert.Equal(t, []string{"s1", "s2"}, batches[0].IDs())
	assert.Equal(t, []string{"s3"}, batches[1].IDs(), "s1 is a cross-file duplicate")
}

func TestPipeline_ResumesFromPersistedOffset(t *testing.T) {
	cfg := testConfig(t, 2)
	file := filepath.Join(cfg.Watch.Dir, "momentum.ndjson")
	writeLines(t, file, signalLine("s1"), signalLine("s2"))

	src := newFakeSource()
	sink := &captureSink{}
	p, err := New(cfg, testutil.NewTestLogger(), WithSource(src), WithSink(sink))
	require.NoError(t, err)

	stop := runPipeline(t, p)
	src.emit(file, watch.Created)
	require.Eventually(t, func() bool {
		return len(sink.delivered()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	// Append two more lines and restart against the same state store.
	f, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(signalLine("s3") + "\n" + signalLine("s4") + "\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	src2 := newFakeSource()
	sink2 := &captureSink{}
	p2, err := New(cfg, testutil.NewTestLogger(), WithSource(src2), WithSink(sink2))
	require.NoError(t, err)

	stop2 := runPipeline(t, p2)
	src2.emit(file, watch.Created)
	require.Eventually(t, func() bool {
		return len(sink2.delivered()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	stop2()

	assert.Equal(t, []string{"s3", "s4"}, sink2.delivered()[0].IDs(),
		"already dispatched lines are not replayed after restart")
}

func TestPipeline_TruncatedFileIsReadFromScratch(t *testing.T) {
	cfg := testConfig(t, 2)
	file := filepath.Join(cfg.Watch.Dir, "momentum.ndjson")
	writeLines(t, file, signalLine("s1"), signalLine("s2"))

	src := newFakeSource()
	sink := &captureSink{}
	p, err := New(cfg, testutil.NewTestLogger(), WithSource(src), WithSink(sink))
	require.NoError(t, err)

	stop := runPipeline(t, p)
	src.emit(file, watch.Created)
	require.Eventually(t, func() bool {
		return len(sink.delivered()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	// Replace the file wholesale, shorter than the committed offset.
	writeLines(t, file, signalLine("s9"))
	src.emit(file, watch.Modified)

	require.Eventually(t, func() bool {
		return len(sink.delivered()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	assert.Equal(t, []string{"s9"}, sink.delivered()[1].IDs())
}

// blockingSink parks every delivery until cancellation, simulating a
// shutdown that lands while a batch is in flight.
type blockingSink struct {
	started chan struct{}
	once    sync.Once
}

func (s *blockingSink) Name() string { return "blocking" }

func (s *blockingSink) Deliver(ctx context.Context, b *model.Batch) error {
	s.once.Do(func() { close(s.started) })
	<-ctx.Done()
	return ctx.Err()
}

type auditBuffer struct {
	bytes.Buffer
}

func (b *auditBuffer) Close() error { return nil }

func TestPipeline_CancelMidDispatchIsNotAWorkerFailure(t *testing.T) {
	cfg := testConfig(t, 2)
	file := filepath.Join(cfg.Watch.Dir, "momentum.ndjson")
	writeLines(t, file, signalLine("s1"), signalLine("s2"))

	var events auditBuffer
	aud := audit.New(config.AuditConfig{Enabled: true}, testutil.NewTestLogger(),
		audit.WithWriter(&events))

	src := newFakeSource()
	sink := &blockingSink{started: make(chan struct{})}
	p, err := New(cfg, testutil.NewTestLogger(),
		WithSource(src), WithSink(sink), WithAuditLog(aud))
	require.NoError(t, err)

	stop := runPipeline(t, p)
	src.emit(file, watch.Created)

	select {
	case <-sink.started:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch never started")
	}
	stop()

	assert.NotContains(t, events.String(), "worker_failed",
		"cancellation of an in-flight batch is a clean stop, not a worker failure")
}

func TestPipeline_WorkerPerFile(t *testing.T) {
	cfg := testConfig(t, 2)
	fileA := filepath.Join(cfg.Watch.Dir, "alpha.ndjson")
	fileB := filepath.Join(cfg.Watch.Dir, "beta.ndjson")
	writeLines(t, fileA, signalLine("a1"), signalLine("a2"))
	writeLines(t, fileB, signalLine("b1"), signalLine("b2"))

	src := newFakeSource()
	sink := &captureSink{}
	p, err := New(cfg, testutil.NewTestLogger(), WithSource(src), WithSink(sink))
	require.NoError(t, err)

	stop := runPipeline(t, p)
	src.emit(fileA, watch.Created)
	src.emit(fileB, watch.Created)

	require.Eventually(t, func() bool {
		return len(sink.delivered()) == 2
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, p.WorkerCount())
	stop()
}
