// Package pipeline orchestrates the ingestion flow: directory watching,
// per-file tailing, validation, deduplication, batching, and dispatch.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"signalpipe/internal/audit"
	"signalpipe/internal/config"
	"signalpipe/internal/deadletter"
	"signalpipe/internal/dedup"
	"signalpipe/internal/dispatch"
	"signalpipe/internal/state"
	"signalpipe/internal/watch"
)

// Pipeline coordinates one tailing-and-dispatch worker per watched file.
// The state store and dedup index are shared across workers; each file's
// state record has a single writer, its own worker.
type Pipeline struct {
	cfg *config.Config
	log *logrus.Entry

	store      *state.Store
	index      *dedup.Index
	dlq        *deadletter.Writer
	aud        *audit.Log
	sink       dispatch.Sink
	dispatcher *dispatch.Dispatcher
	source     watch.Source

	mu      sync.Mutex
	workers map[string]*fileWorker
}

// Option overrides a pipeline collaborator, primarily for testing.
type Option func(*Pipeline)

// WithSink replaces the configured sink.
func WithSink(s dispatch.Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// WithSource replaces the configured change source.
func WithSource(s watch.Source) Option {
	return func(p *Pipeline) { p.source = s }
}

// WithAuditLog replaces the audit log.
func WithAuditLog(l *audit.Log) Option {
	return func(p *Pipeline) { p.aud = l }
}

// New builds a pipeline from configuration. It opens the state store,
// hydrates the dedup index, and constructs the configured sink; a failure
// here is unrecoverable and the process should exit non-zero.
func New(cfg *config.Config, log *logrus.Entry, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		cfg:     cfg,
		log:     log.WithField("component", "pipeline"),
		workers: make(map[string]*fileWorker),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.sink == nil {
		sink, err := dispatch.NewSink(cfg.Dispatch)
		if err != nil {
			return nil, fmt.Errorf("building sink: %w", err)
		}
		p.sink = sink
	}

	store, err := state.Open(cfg.State.Path)
	if err != nil {
		return nil, fmt.Errorf("opening state store: %w", err)
	}
	p.store = store

	p.index = dedup.New(cfg.Dedup.Window)
	var since time.Time
	if cfg.Dedup.Window > 0 {
		since = time.Now().Add(-cfg.Dedup.Window)
	}
	ids, err := store.LoadDedup(since)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("hydrating dedup index: %w", err)
	}
	p.index.Hydrate(ids)

	dlq, err := deadletter.NewWriter(cfg.DeadLetter.Dir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening dead-letter store: %w", err)
	}
	p.dlq = dlq

	if p.aud == nil {
		p.aud = audit.New(cfg.Audit, log)
	}
	p.dispatcher = dispatch.NewDispatcher(p.sink,
		dispatch.PolicyFromConfig(cfg.Retry), cfg.Dispatch.Workers, log)
	if p.source == nil {
		p.source = watch.New(cfg.Watch, log)
	}

	p.log.WithField("sink", p.sink.Name()).
		WithField("watcher", p.source.Name()).
		WithField("dedup_entries", p.index.Len()).
		Info("pipeline built")
	return p, nil
}

// Run starts the pipeline and blocks until the context is cancelled. On
// a graceful stop, in-flight batches get a bounded window to reach a
// terminal outcome and commit before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.close()

	p.aud.Event("pipeline_start", map[string]any{
		"watch_dir": p.cfg.Watch.Dir,
		"pattern":   p.cfg.Watch.Pattern,
		"sink":      p.sink.Name(),
	})

	if err := p.source.Start(ctx); err != nil {
		return fmt.Errorf("starting change source: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	if p.cfg.Dedup.Window > 0 {
		g.Go(func() error {
			p.pruneLoop(gctx)
			return nil
		})
	}

	var wg sync.WaitGroup
	for ev := range p.source.Events() {
		w := p.worker(gctx, ev.Path, ev.Kind, &wg)
		if w != nil {
			w.notify(ev.Kind)
		}
	}

	// Source closed: the context is done. Close worker inboxes so each
	// drains its open batch and exits.
	p.mu.Lock()
	for _, w := range p.workers {
		close(w.events)
	}
	p.mu.Unlock()

	wg.Wait()
	_ = g.Wait()

	p.aud.Event("pipeline_stop", nil)
	p.log.Info("pipeline stopped")
	return nil
}

// worker returns the worker for a path, creating and starting one on the
// first created/modified event. Removal events never create workers.
func (p *Pipeline) worker(ctx context.Context, path string, kind watch.Kind, wg *sync.WaitGroup) *fileWorker {
	p.mu.Lock()
	defer p.mu.Unlock()

	if w, ok := p.workers[path]; ok {
		return w
	}
	if kind == watch.Removed {
		return nil
	}

	w := newFileWorker(path, p)
	p.workers[path] = w
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.run(ctx)
	}()
	p.log.WithField("file", path).Debug("started file worker")
	return w
}

// pruneLoop periodically expires old dedup entries in memory and in the
// store. Expiry is safe because every stored entry is, by construction,
// part of a durably committed terminal outcome.
func (p *Pipeline) pruneLoop(ctx context.Context) {
	interval := p.cfg.Dedup.Window / 10
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := p.index.Prune()
			if _, err := p.store.PruneDedup(time.Now().Add(-p.cfg.Dedup.Window)); err != nil {
				p.log.WithError(err).Warn("pruning dedup store")
			}
			if n > 0 {
				p.log.WithField("expired", n).Debug("pruned dedup index")
			}
		}
	}
}

// WorkerCount returns the number of file workers started so far.
func (p *Pipeline) WorkerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

func (p *Pipeline) close() {
	if err := p.dlq.Close(); err != nil {
		p.log.WithError(err).Warn("closing dead-letter store")
	}
	if err := p.store.Close(); err != nil {
		p.log.WithError(err).Warn("closing state store")
	}
	if err := p.aud.Close(); err != nil {
		p.log.WithError(err).Warn("closing audit log")
	}
}
