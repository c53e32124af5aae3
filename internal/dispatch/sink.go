// Package dispatch delivers closed batches to the downstream sink with
// bounded, jittered retry.
package dispatch

import (
	"context"
	"fmt"
	"net/http"

	"signalpipe/internal/config"
	"signalpipe/internal/model"
)

// Sink is the downstream consumer of dispatched batches. Deliver must be
// safe to invoke more than once with the same batch: retries and
// crash-recovery redeliver, and the contract is at-least-once with
// idempotent handling keyed on signal identifier.
type Sink interface {
	// Deliver sends one batch. A nil return acknowledges the whole
	// batch; any error marks the attempt failed.
	Deliver(ctx context.Context, b *model.Batch) error

	// Name returns a unique identifier for this sink.
	Name() string
}

// NewSink builds the sink selected in configuration. Selection is an
// explicit switch at startup; sinks are never resolved by name lookup at
// dispatch time.
func NewSink(cfg config.DispatchConfig) (Sink, error) {
	switch cfg.Sink {
	case "http":
		return NewHTTPSink(cfg.HTTP), nil
	case "elasticsearch":
		return NewElasticsearchSink(cfg.Elasticsearch)
	case "stdout":
		return NewStdoutSink(cfg.Stdout), nil
	default:
		return nil, fmt.Errorf("unknown sink: %q", cfg.Sink)
	}
}

// HTTPDoer abstracts HTTP client operations for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Ensure http.Client implements HTTPDoer.
var _ HTTPDoer = (*http.Client)(nil)
