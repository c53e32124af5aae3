package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"signalpipe/internal/config"
	"signalpipe/internal/model"
)

// StdoutSink prints dispatched signals to standard output. Used for dry
// runs and local inspection of the pipe.
type StdoutSink struct {
	cfg config.StdoutSinkConfig
	w   io.Writer
	mu  sync.Mutex
}

// StdoutOption configures a StdoutSink.
type StdoutOption func(*StdoutSink)

// WithStdoutWriter redirects output, primarily for testing.
func WithStdoutWriter(w io.Writer) StdoutOption {
	return func(s *StdoutSink) {
		s.w = w
	}
}

// NewStdoutSink creates a stdout sink.
func NewStdoutSink(cfg config.StdoutSinkConfig, opts ...StdoutOption) *StdoutSink {
	s := &StdoutSink{cfg: cfg, w: os.Stdout}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the sink identifier.
func (s *StdoutSink) Name() string { return "stdout" }

// Deliver writes each signal on its own line, JSON or text per config.
func (s *StdoutSink) Deliver(ctx context.Context, b *model.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sig := range b.Signals {
		var err error
		if s.cfg.Format == "text" {
			_, err = fmt.Fprintf(s.w, "%s %s %s %s confidence=%.3f\n",
				sig.Timestamp, sig.ID, sig.Symbol, sig.Side, sig.Confidence)
		} else {
			var data []byte
			if data, err = json.Marshal(sig); err == nil {
				_, err = fmt.Fprintf(s.w, "%s\n", data)
			}
		}
		if err != nil {
			return err
		}
	}
	return nil
}
