package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"signalpipe/internal/config"
	"signalpipe/internal/model"
)

// HTTPSink posts batches to the strategy engine's ingestion endpoint.
type HTTPSink struct {
	cfg    config.HTTPSinkConfig
	client HTTPDoer
}

// httpBatch is the wire format of one dispatched batch.
type httpBatch struct {
	BatchID string          `json:"batch_id"`
	Source  string          `json:"source"`
	Signals []*model.Signal `json:"signals"`
}

// HTTPOption configures an HTTPSink.
type HTTPOption func(*HTTPSink)

// WithHTTPClient sets a custom HTTP client, primarily for testing.
func WithHTTPClient(client HTTPDoer) HTTPOption {
	return func(s *HTTPSink) {
		s.client = client
	}
}

// NewHTTPSink creates an HTTP sink.
func NewHTTPSink(cfg config.HTTPSinkConfig, opts ...HTTPOption) *HTTPSink {
	s := &HTTPSink{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the sink identifier.
func (s *HTTPSink) Name() string { return "http" }

// Deliver posts the batch as JSON. Any transport error or non-2xx status
// fails the attempt; the receiving end deduplicates on signal identifier,
// so redelivery is safe.
func (s *HTTPSink) Deliver(ctx context.Context, b *model.Batch) error {
	data, err := json.Marshal(httpBatch{
		BatchID: b.ID,
		Source:  b.Source,
		Signals: b.Signals,
	})
	if err != nil {
		return fmt.Errorf("encoding batch %s: %w", b.ID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Batch-ID", b.ID)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting batch %s: %w", b.ID, err)
	}
	// Drain before closing so the connection is reused across retries.
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sink rejected batch %s with status %d", b.ID, resp.StatusCode)
	}
	return nil
}
