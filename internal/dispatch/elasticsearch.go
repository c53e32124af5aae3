package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/elastic/go-elasticsearch/v8"

	"signalpipe/internal/config"
	"signalpipe/internal/model"
)

// ElasticsearchSink indexes batches into Elasticsearch with a synchronous
// bulk request, one document per signal keyed by its identifier. Using the
// id as the document key makes redelivery an idempotent upsert.
type ElasticsearchSink struct {
	cfg    config.ElasticsearchSinkConfig
	client *elasticsearch.Client
}

// NewElasticsearchSink creates an Elasticsearch sink.
func NewElasticsearchSink(cfg config.ElasticsearchSinkConfig) (*ElasticsearchSink, error) {
	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
	}
	if cfg.Username != "" {
		esCfg.Username = cfg.Username
		esCfg.Password = cfg.Password
	}
	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("creating elasticsearch client: %w", err)
	}
	return &ElasticsearchSink{cfg: cfg, client: client}, nil
}

// Name returns the sink identifier.
func (s *ElasticsearchSink) Name() string { return "elasticsearch" }

// Deliver bulk-indexes the batch and fails on any item error, so the
// dispatcher sees a per-batch outcome.
func (s *ElasticsearchSink) Deliver(ctx context.Context, b *model.Batch) error {
	body, err := bulkBody(b, s.cfg.Index)
	if err != nil {
		return err
	}

	resp, err := s.client.Bulk(bytes.NewReader(body),
		s.client.Bulk.WithContext(ctx),
		s.client.Bulk.WithIndex(s.cfg.Index),
	)
	if err != nil {
		return fmt.Errorf("bulk indexing batch %s: %w", b.ID, err)
	}
	defer resp.Body.Close()

	if resp.IsError() {
		return fmt.Errorf("bulk indexing batch %s failed with status %s", b.ID, resp.Status())
	}

	var result struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decoding bulk response for batch %s: %w", b.ID, err)
	}
	if result.Errors {
		return fmt.Errorf("bulk indexing batch %s reported item errors", b.ID)
	}
	return nil
}

// bulkBody builds the NDJSON bulk request payload for a batch.
func bulkBody(b *model.Batch, index string) ([]byte, error) {
	var buf bytes.Buffer
	for _, sig := range b.Signals {
		meta := map[string]map[string]string{
			"index": {"_index": index, "_id": sig.ID},
		}
		metaLine, err := json.Marshal(meta)
		if err != nil {
			return nil, err
		}
		doc, err := json.Marshal(sig)
		if err != nil {
			return nil, fmt.Errorf("encoding signal %s: %w", sig.ID, err)
		}
		buf.Write(metaLine)
		buf.WriteByte('\n')
		buf.Write(doc)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
