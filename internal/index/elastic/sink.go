// Package elastic persists progress documents to Elasticsearch via the bulk
// API. Indices roll daily per stream so retention is a cheap index drop.
package elastic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"
	"go.uber.org/zap"

	"github.com/geda-valentim/ingestify-to-ai/internal/index"
)

// Config holds Elasticsearch connection settings.
type Config struct {
	Addresses []string
	Username  string
	Password  string
}

// Sink implements index.Sink using the Elasticsearch bulk API.
type Sink struct {
	client *es.Client
	logger *zap.Logger
}

// New creates a Sink from the given config.
func New(cfg Config, logger *zap.Logger) (*Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := es.NewClient(es.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}
	return &Sink{client: client, logger: logger}, nil
}

// indexName rolls metric streams daily; the event stream keeps a single index
// because its retention is measured in months.
func indexName(doc index.Document) string {
	if doc.Stream == index.StreamJobEvents {
		return string(index.StreamJobEvents)
	}
	return fmt.Sprintf("%s-%s", doc.Stream, doc.Timestamp.UTC().Format("2006.01.02"))
}

type bulkAction struct {
	Index struct {
		Index string `json:"_index"`
	} `json:"index"`
}

// Bulk writes the batch with one bulk request.
func (s *Sink) Bulk(ctx context.Context, docs []index.Document) error {
	if len(docs) == 0 {
		return nil
	}
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for _, doc := range docs {
		var action bulkAction
		action.Index.Index = indexName(doc)
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("encode bulk action: %w", err)
		}
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode bulk document: %w", err)
		}
	}

	res, err := s.client.Bulk(bytes.NewReader(body.Bytes()), s.client.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bulk request: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("bulk request failed: %s", res.String())
	}

	var parsed struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if parsed.Errors {
		// Partial failures are not retried item by item; the writer retries
		// the whole batch and indexing is idempotent enough for metrics.
		return fmt.Errorf("bulk response reported item errors")
	}
	return nil
}

// DeleteOlderThan drops the stream's daily index for the cutoff date. Indices
// of earlier days are not touched; the job-events stream is never deleted.
func (s *Sink) DeleteOlderThan(ctx context.Context, stream index.Stream, cutoff time.Time) error {
	if stream == index.StreamJobEvents {
		return nil
	}
	name := fmt.Sprintf("%s-%s", stream, cutoff.UTC().Format("2006.01.02"))
	res, err := s.client.Indices.Delete([]string{name},
		s.client.Indices.Delete.WithContext(ctx),
		s.client.Indices.Delete.WithIgnoreUnavailable(true))
	if err != nil {
		return fmt.Errorf("delete index %s: %w", name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("delete index %s: %s", name, res.String())
	}
	return nil
}

// Close is a no-op; the underlying transport has no close hook.
func (s *Sink) Close(context.Context) error { return nil }
