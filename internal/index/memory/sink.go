// Package memory collects progress documents in-process for development and
// tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/geda-valentim/ingestify-to-ai/internal/index"
)

// Sink implements index.Sink by appending to a slice.
type Sink struct {
	mu   sync.RWMutex
	docs []index.Document
	fail error
}

// New creates an empty Sink.
func New() *Sink {
	return &Sink{}
}

// FailWith makes subsequent Bulk calls return err; pass nil to recover.
func (s *Sink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Bulk appends the batch.
func (s *Sink) Bulk(_ context.Context, docs []index.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.docs = append(s.docs, docs...)
	return nil
}

// Close is a no-op.
func (s *Sink) Close(context.Context) error { return nil }

// Docs returns a copy of everything written, sorted by timestamp as readers
// of the real store would.
func (s *Sink) Docs() []index.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]index.Document(nil), s.docs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// ByStream filters written documents by stream.
func (s *Sink) ByStream(stream index.Stream) []index.Document {
	var out []index.Document
	for _, d := range s.Docs() {
		if d.Stream == stream {
			out = append(out, d)
		}
	}
	return out
}
