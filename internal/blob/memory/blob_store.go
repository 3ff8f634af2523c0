// Package memory stores blob content in-memory for development and tests.
package memory

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
)

type object struct {
	data        []byte
	contentType string
}

// BlobStore implements jobs.BlobStore backed by process memory.
type BlobStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]object
}

// New creates an empty in-memory blob store.
func New() *BlobStore {
	return &BlobStore{buckets: make(map[string]map[string]object)}
}

// Put stores the object and returns a content-hash etag.
func (s *BlobStore) Put(_ context.Context, bucket, key string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		b = make(map[string]object)
		s.buckets[bucket] = b
	}
	b[key] = object{data: append([]byte(nil), data...), contentType: contentType}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

// Get returns a copy of the stored object.
func (s *BlobStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.buckets[bucket][key]
	if !ok {
		return nil, jobs.NotFoundErr("object", bucket+"/"+key)
	}
	return append([]byte(nil), obj.data...), nil
}

// PresignedGet returns a pseudo URL; memory objects are always retrievable.
func (s *BlobStore) PresignedGet(_ context.Context, bucket, key string, _ time.Duration) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.buckets[bucket][key]; !ok {
		return "", jobs.NotFoundErr("object", bucket+"/"+key)
	}
	return fmt.Sprintf("memory://%s/%s", bucket, key), nil
}

// Delete removes one object; deleting a missing object is a no-op.
func (s *BlobStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets[bucket], key)
	return nil
}

// DeletePrefix removes every object under the prefix.
func (s *BlobStore) DeletePrefix(_ context.Context, bucket, prefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			delete(s.buckets[bucket], key)
		}
	}
	return nil
}

// List returns the sorted keys under the prefix.
func (s *BlobStore) List(_ context.Context, bucket, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for key := range s.buckets[bucket] {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Stat returns the object size.
func (s *BlobStore) Stat(_ context.Context, bucket, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.buckets[bucket][key]
	if !ok {
		return 0, jobs.NotFoundErr("object", bucket+"/"+key)
	}
	return int64(len(obj.data)), nil
}
