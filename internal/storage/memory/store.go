// Package memory implements storage interfaces in process memory. It is
// meant for tests and one-shot CLI runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/sirosfoundation/go-nfe/internal/storage"
)

// Store implements storage.Store with maps.
type Store struct {
	mu            sync.RWMutex
	watermarks    map[string]string
	documents     map[string]map[string]*storage.Document // scope -> access key
	transmissions map[string]*storage.Transmission
}

var _ storage.Store = (*Store)(nil)

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		watermarks:    make(map[string]string),
		documents:     make(map[string]map[string]*storage.Document),
		transmissions: make(map[string]*storage.Transmission),
	}
}

func (s *Store) Close(context.Context) error { return nil }
func (s *Store) Ping(context.Context) error  { return nil }

// WatermarkStore implementation

func (s *Store) GetLastSequence(_ context.Context, scope string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.watermarks[scope]; ok {
		return v, nil
	}
	return storage.ZeroWatermark, nil
}

func (s *Store) SetLastSequence(_ context.Context, scope, value string) error {
	if err := storage.ValidateWatermark(value); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// Fixed width, so string order is numeric order.
	if current, ok := s.watermarks[scope]; ok && current > value {
		return storage.ErrWatermarkRegression
	}
	s.watermarks[scope] = value
	return nil
}

// DocumentStore implementation

func (s *Store) SaveDocuments(_ context.Context, scope string, docs []*storage.Document) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byKey := s.documents[scope]
	if byKey == nil {
		byKey = make(map[string]*storage.Document)
		s.documents[scope] = byKey
	}
	now := time.Now()
	added := 0
	for _, d := range docs {
		if _, exists := byKey[d.AccessKey]; exists {
			continue
		}
		stored := *d
		stored.Scope = scope
		stored.XML = append([]byte(nil), d.XML...)
		if stored.ReceivedAt.IsZero() {
			stored.ReceivedAt = now
		}
		byKey[d.AccessKey] = &stored
		added++
	}
	return added, nil
}

func (s *Store) GetDocument(_ context.Context, scope, accessKey string) (*storage.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[scope][accessKey]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *d
	return &out, nil
}

func (s *Store) ListDocuments(_ context.Context, scope string, filter *storage.DocumentFilter) ([]*storage.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*storage.Document
	for _, d := range s.documents[scope] {
		if filter.Matches(d) {
			c := *d
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].NSU > out[j].NSU
	})
	if filter != nil && filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// TransmissionStore implementation

func (s *Store) SaveTransmission(_ context.Context, t *storage.Transmission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *t
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.transmissions[t.AccessKey] = &stored
	return nil
}

func (s *Store) GetTransmission(_ context.Context, accessKey string) (*storage.Transmission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.transmissions[accessKey]
	if !ok {
		return nil, storage.ErrNotFound
	}
	out := *t
	return &out, nil
}
