package distribution

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-nfe/pkg/document"
)

type mapStore struct {
	mu     sync.Mutex
	values map[string]string
	sets   int
}

func (s *mapStore) GetLastSequence(_ context.Context, scope string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[scope], nil
}

func (s *mapStore) SetLastSequence(_ context.Context, scope, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values == nil {
		s.values = make(map[string]string)
	}
	s.values[scope] = value
	s.sets++
	return nil
}

// pagedAuthority serves keys in pages of size, one NSU per key.
func pagedAuthority(t *testing.T, keys []string, size int) *fakeAuthority {
	maxNSU := fmt.Sprintf("%015d", len(keys))
	return &fakeAuthority{handle: func(_ int, req recordedRequest) response {
		from, _ := strconv.Atoi(req.watermark())
		if from >= len(keys) {
			return response{body: distributionResponse(t, StatusNothingFound, req.watermark(), maxNSU)}
		}
		to := from + size
		if to > len(keys) {
			to = len(keys)
		}
		var entries []entry
		for i := from; i < to; i++ {
			entries = append(entries, entry{
				nsu:    fmt.Sprintf("%015d", i+1),
				schema: "resNFe_v1.01.xsd",
				xml:    resNFe(keys[i], supplier, "1", "1"),
			})
		}
		return response{body: distributionResponse(t, StatusFound, fmt.Sprintf("%015d", to), maxNSU, entries...)}
	}}
}

func testScope() Scope {
	return Scope{Identity: identity, CompanyTaxID: company, Region: 35, Environment: document.Production}
}

func fastConfig() PollerConfig {
	return PollerConfig{Interval: time.Millisecond}
}

func TestPoller_Run(t *testing.T) {
	keys := []string{supplierKey(t, 1), supplierKey(t, 2), supplierKey(t, 3), supplierKey(t, 4), supplierKey(t, 5)}
	fake := pagedAuthority(t, keys, 2)
	store := &mapStore{}
	poller := NewPoller(newTestSyncer(fake), store, fastConfig(), nil)

	var delivered []string
	stats, err := poller.Run(context.Background(), testScope(), func(_ context.Context, docs []*Summary) error {
		for _, d := range docs {
			delivered = append(delivered, d.AccessKey)
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, keys, delivered)
	assert.Equal(t, 3, stats.Iterations)
	assert.Equal(t, 5, stats.Delivered)
	assert.True(t, stats.Exhausted)
	assert.Equal(t, "000000000000005", stats.Watermark)
	assert.Equal(t, "000000000000005", store.values[company+":production"])
	assert.Equal(t, 3, store.sets)
}

func TestPoller_ConsumerFailureKeepsWatermark(t *testing.T) {
	keys := []string{supplierKey(t, 1), supplierKey(t, 2)}
	fake := pagedAuthority(t, keys, 1)
	store := &mapStore{}
	poller := NewPoller(newTestSyncer(fake), store, fastConfig(), nil)
	scope := testScope()
	scope.Name = "loja-1"

	calls := 0
	_, err := poller.Run(context.Background(), scope, func(_ context.Context, docs []*Summary) error {
		calls++
		if calls == 2 {
			return errors.New("database unavailable")
		}
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, "000000000000001", store.values["loja-1"])

	// The refused batch is delivered again by the next run.
	var redelivered []string
	stats, err := poller.Run(context.Background(), scope, func(_ context.Context, docs []*Summary) error {
		for _, d := range docs {
			redelivered = append(redelivered, d.AccessKey)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{keys[1]}, redelivered)
	assert.Equal(t, "000000000000002", stats.Watermark)
}

func TestPoller_DeduplicatesAcrossRuns(t *testing.T) {
	key := supplierKey(t, 1)
	fake := pagedAuthority(t, []string{key, key}, 1)
	store := &mapStore{}
	poller := NewPoller(newTestSyncer(fake), store, fastConfig(), nil)

	count := 0
	stats, err := poller.Run(context.Background(), testScope(), func(_ context.Context, docs []*Summary) error {
		count += len(docs)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1, stats.Duplicates)
	assert.Equal(t, "000000000000002", stats.Watermark)
}

func TestPoller_Bounds(t *testing.T) {
	keys := make([]string, 10)
	for i := range keys {
		keys[i] = supplierKey(t, i+1)
	}

	t.Run("iterations", func(t *testing.T) {
		fake := pagedAuthority(t, keys, 1)
		poller := NewPoller(newTestSyncer(fake), &mapStore{}, PollerConfig{Interval: time.Millisecond, MaxIterations: 3}, nil)
		stats, err := poller.Run(context.Background(), testScope(), func(context.Context, []*Summary) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Iterations)
		assert.Equal(t, 3, fake.count())
		assert.False(t, stats.Exhausted)
	})

	t.Run("results", func(t *testing.T) {
		fake := pagedAuthority(t, keys, 4)
		poller := NewPoller(newTestSyncer(fake), &mapStore{}, PollerConfig{Interval: time.Millisecond, MaxResults: 5}, nil)
		stats, err := poller.Run(context.Background(), testScope(), func(context.Context, []*Summary) error { return nil })
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Iterations)
		assert.Equal(t, 8, stats.Delivered)
	})
}

func TestPoller_ContextCancelled(t *testing.T) {
	fake := pagedAuthority(t, []string{supplierKey(t, 1)}, 1)
	poller := NewPoller(newTestSyncer(fake), &mapStore{}, PollerConfig{Interval: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := poller.Run(ctx, testScope(), func(context.Context, []*Summary) error { return nil })
	assert.Error(t, err)
	assert.Equal(t, 0, fake.count())
}
