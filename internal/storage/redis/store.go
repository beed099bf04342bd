// Package redis implements storage interfaces on Redis.
//
// Keys, below a configurable prefix:
//
//	watermark:<scope>   string, the NSU
//	documents:<scope>   hash, access key -> JSON document
//	transmission:<key>  string, JSON transmission
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/sirosfoundation/go-nfe/internal/storage"
)

// DefaultPrefix is prepended to every key.
const DefaultPrefix = "nfe:"

// advanceScript sets KEYS[1] to ARGV[1] unless the stored value is
// higher. Values have a fixed width, so string order is numeric order.
var advanceScript = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current and current > ARGV[1] then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// Config holds Redis connection settings
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// Store implements storage.Store on Redis.
type Store struct {
	client *goredis.Client
	prefix string
}

var _ storage.Store = (*Store)(nil)

// NewStore connects and pings the server.
func NewStore(ctx context.Context, cfg *Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging Redis: %w", err)
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Store{client: client, prefix: prefix}, nil
}

func (s *Store) Close(context.Context) error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// WatermarkStore implementation

func (s *Store) GetLastSequence(ctx context.Context, scope string) (string, error) {
	val, err := s.client.Get(ctx, s.prefix+"watermark:"+scope).Result()
	if errors.Is(err, goredis.Nil) {
		return storage.ZeroWatermark, nil
	}
	if err != nil {
		return "", fmt.Errorf("getting watermark: %w", err)
	}
	return val, nil
}

func (s *Store) SetLastSequence(ctx context.Context, scope, value string) error {
	if err := storage.ValidateWatermark(value); err != nil {
		return err
	}
	ok, err := advanceScript.Run(ctx, s.client, []string{s.prefix + "watermark:" + scope}, value).Int()
	if err != nil {
		return fmt.Errorf("setting watermark: %w", err)
	}
	if ok == 0 {
		return storage.ErrWatermarkRegression
	}
	return nil
}

// DocumentStore implementation

func (s *Store) SaveDocuments(ctx context.Context, scope string, docs []*storage.Document) (int, error) {
	key := s.prefix + "documents:" + scope
	now := time.Now()
	added := 0
	for _, d := range docs {
		stored := *d
		stored.Scope = scope
		if stored.ReceivedAt.IsZero() {
			stored.ReceivedAt = now
		}
		payload, err := json.Marshal(&stored)
		if err != nil {
			return added, err
		}
		created, err := s.client.HSetNX(ctx, key, d.AccessKey, payload).Result()
		if err != nil {
			return added, err
		}
		if created {
			added++
		}
	}
	return added, nil
}

func (s *Store) GetDocument(ctx context.Context, scope, accessKey string) (*storage.Document, error) {
	val, err := s.client.HGet(ctx, s.prefix+"documents:"+scope, accessKey).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var d storage.Document
	if err := json.Unmarshal([]byte(val), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *Store) ListDocuments(ctx context.Context, scope string, filter *storage.DocumentFilter) ([]*storage.Document, error) {
	all, err := s.client.HGetAll(ctx, s.prefix+"documents:"+scope).Result()
	if err != nil {
		return nil, err
	}
	docs := make([]*storage.Document, 0, len(all))
	for _, val := range all {
		var d storage.Document
		if err := json.Unmarshal([]byte(val), &d); err != nil {
			return nil, err
		}
		if filter.Matches(&d) {
			docs = append(docs, &d)
		}
	}
	sort.Slice(docs, func(i, j int) bool {
		if !docs[i].ReceivedAt.Equal(docs[j].ReceivedAt) {
			return docs[i].ReceivedAt.After(docs[j].ReceivedAt)
		}
		return docs[i].NSU > docs[j].NSU
	})
	if filter != nil && filter.Limit > 0 && len(docs) > filter.Limit {
		docs = docs[:filter.Limit]
	}
	return docs, nil
}

// TransmissionStore implementation

func (s *Store) SaveTransmission(ctx context.Context, t *storage.Transmission) error {
	stored := *t
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(&stored)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+"transmission:"+t.AccessKey, payload, 0).Err()
}

func (s *Store) GetTransmission(ctx context.Context, accessKey string) (*storage.Transmission, error) {
	val, err := s.client.Get(ctx, s.prefix+"transmission:"+accessKey).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var t storage.Transmission
	if err := json.Unmarshal([]byte(val), &t); err != nil {
		return nil, err
	}
	return &t, nil
}
