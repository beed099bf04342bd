package main

import (
	"context"
	"fmt"

	"github.com/sirosfoundation/go-nfe/internal/config"
	"github.com/sirosfoundation/go-nfe/internal/storage"
	"github.com/sirosfoundation/go-nfe/internal/storage/memory"
	"github.com/sirosfoundation/go-nfe/internal/storage/mongodb"
	"github.com/sirosfoundation/go-nfe/internal/storage/postgres"
	"github.com/sirosfoundation/go-nfe/internal/storage/redis"
)

// openStore connects the configured backend.
func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "memory", "":
		return memory.NewStore(), nil
	case "mongodb":
		s, err := mongodb.NewStore(ctx, &mongodb.Config{
			URI:            cfg.MongoDB.URI,
			Database:       cfg.MongoDB.Database,
			GridFSBucket:   cfg.MongoDB.GridFS.BucketName,
			ChunkSizeBytes: int32(cfg.MongoDB.GridFS.ChunkSizeBytes),
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("opening PostgreSQL: %w", err)
		}
		return s, nil
	case "redis":
		s, err := redis.NewStore(ctx, &redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}
