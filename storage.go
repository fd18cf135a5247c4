package main

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"

	"github.com/alimasry/go-collab-relay/config"
	"github.com/alimasry/go-collab-relay/store"
)

// openStorage builds the configured storage backend, wrapped in a state
// vector cache when a TTL is set.
func openStorage(ctx context.Context, cfg config.StorageConfig) (store.Storage, error) {
	var (
		st  store.Storage
		err error
	)
	switch cfg.Backend {
	case config.BackendMemory:
		st = store.NewMemoryStorage()
	case config.BackendPostgres:
		st, err = store.NewPostgresStorage(ctx, cfg.PostgresURL)
	case config.BackendS3:
		st, err = store.NewS3Storage(ctx, store.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			PathStyle: cfg.S3PathStyle,
		})
	case config.BackendFirestore:
		var client *firestore.Client
		client, err = firestore.NewClient(ctx, cfg.FirestoreProject)
		if err == nil {
			st = store.NewFirestoreStorage(client, cfg.FirestoreCollection)
		}
	case config.BackendBadger:
		st, err = store.OpenBadgerStorage(cfg.BadgerPath)
	default:
		err = fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	if cfg.StateVectorCacheTTL > 0 {
		st = store.NewCachedStorage(st, cfg.StateVectorCacheTTL)
	}
	return st, nil
}
