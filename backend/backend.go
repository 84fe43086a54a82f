// Package backend opens the maildrop store selected in the configuration,
// including the optional S3 body store and its local cache.
package backend

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/popd/cache"
	"github.com/migadu/popd/config"
	"github.com/migadu/popd/db"
	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/maildrop"
	"github.com/migadu/popd/maildrop/memory"
	"github.com/migadu/popd/maildrop/spool"
	"github.com/migadu/popd/pkg/metrics"
	"github.com/migadu/popd/storage"
)

// Backend is an opened maildrop store plus what has to be released on exit.
type Backend struct {
	Store maildrop.Store
	// Database is set for the sqlite and postgres backends.
	Database *db.Database
	// Objects is the S3 body store, set when s3 is enabled.
	Objects *storage.S3Storage
	// CacheStats is set when a local body cache is in use.
	CacheStats metrics.CacheStatsProvider

	closers []func() error
}

// Close releases resources in reverse opening order.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			logger.Warn("Error releasing backend resource", "error", err)
		}
	}
	b.closers = nil
}

// Open opens the backend named by cfg.Maildrop.Backend. The body cache purge
// loop, when there is one, runs until ctx is cancelled.
func Open(ctx context.Context, cfg *config.Config) (*Backend, error) {
	lockTTL, err := cfg.Maildrop.GetLockTTL()
	if err != nil {
		return nil, err
	}

	switch cfg.Maildrop.Backend {
	case config.BackendMemory:
		logger.Warn("Using the in-memory maildrop backend: nothing survives a restart")
		return &Backend{Store: memory.New()}, nil

	case config.BackendSpool:
		s, err := spool.New(cfg.Maildrop.SpoolPath, lockTTL)
		if err != nil {
			return nil, err
		}
		logger.Info("Using spool maildrop backend", "path", cfg.Maildrop.SpoolPath)
		return &Backend{Store: s}, nil

	case config.BackendSQLite, config.BackendPostgres:
		return openDatabase(ctx, cfg, lockTTL)
	}
	return nil, fmt.Errorf("unknown maildrop backend %q", cfg.Maildrop.Backend)
}

func openDatabase(ctx context.Context, cfg *config.Config, lockTTL time.Duration) (*Backend, error) {
	queryTimeout, err := cfg.Database.GetQueryTimeout()
	if err != nil {
		return nil, err
	}
	database, err := db.Open(ctx, db.Options{
		Flavor:       db.Flavor(cfg.Maildrop.Backend),
		DSN:          cfg.Database.DSN,
		QueryTimeout: queryTimeout,
		LockTTL:      lockTTL,
		MaxConns:     cfg.Database.MaxConns,
		AutoMigrate:  cfg.Database.AutoMigrate,
	})
	if err != nil {
		return nil, err
	}
	b := &Backend{Store: database, Database: database, closers: []func() error{database.Close}}

	if !cfg.S3.Enabled {
		return b, nil
	}
	if err := b.attachS3(ctx, cfg, database); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *Backend) attachS3(ctx context.Context, cfg *config.Config, database *db.Database) error {
	s3, err := storage.New(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, !cfg.S3.DisableTLS, cfg.S3.Debug)
	if err != nil {
		return err
	}
	if err := s3.EnsureBucket(ctx); err != nil {
		return err
	}
	b.Objects = s3

	if cfg.LocalCache.Path == "" {
		database.SetBodyStore(s3, nil)
		logger.Info("Message bodies stored in S3", "bucket", cfg.S3.Bucket)
		return nil
	}

	capacity, err := cfg.LocalCache.GetCapacity()
	if err != nil {
		return err
	}
	maxObject, err := cfg.LocalCache.GetMaxObjectSize()
	if err != nil {
		return err
	}
	purgeInterval, err := cfg.LocalCache.GetPurgeInterval()
	if err != nil {
		return err
	}
	bodyCache, err := cache.New(cfg.LocalCache.Path, capacity, maxObject, purgeInterval, database)
	if err != nil {
		return err
	}
	b.closers = append(b.closers, bodyCache.Close)
	if err := bodyCache.SyncFromDisk(); err != nil {
		logger.Warn("Body cache sync failed", "error", err)
	}
	bodyCache.StartPurgeLoop(ctx)

	database.SetBodyStore(s3, bodyCache)
	b.CacheStats = bodyCache
	logger.Info("Message bodies stored in S3 with local cache", "bucket", cfg.S3.Bucket, "cache", cfg.LocalCache.Path)
	return nil
}
