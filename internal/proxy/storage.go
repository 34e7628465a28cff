package proxy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/readwatch/offline-cache/internal/cache"
	"github.com/readwatch/offline-cache/internal/config"
)

// openStorage opens the cache storage backend selected by the configuration
func openStorage(ctx context.Context, cfg config.CacheConfig) (cache.Storage, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		logrus.Debug("Using in-memory cache storage")
		return cache.NewMemory(), nil

	case config.BackendDisk:
		d := cache.NewDisk(cfg.Folder)
		if err := d.Init(); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		logrus.Debugf("Using disk cache storage in %s", cfg.Folder)
		return d, nil

	case config.BackendRedis:
		r, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, err
		}
		logrus.Debugf("Using redis cache storage at %s", cfg.Redis.Addr)
		return r, nil

	case config.BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLite.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		db, err := cache.NewSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, err
		}
		logrus.Debugf("Using sqlite cache storage in %s", cfg.SQLite.Path)
		return db, nil

	default:
		return nil, fmt.Errorf("unknown cache backend: %s", cfg.Backend)
	}
}
