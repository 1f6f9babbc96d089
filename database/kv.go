package database

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"taranqi/config"
	"taranqi/storage"
)

// Backends holds whatever connections the configured KV backend needs.
// RDB is also set when REDIS_URL is configured for the sync channel,
// regardless of the KV backend.
type Backends struct {
	KV  storage.KV
	RDB *redis.Client

	closers []func() error
}

func (b *Backends) Close() error {
	var first error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OpenKV connects the KV backend selected by cfg.KVBackend.
func OpenKV(cfg *config.Config) (*Backends, error) {
	b := &Backends{}

	if cfg.RedisURL != "" {
		rdb, err := ConnectRedis(cfg)
		if err != nil {
			return nil, err
		}
		b.RDB = rdb
		b.closers = append(b.closers, rdb.Close)
	}

	switch cfg.KVBackend {
	case config.BackendMemory:
		b.KV = storage.NewMemoryKV()
	case config.BackendRedis:
		b.KV = storage.NewRedisKV(b.RDB)
	case config.BackendSQLite, config.BackendPostgres:
		db, err := Connect(cfg)
		if err != nil {
			b.Close()
			return nil, err
		}
		if err := Migrate(db); err != nil {
			b.Close()
			return nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			b.closers = append(b.closers, sqlDB.Close)
		}
		b.KV = storage.NewGormKV(db)
	default:
		b.Close()
		return nil, fmt.Errorf("unknown KV backend %q", cfg.KVBackend)
	}

	return b, nil
}
