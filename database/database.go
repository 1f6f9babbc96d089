package database

import (
	"fmt"
	"log"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"taranqi/config"
)

// Connect opens the SQL database that backs the sqlite and postgres KV
// backends.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.KVBackend {
	case config.BackendPostgres:
		dialector = postgres.Open(cfg.DSN())
	case config.BackendSQLite:
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		return nil, fmt.Errorf("backend %q has no SQL database", cfg.KVBackend)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.KVBackend, err)
	}

	log.Printf("[DB] Connected (%s)", cfg.KVBackend)
	return db, nil
}
