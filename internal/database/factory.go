package database

import (
	"fmt"
	"path/filepath"

	"artisync/internal/config"
)

// NewDatabaseFromConfig creates a SQLiteDatabase based on the database config
// type and brings its schema up to date. Each collection gets its own file.
func NewDatabaseFromConfig(cfg config.DatabaseConfig, collectionID string) (*SQLiteDatabase, error) {
	var path string
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite database")
		}
		path = filepath.Join(cfg.DataDir, collectionID+".db")
	case "memory":
		path = ":memory:"
	default:
		return nil, fmt.Errorf("unknown database type: %s", cfg.Type)
	}

	db, err := NewSQLiteDatabase(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	return db, nil
}
