// Package db provides SQLite persistence for settings, the credential
// row, and the operation history.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
)

// DB wraps the sql.DB handle
type DB struct {
	*sql.DB
}

// Open opens (creating if necessary) the database at path and runs
// migrations.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open(driverName, dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Serialize access: the credential store requires atomic get/set/clear
	// across concurrent operations.
	conn.SetMaxOpenConns(1)

	db := &DB{conn}
	if err := db.Migrate(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}
