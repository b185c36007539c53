package db

import (
	"database/sql"
	"time"
)

// Settings queries

// GetSetting returns the value for key, or "" if unset.
func (db *DB) GetSetting(key string) (string, error) {
	var value string
	err := db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting stores (or replaces) the value for key.
func (db *DB) SetSetting(key, value string) error {
	_, err := db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now(),
	)
	return err
}

// DeleteSetting removes key. Deleting an absent key is not an error.
func (db *DB) DeleteSetting(key string) error {
	_, err := db.Exec("DELETE FROM settings WHERE key = ?", key)
	return err
}

// Operation queries

// CreateOperation records the start of an operation.
func (db *DB) CreateOperation(id, kind, target string) (*Operation, error) {
	_, err := db.Exec(`
		INSERT INTO operations (id, kind, target, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		id, kind, target, OperationStatusRunning, time.Now(),
	)
	if err != nil {
		return nil, err
	}
	return db.GetOperation(id)
}

// GetOperation retrieves an operation by ID.
func (db *DB) GetOperation(id string) (*Operation, error) {
	row := db.QueryRow(`
		SELECT id, kind, target, status, exit_code, error_message, started_at, completed_at
		FROM operations WHERE id = ?`, id)
	return scanOperation(row)
}

// CompleteOperation records an operation's terminal state.
func (db *DB) CompleteOperation(id string, status OperationStatus, exitCode int, errorMessage *string) error {
	_, err := db.Exec(`
		UPDATE operations SET status = ?, exit_code = ?, error_message = ?, completed_at = ?
		WHERE id = ?`,
		status, exitCode, errorMessage, time.Now(), id,
	)
	return err
}

// ListOperations returns operations newest-first with pagination.
func (db *DB) ListOperations(limit, offset int) ([]*Operation, error) {
	rows, err := db.Query(`
		SELECT id, kind, target, status, exit_code, error_message, started_at, completed_at
		FROM operations ORDER BY started_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// CleanupOldOperations deletes completed operations older than the
// retention window.
func (db *DB) CleanupOldOperations(retentionDays int) error {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	_, err := db.Exec(`
		DELETE FROM operations
		WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff)
	return err
}

// scanner matches both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(s scanner) (*Operation, error) {
	var op Operation
	var exitCode sql.NullInt64
	var errMsg sql.NullString
	var completedAt sql.NullTime

	err := s.Scan(&op.ID, &op.Kind, &op.Target, &op.Status, &exitCode, &errMsg, &op.StartedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if exitCode.Valid {
		code := int(exitCode.Int64)
		op.ExitCode = &code
	}
	if errMsg.Valid {
		op.ErrorMessage = &errMsg.String
	}
	if completedAt.Valid {
		op.CompletedAt = &completedAt.Time
	}
	return &op, nil
}
