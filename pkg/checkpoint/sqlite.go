package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps a history of snapshots in a local SQLite database, one
// row per checkpoint, newest wins on load.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (and migrates) a snapshot database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite %s: %w", path, err)
	}
	// The kernel is single-writer; concurrent connections only contend here.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			taken_at  TEXT NOT NULL,
			version   TEXT NOT NULL,
			integrity TEXT NOT NULL,
			snapshot  BLOB NOT NULL
		)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("checkpoint: migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Save appends one snapshot row.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (taken_at, version, integrity, snapshot) VALUES (?, ?, ?, ?)`,
		snap.TakenAt.Format(time.RFC3339Nano), snap.Version, snap.Integrity, raw)
	if err != nil {
		return fmt.Errorf("checkpoint: insert: %w", err)
	}
	return nil
}

// LoadLatest returns the most recent snapshot, verified.
func (s *SQLiteStore) LoadLatest(ctx context.Context) (Snapshot, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM checkpoints ORDER BY id DESC LIMIT 1`).Scan(&raw)
	if err == sql.ErrNoRows {
		return Snapshot{}, fmt.Errorf("checkpoint: no snapshots stored")
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint: query latest: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("checkpoint: parse stored snapshot: %w", err)
	}
	if err := snap.Verify(); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

// Prune keeps the newest n snapshots and drops the rest.
func (s *SQLiteStore) Prune(ctx context.Context, keep int) error {
	if keep < 1 {
		return fmt.Errorf("checkpoint: prune must keep at least one snapshot, got %d", keep)
	}
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM checkpoints WHERE id NOT IN (
			SELECT id FROM checkpoints ORDER BY id DESC LIMIT ?
		)`, keep)
	if err != nil {
		return fmt.Errorf("checkpoint: prune: %w", err)
	}
	return nil
}
