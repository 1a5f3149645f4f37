package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite" // pure-Go sqlite driver
)

// SQLiteStore persists watermarks in a single-table sqlite database.
// It suits daemons that want durable progress without an external
// service.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and if needed initializes) the database at
// path. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open progress database: %w", err)
	}

	// Single writer keeps the monotonic upsert race-free.
	db.SetMaxOpenConns(1)

	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`CREATE TABLE IF NOT EXISTS progress (
			task_name TEXT PRIMARY KEY,
			sequence  INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()

			return nil, fmt.Errorf("initialize progress database: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Load(ctx context.Context, taskName string) (uint64, error) {
	var sequence uint64

	err := s.db.QueryRowContext(ctx,
		`SELECT sequence FROM progress WHERE task_name = ?`, taskName,
	).Scan(&sequence)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("query progress: %w", err)
	}

	return sequence, nil
}

func (s *SQLiteStore) Save(ctx context.Context, taskName string, sequence uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO progress (task_name, sequence) VALUES (?, ?)
		 ON CONFLICT(task_name) DO UPDATE SET sequence = excluded.sequence
		 WHERE excluded.sequence > progress.sequence`,
		taskName, sequence,
	)
	if err != nil {
		return fmt.Errorf("update progress: %w", err)
	}

	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
