// Package devicestore persists the student's active check-in on the device
// so a restarted runtime can resume advertising.
package devicestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	dbconfig "classbeacon/pkg/database"
	"classbeacon/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkin_status (
	slot          INTEGER PRIMARY KEY CHECK (slot = 1),
	class_id      TEXT NOT NULL,
	student_id    TEXT NOT NULL,
	combined_id   TEXT NOT NULL,
	checked_in_at TIMESTAMP NOT NULL
);`

// SQLiteStore keeps the single check-in row in a local SQLite file
// ARCHITECTURAL DISCOVERY: One row keyed by a constant slot; a device holds
// at most one active check-in
type SQLiteStore struct {
	db *sql.DB
}

// Open creates or opens the store at path
func Open(path string) (*SQLiteStore, error) {
	config := &dbconfig.Config{DatabasePath: path}
	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open check-in store: %w", err)
	}
	// TECHNICAL: one connection keeps :memory: databases coherent
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create check-in schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load returns the stored check-in, nil when none
func (s *SQLiteStore) Load(ctx context.Context) (*types.CheckInStatus, error) {
	status := &types.CheckInStatus{}
	err := s.db.QueryRowContext(ctx,
		`SELECT class_id, student_id, combined_id, checked_in_at FROM checkin_status WHERE slot = 1`,
	).Scan(&status.ClassID, &status.StudentID, &status.CombinedID, &status.CheckedInAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load check-in: %w", err)
	}
	return status, nil
}

// Save replaces the stored check-in
func (s *SQLiteStore) Save(ctx context.Context, status *types.CheckInStatus) error {
	if status == nil {
		return s.Clear(ctx)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkin_status (slot, class_id, student_id, combined_id, checked_in_at)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(slot) DO UPDATE SET
			class_id = excluded.class_id,
			student_id = excluded.student_id,
			combined_id = excluded.combined_id,
			checked_in_at = excluded.checked_in_at`,
		status.ClassID, status.StudentID, status.CombinedID, status.CheckedInAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save check-in: %w", err)
	}
	return nil
}

// Clear removes the stored check-in
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkin_status`); err != nil {
		return fmt.Errorf("failed to clear check-in: %w", err)
	}
	return nil
}

// Close releases the database
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// MemoryStore is a process-local store for demos and tests
type MemoryStore struct {
	mu     sync.Mutex
	status *types.CheckInStatus
	// SaveErr, when set, fails every Save
	SaveErr error
}

// NewMemoryStore returns an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(context.Context) (*types.CheckInStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status == nil {
		return nil, nil
	}
	copied := *m.status
	return &copied, nil
}

func (m *MemoryStore) Save(_ context.Context, status *types.CheckInStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	if status == nil {
		m.status = nil
		return nil
	}
	copied := *status
	copied.CheckedInAt = copied.CheckedInAt.Round(time.Millisecond)
	m.status = &copied
	return nil
}

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	m.status = nil
	m.mu.Unlock()
	return nil
}
