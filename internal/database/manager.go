package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	dbconfig "classbeacon/pkg/database"
	"classbeacon/pkg/interfaces"
	"classbeacon/pkg/types"
)

// Manager implements the DatabaseManager interface
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation // TECHNICAL: Single-writer pattern for SQLite
	shutdown     chan struct{}
	retryDelay   time.Duration
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the database and starts the writer goroutine
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database config: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// FUNCTIONAL DISCOVERY: Connection pool configuration critical for concurrent reads
	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := applySQLiteOptimizations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply SQLite optimizations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
		retryDelay:   5 * time.Second,
	}

	// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write contention
	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			// FUNCTIONAL DISCOVERY: Lock contention is retried exactly once;
			// constraint failures are answers, not transient faults
			if isBusy(err) {
				log.Printf("Database busy, retrying in %s: %v", m.retryDelay, err)
				time.Sleep(m.retryDelay)
				err = op.operation(m.db)
				if err != nil {
					log.Printf("Database write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			log.Println("Database write loop shutting down")
			return
		}
	}
}

func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// executeWrite queues a write operation and waits for completion
func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)

	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// CreateClass inserts a roster class
func (m *Manager) CreateClass(ctx context.Context, class *types.Class) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO classes (id, name, teacher_id) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET name = excluded.name, teacher_id = excluded.teacher_id`,
			class.ID, class.Name, class.TeacherID)
		if err != nil {
			return fmt.Errorf("failed to insert class: %w", err)
		}
		return nil
	})
}

// GetClass retrieves a class by ID
func (m *Manager) GetClass(ctx context.Context, classID int64) (*types.Class, error) {
	var class types.Class
	err := m.db.QueryRowContext(ctx,
		`SELECT id, name, teacher_id FROM classes WHERE id = ?`, classID,
	).Scan(&class.ID, &class.Name, &class.TeacherID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrClassNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query class: %w", err)
	}
	return &class, nil
}

// EnrollStudent adds or updates a roster entry
func (m *Manager) EnrollStudent(ctx context.Context, enrollment *types.Enrollment) error {
	return m.executeWrite(func(db *sql.DB) error {
		_, err := db.ExecContext(ctx,
			`INSERT INTO enrollments (class_id, student_id, roster_id) VALUES (?, ?, ?)
			 ON CONFLICT(class_id, student_id) DO UPDATE SET roster_id = excluded.roster_id`,
			enrollment.ClassID, enrollment.StudentID, enrollment.RosterID)
		if err != nil {
			return fmt.Errorf("failed to enroll student: %w", err)
		}
		return nil
	})
}

// GetEnrollment returns the student's roster entry for classID
func (m *Manager) GetEnrollment(ctx context.Context, classID int64, studentID string) (*types.Enrollment, error) {
	var e types.Enrollment
	err := m.db.QueryRowContext(ctx,
		`SELECT class_id, student_id, roster_id FROM enrollments WHERE class_id = ? AND student_id = ?`,
		classID, studentID,
	).Scan(&e.ClassID, &e.StudentID, &e.RosterID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotEnrolled
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query enrollment: %w", err)
	}
	return &e, nil
}

// CreateSession inserts session and fills in its ID
func (m *Manager) CreateSession(ctx context.Context, session *types.AttendanceSession) error {
	return m.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`INSERT INTO attendance_sessions (live_id, class_id, teacher_id, start_time)
			 VALUES (?, ?, ?, ?)`,
			session.LiveID, session.ClassID, session.TeacherID, session.StartTime.UTC())
		if isUniqueViolation(err) {
			// sqlite names the offending column, which tells the two unique indexes apart
			if strings.Contains(err.Error(), "attendance_sessions.class_id") {
				return ErrClassSessionOpen
			}
			return ErrLiveIDTaken
		}
		if err != nil {
			return fmt.Errorf("failed to insert session: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to read session id: %w", err)
		}
		session.ID = id
		return nil
	})
}

const sessionColumns = `id, live_id, class_id, teacher_id, start_time, end_time`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*types.AttendanceSession, error) {
	var session types.AttendanceSession
	var endTime sql.NullTime
	if err := row.Scan(&session.ID, &session.LiveID, &session.ClassID,
		&session.TeacherID, &session.StartTime, &endTime); err != nil {
		return nil, err
	}
	// FUNCTIONAL DISCOVERY: Handle nullable end_time field properly
	if endTime.Valid {
		session.EndTime = &endTime.Time
	}
	return &session, nil
}

func (m *Manager) querySession(ctx context.Context, where string, args ...any) (*types.AttendanceSession, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM attendance_sessions `+where, args...)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return session, nil
}

// GetSession retrieves a session by ID
func (m *Manager) GetSession(ctx context.Context, sessionID int64) (*types.AttendanceSession, error) {
	return m.querySession(ctx, `WHERE id = ?`, sessionID)
}

// GetSessionByLiveID retrieves a session by its live id
func (m *Manager) GetSessionByLiveID(ctx context.Context, liveID string) (*types.AttendanceSession, error) {
	return m.querySession(ctx, `WHERE live_id = ?`, liveID)
}

// GetOpenSessionForStudent returns the newest open session of a class the student attends
func (m *Manager) GetOpenSessionForStudent(ctx context.Context, studentID string) (*types.AttendanceSession, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT s.id, s.live_id, s.class_id, s.teacher_id, s.start_time, s.end_time
		FROM attendance_sessions s
		JOIN enrollments e ON e.class_id = s.class_id
		WHERE e.student_id = ? AND s.end_time IS NULL
		ORDER BY s.start_time DESC, s.id DESC
		LIMIT 1`, studentID)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query open session: %w", err)
	}
	return session, nil
}

// EndSession sets end_time once; ending an ended session reports ErrSessionEnded
func (m *Manager) EndSession(ctx context.Context, sessionID int64, endTime time.Time) error {
	return m.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx,
			`UPDATE attendance_sessions SET end_time = ? WHERE id = ? AND end_time IS NULL`,
			endTime.UTC(), sessionID)
		if err != nil {
			return fmt.Errorf("failed to end session: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 1 {
			return nil
		}

		var exists int
		err = db.QueryRowContext(ctx, `SELECT 1 FROM attendance_sessions WHERE id = ?`, sessionID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return types.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to query session: %w", err)
		}
		return types.ErrSessionEnded
	})
}

// ListActiveSessions returns all open sessions, newest first
func (m *Manager) ListActiveSessions(ctx context.Context) ([]*types.AttendanceSession, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM attendance_sessions WHERE end_time IS NULL ORDER BY start_time DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*types.AttendanceSession
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// MarkPresent records presence for (sessionID, studentID)
// FUNCTIONAL DISCOVERY: The upsert only touches rows that are not yet present,
// so a repeated mark keeps the original timestamp and reports created=false
func (m *Manager) MarkPresent(ctx context.Context, sessionID int64, studentID string, manual bool, at time.Time) (*types.AttendanceRecord, bool, error) {
	var created bool
	err := m.executeWrite(func(db *sql.DB) error {
		res, err := db.ExecContext(ctx, `
			INSERT INTO attendance_records (session_id, student_id, is_present, marked_manually, marked_at)
			VALUES (?, ?, 1, ?, ?)
			ON CONFLICT(session_id, student_id) DO UPDATE SET
				is_present = 1,
				marked_manually = excluded.marked_manually,
				marked_at = excluded.marked_at
			WHERE attendance_records.is_present = 0`,
			sessionID, studentID, manual, at.UTC())
		if err != nil {
			return fmt.Errorf("failed to mark present: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		created = n > 0
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	record, err := m.GetRecord(ctx, sessionID, studentID)
	if err != nil {
		return nil, false, err
	}
	return record, created, nil
}

const recordColumns = `session_id, student_id, is_present, marked_manually, marked_at`

func scanRecord(row rowScanner) (*types.AttendanceRecord, error) {
	var record types.AttendanceRecord
	var markedAt sql.NullTime
	if err := row.Scan(&record.SessionID, &record.StudentID, &record.IsPresent,
		&record.MarkedManually, &markedAt); err != nil {
		return nil, err
	}
	if markedAt.Valid {
		record.MarkedAt = &markedAt.Time
	}
	return &record, nil
}

// GetRecord returns the ledger row for the pair
func (m *Manager) GetRecord(ctx context.Context, sessionID int64, studentID string) (*types.AttendanceRecord, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM attendance_records WHERE session_id = ? AND student_id = ?`,
		sessionID, studentID)
	record, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	return record, nil
}

// ListRecords returns a session's ledger in marking order
func (m *Manager) ListRecords(ctx context.Context, sessionID int64) ([]*types.AttendanceRecord, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM attendance_records WHERE session_id = ? ORDER BY marked_at ASC, student_id ASC`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	records := []*types.AttendanceRecord{}
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record row: %w", err)
		}
		records = append(records, record)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating record rows: %w", err)
	}
	return records, nil
}

// HealthCheck validates database connectivity
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	var n int
	if err := m.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM attendance_sessions").Scan(&n); err != nil {
		return fmt.Errorf("database read test failed: %w", err)
	}
	return nil
}

// GetDB returns the underlying database connection for migrations
func (m *Manager) GetDB() *sql.DB {
	return m.db
}

// Close shuts down the database manager
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	// ARCHITECTURAL DISCOVERY: Graceful shutdown requires careful goroutine coordination
	close(m.shutdown)
	m.wg.Wait()

	if err := m.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// applySQLiteOptimizations applies performance optimizations
func applySQLiteOptimizations(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -64000", // 64MB
		"PRAGMA temp_store = MEMORY",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute pragma %s: %w", pragma, err)
		}
	}
	return nil
}

var _ interfaces.DatabaseManager = (*Manager)(nil)
