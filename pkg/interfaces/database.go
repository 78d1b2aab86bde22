package interfaces

import (
	"context"
	"time"

	"classbeacon/pkg/types"
)

// DatabaseManager handles all attendance persistence
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// keeps the single-writer ordering in one place
type DatabaseManager interface {
	// Roster copy
	CreateClass(ctx context.Context, class *types.Class) error
	GetClass(ctx context.Context, classID int64) (*types.Class, error)
	EnrollStudent(ctx context.Context, enrollment *types.Enrollment) error
	GetEnrollment(ctx context.Context, classID int64, studentID string) (*types.Enrollment, error)

	// CreateSession persists session and assigns its ID
	CreateSession(ctx context.Context, session *types.AttendanceSession) error
	GetSession(ctx context.Context, sessionID int64) (*types.AttendanceSession, error)
	GetSessionByLiveID(ctx context.Context, liveID string) (*types.AttendanceSession, error)
	// GetOpenSessionForStudent returns the newest open session of any class the student is enrolled in
	GetOpenSessionForStudent(ctx context.Context, studentID string) (*types.AttendanceSession, error)
	EndSession(ctx context.Context, sessionID int64, endTime time.Time) error
	ListActiveSessions(ctx context.Context) ([]*types.AttendanceSession, error)

	// MarkPresent is idempotent: created is false when the student was already present
	MarkPresent(ctx context.Context, sessionID int64, studentID string, manual bool, at time.Time) (record *types.AttendanceRecord, created bool, err error)
	GetRecord(ctx context.Context, sessionID int64, studentID string) (*types.AttendanceRecord, error)
	ListRecords(ctx context.Context, sessionID int64) ([]*types.AttendanceRecord, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
