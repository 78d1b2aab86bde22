package interfaces

import (
	"context"

	"classbeacon/pkg/types"
)

// SessionManager handles attendance session lifecycle and marking rules
type SessionManager interface {
	// StartAttendance opens a session for a class the teacher owns
	StartAttendance(ctx context.Context, teacherID string, classID int64) (*types.AttendanceSession, *types.Class, error)

	// EndAttendance closes the session; only its teacher may end it
	EndAttendance(ctx context.Context, teacherID string, attendanceID int64) (*types.AttendanceSession, error)

	// GetLiveAttendance finds the open session for the student's class
	GetLiveAttendance(ctx context.Context, studentID string) (*types.LiveAttendance, error)

	// ValidateJoin checks that userID may join the room for liveID
	ValidateJoin(ctx context.Context, liveID, userID, role string) (*types.AttendanceSession, error)

	// MarkPresent records a device-confirmed presence
	MarkPresent(ctx context.Context, liveID, studentID string) (*types.AttendanceRecord, bool, error)

	// ManualMark records a teacher-toggled presence
	ManualMark(ctx context.Context, teacherID string, attendanceID int64, studentID string) (*types.AttendanceSession, *types.AttendanceRecord, bool, error)

	// ListRecords returns the ledger for a session the teacher owns
	ListRecords(ctx context.Context, teacherID string, attendanceID int64) ([]*types.AttendanceRecord, error)
}
