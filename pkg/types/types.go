package types

import (
	"time"
)

// Channel message types
// ARCHITECTURAL DISCOVERY: Names are the wire contract shared with the mobile
// clients, so they stay snake_case strings rather than an enum
const (
	MessageTypeJoinAttendance   = "join_attendance"
	MessageTypeMarkPresent      = "mark_present"
	MessageTypeJoinedAttendance = "joined_attendance"
	MessageTypePresenceMarked   = "presence_marked"
	MessageTypeAttendanceEnded  = "attendance_ended"
	MessageTypeAuthError        = "auth_error"
	MessageTypeError            = "error"
)

// Roles carried in auth tokens
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
)

// LiveIDLength is the length of the short session token handed to students.
const LiveIDLength = 6

// Class is the server-side copy of a roster class
type Class struct {
	ID        int64  `json:"id" db:"id"`
	Name      string `json:"name" db:"name"`
	TeacherID string `json:"teacher_id" db:"teacher_id"`
}

// Enrollment ties a student to a class with the roster-scoped id that ends up
// inside the combined BLE check-in id
type Enrollment struct {
	ClassID   int64  `json:"class_id" db:"class_id"`
	StudentID string `json:"student_id" db:"student_id"`
	RosterID  string `json:"roster_id" db:"roster_id"`
}

// AttendanceSession is one live attendance run for a class
// FUNCTIONAL DISCOVERY: Immutable after creation except for EndTime, which is
// set exactly once when the teacher ends the session
type AttendanceSession struct {
	ID        int64      `json:"id" db:"id"`
	LiveID    string     `json:"live_id" db:"live_id"`
	ClassID   int64      `json:"class_id" db:"class_id"`
	TeacherID string     `json:"teacher_id" db:"teacher_id"`
	StartTime time.Time  `json:"start_time" db:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty" db:"end_time"`
}

// IsActive reports whether the session has not been ended.
func (s *AttendanceSession) IsActive() bool {
	return s.EndTime == nil
}

// AttendanceRecord is the ledger row for one (session, student) pair
// FUNCTIONAL DISCOVERY: IsPresent never flips back to false from a client path
type AttendanceRecord struct {
	SessionID      int64      `json:"session_id" db:"session_id"`
	StudentID      string     `json:"student_id" db:"student_id"`
	IsPresent      bool       `json:"is_present" db:"is_present"`
	MarkedManually bool       `json:"marked_manually" db:"marked_manually"`
	MarkedAt       *time.Time `json:"marked_at" db:"marked_at"`
}

// ChannelMessage is the single envelope used in both directions on the live channel
// TECHNICAL DISCOVERY: Flat envelope with omitempty fields keeps each message
// type's JSON identical to what the mobile client already parses
type ChannelMessage struct {
	Type           string     `json:"type"`
	LiveID         string     `json:"live_id,omitempty"`
	AttendanceID   int64      `json:"attendance_id,omitempty"`
	StudentID      string     `json:"student_id,omitempty"`
	MarkedAt       *time.Time `json:"marked_at,omitempty"`
	MarkedManually bool       `json:"marked_manually,omitempty"`
	Message        string     `json:"message,omitempty"`
}

// AlertType selects what the student's device does when a teacher alert lands
type AlertType uint8

const (
	AlertVibrate AlertType = iota + 1
	AlertSound
	AlertBoth
)

// String returns the constant name used by the native module contract.
func (a AlertType) String() string {
	switch a {
	case AlertVibrate:
		return "VIBRATE"
	case AlertSound:
		return "SOUND"
	case AlertBoth:
		return "BOTH"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether a is one of the three defined alert types.
func (a AlertType) Valid() bool {
	return a >= AlertVibrate && a <= AlertBoth
}

// Vibrates reports whether the alert type triggers the vibration pattern.
func (a AlertType) Vibrates() bool {
	return a == AlertVibrate || a == AlertBoth
}

// ParseAlertType maps a constant name back to an AlertType.
func ParseAlertType(s string) (AlertType, error) {
	switch s {
	case "VIBRATE", "vibrate":
		return AlertVibrate, nil
	case "SOUND", "sound":
		return AlertSound, nil
	case "BOTH", "both":
		return AlertBoth, nil
	default:
		return 0, ErrInvalidAlertType
	}
}

// DiscoveredStudent is the teacher's in-memory view of one advertising device
// FUNCTIONAL DISCOVERY: Keyed by DeviceAddress; Verified survives rediscovery
type DiscoveredStudent struct {
	StudentID     string     `json:"student_id"`
	DeviceAddress string     `json:"device_address"`
	RSSI          int        `json:"rssi"`
	DiscoveredAt  time.Time  `json:"discovered_at"`
	Verified      bool       `json:"verified"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty"`
}

// CheckInStatus is the student's durable record of the active check-in
type CheckInStatus struct {
	ClassID     string    `json:"class_id"`
	StudentID   string    `json:"student_id"`
	CombinedID  string    `json:"combined_id"`
	CheckedInAt time.Time `json:"checked_in_at"`
}

// Report statuses
const (
	ReportStatusPresent    = "present"
	ReportStatusUnverified = "unverified"
)

// AttendanceReportEntry is the read-only projection of a DiscoveredStudent
type AttendanceReportEntry struct {
	StudentID     string     `json:"student_id"`
	DeviceAddress string     `json:"device_address"`
	Status        string     `json:"status"`
	DiscoveredAt  time.Time  `json:"discovered_at"`
	VerifiedAt    *time.Time `json:"verified_at,omitempty"`
}

// Advertisement is one observed BLE advertisement carrying our manufacturer data
type Advertisement struct {
	Address string    `json:"address"`
	RSSI    int       `json:"rssi"`
	Payload []byte    `json:"payload"`
	SeenAt  time.Time `json:"seen_at"`
}

// AlertWrite is one GATT write received on the alert characteristic
type AlertWrite struct {
	// Source names the writer for logging; it is not a stable peer identity
	Source  string `json:"source"`
	Payload []byte `json:"payload"`
}

// LiveAttendance is the student's view of the live session for their class
type LiveAttendance struct {
	ID               int64             `json:"id"`
	LiveID           string            `json:"live_id"`
	StartTime        time.Time         `json:"start_time"`
	Class            Class             `json:"class"`
	RosterID         string            `json:"roster_id"`
	AlreadyMarked    bool              `json:"already_marked"`
	AttendanceRecord *AttendanceRecord `json:"attendance_record"`
}
