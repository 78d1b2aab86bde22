package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"classbeacon/internal/database"
	"classbeacon/pkg/interfaces"
	"classbeacon/pkg/types"
)

const (
	liveIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	liveIDAttempts = 5
)

// Manager implements the SessionManager interface
type Manager struct {
	dbManager      interfaces.DatabaseManager
	activeSessions map[string]*types.AttendanceSession // liveID -> session
	mu             sync.RWMutex
	startMu        sync.Mutex // serializes the open-session check with the insert
	now            func() time.Time
	newLiveID      func() (string, error)
}

// NewManager creates a new session manager
func NewManager(dbManager interfaces.DatabaseManager) *Manager {
	return &Manager{
		dbManager:      dbManager,
		activeSessions: make(map[string]*types.AttendanceSession),
		now:            time.Now,
		newLiveID:      GenerateLiveID,
	}
}

// GenerateLiveID returns a random 6 character uppercase alphanumeric token
// TECHNICAL DISCOVERY: crypto/rand keeps live ids unguessable, since knowing
// one is enough to join the room from outside the classroom
func GenerateLiveID() (string, error) {
	buf := make([]byte, types.LiveIDLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	for i, b := range buf {
		// 252 is the largest multiple of 36 below 256; rejection keeps the draw uniform
		for b >= 252 {
			var one [1]byte
			if _, err := rand.Read(one[:]); err != nil {
				return "", fmt.Errorf("read random: %w", err)
			}
			b = one[0]
		}
		buf[i] = liveIDAlphabet[int(b)%len(liveIDAlphabet)]
	}
	return string(buf), nil
}

// LoadActiveSessions loads all open sessions from database into memory
func (m *Manager) LoadActiveSessions(ctx context.Context) error {
	sessions, err := m.dbManager.ListActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active sessions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, session := range sessions {
		m.activeSessions[session.LiveID] = session
	}

	log.Printf("Loaded %d active attendance sessions", len(sessions))
	return nil
}

// StartAttendance opens a session for a class the teacher owns
// FUNCTIONAL DISCOVERY: Restarting while the teacher's session for the class
// is still open returns that session, so a crashed teacher app can resume
func (m *Manager) StartAttendance(ctx context.Context, teacherID string, classID int64) (*types.AttendanceSession, *types.Class, error) {
	if !types.IsValidUserID(teacherID) {
		return nil, nil, ErrInvalidTeacherID
	}
	if classID <= 0 {
		return nil, nil, ErrInvalidClassID
	}

	class, err := m.dbManager.GetClass(ctx, classID)
	if err != nil {
		return nil, nil, err
	}
	if class.TeacherID != teacherID {
		return nil, nil, types.ErrForbidden
	}

	m.startMu.Lock()
	defer m.startMu.Unlock()

	if open := m.openSessionForClass(classID); open != nil {
		log.Printf("Resuming attendance session: id=%d live_id=%s class=%d", open.ID, open.LiveID, classID)
		return open, class, nil
	}

	for attempt := 0; attempt < liveIDAttempts; attempt++ {
		liveID, err := m.newLiveID()
		if err != nil {
			return nil, nil, err
		}

		session := &types.AttendanceSession{
			LiveID:    liveID,
			ClassID:   classID,
			TeacherID: teacherID,
			StartTime: m.now().UTC(),
		}
		err = m.dbManager.CreateSession(ctx, session)
		if errors.Is(err, database.ErrLiveIDTaken) {
			continue
		}
		if errors.Is(err, database.ErrClassSessionOpen) {
			// Opened by another process sharing the database
			open, loadErr := m.adoptOpenSession(ctx, classID)
			if loadErr != nil {
				return nil, nil, loadErr
			}
			return open, class, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create session: %w", err)
		}

		m.mu.Lock()
		m.activeSessions[session.LiveID] = session
		m.mu.Unlock()

		log.Printf("Started attendance session: id=%d live_id=%s class=%d", session.ID, session.LiveID, classID)
		return session, class, nil
	}
	return nil, nil, ErrLiveIDExhausted
}

func (m *Manager) adoptOpenSession(ctx context.Context, classID int64) (*types.AttendanceSession, error) {
	sessions, err := m.dbManager.ListActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load open session: %w", err)
	}
	for _, s := range sessions {
		if s.ClassID == classID {
			m.mu.Lock()
			m.activeSessions[s.LiveID] = s
			m.mu.Unlock()
			log.Printf("Resuming attendance session: id=%d live_id=%s class=%d", s.ID, s.LiveID, classID)
			return s, nil
		}
	}
	return nil, database.ErrClassSessionOpen
}

func (m *Manager) openSessionForClass(classID int64) *types.AttendanceSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.activeSessions {
		if s.ClassID == classID {
			return s
		}
	}
	return nil
}

// EndAttendance closes the session; only its teacher may end it
func (m *Manager) EndAttendance(ctx context.Context, teacherID string, attendanceID int64) (*types.AttendanceSession, error) {
	session, err := m.dbManager.GetSession(ctx, attendanceID)
	if err != nil {
		return nil, err
	}
	if session.TeacherID != teacherID {
		return nil, types.ErrForbidden
	}

	end := m.now().UTC()
	if err := m.dbManager.EndSession(ctx, attendanceID, end); err != nil {
		return nil, err
	}
	session.EndTime = &end

	m.mu.Lock()
	delete(m.activeSessions, session.LiveID)
	m.mu.Unlock()

	log.Printf("Ended attendance session: id=%d live_id=%s", session.ID, session.LiveID)
	return session, nil
}

// GetLiveAttendance finds the open session for the student's class
func (m *Manager) GetLiveAttendance(ctx context.Context, studentID string) (*types.LiveAttendance, error) {
	if !types.IsValidUserID(studentID) {
		return nil, ErrInvalidStudentID
	}

	session, err := m.dbManager.GetOpenSessionForStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	class, err := m.dbManager.GetClass(ctx, session.ClassID)
	if err != nil {
		return nil, err
	}
	enrollment, err := m.dbManager.GetEnrollment(ctx, session.ClassID, studentID)
	if err != nil {
		return nil, err
	}

	live := &types.LiveAttendance{
		ID:        session.ID,
		LiveID:    session.LiveID,
		StartTime: session.StartTime,
		Class:     *class,
		RosterID:  enrollment.RosterID,
	}

	record, err := m.dbManager.GetRecord(ctx, session.ID, studentID)
	switch {
	case errors.Is(err, interfaces.ErrRecordNotFound):
	case err != nil:
		return nil, err
	default:
		live.AttendanceRecord = record
		live.AlreadyMarked = record.IsPresent
	}
	return live, nil
}

// activeSession resolves liveID to an open session
func (m *Manager) activeSession(ctx context.Context, liveID string) (*types.AttendanceSession, error) {
	if !types.IsValidLiveID(liveID) {
		return nil, ErrInvalidLiveID
	}

	m.mu.RLock()
	session, ok := m.activeSessions[liveID]
	m.mu.RUnlock()
	if ok {
		return session, nil
	}

	// Cache miss: either ended, unknown, or opened by another process.
	session, err := m.dbManager.GetSessionByLiveID(ctx, liveID)
	if err != nil {
		return nil, err
	}
	if !session.IsActive() {
		return nil, types.ErrSessionEnded
	}
	m.mu.Lock()
	m.activeSessions[liveID] = session
	m.mu.Unlock()
	return session, nil
}

// ValidateJoin checks that userID may join the room for liveID
func (m *Manager) ValidateJoin(ctx context.Context, liveID, userID, role string) (*types.AttendanceSession, error) {
	session, err := m.activeSession(ctx, liveID)
	if err != nil {
		return nil, err
	}

	switch role {
	case types.RoleTeacher:
		if session.TeacherID != userID {
			return nil, types.ErrForbidden
		}
		return session, nil
	case types.RoleStudent:
		if _, err := m.dbManager.GetEnrollment(ctx, session.ClassID, userID); err != nil {
			return nil, err
		}
		return session, nil
	default:
		return nil, ErrInvalidRole
	}
}

// MarkPresent records a device-confirmed presence
func (m *Manager) MarkPresent(ctx context.Context, liveID, studentID string) (*types.AttendanceRecord, bool, error) {
	session, err := m.ValidateJoin(ctx, liveID, studentID, types.RoleStudent)
	if err != nil {
		return nil, false, err
	}
	return m.dbManager.MarkPresent(ctx, session.ID, studentID, false, m.now())
}

// ManualMark records a teacher-toggled presence
func (m *Manager) ManualMark(ctx context.Context, teacherID string, attendanceID int64, studentID string) (*types.AttendanceSession, *types.AttendanceRecord, bool, error) {
	if !types.IsValidUserID(studentID) {
		return nil, nil, false, ErrInvalidStudentID
	}

	session, err := m.dbManager.GetSession(ctx, attendanceID)
	if err != nil {
		return nil, nil, false, err
	}
	if session.TeacherID != teacherID {
		return nil, nil, false, types.ErrForbidden
	}
	if !session.IsActive() {
		return nil, nil, false, types.ErrSessionEnded
	}
	if _, err := m.dbManager.GetEnrollment(ctx, session.ClassID, studentID); err != nil {
		return nil, nil, false, err
	}

	record, created, err := m.dbManager.MarkPresent(ctx, session.ID, studentID, true, m.now())
	if err != nil {
		return nil, nil, false, err
	}
	return session, record, created, nil
}

// ListRecords returns the ledger for a session the teacher owns
func (m *Manager) ListRecords(ctx context.Context, teacherID string, attendanceID int64) ([]*types.AttendanceRecord, error) {
	session, err := m.dbManager.GetSession(ctx, attendanceID)
	if err != nil {
		return nil, err
	}
	if session.TeacherID != teacherID {
		return nil, types.ErrForbidden
	}
	return m.dbManager.ListRecords(ctx, attendanceID)
}

// ActiveSessionCount returns the number of cached open sessions
func (m *Manager) ActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.activeSessions)
}

var _ interfaces.SessionManager = (*Manager)(nil)
