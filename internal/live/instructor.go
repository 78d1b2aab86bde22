package live

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"

	"classbeacon/internal/api"
	"classbeacon/internal/ble"
	"classbeacon/pkg/types"
)

// Instructor ties the teacher's beacon to the server session it reports into
type Instructor struct {
	client *APIClient
	beacon *ble.BeaconSession

	mu      sync.Mutex
	session *api.StartAttendanceResponse
}

var _ ble.AttendanceEnder = (*APIClient)(nil)

// NewInstructor wires beacon to client; the beacon must have been created with
// client as its AttendanceEnder
func NewInstructor(client *APIClient, beacon *ble.BeaconSession) *Instructor {
	return &Instructor{client: client, beacon: beacon}
}

// Begin starts (or resumes) the class session and scans for its students
func (i *Instructor) Begin(ctx context.Context, classID int64) (*api.StartAttendanceResponse, error) {
	session, err := i.client.StartAttendance(ctx, classID)
	if err != nil {
		return nil, fmt.Errorf("start attendance: %w", err)
	}

	i.mu.Lock()
	i.session = session
	i.mu.Unlock()

	i.beacon.SetLiveID(session.LiveID)
	if err := i.beacon.StartStudentScan(ctx, strconv.FormatInt(classID, 10)); err != nil {
		return session, err
	}
	log.Printf("live: attendance %d started live_id=%s", session.ID, session.LiveID)
	return session, nil
}

// Session returns the running session, nil before Begin
func (i *Instructor) Session() *api.StartAttendanceResponse {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.session
}

// ManualMark records studentID present on the server and, when rosterID was
// discovered nearby, flags that entry verified on the beacon too
func (i *Instructor) ManualMark(ctx context.Context, studentID, rosterID string) (*types.AttendanceRecord, error) {
	session := i.Session()
	if session == nil {
		return nil, ErrNoSession
	}
	resp, err := i.client.ManualMark(ctx, session.ID, studentID)
	if err != nil {
		return nil, err
	}
	if rosterID == "" {
		return resp.Record, nil
	}
	if err := i.beacon.MarkStudentVerified(rosterID); err != nil && !errors.Is(err, types.ErrNotFound) {
		log.Printf("live: mark %s verified locally: %v", rosterID, err)
	}
	return resp.Record, nil
}

// Finish ends the server session, then the beacon
func (i *Instructor) Finish(ctx context.Context) error {
	session := i.Session()
	if session == nil {
		return ErrNoSession
	}
	return i.beacon.End(ctx, session.ID)
}
