package ble

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"classbeacon/pkg/interfaces"
	"classbeacon/pkg/types"
)

// AttendeeState is the student-side check-in state
type AttendeeState int

const (
	NotCheckedIn AttendeeState = iota
	CheckingIn
	CheckedIn
)

func (s AttendeeState) String() string {
	switch s {
	case NotCheckedIn:
		return "not_checked_in"
	case CheckingIn:
		return "checking_in"
	case CheckedIn:
		return "checked_in"
	default:
		return "unknown"
	}
}

// VibrationPattern is the fixed off/on pattern in milliseconds played for Vibrate and Both alerts
var VibrationPattern = []int{0, 400, 200, 400}

// seenAlertWindow bounds the dedup memory for alert sequence numbers
const seenAlertWindow = 64

// CheckInTicket names what the student checks in to
type CheckInTicket struct {
	ClassID   string
	StudentID string
	LiveID    string
	RosterID  string
}

// CombinedID returns the advertised id for the ticket
func (t CheckInTicket) CombinedID() CombinedID {
	return CombinedID(t.LiveID + t.RosterID)
}

// AttendeeOptions tunes an AttendeeSession; zero values pick defaults
type AttendeeOptions struct {
	Vibrator interfaces.Vibrator
	Now      func() time.Time
}

// AttendeeSession owns the student's advertising lifecycle and alert reception
type AttendeeSession struct {
	radio    interfaces.Radio
	store    interfaces.CheckInStore
	vibrator interfaces.Vibrator
	now      func() time.Time

	mu      sync.Mutex
	state   AttendeeState
	status  *types.CheckInStatus
	settled chan struct{} // closed when the running check-in leaves CheckingIn

	seenMu    sync.Mutex
	seen      map[string]struct{}
	seenOrder []string

	alerts      *registry[AlertReceived]
	radioEvents *registry[BluetoothStateChanged]
}

// NewAttendeeSession creates a student session; call Restore to resume a persisted check-in
func NewAttendeeSession(radio interfaces.Radio, store interfaces.CheckInStore, opts AttendeeOptions) *AttendeeSession {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	a := &AttendeeSession{
		radio:       radio,
		store:       store,
		vibrator:    opts.Vibrator,
		now:         opts.Now,
		state:       NotCheckedIn,
		seen:        make(map[string]struct{}),
		alerts:      newRegistry[AlertReceived](),
		radioEvents: newRegistry[BluetoothStateChanged](),
	}
	radio.SetAlertHandler(a.handleAlertWrite)
	radio.SetStateHandler(a.handleRadioState)
	return a
}

// State returns the current state
func (a *AttendeeSession) State() AttendeeState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// IsCheckedIn reports whether the device is advertising a check-in
func (a *AttendeeSession) IsCheckedIn() bool {
	return a.State() == CheckedIn
}

// CheckIn validates the combined id, prepares the radio and starts advertising
// FUNCTIONAL DISCOVERY: The length check runs before any radio call, and the
// CheckingIn state serializes concurrent calls on the single device session
func (a *AttendeeSession) CheckIn(ctx context.Context, ticket CheckInTicket) error {
	id := ticket.CombinedID()
	if err := id.Validate(); err != nil {
		return err
	}

	a.mu.Lock()
	switch a.state {
	case CheckedIn:
		same := a.status != nil && a.status.CombinedID == string(id)
		a.mu.Unlock()
		if same {
			return nil
		}
		return types.ErrAlreadyCheckedIn
	case CheckingIn:
		a.mu.Unlock()
		return types.ErrCheckInInProgress
	}
	a.beginCheckingInLocked()
	a.mu.Unlock()

	status, err := a.startAdvertising(ctx, ticket, id)
	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.settleLocked(NotCheckedIn)
		return err
	}
	a.resetSeen()
	a.status = status
	a.settleLocked(CheckedIn)
	log.Printf("ble: checked in class=%s student=%s id=%s", status.ClassID, status.StudentID, status.CombinedID)
	return nil
}

func (a *AttendeeSession) startAdvertising(ctx context.Context, ticket CheckInTicket, id CombinedID) (*types.CheckInStatus, error) {
	if err := ensureReady(ctx, a.radio); err != nil {
		return nil, err
	}

	payload, err := EncodeAdvertisement(id)
	if err != nil {
		return nil, err
	}
	if err := a.radio.StartAdvertising(ctx, payload); err != nil {
		return nil, fmt.Errorf("start advertising: %w", err)
	}

	status := &types.CheckInStatus{
		ClassID:     ticket.ClassID,
		StudentID:   ticket.StudentID,
		CombinedID:  string(id),
		CheckedInAt: a.now(),
	}
	if err := a.store.Save(ctx, status); err != nil {
		if stopErr := a.radio.StopAdvertising(); stopErr != nil {
			log.Printf("ble: stop advertising after failed save: %v", stopErr)
		}
		return nil, fmt.Errorf("persist check-in: %w", err)
	}
	return status, nil
}

// Restore resumes advertising for a check-in persisted before a restart
func (a *AttendeeSession) Restore(ctx context.Context) (*types.CheckInStatus, error) {
	status, err := a.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load check-in: %w", err)
	}
	if status == nil {
		return nil, nil
	}

	a.mu.Lock()
	if a.state != NotCheckedIn {
		a.mu.Unlock()
		return nil, types.ErrInvalidState
	}
	a.beginCheckingInLocked()
	a.mu.Unlock()

	err = ensureReady(ctx, a.radio)
	if err == nil {
		var payload []byte
		payload, err = EncodeAdvertisement(CombinedID(status.CombinedID))
		if err == nil {
			err = a.radio.StartAdvertising(ctx, payload)
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.settleLocked(NotCheckedIn)
		return status, fmt.Errorf("resume advertising: %w", err)
	}
	a.status = status
	a.settleLocked(CheckedIn)
	return status, nil
}

func (a *AttendeeSession) beginCheckingInLocked() {
	a.state = CheckingIn
	a.settled = make(chan struct{})
}

func (a *AttendeeSession) settleLocked(next AttendeeState) {
	a.state = next
	if a.settled != nil {
		close(a.settled)
		a.settled = nil
	}
}

// CheckOut stops advertising and clears the persisted status. A check-in
// still running is allowed to finish first, then undone.
// FUNCTIONAL DISCOVERY: Always succeeds locally; radio and store failures are
// logged so the UI is never stranded in a checked-in state
func (a *AttendeeSession) CheckOut(ctx context.Context) error {
	a.mu.Lock()
	for a.state == CheckingIn {
		settled := a.settled
		a.mu.Unlock()
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
		a.mu.Lock()
	}
	a.state = NotCheckedIn
	a.status = nil
	a.mu.Unlock()
	a.resetSeen()

	if err := a.radio.StopAdvertising(); err != nil {
		log.Printf("ble: stop advertising during check-out failed: %v", err)
	}
	if err := a.store.Clear(ctx); err != nil {
		log.Printf("ble: clear check-in status failed: %v", err)
	}
	log.Printf("ble: checked out")
	return nil
}

// GetCheckInStatus reads the durably stored check-in, nil when none
func (a *AttendeeSession) GetCheckInStatus(ctx context.Context) (*types.CheckInStatus, error) {
	return a.store.Load(ctx)
}

// ListenAlerts subscribes to teacher alerts
func (a *AttendeeSession) ListenAlerts(handler func(AlertReceived)) Subscription {
	return a.alerts.listen(handler)
}

// ListenBluetoothState subscribes to radio power changes
func (a *AttendeeSession) ListenBluetoothState(handler func(BluetoothStateChanged)) Subscription {
	return a.radioEvents.listen(handler)
}

// handleAlertWrite surfaces each logical alert exactly once
func (a *AttendeeSession) handleAlertWrite(write types.AlertWrite) {
	frame, err := DecodeAlert(write.Payload)
	if err != nil {
		log.Printf("ble: dropped alert from %s: %v", write.Source, err)
		return
	}
	if !a.IsCheckedIn() {
		return
	}
	// Source is a transport handle, not a stable peer id, so dedup keys on the frame alone
	if !a.firstSighting(fmt.Sprintf("%08x/%d", frame.Epoch, frame.Seq)) {
		return
	}

	if frame.Type.Vibrates() && a.vibrator != nil {
		if err := a.vibrator.Vibrate(VibrationPattern); err != nil {
			log.Printf("ble: vibrate failed: %v", err)
		}
	}
	a.alerts.emit(AlertReceived{AlertType: frame.Type, Source: write.Source, Epoch: frame.Epoch, Seq: frame.Seq})
}

// resetSeen forgets every alert seen under the previous check-in
func (a *AttendeeSession) resetSeen() {
	a.seenMu.Lock()
	a.seen = make(map[string]struct{})
	a.seenOrder = nil
	a.seenMu.Unlock()
}

// firstSighting records key and reports whether it was new
func (a *AttendeeSession) firstSighting(key string) bool {
	a.seenMu.Lock()
	defer a.seenMu.Unlock()
	if _, dup := a.seen[key]; dup {
		return false
	}
	a.seen[key] = struct{}{}
	a.seenOrder = append(a.seenOrder, key)
	if len(a.seenOrder) > seenAlertWindow {
		delete(a.seen, a.seenOrder[0])
		a.seenOrder = a.seenOrder[1:]
	}
	return true
}

func (a *AttendeeSession) handleRadioState(enabled bool) {
	a.radioEvents.emit(BluetoothStateChanged{Enabled: enabled})
}

// Close detaches from the radio and disposes every listener
func (a *AttendeeSession) Close() {
	a.radio.SetAlertHandler(nil)
	a.radio.SetStateHandler(nil)
	a.alerts.closeAll()
	a.radioEvents.closeAll()
}
