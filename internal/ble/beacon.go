package ble

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"classbeacon/pkg/interfaces"
	"classbeacon/pkg/types"
)

// BeaconState is the teacher-side session state
type BeaconState int

const (
	BeaconIdle BeaconState = iota
	BeaconScanning
	BeaconActive
	BeaconEnded
)

func (s BeaconState) String() string {
	switch s {
	case BeaconIdle:
		return "idle"
	case BeaconScanning:
		return "scanning"
	case BeaconActive:
		return "active"
	case BeaconEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// AttendanceEnder closes the server-side attendance session
// FUNCTIONAL DISCOVERY: The server ledger is authoritative, so the beacon only
// reaches Ended after the end request has succeeded
type AttendanceEnder interface {
	EndAttendance(ctx context.Context, attendanceID int64) error
}

// BeaconOptions tunes a BeaconSession; zero values pick defaults
type BeaconOptions struct {
	Ender             AttendanceEnder
	AlertWriteTimeout time.Duration
	Now               func() time.Time
}

// BeaconSession owns the teacher's scan and alert lifecycle for one class session
// ARCHITECTURAL DISCOVERY: Single writer of the discovered set; everything else
// reads through accessor snapshots
type BeaconSession struct {
	radio        interfaces.Radio
	ender        AttendanceEnder
	writeTimeout time.Duration
	now          func() time.Time

	mu         sync.RWMutex
	state      BeaconState
	classID    string
	liveID     string
	discovered map[string]*types.DiscoveredStudent // deviceAddress -> entry
	order      []string                            // discovery order for reports
	rollout    *rolloutJob
	scanGen    uint64 // bumped by every StartStudentScan

	scanMu sync.Mutex // serializes radio start attempts

	alertEpoch  uint32
	alertSeq    atomic.Uint32
	stateEvents *registry[BeaconState]
	radioEvents *registry[BluetoothStateChanged]
	stateCh     chan BeaconState // ordered hand-off to the dispatcher goroutine
	done        chan struct{}
	closeOnce   sync.Once
}

// NewBeaconSession creates a teacher session bound to radio
func NewBeaconSession(radio interfaces.Radio, opts BeaconOptions) *BeaconSession {
	if opts.AlertWriteTimeout <= 0 {
		opts.AlertWriteTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	b := &BeaconSession{
		radio:        radio,
		ender:        opts.Ender,
		writeTimeout: opts.AlertWriteTimeout,
		now:          opts.Now,
		state:        BeaconIdle,
		alertEpoch:   uuid.New().ID(),
		discovered:   make(map[string]*types.DiscoveredStudent),
		stateEvents:  newRegistry[BeaconState](),
		radioEvents:  newRegistry[BluetoothStateChanged](),
		stateCh:      make(chan BeaconState, 32),
		done:         make(chan struct{}),
	}
	radio.SetStateHandler(b.handleRadioState)
	go b.dispatchStates()
	return b
}

// SetLiveID narrows discovery to combined ids carrying liveID as prefix
func (b *BeaconSession) SetLiveID(liveID string) {
	b.mu.Lock()
	b.liveID = liveID
	b.mu.Unlock()
}

// State returns the current state
func (b *BeaconSession) State() BeaconState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// IsScanning reports whether a scan is running
func (b *BeaconSession) IsScanning() bool {
	state := b.State()
	return state == BeaconScanning || state == BeaconActive
}

// ListenState subscribes to state transitions (drives scan animations in the UI)
func (b *BeaconSession) ListenState(handler func(BeaconState)) Subscription {
	return b.stateEvents.listen(handler)
}

// ListenBluetoothState subscribes to radio power changes
func (b *BeaconSession) ListenBluetoothState(handler func(BluetoothStateChanged)) Subscription {
	return b.radioEvents.listen(handler)
}

// StartStudentScan begins scanning for advertising students of classID
// FUNCTIONAL DISCOVERY: The state moves to Scanning before the radio call
// suspends, so a second concurrent call sees AlreadyScanning instead of
// starting a second scan. A stop that lands while the radio call is pending
// wins: the scan is torn down as soon as it comes up.
func (b *BeaconSession) StartStudentScan(ctx context.Context, classID string) error {
	b.mu.Lock()
	switch b.state {
	case BeaconEnded:
		b.mu.Unlock()
		return ErrSessionEnded
	case BeaconScanning, BeaconActive:
		b.mu.Unlock()
		return types.ErrAlreadyScanning
	}
	b.classID = classID
	b.scanGen++
	gen := b.scanGen
	b.setStateLocked(BeaconScanning)
	b.mu.Unlock()

	b.scanMu.Lock()
	defer b.scanMu.Unlock()

	err := ensureReady(ctx, b.radio)
	if err == nil {
		err = b.radio.StartScan(ctx, b.handleAdvertisement)
	}
	if err != nil {
		b.mu.Lock()
		if b.state == BeaconScanning && b.scanGen == gen {
			b.setStateLocked(BeaconIdle)
		}
		b.mu.Unlock()
		return fmt.Errorf("start student scan: %w", err)
	}

	b.mu.Lock()
	current := b.scanGen == gen && (b.state == BeaconScanning || b.state == BeaconActive)
	b.mu.Unlock()
	if !current {
		if err := b.radio.StopScan(); err != nil {
			log.Printf("ble: stop superseded scan failed: %v", err)
		}
		return fmt.Errorf("start student scan: %w", ErrScanCancelled)
	}

	log.Printf("ble: student scan started class=%s", classID)
	return nil
}

// StopStudentScan halts scanning; a no-op success when not scanning
func (b *BeaconSession) StopStudentScan() error {
	b.mu.Lock()
	if b.state != BeaconScanning && b.state != BeaconActive {
		b.mu.Unlock()
		return nil
	}
	b.setStateLocked(BeaconIdle)
	b.mu.Unlock()

	if err := b.radio.StopScan(); err != nil {
		return fmt.Errorf("stop student scan: %w", err)
	}
	log.Printf("ble: student scan stopped")
	return nil
}

// handleAdvertisement upserts a discovered student keyed by device address
func (b *BeaconSession) handleAdvertisement(adv types.Advertisement) {
	id, ok := DecodeAdvertisement(adv.Payload)
	if !ok {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// TECHNICAL DISCOVERY: Late callbacks after StopScan are dropped here
	if b.state != BeaconScanning && b.state != BeaconActive {
		return
	}
	if b.liveID != "" && !strings.HasPrefix(string(id), b.liveID) {
		return
	}

	now := b.now()
	if entry, exists := b.discovered[adv.Address]; exists {
		entry.RSSI = adv.RSSI
		entry.DiscoveredAt = now
		entry.StudentID = id.StudentID(b.liveID)
		return
	}

	b.discovered[adv.Address] = &types.DiscoveredStudent{
		StudentID:     id.StudentID(b.liveID),
		DeviceAddress: adv.Address,
		RSSI:          adv.RSSI,
		DiscoveredAt:  now,
	}
	b.order = append(b.order, adv.Address)
	log.Printf("ble: discovered student=%s address=%s rssi=%d", id.StudentID(b.liveID), adv.Address, adv.RSSI)

	if b.state == BeaconScanning {
		b.setStateLocked(BeaconActive)
	}
}

func (b *BeaconSession) handleRadioState(enabled bool) {
	b.mu.Lock()
	if !enabled && (b.state == BeaconScanning || b.state == BeaconActive) {
		b.setStateLocked(BeaconIdle)
	}
	b.mu.Unlock()
	b.radioEvents.emit(BluetoothStateChanged{Enabled: enabled})
}

// MarkStudentVerified records the teacher's explicit confirmation of presence
func (b *BeaconSession) MarkStudentVerified(studentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	found := false
	now := b.now()
	for _, entry := range b.discovered {
		if entry.StudentID != studentID {
			continue
		}
		entry.Verified = true
		verifiedAt := now
		entry.VerifiedAt = &verifiedAt
		found = true
	}
	if !found {
		return fmt.Errorf("%w: %s", types.ErrNotFound, studentID)
	}
	return nil
}

// DiscoveredStudents returns a snapshot in discovery order
func (b *BeaconSession) DiscoveredStudents() []types.DiscoveredStudent {
	b.mu.RLock()
	defer b.mu.RUnlock()

	students := make([]types.DiscoveredStudent, 0, len(b.order))
	for _, address := range b.order {
		students = append(students, *b.discovered[address])
	}
	return students
}

// GetAttendanceReport projects the discovered set; present iff verified
func (b *BeaconSession) GetAttendanceReport() []types.AttendanceReportEntry {
	students := b.DiscoveredStudents()
	report := make([]types.AttendanceReportEntry, 0, len(students))
	for _, s := range students {
		status := types.ReportStatusUnverified
		if s.Verified {
			status = types.ReportStatusPresent
		}
		report = append(report, types.AttendanceReportEntry{
			StudentID:     s.StudentID,
			DeviceAddress: s.DeviceAddress,
			Status:        status,
			DiscoveredAt:  s.DiscoveredAt,
			VerifiedAt:    s.VerifiedAt,
		})
	}
	sort.SliceStable(report, func(i, j int) bool {
		return report[i].DiscoveredAt.Before(report[j].DiscoveredAt)
	})
	return report
}

// ClearDiscoveredStudents resets the discovery set between sessions
func (b *BeaconSession) ClearDiscoveredStudents() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BeaconScanning || b.state == BeaconActive {
		return fmt.Errorf("%w: stop the scan before clearing", types.ErrInvalidState)
	}
	b.clearLocked()
	return nil
}

func (b *BeaconSession) clearLocked() {
	b.discovered = make(map[string]*types.DiscoveredStudent)
	b.order = nil
}

// End closes the server session first; on failure the beacon keeps its state
func (b *BeaconSession) End(ctx context.Context, attendanceID int64) error {
	b.mu.RLock()
	state := b.state
	b.mu.RUnlock()
	if state == BeaconEnded {
		return ErrSessionEnded
	}
	if b.ender == nil {
		return ErrNoAttendanceEnder
	}

	if err := b.ender.EndAttendance(ctx, attendanceID); err != nil {
		return fmt.Errorf("end attendance %d: %w", attendanceID, err)
	}

	b.CancelAlertRollout()
	if err := b.StopStudentScan(); err != nil {
		log.Printf("ble: stop scan during end failed: %v", err)
	}

	b.mu.Lock()
	b.clearLocked()
	b.setStateLocked(BeaconEnded)
	b.mu.Unlock()

	log.Printf("ble: beacon session ended attendance_id=%d", attendanceID)
	return nil
}

// Close detaches from the radio and disposes every listener
func (b *BeaconSession) Close() {
	b.closeOnce.Do(func() {
		b.CancelAlertRollout()
		if err := b.StopStudentScan(); err != nil {
			log.Printf("ble: stop scan during close failed: %v", err)
		}
		b.radio.SetStateHandler(nil)
		close(b.done)
		b.stateEvents.closeAll()
		b.radioEvents.closeAll()
	})
}

// setStateLocked must be called with b.mu held
func (b *BeaconSession) setStateLocked(next BeaconState) {
	if b.state == next {
		return
	}
	b.state = next
	select {
	case b.stateCh <- next:
	default:
		log.Printf("ble: state listener backlog full, dropped transition to %s", next)
	}
}

// dispatchStates delivers transitions in order without holding b.mu
func (b *BeaconSession) dispatchStates() {
	for {
		select {
		case state := <-b.stateCh:
			b.stateEvents.emit(state)
		case <-b.done:
			return
		}
	}
}
