package ble

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"classbeacon/internal/ble/simradio"
	"classbeacon/internal/devicestore"
)

const testLiveID = "AB12CD"

type recordingVibrator struct {
	mu       sync.Mutex
	patterns [][]int
}

func (v *recordingVibrator) Vibrate(pattern []int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.patterns = append(v.patterns, pattern)
	return nil
}

func (v *recordingVibrator) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.patterns)
}

type fakeEnder struct {
	mu    sync.Mutex
	err   error
	ended []int64
}

func (f *fakeEnder) EndAttendance(_ context.Context, attendanceID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.ended = append(f.ended, attendanceID)
	return nil
}

var errServerDown = errors.New("server unavailable")

type student struct {
	radio    *simradio.Radio
	store    *devicestore.MemoryStore
	vibrator *recordingVibrator
	session  *AttendeeSession
}

func newStudent(t *testing.T, air *simradio.Air, address string) *student {
	t.Helper()
	s := &student{
		radio:    air.Attach(address),
		store:    devicestore.NewMemoryStore(),
		vibrator: &recordingVibrator{},
	}
	s.session = NewAttendeeSession(s.radio, s.store, AttendeeOptions{Vibrator: s.vibrator})
	t.Cleanup(s.session.Close)
	return s
}

func newBeacon(t *testing.T, air *simradio.Air, ender AttendanceEnder) (*BeaconSession, *simradio.Radio) {
	t.Helper()
	radio := air.Attach("TEACHER")
	b := NewBeaconSession(radio, BeaconOptions{Ender: ender, AlertWriteTimeout: time.Second})
	b.SetLiveID(testLiveID)
	t.Cleanup(b.Close)
	return b, radio
}

func ticket(roster string) CheckInTicket {
	return CheckInTicket{ClassID: "math-101", StudentID: "student-" + roster, LiveID: testLiveID, RosterID: roster}
}

// gatedRadio holds every readiness check until release is closed
type gatedRadio struct {
	*simradio.Radio
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedRadio(r *simradio.Radio) *gatedRadio {
	return &gatedRadio{Radio: r, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedRadio) HasPermissions(ctx context.Context) (bool, error) {
	g.once.Do(func() { close(g.entered) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return g.Radio.HasPermissions(ctx)
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
