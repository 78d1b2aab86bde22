package stub

import (
	"context"
	"errors"
	"testing"

	"classbeacon/internal/ble"
	"classbeacon/internal/devicestore"
	"classbeacon/pkg/types"
)

func TestRadio_EverythingUnsupported(t *testing.T) {
	ctx := context.Background()
	r := New()

	if _, err := r.HasPermissions(ctx); !errors.Is(err, types.ErrUnsupported) {
		t.Errorf("HasPermissions: %v", err)
	}
	if err := r.StartAdvertising(ctx, []byte("x")); !errors.Is(err, types.ErrUnsupported) {
		t.Errorf("StartAdvertising: %v", err)
	}
	if err := r.WriteAlert(ctx, "AA", []byte{1}); !errors.Is(err, types.ErrUnsupported) {
		t.Errorf("WriteAlert: %v", err)
	}
	if err := r.StopScan(); err != nil {
		t.Errorf("StopScan should be a no-op, got %v", err)
	}
}

func TestRadio_SessionsSurfaceUnsupported(t *testing.T) {
	ctx := context.Background()

	beacon := ble.NewBeaconSession(New(), ble.BeaconOptions{})
	defer beacon.Close()
	if err := beacon.StartStudentScan(ctx, "1"); !errors.Is(err, types.ErrUnsupported) {
		t.Errorf("StartStudentScan: expected ErrUnsupported, got %v", err)
	}
	if beacon.State() != ble.BeaconIdle {
		t.Errorf("beacon should stay idle, got %s", beacon.State())
	}

	attendee := ble.NewAttendeeSession(New(), devicestore.NewMemoryStore(), ble.AttendeeOptions{})
	defer attendee.Close()
	err := attendee.CheckIn(ctx, ble.CheckInTicket{ClassID: "1", StudentID: "s1", LiveID: "AB12CD", RosterID: "07"})
	if !errors.Is(err, types.ErrUnsupported) {
		t.Errorf("CheckIn: expected ErrUnsupported, got %v", err)
	}
	if attendee.IsCheckedIn() {
		t.Error("attendee should not be checked in")
	}
}
