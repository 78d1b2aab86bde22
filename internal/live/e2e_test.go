package live

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"classbeacon/internal/app"
	"classbeacon/internal/ble"
	"classbeacon/internal/ble/simradio"
	"classbeacon/internal/config"
	"classbeacon/internal/devicestore"
	"classbeacon/internal/face"
	"classbeacon/pkg/types"
)

const e2eRoster = `{"classes": [{"id": 5, "name": "Biology", "teacher_id": "teacher_5", "students": [
  {"student_id": "student_a", "roster_id": "01"},
  {"student_id": "student_b", "roster_id": "02"}
]}]}`

func startApplication(t *testing.T) (*app.Application, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()
	rosterPath := filepath.Join(dir, "roster.json")
	if err := os.WriteFile(rosterPath, []byte(e2eRoster), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := config.DefaultConfig()
	cfg.Database.Path = filepath.Join(dir, "classbeacon.db")
	cfg.Auth.Secret = "0123456789abcdef0123456789abcdef"
	cfg.Attendance.RosterFile = rosterPath
	cfg.HTTP.Port = 0

	application, err := app.NewApplication(cfg)
	if err != nil {
		t.Fatalf("NewApplication: %v", err)
	}
	if err := application.StartHub(context.Background()); err != nil {
		t.Fatalf("StartHub: %v", err)
	}
	server := httptest.NewServer(application.Handler())
	t.Cleanup(func() {
		server.Close()
		_ = application.Stop(context.Background())
	})
	return application, server
}

func clientFor(t *testing.T, application *app.Application, serverURL, userID, role string) *APIClient {
	t.Helper()
	token, err := application.Issuer().Issue(userID, role)
	if err != nil {
		t.Fatal(err)
	}
	client, err := NewAPIClient(serverURL, token, nil)
	if err != nil {
		t.Fatal(err)
	}
	return client
}

// TestLiveAttendanceFlow drives a teacher beacon and a student coordinator
// against a real server: start, discover, face-verified mark, manual mark, end.
func TestLiveAttendanceFlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	application, server := startApplication(t)

	teacherAPI := clientFor(t, application, server.URL, "teacher_5", types.RoleTeacher)
	studentAPI := clientFor(t, application, server.URL, "student_a", types.RoleStudent)

	if _, err := studentAPI.LiveAttendance(ctx); !errors.Is(err, types.ErrSessionNotFound) {
		t.Fatalf("Expected ErrSessionNotFound before start, got %v", err)
	}

	air := simradio.NewAir()
	beacon := ble.NewBeaconSession(air.Attach("AA:00:00:00:00:01"), ble.BeaconOptions{Ender: teacherAPI})
	defer beacon.Close()
	instructor := NewInstructor(teacherAPI, beacon)

	attendee := ble.NewAttendeeSession(air.Attach("BB:00:00:00:00:01"), devicestore.NewMemoryStore(), ble.AttendeeOptions{})
	defer attendee.Close()

	session, err := instructor.Begin(ctx, 5)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if len(session.LiveID) != types.LiveIDLength {
		t.Fatalf("unexpected live id %q", session.LiveID)
	}

	live, err := studentAPI.LiveAttendance(ctx)
	if err != nil {
		t.Fatalf("LiveAttendance: %v", err)
	}
	if live.LiveID != session.LiveID || live.RosterID != "01" {
		t.Fatalf("unexpected live view %+v", live)
	}

	ticket := ble.CheckInTicket{ClassID: "5", StudentID: "student_a", LiveID: live.LiveID, RosterID: live.RosterID}
	if err := attendee.CheckIn(ctx, ticket); err != nil {
		t.Fatalf("CheckIn: %v", err)
	}
	air.Rebroadcast()
	discovered := beacon.DiscoveredStudents()
	if len(discovered) != 1 || discovered[0].StudentID != "01" {
		t.Fatalf("expected roster id 01 discovered, got %+v", discovered)
	}

	coordinator, err := NewCoordinator(Options{
		Sessions:   studentAPI,
		ChannelURL: studentAPI.ChannelURL(),
		StudentID:  "student_a",
		Verifier:   face.NewMatcher([]float32{1, 0}, nil),
		AfterFunc:  (&fakeTimer{}).AfterFunc,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer coordinator.Close()

	if err := coordinator.Join(ctx); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := coordinator.MarkPresent(ctx, probeAt(0.72)); err != nil {
		t.Fatalf("MarkPresent: %v", err)
	}
	if coordinator.State() != Marked {
		t.Fatalf("expected marked, got %s", coordinator.State())
	}

	record, err := instructor.ManualMark(ctx, "student_b", "02")
	if err != nil {
		t.Fatalf("ManualMark: %v", err)
	}
	if !record.IsPresent || !record.MarkedManually {
		t.Errorf("unexpected manual record %+v", record)
	}

	if err := instructor.Finish(ctx); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if beacon.State() != ble.BeaconEnded {
		t.Errorf("expected beacon ended, got %s", beacon.State())
	}
	if err := teacherAPI.EndAttendance(ctx, session.ID); !errors.Is(err, types.ErrSessionEnded) {
		t.Errorf("Ending twice should report ErrSessionEnded, got %v", err)
	}

	records, err := teacherAPI.Records(ctx, session.ID)
	if err != nil {
		t.Fatalf("Records: %v", err)
	}
	present := map[string]bool{}
	for _, r := range records {
		if r.IsPresent {
			present[r.StudentID] = r.MarkedManually
		}
	}
	if manual, ok := present["student_a"]; !ok || manual {
		t.Errorf("student_a should be marked by device, got %+v", present)
	}
	if manual, ok := present["student_b"]; !ok || !manual {
		t.Errorf("student_b should be marked manually, got %+v", present)
	}
}

func TestInstructor_RequiresSession(t *testing.T) {
	client, err := NewAPIClient("http://127.0.0.1:1", "token", nil)
	if err != nil {
		t.Fatal(err)
	}
	beacon := ble.NewBeaconSession(simradio.NewAir().Attach("AA"), ble.BeaconOptions{Ender: client})
	defer beacon.Close()
	instructor := NewInstructor(client, beacon)

	if err := instructor.Finish(context.Background()); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected ErrNoSession, got %v", err)
	}
	if _, err := instructor.ManualMark(context.Background(), "s1", ""); !errors.Is(err, ErrNoSession) {
		t.Errorf("Expected ErrNoSession, got %v", err)
	}
}

func TestInstructor_FailedEndKeepsBeacon(t *testing.T) {
	ctx := context.Background()
	application, server := startApplication(t)
	teacherAPI := clientFor(t, application, server.URL, "teacher_5", types.RoleTeacher)

	beacon := ble.NewBeaconSession(simradio.NewAir().Attach("AA"), ble.BeaconOptions{Ender: teacherAPI})
	defer beacon.Close()
	instructor := NewInstructor(teacherAPI, beacon)
	if _, err := instructor.Begin(ctx, 5); err != nil {
		t.Fatalf("Begin: %v", err)
	}

	server.Close()
	if err := instructor.Finish(ctx); err == nil {
		t.Fatal("Finish should fail when the server is unreachable")
	}
	if beacon.State() == ble.BeaconEnded {
		t.Error("The beacon must not end before the server confirms")
	}
}
