package live

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"classbeacon/internal/face"
	"classbeacon/pkg/types"
)

const (
	testLiveID    = "AB12CD"
	testStudentID = "student_a"
)

// scriptedServer accepts channel connections and lets the test decide every reply
type scriptedServer struct {
	*httptest.Server
	conns    chan *websocket.Conn
	received chan *types.ChannelMessage
	closed   chan struct{}
}

func newScriptedServer(t *testing.T, onConnect func(*websocket.Conn)) *scriptedServer {
	t.Helper()
	s := &scriptedServer{
		conns:    make(chan *websocket.Conn, 4),
		received: make(chan *types.ChannelMessage, 16),
		closed:   make(chan struct{}, 16),
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if onConnect != nil {
			onConnect(conn)
		}
		s.conns <- conn
		for {
			var msg types.ChannelMessage
			if err := conn.ReadJSON(&msg); err != nil {
				s.closed <- struct{}{}
				return
			}
			s.received <- &msg
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *scriptedServer) channelURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/ws?token=t"
}

func (s *scriptedServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-s.conns:
		return conn
	case <-time.After(2 * time.Second):
		t.Fatal("no channel connection arrived")
	}
	return nil
}

func (s *scriptedServer) expect(t *testing.T, msgType string) *types.ChannelMessage {
	t.Helper()
	select {
	case msg := <-s.received:
		if msg.Type != msgType {
			t.Fatalf("expected %s, got %s", msgType, msg.Type)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", msgType)
	}
	return nil
}

func (s *scriptedServer) expectNone(t *testing.T, window time.Duration) {
	t.Helper()
	select {
	case msg := <-s.received:
		t.Fatalf("expected no client message, got %s", msg.Type)
	case <-time.After(window):
	}
}

type fakeSessions struct {
	live *types.LiveAttendance
	err  error
}

func (f *fakeSessions) LiveAttendance(context.Context) (*types.LiveAttendance, error) {
	return f.live, f.err
}

// fakeTimer records the scheduled delay and fires only when told to
type fakeTimer struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending func()
	stopped bool
}

func (f *fakeTimer) AfterFunc(d time.Duration, fn func()) func() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delays = append(f.delays, d)
	f.pending = fn
	return func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.stopped = true
		return true
	}
}

func (f *fakeTimer) fire() {
	f.mu.Lock()
	fn := f.pending
	f.pending = nil
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// probeAt returns a 2-d embedding whose cosine similarity to (1, 0) is sim
func probeAt(sim float64) []float32 {
	return []float32{float32(sim), float32(math.Sqrt(1 - sim*sim))}
}

func newTestCoordinator(t *testing.T, srv *scriptedServer, timer *fakeTimer) *Coordinator {
	t.Helper()
	opts := Options{
		Sessions:   &fakeSessions{live: &types.LiveAttendance{ID: 9, LiveID: testLiveID, RosterID: "01"}},
		ChannelURL: srv.channelURL(),
		StudentID:  testStudentID,
		Verifier:   face.NewMatcher([]float32{1, 0}, nil),
	}
	if timer != nil {
		opts.AfterFunc = timer.AfterFunc
	}
	c, err := NewCoordinator(opts)
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// joinWithReply runs Join while the server answers joined_attendance
func joinWithReply(t *testing.T, c *Coordinator, srv *scriptedServer) *websocket.Conn {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Join(context.Background()) }()

	conn := srv.nextConn(t)
	join := srv.expect(t, types.MessageTypeJoinAttendance)
	if join.LiveID != testLiveID {
		t.Fatalf("join carried live_id %q", join.LiveID)
	}
	conn.WriteJSON(&types.ChannelMessage{Type: types.MessageTypeJoinedAttendance, LiveID: testLiveID, AttendanceID: 9})

	if err := <-errCh; err != nil {
		t.Fatalf("Join: %v", err)
	}
	if c.State() != Joined {
		t.Fatalf("expected joined, got %s", c.State())
	}
	return conn
}

func waitForState(t *testing.T, c *Coordinator, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected state %s, still %s", want, c.State())
}

func TestNewCoordinator_Validation(t *testing.T) {
	if _, err := NewCoordinator(Options{}); err == nil {
		t.Error("Expected error without a session source")
	}
	_, err := NewCoordinator(Options{Sessions: &fakeSessions{}, Verifier: face.NewMatcher(nil, nil)})
	if !errors.Is(err, ErrMissingIdentity) {
		t.Errorf("Expected ErrMissingIdentity, got %v", err)
	}
}

func TestCoordinator_MarkNeverPrecedesJoined(t *testing.T) {
	srv := newScriptedServer(t, nil)
	c := newTestCoordinator(t, srv, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- c.Join(ctx) }()

	srv.nextConn(t)
	srv.expect(t, types.MessageTypeJoinAttendance)
	waitForState(t, c, Connected)

	// The server never answers joined_attendance
	err := c.MarkPresent(context.Background(), probeAt(0.9))
	if !errors.Is(err, types.ErrInvalidState) || !errors.Is(err, ErrNotJoined) {
		t.Errorf("Expected not-joined error, got %v", err)
	}
	srv.expectNone(t, 100*time.Millisecond)

	if err := <-errCh; !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected join to time out, got %v", err)
	}
	if c.State() != Errored {
		t.Errorf("Expected errored after join timeout, got %s", c.State())
	}
}

func TestCoordinator_MarkConfirmedThenReleasedAfterDisplayWindow(t *testing.T) {
	srv := newScriptedServer(t, nil)
	timer := &fakeTimer{}
	c := newTestCoordinator(t, srv, timer)

	var mu sync.Mutex
	var seen []State
	c.OnStateChange(func(ch StateChange) {
		mu.Lock()
		seen = append(seen, ch.State)
		mu.Unlock()
	})

	conn := joinWithReply(t, c, srv)

	errCh := make(chan error, 1)
	go func() { errCh <- c.MarkPresent(context.Background(), probeAt(0.72)) }()

	mark := srv.expect(t, types.MessageTypeMarkPresent)
	if mark.LiveID != testLiveID {
		t.Errorf("mark carried live_id %q", mark.LiveID)
	}
	now := time.Now()
	conn.WriteJSON(&types.ChannelMessage{
		Type: types.MessageTypePresenceMarked, LiveID: testLiveID, AttendanceID: 9,
		StudentID: testStudentID, MarkedAt: &now,
	})
	if err := <-errCh; err != nil {
		t.Fatalf("MarkPresent: %v", err)
	}
	if c.State() != Marked {
		t.Fatalf("expected marked, got %s", c.State())
	}

	timer.mu.Lock()
	delays := append([]time.Duration(nil), timer.delays...)
	timer.mu.Unlock()
	if len(delays) != 1 || delays[0] != 3000*time.Millisecond {
		t.Fatalf("expected one 3000ms display window, got %v", delays)
	}

	timer.fire()
	if c.State() != Disconnected {
		t.Fatalf("expected disconnected after the window, got %s", c.State())
	}
	select {
	case <-srv.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("channel was not released")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{Connecting, Connected, Joined, Marked, Disconnected}
	if len(seen) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], seen[i])
		}
	}
}

func TestCoordinator_FaceMismatchSendsNothing(t *testing.T) {
	srv := newScriptedServer(t, nil)
	c := newTestCoordinator(t, srv, &fakeTimer{})
	joinWithReply(t, c, srv)

	err := c.MarkPresent(context.Background(), probeAt(0.59))
	if !errors.Is(err, types.ErrFaceMismatch) {
		t.Fatalf("Expected ErrFaceMismatch, got %v", err)
	}
	srv.expectNone(t, 100*time.Millisecond)
	if c.State() != Joined {
		t.Errorf("A rejected face should leave the coordinator joined, got %s", c.State())
	}
}

func TestCoordinator_AuthErrorMovesToErrored(t *testing.T) {
	srv := newScriptedServer(t, func(conn *websocket.Conn) {
		conn.WriteJSON(&types.ChannelMessage{Type: types.MessageTypeAuthError, Message: "bad token"})
		time.Sleep(100 * time.Millisecond)
		conn.Close()
	})
	c := newTestCoordinator(t, srv, nil)

	var mu sync.Mutex
	var lastErr error
	c.OnStateChange(func(ch StateChange) {
		if ch.State == Errored {
			mu.Lock()
			lastErr = ch.Err
			mu.Unlock()
		}
	})

	err := c.Join(context.Background())
	if !errors.Is(err, types.ErrChannelAuth) {
		t.Fatalf("Expected ErrChannelAuth, got %v", err)
	}
	if c.State() != Errored {
		t.Errorf("Expected errored, got %s", c.State())
	}
	mu.Lock()
	defer mu.Unlock()
	if !errors.Is(lastErr, types.ErrChannelAuth) {
		t.Errorf("Listener should see the auth error, got %v", lastErr)
	}
}

func TestCoordinator_ServerErrorFrame(t *testing.T) {
	srv := newScriptedServer(t, nil)
	c := newTestCoordinator(t, srv, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- c.Join(context.Background()) }()
	conn := srv.nextConn(t)
	srv.expect(t, types.MessageTypeJoinAttendance)
	conn.WriteJSON(&types.ChannelMessage{Type: types.MessageTypeError, Message: "You are not enrolled in this class."})

	err := <-errCh
	var srvErr *ServerError
	if !errors.As(err, &srvErr) || srvErr.Message != "You are not enrolled in this class." {
		t.Fatalf("Expected the server's error message, got %v", err)
	}
	if !IsServerError(err) {
		t.Error("IsServerError should recognise the frame")
	}
	if c.State() != Errored {
		t.Errorf("Expected errored, got %s", c.State())
	}
}

func TestCoordinator_UnsolicitedPresenceMarks(t *testing.T) {
	srv := newScriptedServer(t, nil)
	timer := &fakeTimer{}
	c := newTestCoordinator(t, srv, timer)
	conn := joinWithReply(t, c, srv)

	// A classmate's mark is broadcast to the whole room
	conn.WriteJSON(&types.ChannelMessage{Type: types.MessageTypePresenceMarked, LiveID: testLiveID, StudentID: "student_b"})
	// The teacher marks this student manually
	conn.WriteJSON(&types.ChannelMessage{Type: types.MessageTypePresenceMarked, LiveID: testLiveID, StudentID: testStudentID, MarkedManually: true})

	waitForState(t, c, Marked)
	srv.expectNone(t, 50*time.Millisecond)

	if err := c.MarkPresent(context.Background(), probeAt(0.9)); !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("Marking twice should be rejected locally, got %v", err)
	}
}

func TestCoordinator_SessionEndedBeforeMark(t *testing.T) {
	srv := newScriptedServer(t, nil)
	c := newTestCoordinator(t, srv, nil)
	conn := joinWithReply(t, c, srv)

	conn.WriteJSON(&types.ChannelMessage{Type: types.MessageTypeAttendanceEnded, LiveID: testLiveID})
	waitForState(t, c, Errored)
}

func TestCoordinator_ReconnectReplacesHandle(t *testing.T) {
	srv := newScriptedServer(t, nil)
	c := newTestCoordinator(t, srv, nil)

	first := joinWithReply(t, c, srv)
	first.Close()
	waitForState(t, c, Errored)

	second := joinWithReply(t, c, srv)
	if second == first {
		t.Fatal("expected a fresh connection")
	}

	if c.State() != Joined {
		t.Errorf("Expected joined on the new handle, got %s", c.State())
	}

	if err := c.Join(context.Background()); !errors.Is(err, types.ErrInvalidState) {
		t.Errorf("Join while joined should be rejected, got %v", err)
	}
}

func TestCoordinator_SessionLookupFailure(t *testing.T) {
	srv := newScriptedServer(t, nil)
	c, err := NewCoordinator(Options{
		Sessions:   &fakeSessions{err: types.ErrSessionNotFound},
		ChannelURL: srv.channelURL(),
		StudentID:  testStudentID,
		Verifier:   face.NewMatcher([]float32{1, 0}, nil),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := c.Join(context.Background()); !errors.Is(err, types.ErrSessionNotFound) {
		t.Fatalf("Expected ErrSessionNotFound, got %v", err)
	}
	if c.State() != Errored {
		t.Errorf("Expected errored, got %s", c.State())
	}
	select {
	case <-srv.conns:
		t.Error("No channel should be opened without a session")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCoordinator_CloseDropsListeners(t *testing.T) {
	srv := newScriptedServer(t, nil)
	c := newTestCoordinator(t, srv, nil)
	joinWithReply(t, c, srv)

	calls := 0
	c.OnStateChange(func(StateChange) { calls++ })
	unsubscribed := 0
	sub := c.OnStateChange(func(StateChange) { unsubscribed++ })
	sub.Unsubscribe()
	sub.Unsubscribe()

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-srv.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not release the channel")
	}
	if c.State() != Disconnected {
		t.Errorf("Expected disconnected, got %s", c.State())
	}
	if err := c.Join(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after Close, got %v", err)
	}
	if calls != 0 || unsubscribed != 0 {
		t.Errorf("Listeners should not fire after Close, got %d and %d", calls, unsubscribed)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close should be idempotent, got %v", err)
	}
}

func TestState_String(t *testing.T) {
	if Joined.String() != "joined" || State(42).String() != "state(42)" {
		t.Errorf("unexpected state names %q %q", Joined, State(42))
	}
}
