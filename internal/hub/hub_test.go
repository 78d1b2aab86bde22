package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"classbeacon/internal/websocket"
	"classbeacon/pkg/interfaces"
	"classbeacon/pkg/types"
)

// fakeRouter records routed messages and fails with err when set
type fakeRouter struct {
	err error

	mu       sync.Mutex
	routed   []*types.ChannelMessage
	cleanups int
}

func (f *fakeRouter) RouteMessage(ctx context.Context, sender interfaces.Connection, msg *types.ChannelMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, msg)
	return f.err
}

func (f *fakeRouter) Broadcast(liveID string, msg *types.ChannelMessage) int { return 0 }

func (f *fakeRouter) CleanupRateLimits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	return 0
}

func (f *fakeRouter) snapshot() ([]*types.ChannelMessage, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.ChannelMessage(nil), f.routed...), f.cleanups
}

// newConnection returns a connection and the frames its remote end receives
func newConnection(t *testing.T) (*websocket.Connection, <-chan *types.ChannelMessage) {
	t.Helper()
	inbox := make(chan *types.ChannelMessage, 10)
	upgrader := gorillaws.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var msg types.ChannelMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			inbox <- &msg
		}
	}))
	t.Cleanup(server.Close)

	raw, _, err := gorillaws.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := websocket.NewConnection(raw)
	conn.SetCredentials("student_1", types.RoleStudent)
	t.Cleanup(func() { conn.Close() })
	return conn, inbox
}

func TestHub_StartStop(t *testing.T) {
	hub := NewHub(&fakeRouter{})
	ctx := context.Background()

	if err := hub.Start(ctx); err != nil {
		t.Errorf("Expected no error starting hub, got %v", err)
	}
	if err := hub.Start(ctx); err != ErrHubAlreadyRunning {
		t.Errorf("Expected ErrHubAlreadyRunning, got %v", err)
	}
	if err := hub.Stop(); err != nil {
		t.Errorf("Expected no error stopping hub, got %v", err)
	}
	if err := hub.Stop(); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning, got %v", err)
	}

	// A stopped hub can be started again
	if err := hub.Start(ctx); err != nil {
		t.Errorf("Restart failed: %v", err)
	}
	_ = hub.Stop()
}

func TestHub_DispatchRequiresRunning(t *testing.T) {
	hub := NewHub(&fakeRouter{})
	conn, _ := newConnection(t)

	if err := hub.Dispatch(conn, &types.ChannelMessage{Type: types.MessageTypeJoinAttendance}); err != ErrHubNotRunning {
		t.Errorf("Expected ErrHubNotRunning, got %v", err)
	}
	if err := hub.Dispatch(nil, &types.ChannelMessage{}); err != ErrNilConnection {
		t.Errorf("Expected ErrNilConnection, got %v", err)
	}
}

// FUNCTIONAL VALIDATION TEST: Messages reach the router in dispatch order
func TestHub_RoutesInOrder(t *testing.T) {
	r := &fakeRouter{}
	hub := NewHub(r)
	if err := hub.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer hub.Stop()

	conn, _ := newConnection(t)
	_ = hub.Dispatch(conn, &types.ChannelMessage{Type: types.MessageTypeJoinAttendance, LiveID: "AB12CD"})
	_ = hub.Dispatch(conn, &types.ChannelMessage{Type: types.MessageTypeMarkPresent, LiveID: "AB12CD"})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if routed, _ := r.snapshot(); len(routed) == 2 {
			if routed[0].Type != types.MessageTypeJoinAttendance || routed[1].Type != types.MessageTypeMarkPresent {
				t.Errorf("Messages routed out of order: %s, %s", routed[0].Type, routed[1].Type)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("Messages were not routed")
}

func TestHub_RoutingErrorRepliesToSender(t *testing.T) {
	hub := NewHub(&fakeRouter{err: types.ErrNotEnrolled})
	if err := hub.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer hub.Stop()

	conn, inbox := newConnection(t)
	_ = hub.Dispatch(conn, &types.ChannelMessage{Type: types.MessageTypeJoinAttendance, LiveID: "AB12CD"})

	select {
	case msg := <-inbox:
		if msg.Type != types.MessageTypeError || msg.Message != types.UserMessage(types.ErrNotEnrolled) {
			t.Errorf("Unexpected reply %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Sender never received the error")
	}
}

func TestHub_PeriodicLimiterCleanup(t *testing.T) {
	r := &fakeRouter{}
	hub := NewHub(r)
	hub.cleanupPeriod = 10 * time.Millisecond
	if err := hub.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer hub.Stop()

	time.Sleep(60 * time.Millisecond)
	if _, cleanups := r.snapshot(); cleanups == 0 {
		t.Error("Router cleanup should run on the hub ticker")
	}
}

func TestHub_ChannelFull(t *testing.T) {
	hub := NewHub(&fakeRouter{})
	hub.running = true // accept without a consumer
	conn, _ := newConnection(t)

	for i := 0; i < messageBufferSize; i++ {
		if err := hub.Dispatch(conn, &types.ChannelMessage{Type: types.MessageTypeMarkPresent}); err != nil {
			t.Fatalf("Dispatch %d failed: %v", i, err)
		}
	}
	if err := hub.Dispatch(conn, &types.ChannelMessage{Type: types.MessageTypeMarkPresent}); err != ErrMessageChannelFull {
		t.Errorf("Expected ErrMessageChannelFull, got %v", err)
	}
}
