package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"classbeacon/internal/auth"
	"classbeacon/internal/config"
	"classbeacon/internal/testutil"
	"classbeacon/pkg/types"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// recordingDispatcher joins rooms on join_attendance and records everything else
type recordingDispatcher struct {
	registry *Registry
	err      error

	mu       sync.Mutex
	received []*types.ChannelMessage
}

func (d *recordingDispatcher) Dispatch(conn *Connection, msg *types.ChannelMessage) error {
	d.mu.Lock()
	d.received = append(d.received, msg)
	d.mu.Unlock()

	if d.err != nil {
		return d.err
	}
	if msg.Type == types.MessageTypeJoinAttendance {
		if err := d.registry.JoinRoom(conn, msg.LiveID); err != nil {
			return err
		}
		return conn.WriteJSON(&types.ChannelMessage{Type: types.MessageTypeJoinedAttendance, LiveID: msg.LiveID, AttendanceID: 1})
	}
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.received)
}

func setupHandler(t *testing.T) (*httptest.Server, *Registry, *recordingDispatcher, *auth.Issuer) {
	t.Helper()

	registry := NewRegistry()
	dispatcher := &recordingDispatcher{registry: registry}
	issuer := auth.NewIssuer(testSecret, "classbeacon", time.Hour)
	cfg := config.DefaultConfig().WebSocket

	handler := NewHandler(registry, issuer, dispatcher, cfg, nil)
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWebSocket))
	t.Cleanup(server.Close)
	return server, registry, dispatcher, issuer
}

func dial(t *testing.T, serverURL, token string) *testutil.TestClient {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := testutil.Dial(ctx, serverURL, token)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestHandler_InvalidTokenGetsAuthErrorThenClose(t *testing.T) {
	server, registry, dispatcher, _ := setupHandler(t)

	tests := []struct {
		name  string
		token string
	}{
		{"missing", ""},
		{"garbage", "not-a-jwt"},
		{"wrong secret", mustIssue(t, auth.NewIssuer("ffffffffffffffffffffffffffffffff", "classbeacon", time.Hour), "student_1")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := dial(t, server.URL, tt.token)

			msg, err := client.Expect(types.MessageTypeAuthError, 2*time.Second)
			if err != nil {
				t.Fatalf("expected auth_error: %v", err)
			}
			if msg.Message == "" {
				t.Error("auth_error should carry a message")
			}

			select {
			case <-client.Closed():
			case <-time.After(2 * time.Second):
				t.Fatal("server should close after auth_error")
			}
		})
	}

	if stats := registry.GetStats(); stats["total_connections"] != 0 {
		t.Errorf("Rejected clients must not register, stats %v", stats)
	}
	if dispatcher.count() != 0 {
		t.Error("Rejected clients must not reach the dispatcher")
	}
}

func TestHandler_ValidTokenRegistersAndDispatches(t *testing.T) {
	server, registry, dispatcher, issuer := setupHandler(t)
	client := dial(t, server.URL, mustIssue(t, issuer, "student_1"))

	if err := client.Join("AB12CD"); err != nil {
		t.Fatalf("join: %v", err)
	}
	joined, err := client.Expect(types.MessageTypeJoinedAttendance, 2*time.Second)
	if err != nil {
		t.Fatalf("expected joined_attendance: %v", err)
	}
	if joined.LiveID != "AB12CD" {
		t.Errorf("Expected live id AB12CD, got %q", joined.LiveID)
	}

	conn, ok := registry.GetUserConnection("student_1")
	if !ok {
		t.Fatal("student_1 should be registered")
	}
	if conn.GetRole() != types.RoleStudent {
		t.Errorf("Role should come from the token, got %q", conn.GetRole())
	}
	if len(registry.GetRoomConnections("AB12CD")) != 1 {
		t.Error("student_1 should be in room AB12CD")
	}
}

func TestHandler_MalformedFrameGetsError(t *testing.T) {
	server, _, dispatcher, issuer := setupHandler(t)
	client := dial(t, server.URL, mustIssue(t, issuer, "student_1"))

	if err := client.Send(&types.ChannelMessage{LiveID: "AB12CD"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	msg, err := client.Expect(types.MessageTypeError, 2*time.Second)
	if err != nil {
		t.Fatalf("expected error reply: %v", err)
	}
	if msg.Message != types.UserMessage(types.ErrChannelProtocol) {
		t.Errorf("Unexpected message %q", msg.Message)
	}
	if dispatcher.count() != 0 {
		t.Error("Frames without a type must not be dispatched")
	}
}

func TestHandler_DispatchFailureRepliesWithUserMessage(t *testing.T) {
	server, _, dispatcher, issuer := setupHandler(t)
	dispatcher.err = types.ErrSessionNotFound
	client := dial(t, server.URL, mustIssue(t, issuer, "student_1"))

	_ = client.MarkPresent("AB12CD")
	msg, err := client.Expect(types.MessageTypeError, 2*time.Second)
	if err != nil {
		t.Fatalf("expected error reply: %v", err)
	}
	if msg.Message != types.UserMessage(types.ErrSessionNotFound) {
		t.Errorf("Unexpected message %q", msg.Message)
	}
}

func TestHandler_DisconnectUnregisters(t *testing.T) {
	server, registry, _, issuer := setupHandler(t)
	client := dial(t, server.URL, mustIssue(t, issuer, "student_1"))
	_ = client.Join("AB12CD")
	if _, err := client.Expect(types.MessageTypeJoinedAttendance, 2*time.Second); err != nil {
		t.Fatal(err)
	}

	_ = client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := registry.GetUserConnection("student_1"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Connection should be unregistered after the client disconnects")
}

func mustIssue(t *testing.T, issuer *auth.Issuer, userID string) string {
	t.Helper()
	token, err := issuer.Issue(userID, types.RoleStudent)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return token
}
