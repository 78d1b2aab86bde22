package testutil

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"classbeacon/pkg/types"
)

// TestClient is a raw live channel client that records every server message
type TestClient struct {
	conn     *websocket.Conn
	messages chan *types.ChannelMessage
	done     chan struct{}

	mu     sync.Mutex
	closed bool
}

// WebSocketURL converts an httptest server URL into the channel endpoint for token
func WebSocketURL(serverURL, token string) string {
	u, _ := url.Parse(serverURL)
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// Dial connects to serverURL with token
func Dial(ctx context.Context, serverURL, token string) (*TestClient, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, WebSocketURL(serverURL, token), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	tc := &TestClient{
		conn:     conn,
		messages: make(chan *types.ChannelMessage, 100),
		done:     make(chan struct{}),
	}
	go tc.readLoop()
	return tc, nil
}

func (tc *TestClient) readLoop() {
	defer close(tc.done)
	for {
		var msg types.ChannelMessage
		if err := tc.conn.ReadJSON(&msg); err != nil {
			return
		}
		select {
		case tc.messages <- &msg:
		default:
			// Test never drained; drop rather than stall the socket.
		}
	}
}

// Send writes one message
func (tc *TestClient) Send(msg *types.ChannelMessage) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return fmt.Errorf("client closed")
	}
	return tc.conn.WriteJSON(msg)
}

// Join sends join_attendance for liveID
func (tc *TestClient) Join(liveID string) error {
	return tc.Send(&types.ChannelMessage{Type: types.MessageTypeJoinAttendance, LiveID: liveID})
}

// MarkPresent sends mark_present for liveID
func (tc *TestClient) MarkPresent(liveID string) error {
	return tc.Send(&types.ChannelMessage{Type: types.MessageTypeMarkPresent, LiveID: liveID})
}

// Expect waits for the next message of msgType, skipping others
func (tc *TestClient) Expect(msgType string, timeout time.Duration) (*types.ChannelMessage, error) {
	deadline := time.After(timeout)
	for {
		select {
		case msg := <-tc.messages:
			if msg.Type == msgType {
				return msg, nil
			}
		case <-tc.done:
			return nil, fmt.Errorf("connection closed while waiting for %s", msgType)
		case <-deadline:
			return nil, fmt.Errorf("timed out waiting for %s", msgType)
		}
	}
}

// ExpectNone fails if any message arrives within window
func (tc *TestClient) ExpectNone(window time.Duration) error {
	select {
	case msg := <-tc.messages:
		return fmt.Errorf("unexpected %s message", msg.Type)
	case <-time.After(window):
		return nil
	}
}

// Closed is closed once the server ends the connection
func (tc *TestClient) Closed() <-chan struct{} {
	return tc.done
}

// Close closes the socket
func (tc *TestClient) Close() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return nil
	}
	tc.closed = true
	return tc.conn.Close()
}
