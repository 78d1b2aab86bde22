package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendBufferSize = 100
	writeTimeout   = 5 * time.Second
)

// Connection implements the interfaces.Connection interface
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized, so every write
// goes through one writer goroutine fed by writeCh
type Connection struct {
	id            string
	conn          *websocket.Conn
	writeCh       chan []byte // FUNCTIONAL DISCOVERY: 100 buffer absorbs a whole class marking at once
	userID        string
	role          string
	liveID        string // room joined via join_attendance, "" before join
	authenticated bool
	ctx           context.Context
	cancel        context.CancelFunc
	closeOnce     sync.Once
	mu            sync.RWMutex
}

// NewConnection wraps conn and starts its writer
func NewConnection(conn *websocket.Conn) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:      uuid.New().String(),
		conn:    conn,
		writeCh: make(chan []byte, sendBufferSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues v for the writer goroutine
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// WriteAndClose sends v synchronously and then closes the connection
// FUNCTIONAL DISCOVERY: auth_error must reach the client before the close frame,
// so it bypasses the queue instead of racing the writer against Close.
// Only valid before the first WriteJSON.
func (c *Connection) WriteAndClose(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		_ = c.Close()
		return ErrInvalidJSON
	}

	c.cancel()
	deadline := time.Now().Add(writeTimeout)
	_ = c.conn.SetWriteDeadline(deadline)
	writeErr := c.conn.WriteMessage(websocket.TextMessage, data)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"), deadline)

	if err := c.Close(); err != nil && writeErr == nil {
		return err
	}
	return writeErr
}

// Close stops the writer and closes the socket; safe to call repeatedly
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

// Done is closed once the connection has been closed
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

// SetCredentials records the identity taken from the verified token
func (c *Connection) SetCredentials(userID, role string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.userID = userID
	c.role = role
	c.authenticated = true
}

// SetLiveID records the room the connection joined
func (c *Connection) SetLiveID(liveID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.liveID = liveID
}

func (c *Connection) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// ID is unique per socket, so a reconnect gets a new one
func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) GetUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) GetRole() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

func (c *Connection) GetLiveID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.liveID
}
