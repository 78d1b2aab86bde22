package live

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"classbeacon/internal/ble"
	"classbeacon/pkg/types"
)

// DisplayWindow is how long the confirmation stays up before the channel is released
const DisplayWindow = 3000 * time.Millisecond

const writeTimeout = 5 * time.Second

// State is the coordinator's position in the live channel lifecycle
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Joined
	Marked
	Errored
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Joined:
		return "joined"
	case Marked:
		return "marked"
	case Errored:
		return "errored"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// StateChange is delivered to listeners on every transition
type StateChange struct {
	State   State
	Message *types.ChannelMessage
	Err     error
}

// SessionSource resolves the caller's live session
type SessionSource interface {
	LiveAttendance(ctx context.Context) (*types.LiveAttendance, error)
}

// FaceVerifier gates mark_present on a probe embedding
type FaceVerifier interface {
	Verify(probe []float32) error
}

// Options wires a Coordinator; zero values pick defaults
type Options struct {
	Sessions   SessionSource
	ChannelURL string
	StudentID  string
	Verifier   FaceVerifier
	Dialer     *websocket.Dialer

	// DisplayWindow overrides the confirmation window
	DisplayWindow time.Duration
	// AfterFunc schedules f after d and returns a stop function
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
}

// Coordinator drives one student's live channel from join to confirmed mark
// ARCHITECTURAL DISCOVERY: Exactly one channel handle per coordinator; every
// Join replaces it and bumps the generation so callbacks from the old reader
// are dropped
type Coordinator struct {
	opts Options

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	gen      uint64
	live     *types.LiveAttendance
	joinWait chan error
	markWait chan error
	release  func() bool
	closed   bool

	writeMu sync.Mutex

	changes *ble.Registry[StateChange]
}

// NewCoordinator validates opts and returns a Disconnected coordinator
func NewCoordinator(opts Options) (*Coordinator, error) {
	if opts.Sessions == nil || opts.Verifier == nil {
		return nil, errors.New("live: session source and face verifier are required")
	}
	if opts.ChannelURL == "" || opts.StudentID == "" {
		return nil, ErrMissingIdentity
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.DisplayWindow <= 0 {
		opts.DisplayWindow = DisplayWindow
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	return &Coordinator{
		opts:    opts,
		state:   Disconnected,
		changes: ble.NewRegistry[StateChange](),
	}, nil
}

// State returns the current state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Live returns the session joined by the last Join, if any
func (c *Coordinator) Live() *types.LiveAttendance {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// OnStateChange registers fn for every transition
func (c *Coordinator) OnStateChange(fn func(StateChange)) ble.Subscription {
	return c.changes.Listen(fn)
}

func (c *Coordinator) emit(change StateChange) {
	c.changes.Emit(change)
}

// Join resolves the live session, opens the channel and waits for joined_attendance.
// Calling it again from Disconnected or Errored replaces the previous handle.
func (c *Coordinator) Join(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Disconnected && c.state != Errored {
		c.mu.Unlock()
		return fmt.Errorf("join from %s: %w", c.state, types.ErrInvalidState)
	}
	c.dropHandleLocked()
	gen := c.gen
	c.state = Connecting
	c.mu.Unlock()
	c.emit(StateChange{State: Connecting})

	live, err := c.opts.Sessions.LiveAttendance(ctx)
	if err != nil {
		c.fail(gen, err)
		return err
	}

	conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.ChannelURL, nil)
	if err != nil {
		err = fmt.Errorf("dial live channel: %w", err)
		c.fail(gen, err)
		return err
	}

	wait := make(chan error, 1)
	c.mu.Lock()
	if c.gen != gen || c.closed {
		c.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.live = live
	c.joinWait = wait
	c.state = Connected
	c.mu.Unlock()
	c.emit(StateChange{State: Connected})

	go c.readLoop(gen, conn)

	if err := c.write(gen, &types.ChannelMessage{Type: types.MessageTypeJoinAttendance, LiveID: live.LiveID}); err != nil {
		// The reader may already have failed this generation with the real cause
		c.fail(gen, err)
		return <-wait
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		c.fail(gen, ctx.Err())
		return ctx.Err()
	}
}

// MarkPresent verifies probe against the enrolled face and, only when it
// matches, sends mark_present and waits for the server's confirmation.
func (c *Coordinator) MarkPresent(ctx context.Context, probe []float32) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != Joined {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w: mark from %s: %w", ErrNotJoined, state, types.ErrInvalidState)
	}
	gen := c.gen
	liveID := c.live.LiveID
	c.mu.Unlock()

	if err := c.opts.Verifier.Verify(probe); err != nil {
		return err
	}

	wait := make(chan error, 1)
	c.mu.Lock()
	if c.gen != gen || c.state != Joined {
		c.mu.Unlock()
		return fmt.Errorf("%w: %w", ErrNotJoined, types.ErrInvalidState)
	}
	c.markWait = wait
	c.mu.Unlock()

	if err := c.write(gen, &types.ChannelMessage{Type: types.MessageTypeMarkPresent, LiveID: liveID}); err != nil {
		c.fail(gen, err)
		return err
	}

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the channel and every listener; the coordinator is unusable afterwards
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.dropHandleLocked()
	c.state = Disconnected
	c.mu.Unlock()

	c.changes.CloseAll()
	return nil
}

// dropHandleLocked closes the current socket, cancels pending waits and
// invalidates callbacks from its reader. Caller holds c.mu.
func (c *Coordinator) dropHandleLocked() {
	c.gen++
	if c.release != nil {
		c.release()
		c.release = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	notify(c.joinWait, ErrClosed)
	notify(c.markWait, ErrClosed)
	c.joinWait = nil
	c.markWait = nil
}

func notify(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func (c *Coordinator) write(gen uint64, msg *types.ChannelMessage) error {
	c.mu.Lock()
	conn := c.conn
	stale := c.gen != gen || conn == nil
	c.mu.Unlock()
	if stale {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Coordinator) readLoop(gen uint64, conn *websocket.Conn) {
	for {
		var msg types.ChannelMessage
		if err := conn.ReadJSON(&msg); err != nil {
			c.handleDrop(gen, err)
			return
		}
		c.handleMessage(gen, &msg)
	}
}

func (c *Coordinator) handleMessage(gen uint64, msg *types.ChannelMessage) {
	switch msg.Type {
	case types.MessageTypeJoinedAttendance:
		c.handleJoined(gen, msg)
	case types.MessageTypePresenceMarked:
		c.handlePresence(gen, msg)
	case types.MessageTypeAttendanceEnded:
		c.mu.Lock()
		marked := c.gen == gen && c.state == Marked
		c.mu.Unlock()
		if !marked {
			c.fail(gen, types.ErrSessionEnded)
		}
	case types.MessageTypeAuthError:
		c.fail(gen, fmt.Errorf("%w: %s", types.ErrChannelAuth, msg.Message))
	case types.MessageTypeError:
		c.fail(gen, &ServerError{Message: msg.Message})
	default:
		log.Printf("live: ignoring unexpected message type %q", msg.Type)
	}
}

func (c *Coordinator) handleJoined(gen uint64, msg *types.ChannelMessage) {
	c.mu.Lock()
	if c.gen != gen || c.state != Connected {
		c.mu.Unlock()
		return
	}
	if msg.LiveID != c.live.LiveID {
		c.mu.Unlock()
		c.fail(gen, fmt.Errorf("%w: joined %q, expected %q", types.ErrChannelProtocol, msg.LiveID, c.live.LiveID))
		return
	}
	c.state = Joined
	notify(c.joinWait, nil)
	c.joinWait = nil
	c.mu.Unlock()
	c.emit(StateChange{State: Joined, Message: msg})
}

// handlePresence accepts presence_marked for this student whether or not it
// was solicited; a teacher's manual mark arrives the same way
func (c *Coordinator) handlePresence(gen uint64, msg *types.ChannelMessage) {
	c.mu.Lock()
	if c.gen != gen || msg.StudentID != c.opts.StudentID {
		c.mu.Unlock()
		return
	}
	if c.state != Joined && c.state != Connected {
		c.mu.Unlock()
		return
	}
	c.state = Marked
	notify(c.joinWait, nil)
	notify(c.markWait, nil)
	c.joinWait = nil
	c.markWait = nil
	c.release = c.opts.AfterFunc(c.opts.DisplayWindow, func() { c.releaseAfterDisplay(gen) })
	c.mu.Unlock()
	c.emit(StateChange{State: Marked, Message: msg})
}

func (c *Coordinator) releaseAfterDisplay(gen uint64) {
	c.mu.Lock()
	if c.gen != gen || c.state != Marked {
		c.mu.Unlock()
		return
	}
	c.release = nil
	c.dropHandleLocked()
	c.state = Disconnected
	c.mu.Unlock()
	c.emit(StateChange{State: Disconnected})
}

func (c *Coordinator) handleDrop(gen uint64, err error) {
	c.mu.Lock()
	active := c.gen == gen && c.state != Marked && c.state != Errored && c.state != Disconnected
	c.mu.Unlock()
	if !active {
		return
	}
	c.fail(gen, fmt.Errorf("%w: %v", ErrChannelDropped, err))
}

// fail moves generation gen to Errored and closes its socket
func (c *Coordinator) fail(gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen || c.closed || c.state == Errored {
		c.mu.Unlock()
		return
	}
	joinWait, markWait := c.joinWait, c.markWait
	c.joinWait, c.markWait = nil, nil
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	if c.release != nil {
		c.release()
		c.release = nil
	}
	c.state = Errored
	c.mu.Unlock()

	log.Printf("live: channel errored: %v", err)
	notify(joinWait, err)
	notify(markWait, err)
	c.emit(StateChange{State: Errored, Err: err})
}
