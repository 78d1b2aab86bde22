package hub

import (
	"context"
	"log"
	"sync"
	"time"

	"classbeacon/internal/router"
	"classbeacon/internal/websocket"
	"classbeacon/pkg/interfaces"
	"classbeacon/pkg/types"
)

const (
	messageBufferSize    = 1000
	defaultCleanupPeriod = time.Minute
)

// Hub serializes every live channel message through one goroutine
// ARCHITECTURAL DISCOVERY: Central coordination point for all message flow;
// join and mark decisions for a room never interleave
type Hub struct {
	messageChannel  chan *MessageContext // TECHNICAL DISCOVERY: 1000 buffer absorbs a whole school marking at the bell
	shutdownChannel chan struct{}

	router        interfaces.MessageRouter
	cleanupPeriod time.Duration

	running bool
	mu      sync.RWMutex
}

// MessageContext wraps a message with the connection it arrived on
type MessageContext struct {
	Message    *types.ChannelMessage
	Sender     *websocket.Connection
	ReceivedAt time.Time
}

// limiterCleaner is implemented by routers with per-user state to expire
type limiterCleaner interface {
	CleanupRateLimits() int
}

// NewHub creates a hub in front of r
func NewHub(r interfaces.MessageRouter) *Hub {
	return &Hub{
		messageChannel:  make(chan *MessageContext, messageBufferSize),
		shutdownChannel: make(chan struct{}),
		router:          r,
		cleanupPeriod:   defaultCleanupPeriod,
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.shutdownChannel = make(chan struct{})
	shutdown := h.shutdownChannel
	h.mu.Unlock()

	log.Println("Starting message hub...")
	go h.run(ctx, shutdown)
	return nil
}

// Stop signals the processing goroutine to exit
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false

	log.Println("Stopping message hub...")
	close(h.shutdownChannel)
	return nil
}

// Dispatch queues message from conn; it implements websocket.Dispatcher
// TECHNICAL DISCOVERY: Non-blocking send keeps a slow database from stalling
// every connection's read loop
func (h *Hub) Dispatch(conn *websocket.Connection, message *types.ChannelMessage) error {
	if conn == nil {
		return ErrNilConnection
	}

	h.mu.RLock()
	running := h.running
	h.mu.RUnlock()
	if !running {
		return ErrHubNotRunning
	}

	select {
	case h.messageChannel <- &MessageContext{Message: message, Sender: conn, ReceivedAt: time.Now()}:
		return nil
	default:
		return ErrMessageChannelFull
	}
}

func (h *Hub) run(ctx context.Context, shutdown <-chan struct{}) {
	defer log.Println("Hub processing stopped")

	ticker := time.NewTicker(h.cleanupPeriod)
	defer ticker.Stop()

	for {
		select {
		case messageCtx := <-h.messageChannel:
			h.handleMessage(ctx, messageCtx)

		case <-ticker.C:
			if cleaner, ok := h.router.(limiterCleaner); ok {
				if removed := cleaner.CleanupRateLimits(); removed > 0 {
					log.Printf("Expired rate limit state for %d users", removed)
				}
			}

		case <-shutdown:
			log.Println("Hub shutdown requested")
			return

		case <-ctx.Done():
			log.Println("Hub context cancelled")
			return
		}
	}
}

// handleMessage routes one message; failures are reported back to the sender only
func (h *Hub) handleMessage(ctx context.Context, messageCtx *MessageContext) {
	sender := messageCtx.Sender
	err := h.router.RouteMessage(ctx, sender, messageCtx.Message)
	if err == nil {
		return
	}

	if router.IsClientError(err) {
		log.Printf("Message rejected: type=%s from=%s: %v", messageCtx.Message.Type, sender.GetUserID(), err)
	} else {
		log.Printf("Message routing failed: type=%s from=%s: %v", messageCtx.Message.Type, sender.GetUserID(), err)
	}
	h.sendErrorToSender(sender, err)
}

func (h *Hub) sendErrorToSender(sender *websocket.Connection, routingErr error) {
	reply := &types.ChannelMessage{
		Type:    types.MessageTypeError,
		LiveID:  sender.GetLiveID(),
		Message: types.UserMessage(routingErr),
	}
	if err := sender.WriteJSON(reply); err != nil {
		log.Printf("Failed to send error message to %s: %v", sender.GetUserID(), err)
	}
}

var _ websocket.Dispatcher = (*Hub)(nil)
