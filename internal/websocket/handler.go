package websocket

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"classbeacon/internal/auth"
	"classbeacon/internal/config"
	"classbeacon/internal/metrics"
	"classbeacon/pkg/types"
)

// Dispatcher receives every well-formed message read from a connection
// ARCHITECTURAL DISCOVERY: The handler only parses frames; all attendance
// decisions happen behind this boundary in the hub and router
type Dispatcher interface {
	Dispatch(conn *Connection, message *types.ChannelMessage) error
}

// Handler upgrades /ws requests and runs each connection's read loop
type Handler struct {
	registry   *Registry
	issuer     *auth.Issuer
	dispatcher Dispatcher
	config     *config.WebSocketConfig
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader
}

// NewHandler creates a handler; m may be nil
func NewHandler(registry *Registry, issuer *auth.Issuer, dispatcher Dispatcher, cfg *config.WebSocketConfig, m *metrics.Metrics) *Handler {
	return &Handler{
		registry:   registry,
		issuer:     issuer,
		dispatcher: dispatcher,
		config:     cfg,
		metrics:    m,
		upgrader: websocket.Upgrader{
			// FUNCTIONAL DISCOVERY: Mobile clients send no Origin header and the
			// token already authenticates the caller
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// HandleWebSocket authenticates the token and starts the connection
// FUNCTIONAL DISCOVERY: The upgrade happens before token checks so a rejected
// client receives auth_error on the channel it is listening to, then a close
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = auth.BearerToken(r)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	wsConn := NewConnection(conn)

	identity, err := h.authenticate(token)
	if err != nil {
		log.Printf("Channel auth rejected from %s: %v", r.RemoteAddr, err)
		h.metrics.ChannelError(types.MessageTypeAuthError)
		_ = wsConn.WriteAndClose(&types.ChannelMessage{
			Type:    types.MessageTypeAuthError,
			Message: types.UserMessage(types.ErrChannelAuth),
		})
		return
	}

	wsConn.SetCredentials(identity.UserID, identity.Role)
	if err := h.registry.RegisterConnection(wsConn); err != nil {
		log.Printf("Failed to register connection: %v", err)
		_ = wsConn.Close()
		return
	}
	h.metrics.ConnectionOpened()
	log.Printf("Channel connected: user=%s role=%s conn=%s", identity.UserID, identity.Role, wsConn.ID())

	go h.handleConnection(wsConn)
}

func (h *Handler) authenticate(token string) (*auth.Identity, error) {
	if token == "" {
		return nil, ErrMissingToken
	}
	return h.issuer.Parse(token)
}

// handleConnection runs heartbeat and read pump until the socket closes
func (h *Handler) handleConnection(conn *Connection) {
	defer func() {
		h.registry.UnregisterConnection(conn)
		_ = conn.Close()
		h.metrics.ConnectionClosed()
		log.Printf("Channel disconnected: user=%s conn=%s", conn.GetUserID(), conn.ID())
	}()

	readTimeout := h.config.ReadTimeout
	if err := conn.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		log.Printf("Failed to set read deadline: %v", err)
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	ticker := time.NewTicker(h.config.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				// TECHNICAL DISCOVERY: WriteControl is safe concurrently with the writer goroutine
				if err := conn.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.config.WriteTimeout)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error for %s: %v", conn.GetUserID(), err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var message types.ChannelMessage
		if err := json.Unmarshal(data, &message); err != nil || message.Type == "" {
			h.replyError(conn, types.UserMessage(types.ErrChannelProtocol))
			continue
		}
		h.metrics.MessageReceived(message.Type)

		if h.dispatcher == nil {
			h.replyError(conn, ErrNoDispatcher.Error())
			continue
		}
		if err := h.dispatcher.Dispatch(conn, &message); err != nil {
			log.Printf("Dispatch failed for %s: %v", conn.GetUserID(), err)
			h.replyError(conn, types.UserMessage(err))
		}
	}
}

func (h *Handler) replyError(conn *Connection, text string) {
	h.metrics.ChannelError(types.MessageTypeError)
	if err := conn.WriteJSON(&types.ChannelMessage{Type: types.MessageTypeError, Message: text}); err != nil {
		log.Printf("Failed to send error to %s: %v", conn.GetUserID(), err)
	}
}
