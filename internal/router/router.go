package router

import (
	"context"
	"errors"
	"fmt"
	"log"

	"classbeacon/internal/metrics"
	"classbeacon/internal/websocket"
	"classbeacon/pkg/interfaces"
	"classbeacon/pkg/types"
)

// Router implements the MessageRouter interface
// ARCHITECTURAL DISCOVERY: Attendance rules live in the session manager; the
// router only decides who hears about each outcome
type Router struct {
	registry    *websocket.Registry
	sessions    interfaces.SessionManager
	rateLimiter *RateLimiter
	metrics     *metrics.Metrics
}

// NewRouter creates a router; m may be nil
func NewRouter(registry *websocket.Registry, sessions interfaces.SessionManager, messagesPerMinute int, m *metrics.Metrics) *Router {
	return &Router{
		registry:    registry,
		sessions:    sessions,
		rateLimiter: NewRateLimiter(messagesPerMinute),
		metrics:     m,
	}
}

// RouteMessage applies one client message from sender
func (r *Router) RouteMessage(ctx context.Context, sender interfaces.Connection, message *types.ChannelMessage) error {
	conn, exists := r.registry.GetUserConnection(sender.GetUserID())
	if !exists || interfaces.Connection(conn) != sender {
		return ErrSenderNotConnected
	}

	if !r.rateLimiter.Allow(sender.GetUserID()) {
		r.metrics.RateLimited()
		return ErrRateLimitExceeded
	}

	if err := message.ValidateClientMessage(); err != nil {
		if message.Type != types.MessageTypeJoinAttendance && message.Type != types.MessageTypeMarkPresent {
			return ErrInvalidMessageType
		}
		return err
	}

	switch message.Type {
	case types.MessageTypeJoinAttendance:
		return r.handleJoin(ctx, conn, message.LiveID)
	case types.MessageTypeMarkPresent:
		return r.handleMarkPresent(ctx, conn, message.LiveID)
	default:
		return ErrInvalidMessageType
	}
}

// handleJoin validates membership and moves conn into the room
func (r *Router) handleJoin(ctx context.Context, conn *websocket.Connection, liveID string) error {
	session, err := r.sessions.ValidateJoin(ctx, liveID, conn.GetUserID(), conn.GetRole())
	if err != nil {
		return fmt.Errorf("join %s: %w", liveID, err)
	}

	if err := r.registry.JoinRoom(conn, liveID); err != nil {
		return err
	}

	log.Printf("Joined attendance: user=%s role=%s live_id=%s", conn.GetUserID(), conn.GetRole(), liveID)
	return conn.WriteJSON(&types.ChannelMessage{
		Type:         types.MessageTypeJoinedAttendance,
		LiveID:       liveID,
		AttendanceID: session.ID,
	})
}

// handleMarkPresent records presence for a joined student
// FUNCTIONAL DISCOVERY: A repeat mark is answered to the sender only, so the
// teacher's list never sees the same student arrive twice
func (r *Router) handleMarkPresent(ctx context.Context, conn *websocket.Connection, liveID string) error {
	if conn.GetRole() != types.RoleStudent {
		return ErrUnauthorizedMessageType
	}
	if conn.GetLiveID() != liveID {
		return ErrNotJoined
	}

	record, created, err := r.sessions.MarkPresent(ctx, liveID, conn.GetUserID())
	if err != nil {
		return fmt.Errorf("mark %s in %s: %w", conn.GetUserID(), liveID, err)
	}
	r.metrics.PresenceMarked(metrics.SourceDevice, created)

	event := PresenceEvent(liveID, record)
	if !created {
		return conn.WriteJSON(event)
	}

	delivered := r.Broadcast(liveID, event)
	log.Printf("Presence marked: student=%s live_id=%s delivered=%d", conn.GetUserID(), liveID, delivered)
	return nil
}

// PresenceEvent builds the presence_marked message for record
func PresenceEvent(liveID string, record *types.AttendanceRecord) *types.ChannelMessage {
	return &types.ChannelMessage{
		Type:           types.MessageTypePresenceMarked,
		LiveID:         liveID,
		AttendanceID:   record.SessionID,
		StudentID:      record.StudentID,
		MarkedAt:       record.MarkedAt,
		MarkedManually: record.MarkedManually,
	}
}

// AnnouncePresence broadcasts a mark made outside the channel, such as a manual mark
func (r *Router) AnnouncePresence(liveID string, record *types.AttendanceRecord) int {
	return r.Broadcast(liveID, PresenceEvent(liveID, record))
}

// AnnounceEnded tells the room the session is over and dissolves it
func (r *Router) AnnounceEnded(session *types.AttendanceSession) int {
	delivered := r.Broadcast(session.LiveID, &types.ChannelMessage{
		Type:         types.MessageTypeAttendanceEnded,
		LiveID:       session.LiveID,
		AttendanceID: session.ID,
	})
	r.registry.CloseRoom(session.LiveID)
	return delivered
}

// Broadcast delivers message to every connection in the liveID room
// FUNCTIONAL DISCOVERY: Continue delivery to other recipients even if one fails
func (r *Router) Broadcast(liveID string, message *types.ChannelMessage) int {
	delivered := 0
	for _, conn := range r.registry.GetRoomConnections(liveID) {
		if err := conn.WriteJSON(message); err != nil {
			log.Printf("Failed to deliver %s to %s: %v", message.Type, conn.GetUserID(), err)
			continue
		}
		delivered++
	}
	return delivered
}

// CleanupRateLimits drops idle limiter state
func (r *Router) CleanupRateLimits() int {
	return r.rateLimiter.Cleanup()
}

// IsClientError reports whether err is the caller's fault rather than the server's
func IsClientError(err error) bool {
	switch {
	case errors.Is(err, types.ErrValidation),
		errors.Is(err, types.ErrSessionNotFound),
		errors.Is(err, types.ErrSessionEnded),
		errors.Is(err, types.ErrNotEnrolled),
		errors.Is(err, types.ErrForbidden),
		errors.Is(err, ErrNotJoined),
		errors.Is(err, ErrRateLimitExceeded),
		errors.Is(err, ErrInvalidMessageType),
		errors.Is(err, ErrUnauthorizedMessageType):
		return true
	default:
		return false
	}
}

var _ interfaces.MessageRouter = (*Router)(nil)
