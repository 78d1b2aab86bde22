package interfaces

import (
	"context"

	"classbeacon/pkg/types"
)

// MessageRouter handles live channel messages from a connection
type MessageRouter interface {
	// RouteMessage applies one client message and delivers the resulting events
	RouteMessage(ctx context.Context, sender Connection, message *types.ChannelMessage) error

	// Broadcast delivers message to every connection in the liveID room
	Broadcast(liveID string, message *types.ChannelMessage) int
}
