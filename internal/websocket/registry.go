package websocket

import (
	"log"
	"sync"
)

// Registry tracks authenticated connections and the attendance rooms they joined
// ARCHITECTURAL DISCOVERY: A connection is registered by user on connect and only
// enters a room on join_attendance, so rooms are a second index over the same set
type Registry struct {
	mu          sync.RWMutex
	connections map[string]*Connection            // userID -> Connection
	rooms       map[string]map[string]*Connection // liveID -> userID -> Connection
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
	}
}

// RegisterConnection makes conn the user's current connection
// FUNCTIONAL DISCOVERY: A reconnect replaces the old socket; the old one is closed
// asynchronously so its read loop exits without holding the registry lock
func (r *Registry) RegisterConnection(conn *Connection) error {
	if conn == nil {
		return ErrNilConnection
	}
	if !conn.IsAuthenticated() {
		return ErrConnectionNotAuthenticated
	}

	userID := conn.GetUserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.connections[userID]; ok && existing != conn {
		r.leaveRoomLocked(existing)
		go func() {
			if err := existing.Close(); err != nil {
				log.Printf("Failed to close replaced connection for %s: %v", userID, err)
			}
		}()
	}

	r.connections[userID] = conn
	return nil
}

// UnregisterConnection removes conn if it is still the user's current connection
func (r *Registry) UnregisterConnection(conn *Connection) {
	if conn == nil {
		return
	}

	userID := conn.GetUserID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, ok := r.connections[userID]; !ok || registered != conn {
		return
	}
	delete(r.connections, userID)
	r.leaveRoomLocked(conn)
}

// JoinRoom moves conn into the liveID room, leaving any previous room
func (r *Registry) JoinRoom(conn *Connection, liveID string) error {
	if conn == nil {
		return ErrNilConnection
	}
	if liveID == "" {
		return ErrEmptyLiveID
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if registered, ok := r.connections[conn.GetUserID()]; !ok || registered != conn {
		return ErrConnectionClosed
	}

	r.leaveRoomLocked(conn)
	room := r.rooms[liveID]
	if room == nil {
		room = make(map[string]*Connection)
		r.rooms[liveID] = room
	}
	room[conn.GetUserID()] = conn
	conn.SetLiveID(liveID)
	return nil
}

// leaveRoomLocked removes conn from its room; caller holds r.mu
func (r *Registry) leaveRoomLocked(conn *Connection) {
	liveID := conn.GetLiveID()
	if liveID == "" {
		return
	}
	if room, ok := r.rooms[liveID]; ok {
		if room[conn.GetUserID()] == conn {
			delete(room, conn.GetUserID())
		}
		if len(room) == 0 {
			delete(r.rooms, liveID)
		}
	}
	conn.SetLiveID("")
}

// CloseRoom drops the liveID room and returns its former members
// FUNCTIONAL DISCOVERY: Members stay connected after a session ends; they just
// stop receiving presence events until they join again
func (r *Registry) CloseRoom(liveID string) []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	room := r.rooms[liveID]
	delete(r.rooms, liveID)

	members := make([]*Connection, 0, len(room))
	for _, conn := range room {
		conn.SetLiveID("")
		members = append(members, conn)
	}
	return members
}

// GetUserConnection returns the current connection for a user
func (r *Registry) GetUserConnection(userID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[userID]
	return conn, ok
}

// GetRoomConnections returns a snapshot of the liveID room
func (r *Registry) GetRoomConnections(liveID string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.rooms[liveID]
	connections := make([]*Connection, 0, len(room))
	for _, conn := range room {
		connections = append(connections, conn)
	}
	return connections
}

// GetStats returns registry counts for health output
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return map[string]int{
		"total_connections": len(r.connections),
		"active_rooms":      len(r.rooms),
	}
}
