package interfaces

// Connection represents a live channel client connection
// ARCHITECTURAL DISCOVERY: Pure abstraction keeps the router testable with
// in-memory connections instead of real sockets
type Connection interface {
	// WriteJSON sends a JSON message to the client (thread-safe)
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// GetUserID returns the authenticated user's ID
	GetUserID() string

	// GetRole returns "student" or "teacher"
	GetRole() string

	// GetLiveID returns the attendance room the connection joined, "" before join
	GetLiveID() string
}
