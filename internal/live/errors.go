package live

import (
	"errors"
	"fmt"
)

var (
	ErrClosed          = errors.New("coordinator closed")
	ErrNotJoined       = errors.New("live channel not joined")
	ErrChannelDropped  = errors.New("live channel dropped")
	ErrNoSession       = errors.New("no attendance session started")
	ErrMissingBaseURL  = errors.New("server base URL is required")
	ErrMissingIdentity = errors.New("student id and token are required")
)

// ServerError is an error frame or non-2xx response the server sent back
type ServerError struct {
	Status  int
	Message string
}

func (e *ServerError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
	}
	return "server error: " + e.Message
}
