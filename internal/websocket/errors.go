package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout after 5 seconds")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Registry-related errors
var (
	ErrNilConnection              = errors.New("connection cannot be nil")
	ErrConnectionNotAuthenticated = errors.New("connection must be authenticated before registration")
	ErrEmptyLiveID                = errors.New("live id cannot be empty")
)

// Handler-related errors
var (
	ErrMissingToken = errors.New("missing token query parameter")
	ErrNoDispatcher = errors.New("no dispatcher configured")
)
