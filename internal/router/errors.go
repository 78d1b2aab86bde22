package router

import "errors"

var (
	ErrInvalidMessageType      = errors.New("invalid message type")
	ErrUnauthorizedMessageType = errors.New("user not authorized to send this message type")
	ErrRateLimitExceeded       = errors.New("rate limit exceeded")
	ErrSenderNotConnected      = errors.New("sender not connected")
	ErrNotJoined               = errors.New("join the attendance session before marking presence")
)
