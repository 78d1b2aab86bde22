package hub

import "errors"

var (
	ErrHubAlreadyRunning  = errors.New("hub is already running")
	ErrHubNotRunning      = errors.New("hub is not running")
	ErrNilConnection      = errors.New("sender connection is nil")
	ErrMessageChannelFull = errors.New("message channel is full")
)
