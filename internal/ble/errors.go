package ble

import "errors"

// BLE role errors not covered by the shared taxonomy in pkg/types
var (
	ErrMalformedFrame      = errors.New("malformed alert frame")
	ErrSessionEnded        = errors.New("beacon session has ended")
	ErrNoAttendanceEnder   = errors.New("no attendance ender configured")
	ErrSubscriptionClosed  = errors.New("subscription already closed")
	ErrInvalidRolloutDelay = errors.New("rollout delay must not be negative")
	ErrScanCancelled       = errors.New("student scan stopped before it started")
)
