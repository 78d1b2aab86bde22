package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrClassNotFound  = errors.New("class not found")
	ErrRecordNotFound = errors.New("attendance record not found")
)
