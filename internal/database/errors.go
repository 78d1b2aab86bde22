package database

import "errors"

var (
	ErrManagerClosed = errors.New("database manager is closed")
	ErrWriteTimeout  = errors.New("write operation timeout")
	// ErrLiveIDTaken is returned when a new session collides on live_id
	ErrLiveIDTaken = errors.New("live id already in use")
	// ErrClassSessionOpen is returned when the class already has an open session
	ErrClassSessionOpen = errors.New("class already has an open session")
	ErrDuplicate        = errors.New("row already exists")
)
