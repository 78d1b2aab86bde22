package types

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
)

var (
	validate    = validator.New()
	liveIDRegex = regexp.MustCompile(`^[A-Z0-9]{6}$`)
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Validate runs struct tag validation and wraps failures in ErrValidation
// ARCHITECTURAL DISCOVERY: Single validator instance caches struct metadata
// across requests
func Validate(v interface{}) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// IsValidLiveID checks the 6 char uppercase alphanumeric session token format
func IsValidLiveID(liveID string) bool {
	return liveIDRegex.MatchString(liveID)
}

// IsValidUserID checks if a user ID meets format requirements
// FUNCTIONAL DISCOVERY: 1-50 characters keeps ids printable in teacher reports
func IsValidUserID(userID string) bool {
	if len(userID) < 1 || len(userID) > 50 {
		return false
	}
	return userIDRegex.MatchString(userID)
}

// clientMessage is the validated shape of anything a client may send
type clientMessage struct {
	Type   string `validate:"required,oneof=join_attendance mark_present"`
	LiveID string `validate:"required,len=6,alphanum,uppercase"`
}

// ValidateClientMessage ensures m is a well-formed client->server message
func (m *ChannelMessage) ValidateClientMessage() error {
	return Validate(clientMessage{Type: m.Type, LiveID: m.LiveID})
}

// IsServerMessageType reports whether msgType is one the server may send.
func IsServerMessageType(msgType string) bool {
	switch msgType {
	case MessageTypeJoinedAttendance,
		MessageTypePresenceMarked,
		MessageTypeAttendanceEnded,
		MessageTypeAuthError,
		MessageTypeError:
		return true
	default:
		return false
	}
}
