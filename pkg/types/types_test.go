package types

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestAlertType_RoundTripNames(t *testing.T) {
	for _, alert := range []AlertType{AlertVibrate, AlertSound, AlertBoth} {
		parsed, err := ParseAlertType(alert.String())
		if err != nil {
			t.Fatalf("ParseAlertType(%q) failed: %v", alert.String(), err)
		}
		if parsed != alert {
			t.Errorf("Expected %v, got %v", alert, parsed)
		}
	}

	if _, err := ParseAlertType("BUZZ"); !errors.Is(err, ErrInvalidAlertType) {
		t.Errorf("Expected ErrInvalidAlertType, got %v", err)
	}
}

func TestAlertType_Vibrates(t *testing.T) {
	tests := []struct {
		alert    AlertType
		vibrates bool
		valid    bool
	}{
		{AlertVibrate, true, true},
		{AlertSound, false, true},
		{AlertBoth, true, true},
		{AlertType(0), false, false},
		{AlertType(9), false, false},
	}

	for _, tt := range tests {
		if tt.alert.Vibrates() != tt.vibrates {
			t.Errorf("%v.Vibrates() = %v, want %v", tt.alert, tt.alert.Vibrates(), tt.vibrates)
		}
		if tt.alert.Valid() != tt.valid {
			t.Errorf("%v.Valid() = %v, want %v", tt.alert, tt.alert.Valid(), tt.valid)
		}
	}
}

func TestUserMessage_DistinctPerError(t *testing.T) {
	seen := make(map[string]error)
	for err, msg := range userMessages {
		if msg == "" {
			t.Errorf("Empty message for %v", err)
		}
		if other, dup := seen[msg]; dup {
			t.Errorf("Message %q shared by %v and %v", msg, err, other)
		}
		seen[msg] = err
	}
}

func TestUserMessage_MatchesWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("check in: %w", ErrIDTooLong)
	if UserMessage(wrapped) != userMessages[ErrIDTooLong] {
		t.Errorf("Expected wrapped error to map to ErrIDTooLong message, got %q", UserMessage(wrapped))
	}
	if UserMessage(nil) != "" {
		t.Error("nil error should have empty message")
	}
}

func TestChannelMessage_ValidateClientMessage(t *testing.T) {
	tests := []struct {
		name    string
		msg     ChannelMessage
		wantErr bool
	}{
		{"valid join", ChannelMessage{Type: MessageTypeJoinAttendance, LiveID: "AB12CD"}, false},
		{"valid mark", ChannelMessage{Type: MessageTypeMarkPresent, LiveID: "ZZ0000"}, false},
		{"server type rejected", ChannelMessage{Type: MessageTypePresenceMarked, LiveID: "AB12CD"}, true},
		{"missing live id", ChannelMessage{Type: MessageTypeJoinAttendance}, true},
		{"lowercase live id", ChannelMessage{Type: MessageTypeJoinAttendance, LiveID: "ab12cd"}, true},
		{"short live id", ChannelMessage{Type: MessageTypeJoinAttendance, LiveID: "AB12"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.ValidateClientMessage()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateClientMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("Expected ErrValidation wrapping, got %v", err)
			}
		})
	}
}

func TestIsValidLiveID(t *testing.T) {
	if !IsValidLiveID("AB12CD") {
		t.Error("AB12CD should be valid")
	}
	for _, bad := range []string{"", "AB12C", "AB12CDE", "ab12cd", "AB-2CD"} {
		if IsValidLiveID(bad) {
			t.Errorf("%q should be invalid", bad)
		}
	}
}

func TestAttendanceSession_IsActive(t *testing.T) {
	session := &AttendanceSession{ID: 7, LiveID: "AB12CD", StartTime: time.Now()}
	if !session.IsActive() {
		t.Error("Session without end time should be active")
	}
	now := time.Now()
	session.EndTime = &now
	if session.IsActive() {
		t.Error("Session with end time should not be active")
	}
}
