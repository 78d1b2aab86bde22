package types

import "errors"

// ARCHITECTURAL DISCOVERY: One taxonomy shared by the radio layer, the live
// channel client and the server so every failure maps to one user message
var (
	ErrPermissionDenied     = errors.New("bluetooth permission denied")
	ErrBluetoothDisabled    = errors.New("bluetooth is disabled")
	ErrIDTooLong            = errors.New("combined check-in id exceeds 8 characters")
	ErrInvalidCheckInID     = errors.New("combined check-in id must be non-empty ASCII letters or digits")
	ErrAlreadyCheckedIn     = errors.New("device already checked in with a different id")
	ErrCheckInInProgress    = errors.New("check-in already in progress")
	ErrAlreadyScanning      = errors.New("student scan already running")
	ErrRolloutAlreadyActive = errors.New("alert rollout already active")
	ErrDeviceUnreachable    = errors.New("device unreachable")
	ErrNotFound             = errors.New("student not discovered")
	ErrChannelAuth          = errors.New("live channel authentication failed")
	ErrChannelProtocol      = errors.New("live channel protocol error")
	ErrSessionNotFound      = errors.New("attendance session not found")
	ErrSessionEnded         = errors.New("attendance session has ended")
	ErrUnsupported          = errors.New("bluetooth is not supported on this platform")
	ErrFaceMismatch         = errors.New("face did not match stored embedding")
	ErrInvalidState         = errors.New("operation not allowed in current state")
	ErrInvalidAlertType     = errors.New("alert type must be VIBRATE, SOUND or BOTH")
	ErrNotEnrolled          = errors.New("student not enrolled in class")
	ErrForbidden            = errors.New("not allowed for this user")
	ErrValidation           = errors.New("validation failed")
)

// userMessages are the actionable texts shown to people; each one is distinct
var userMessages = map[error]string{
	ErrPermissionDenied:     "Allow Bluetooth access in Settings, then try again.",
	ErrBluetoothDisabled:    "Turn on Bluetooth to check in.",
	ErrIDTooLong:            "This check-in code is too long for Bluetooth. Ask your teacher for a new session.",
	ErrInvalidCheckInID:     "This check-in code is not valid. Scan the class code again.",
	ErrAlreadyCheckedIn:     "You are already checked in to another class. Check out first.",
	ErrCheckInInProgress:    "Check-in is still running. Wait a moment.",
	ErrAlreadyScanning:      "Student scan is already running.",
	ErrRolloutAlreadyActive: "Alerts are still being sent. Cancel them or wait.",
	ErrDeviceUnreachable:    "The student's phone did not respond. Ask them to stay close and retry.",
	ErrNotFound:             "That student has not been detected nearby yet.",
	ErrChannelAuth:          "Your login expired. Sign in again.",
	ErrChannelProtocol:      "The attendance server sent something unexpected. Try again.",
	ErrSessionNotFound:      "No live attendance session for your class right now.",
	ErrSessionEnded:         "This attendance session has already ended.",
	ErrUnsupported:          "Bluetooth check-in is not available on this device.",
	ErrFaceMismatch:         "Face not recognised. Retake the photo in good light.",
	ErrInvalidState:         "That action is not available right now.",
	ErrInvalidAlertType:     "Choose vibrate, sound or both.",
	ErrNotEnrolled:          "You are not enrolled in this class.",
	ErrForbidden:            "You do not have access to this class.",
}

// UserMessage returns the actionable message for err, matching wrapped errors.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	for target, msg := range userMessages {
		if errors.Is(err, target) {
			return msg
		}
	}
	return err.Error()
}
