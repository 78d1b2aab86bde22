package ble

import (
	"encoding/binary"
	"fmt"
	"strings"

	"classbeacon/pkg/types"
)

// MaxCombinedIDLength is the hard ceiling set by the advertising payload budget
const MaxCombinedIDLength = 8

// CompanyID is the manufacturer data company identifier we advertise under
// (0xFFFF is reserved by the Bluetooth SIG for testing and internal use)
const CompanyID uint16 = 0xFFFF

const (
	payloadMagic   byte = 0xCB
	payloadVersion byte = 0x01
	alertFrameSize      = 9
)

// CombinedID is the live id concatenated with the student's roster id
type CombinedID string

// NewCombinedID builds and validates liveID+rosterID.
func NewCombinedID(liveID, rosterID string) (CombinedID, error) {
	id := CombinedID(liveID + rosterID)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Validate enforces the encoded length and character set before any radio call
func (id CombinedID) Validate() error {
	if len(id) > MaxCombinedIDLength {
		return fmt.Errorf("%w: %d bytes", types.ErrIDTooLong, len(id))
	}
	if len(id) == 0 {
		return types.ErrInvalidCheckInID
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z') {
			return types.ErrInvalidCheckInID
		}
	}
	return nil
}

// StudentID strips the live id prefix; without a matching prefix the whole id is returned
func (id CombinedID) StudentID(liveID string) string {
	if liveID != "" && strings.HasPrefix(string(id), liveID) && len(id) > len(liveID) {
		return string(id[len(liveID):])
	}
	return string(id)
}

// EncodeAdvertisement builds the manufacturer data payload for id
func EncodeAdvertisement(id CombinedID) ([]byte, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	payload := make([]byte, 0, 2+len(id))
	payload = append(payload, payloadMagic, payloadVersion)
	return append(payload, id...), nil
}

// DecodeAdvertisement returns the combined id when payload matches our scheme
func DecodeAdvertisement(payload []byte) (CombinedID, bool) {
	if len(payload) < 3 || payload[0] != payloadMagic || payload[1] != payloadVersion {
		return "", false
	}
	id := CombinedID(payload[2:])
	if id.Validate() != nil {
		return "", false
	}
	return id, true
}

// AlertFrame is one alert write on the wire
type AlertFrame struct {
	Type types.AlertType
	// Epoch is drawn once per BeaconSession so sequence numbers from a
	// restarted or different teacher never collide with earlier ones
	Epoch uint32
	Seq   uint32
}

// EncodeAlert frames an alert write: type byte, big-endian epoch, big-endian sequence
// TECHNICAL DISCOVERY: (epoch, seq) lets receivers drop replays caused by
// GATT retries and reconnect churn without trusting the peer's connection id
func EncodeAlert(f AlertFrame) []byte {
	frame := make([]byte, alertFrameSize)
	frame[0] = byte(f.Type)
	binary.BigEndian.PutUint32(frame[1:5], f.Epoch)
	binary.BigEndian.PutUint32(frame[5:], f.Seq)
	return frame
}

// DecodeAlert parses an alert frame
func DecodeAlert(frame []byte) (AlertFrame, error) {
	if len(frame) != alertFrameSize {
		return AlertFrame{}, fmt.Errorf("%w: alert frame is %d bytes", ErrMalformedFrame, len(frame))
	}
	f := AlertFrame{
		Type:  types.AlertType(frame[0]),
		Epoch: binary.BigEndian.Uint32(frame[1:5]),
		Seq:   binary.BigEndian.Uint32(frame[5:]),
	}
	if !f.Type.Valid() {
		return AlertFrame{}, types.ErrInvalidAlertType
	}
	return f, nil
}
