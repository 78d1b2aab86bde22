package interfaces

import (
	"context"

	"classbeacon/pkg/types"
)

// Radio is the platform BLE capability the role sessions are layered on
// ARCHITECTURAL DISCOVERY: Backends are variants behind this interface
// (BlueZ on Linux, simulated air, unsupported stub), never a type hierarchy
type Radio interface {
	HasPermissions(ctx context.Context) (bool, error)
	RequestPermissions(ctx context.Context) (bool, error)
	IsBluetoothEnabled(ctx context.Context) (bool, error)
	// RequestEnableBluetooth shows the OS enable prompt where the platform has one
	RequestEnableBluetooth(ctx context.Context) (bool, error)

	// StartScan delivers advertisements carrying our manufacturer data until StopScan
	StartScan(ctx context.Context, onAdvertisement func(types.Advertisement)) error
	StopScan() error

	StartAdvertising(ctx context.Context, payload []byte) error
	StopAdvertising() error

	// WriteAlert performs a GATT write of payload to the alert characteristic at address
	WriteAlert(ctx context.Context, address string, payload []byte) error

	// SetAlertHandler installs the sink for incoming alert writes; nil removes it
	SetAlertHandler(handler func(types.AlertWrite))

	// SetStateHandler installs the sink for radio power changes; nil removes it
	SetStateHandler(handler func(enabled bool))
}

// CheckInStore persists the student's active check-in across process restarts
type CheckInStore interface {
	Load(ctx context.Context) (*types.CheckInStatus, error)
	Save(ctx context.Context, status *types.CheckInStatus) error
	Clear(ctx context.Context) error
}

// Vibrator drives the device haptics
type Vibrator interface {
	Vibrate(pattern []int) error
}
