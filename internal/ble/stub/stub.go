// Package stub is the radio backend for platforms without BLE support
package stub

import (
	"context"

	"classbeacon/pkg/types"
)

// Radio fails every operation with types.ErrUnsupported
type Radio struct{}

// New returns the unsupported backend
func New() *Radio { return &Radio{} }

func (Radio) HasPermissions(context.Context) (bool, error)     { return false, types.ErrUnsupported }
func (Radio) RequestPermissions(context.Context) (bool, error) { return false, types.ErrUnsupported }
func (Radio) IsBluetoothEnabled(context.Context) (bool, error) { return false, types.ErrUnsupported }
func (Radio) RequestEnableBluetooth(context.Context) (bool, error) {
	return false, types.ErrUnsupported
}
func (Radio) StartScan(context.Context, func(types.Advertisement)) error { return types.ErrUnsupported }
func (Radio) StopScan() error                                            { return nil }
func (Radio) StartAdvertising(context.Context, []byte) error             { return types.ErrUnsupported }
func (Radio) StopAdvertising() error                                     { return nil }
func (Radio) WriteAlert(context.Context, string, []byte) error           { return types.ErrUnsupported }
func (Radio) SetAlertHandler(func(types.AlertWrite))                     {}
func (Radio) SetStateHandler(func(bool))                                 {}
