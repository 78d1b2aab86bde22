package ble

import (
	"context"
	"fmt"

	"classbeacon/pkg/interfaces"
	"classbeacon/pkg/types"
)

// ensureReady escalates permission and power prompts before any radio operation
// FUNCTIONAL DISCOVERY: The user is always prompted before failing, and each
// failure is a distinct error so the UI can show the matching recovery step
func ensureReady(ctx context.Context, radio interfaces.Radio) error {
	granted, err := radio.HasPermissions(ctx)
	if err != nil {
		return fmt.Errorf("check permissions: %w", err)
	}
	if !granted {
		granted, err = radio.RequestPermissions(ctx)
		if err != nil {
			return fmt.Errorf("request permissions: %w", err)
		}
		if !granted {
			return types.ErrPermissionDenied
		}
	}

	enabled, err := radio.IsBluetoothEnabled(ctx)
	if err != nil {
		return fmt.Errorf("check bluetooth state: %w", err)
	}
	if !enabled {
		enabled, err = radio.RequestEnableBluetooth(ctx)
		if err != nil {
			return fmt.Errorf("request bluetooth enable: %w", err)
		}
		if !enabled {
			return types.ErrBluetoothDisabled
		}
	}

	return nil
}
