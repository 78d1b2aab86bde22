//go:build linux

// Package bluez drives a BlueZ adapter through tinygo.org/x/bluetooth.
package bluez

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"classbeacon/internal/ble"
	"classbeacon/pkg/types"
)

// GATT identifiers of the alert service each checked-in phone exposes
const (
	AlertServiceUUID        = "6e5c0001-7a3b-4c2e-9b1d-0c1a55beac00"
	AlertCharacteristicUUID = "6e5c0002-7a3b-4c2e-9b1d-0c1a55beac00"
)

// Radio adapts the default BlueZ adapter to interfaces.Radio
// TECHNICAL DISCOVERY: BlueZ has no runtime permission model and exposes no
// power-change callback through this library, so permission checks always
// succeed and the state handler only fires from Enable failures
type Radio struct {
	adapter *bluetooth.Adapter

	mu           sync.Mutex
	enabled      bool
	scanning     bool
	advertising  bool
	serviceAdded bool
	alertHandler func(types.AlertWrite)
	stateHandler func(bool)
}

// New wraps bluetooth.DefaultAdapter
func New() *Radio {
	return &Radio{adapter: bluetooth.DefaultAdapter}
}

func (r *Radio) HasPermissions(ctx context.Context) (bool, error)     { return true, nil }
func (r *Radio) RequestPermissions(ctx context.Context) (bool, error) { return true, nil }

func (r *Radio) IsBluetoothEnabled(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled, nil
}

// RequestEnableBluetooth powers the adapter through D-Bus
func (r *Radio) RequestEnableBluetooth(ctx context.Context) (bool, error) {
	r.mu.Lock()
	if r.enabled {
		r.mu.Unlock()
		return true, nil
	}
	err := r.adapter.Enable()
	r.enabled = err == nil
	handler := r.stateHandler
	r.mu.Unlock()

	if err != nil {
		log.Printf("bluez: enable adapter failed: %v", err)
		return false, nil
	}
	if handler != nil {
		handler(true)
	}
	return true, nil
}

// StartScan runs the blocking adapter scan on its own goroutine
func (r *Radio) StartScan(ctx context.Context, onAdvertisement func(types.Advertisement)) error {
	r.mu.Lock()
	if r.scanning {
		r.mu.Unlock()
		return types.ErrAlreadyScanning
	}
	r.scanning = true
	r.mu.Unlock()

	started := make(chan error, 1)
	go func() {
		err := r.adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			for _, element := range result.ManufacturerData() {
				if element.CompanyID != ble.CompanyID {
					continue
				}
				onAdvertisement(types.Advertisement{
					Address: result.Address.String(),
					RSSI:    int(result.RSSI),
					Payload: element.Data,
					SeenAt:  time.Now(),
				})
			}
		})
		r.mu.Lock()
		r.scanning = false
		r.mu.Unlock()
		select {
		case started <- err:
		default:
		}
		if err != nil {
			log.Printf("bluez: scan ended: %v", err)
		}
	}()

	// Scan errors surface immediately; a running scan blocks until StopScan.
	select {
	case err := <-started:
		if err != nil {
			return fmt.Errorf("bluez scan: %w", err)
		}
		return nil
	case <-time.After(200 * time.Millisecond):
		return nil
	case <-ctx.Done():
		_ = r.adapter.StopScan()
		return ctx.Err()
	}
}

func (r *Radio) StopScan() error {
	r.mu.Lock()
	scanning := r.scanning
	r.mu.Unlock()
	if !scanning {
		return nil
	}
	return r.adapter.StopScan()
}

// StartAdvertising publishes payload as manufacturer data and registers the alert service
func (r *Radio) StartAdvertising(ctx context.Context, payload []byte) error {
	if err := r.ensureAlertService(); err != nil {
		return err
	}

	serviceUUID, err := bluetooth.ParseUUID(AlertServiceUUID)
	if err != nil {
		return fmt.Errorf("parse service uuid: %w", err)
	}

	adv := r.adapter.DefaultAdvertisement()
	err = adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    "classbeacon",
		ServiceUUIDs: []bluetooth.UUID{serviceUUID},
		ManufacturerData: []bluetooth.ManufacturerDataElement{
			{CompanyID: ble.CompanyID, Data: payload},
		},
	})
	if err != nil {
		return fmt.Errorf("configure advertisement: %w", err)
	}
	if err := adv.Start(); err != nil {
		return fmt.Errorf("start advertisement: %w", err)
	}

	r.mu.Lock()
	r.advertising = true
	r.mu.Unlock()
	return nil
}

func (r *Radio) StopAdvertising() error {
	r.mu.Lock()
	advertising := r.advertising
	r.advertising = false
	r.mu.Unlock()
	if !advertising {
		return nil
	}
	return r.adapter.DefaultAdvertisement().Stop()
}

func (r *Radio) ensureAlertService() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.serviceAdded {
		return nil
	}

	serviceUUID, err := bluetooth.ParseUUID(AlertServiceUUID)
	if err != nil {
		return fmt.Errorf("parse service uuid: %w", err)
	}
	charUUID, err := bluetooth.ParseUUID(AlertCharacteristicUUID)
	if err != nil {
		return fmt.Errorf("parse characteristic uuid: %w", err)
	}

	err = r.adapter.AddService(&bluetooth.Service{
		UUID: serviceUUID,
		Characteristics: []bluetooth.CharacteristicConfig{{
			UUID:  charUUID,
			Flags: bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
			WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
				r.mu.Lock()
				handler := r.alertHandler
				r.mu.Unlock()
				if handler != nil {
					// Connection handles are reused across peers; Source is for logs only
					handler(types.AlertWrite{
						Source:  fmt.Sprintf("conn-%v", client),
						Payload: append([]byte(nil), value...),
					})
				}
			},
		}},
	})
	if err != nil {
		return fmt.Errorf("add alert service: %w", err)
	}
	r.serviceAdded = true
	return nil
}

// WriteAlert connects to address, writes the frame and disconnects
func (r *Radio) WriteAlert(ctx context.Context, address string, payload []byte) error {
	mac, err := bluetooth.ParseMAC(address)
	if err != nil {
		return fmt.Errorf("%w: bad address %q", types.ErrDeviceUnreachable, address)
	}

	done := make(chan error, 1)
	go func() {
		done <- r.writeAlert(bluetooth.Address{MACAddress: bluetooth.MACAddress{MAC: mac}}, payload)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %v", types.ErrDeviceUnreachable, address, ctx.Err())
	}
}

func (r *Radio) writeAlert(address bluetooth.Address, payload []byte) error {
	serviceUUID, err := bluetooth.ParseUUID(AlertServiceUUID)
	if err != nil {
		return err
	}
	charUUID, err := bluetooth.ParseUUID(AlertCharacteristicUUID)
	if err != nil {
		return err
	}

	device, err := r.adapter.Connect(address, bluetooth.ConnectionParams{})
	if err != nil {
		return fmt.Errorf("%w: connect: %v", types.ErrDeviceUnreachable, err)
	}
	defer func() {
		if err := device.Disconnect(); err != nil {
			log.Printf("bluez: disconnect %s: %v", address.String(), err)
		}
	}()

	services, err := device.DiscoverServices([]bluetooth.UUID{serviceUUID})
	if err != nil || len(services) == 0 {
		return fmt.Errorf("%w: alert service not found", types.ErrDeviceUnreachable)
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{charUUID})
	if err != nil || len(chars) == 0 {
		return fmt.Errorf("%w: alert characteristic not found", types.ErrDeviceUnreachable)
	}
	if _, err := chars[0].Write(payload); err != nil {
		return fmt.Errorf("write alert: %w", err)
	}
	return nil
}

func (r *Radio) SetAlertHandler(handler func(types.AlertWrite)) {
	r.mu.Lock()
	r.alertHandler = handler
	r.mu.Unlock()
}

func (r *Radio) SetStateHandler(handler func(enabled bool)) {
	r.mu.Lock()
	r.stateHandler = handler
	r.mu.Unlock()
}
