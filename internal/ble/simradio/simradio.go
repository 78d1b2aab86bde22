// Package simradio is an in-process radio backend: every Radio attached to
// the same Air can see each other's advertisements and receive alert writes.
// It backs the device runtime's demo mode and the role session tests.
package simradio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"classbeacon/pkg/types"
)

// Air is the shared medium radios advertise on
type Air struct {
	mu     sync.RWMutex
	radios map[string]*Radio
	now    func() time.Time
}

// NewAir creates an empty medium
func NewAir() *Air {
	return &Air{radios: make(map[string]*Radio), now: time.Now}
}

// Attach creates a powered, permitted radio at address
func (a *Air) Attach(address string) *Radio {
	r := &Radio{
		air:             a,
		address:         address,
		permitted:       true,
		grantOnRequest:  true,
		enabled:         true,
		enableOnRequest: true,
		rssi:            -60,
	}
	a.mu.Lock()
	a.radios[address] = r
	a.mu.Unlock()
	return r
}

// Detach removes the radio at address, making it unreachable
func (a *Air) Detach(address string) {
	a.mu.Lock()
	delete(a.radios, address)
	a.mu.Unlock()
}

// Rebroadcast re-delivers every live advertisement to every scanner,
// modelling the periodic nature of BLE advertising
func (a *Air) Rebroadcast() {
	for _, adv := range a.advertisements() {
		a.deliver(adv)
	}
}

func (a *Air) lookup(address string) (*Radio, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.radios[address]
	return r, ok
}

func (a *Air) snapshot() []*Radio {
	a.mu.RLock()
	defer a.mu.RUnlock()
	radios := make([]*Radio, 0, len(a.radios))
	for _, r := range a.radios {
		radios = append(radios, r)
	}
	return radios
}

func (a *Air) advertisements() []types.Advertisement {
	var ads []types.Advertisement
	for _, r := range a.snapshot() {
		if adv, ok := r.currentAdvertisement(a.now()); ok {
			ads = append(ads, adv)
		}
	}
	return ads
}

// deliver hands adv to every scanner; callbacks run without any lock held
func (a *Air) deliver(adv types.Advertisement) {
	for _, r := range a.snapshot() {
		if r.address == adv.Address {
			continue
		}
		if sink := r.scanSink(); sink != nil {
			sink(adv)
		}
	}
}

// Calls counts radio operations for assertions
type Calls struct {
	StartScan        int
	StopScan         int
	StartAdvertising int
	StopAdvertising  int
	WriteAlert       int
	PermissionPrompt int
	EnablePrompt     int
}

// Radio is one simulated device
type Radio struct {
	air     *Air
	address string

	mu              sync.Mutex
	permitted       bool
	grantOnRequest  bool
	enabled         bool
	enableOnRequest bool
	rssi            int
	scanning        bool
	onAdvertisement func(types.Advertisement)
	advertising     []byte
	alertHandler    func(types.AlertWrite)
	stateHandler    func(bool)
	writeHook       func(address string, payload []byte) error
	calls           Calls
}

// Address returns the radio's device address
func (r *Radio) Address() string { return r.address }

// SetPermissions sets the current grant and whether a prompt would grant it
func (r *Radio) SetPermissions(granted, grantOnRequest bool) {
	r.mu.Lock()
	r.permitted = granted
	r.grantOnRequest = grantOnRequest
	r.mu.Unlock()
}

// SetEnableOnRequest controls the answer to the enable prompt
func (r *Radio) SetEnableOnRequest(enable bool) {
	r.mu.Lock()
	r.enableOnRequest = enable
	r.mu.Unlock()
}

// SetEnabled powers the radio on or off and notifies the state handler
func (r *Radio) SetEnabled(enabled bool) {
	r.mu.Lock()
	changed := r.enabled != enabled
	r.enabled = enabled
	if !enabled {
		r.scanning = false
		r.onAdvertisement = nil
		r.advertising = nil
	}
	handler := r.stateHandler
	r.mu.Unlock()

	if changed && handler != nil {
		handler(enabled)
	}
}

// SetRSSI sets the signal strength others observe for this radio
func (r *Radio) SetRSSI(rssi int) {
	r.mu.Lock()
	r.rssi = rssi
	r.mu.Unlock()
}

// SetWriteHook runs before every outgoing alert write; a non-nil error fails the write
func (r *Radio) SetWriteHook(hook func(address string, payload []byte) error) {
	r.mu.Lock()
	r.writeHook = hook
	r.mu.Unlock()
}

// Calls returns a copy of the operation counters
func (r *Radio) Calls() Calls {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// IsAdvertising reports whether the radio is on air
func (r *Radio) IsAdvertising() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advertising != nil
}

// IsScanning reports whether a scan is running
func (r *Radio) IsScanning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.scanning
}

func (r *Radio) HasPermissions(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.permitted, nil
}

func (r *Radio) RequestPermissions(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls.PermissionPrompt++
	if r.grantOnRequest {
		r.permitted = true
	}
	return r.permitted, nil
}

func (r *Radio) IsBluetoothEnabled(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled, nil
}

func (r *Radio) RequestEnableBluetooth(ctx context.Context) (bool, error) {
	r.mu.Lock()
	r.calls.EnablePrompt++
	enable := r.enableOnRequest && !r.enabled
	r.mu.Unlock()
	if enable {
		r.SetEnabled(true)
	}
	return r.isEnabled(), nil
}

func (r *Radio) isEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

func (r *Radio) StartScan(ctx context.Context, onAdvertisement func(types.Advertisement)) error {
	r.mu.Lock()
	r.calls.StartScan++
	if !r.enabled {
		r.mu.Unlock()
		return types.ErrBluetoothDisabled
	}
	r.scanning = true
	r.onAdvertisement = onAdvertisement
	r.mu.Unlock()

	for _, adv := range r.air.advertisements() {
		if adv.Address != r.address {
			onAdvertisement(adv)
		}
	}
	return nil
}

func (r *Radio) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls.StopScan++
	r.scanning = false
	r.onAdvertisement = nil
	return nil
}

func (r *Radio) StartAdvertising(ctx context.Context, payload []byte) error {
	r.mu.Lock()
	r.calls.StartAdvertising++
	if !r.enabled {
		r.mu.Unlock()
		return types.ErrBluetoothDisabled
	}
	r.advertising = append([]byte(nil), payload...)
	adv, _ := r.advertisementLocked(r.air.now())
	r.mu.Unlock()

	r.air.deliver(adv)
	return nil
}

func (r *Radio) StopAdvertising() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls.StopAdvertising++
	r.advertising = nil
	return nil
}

func (r *Radio) WriteAlert(ctx context.Context, address string, payload []byte) error {
	r.mu.Lock()
	r.calls.WriteAlert++
	enabled := r.enabled
	hook := r.writeHook
	r.mu.Unlock()

	if !enabled {
		return types.ErrBluetoothDisabled
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if hook != nil {
		if err := hook(address, payload); err != nil {
			return err
		}
	}

	target, ok := r.air.lookup(address)
	if !ok || !target.IsAdvertising() {
		return fmt.Errorf("%w: %s", types.ErrDeviceUnreachable, address)
	}
	target.receiveAlert(types.AlertWrite{Source: r.address, Payload: append([]byte(nil), payload...)})
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

// InjectAlert delivers a raw alert write as if it arrived over GATT
func (r *Radio) InjectAlert(source string, payload []byte) {
	r.receiveAlert(types.AlertWrite{Source: source, Payload: payload})
}

func (r *Radio) receiveAlert(write types.AlertWrite) {
	r.mu.Lock()
	handler := r.alertHandler
	r.mu.Unlock()
	if handler != nil {
		handler(write)
	}
}

func (r *Radio) scanSink() func(types.Advertisement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.scanning {
		return nil
	}
	return r.onAdvertisement
}

func (r *Radio) currentAdvertisement(now time.Time) (types.Advertisement, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.advertisementLocked(now)
}

func (r *Radio) advertisementLocked(now time.Time) (types.Advertisement, bool) {
	if r.advertising == nil {
		return types.Advertisement{}, false
	}
	return types.Advertisement{
		Address: r.address,
		RSSI:    r.rssi,
		Payload: append([]byte(nil), r.advertising...),
		SeenAt:  now,
	}, true
}
