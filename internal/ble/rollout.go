package ble

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"classbeacon/pkg/types"
)

// AlertResult is the outcome for one address in a rollout
type AlertResult struct {
	Address   string `json:"address"`
	Attempted bool   `json:"attempted"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// RolloutResult aggregates a whole rollout
// FUNCTIONAL DISCOVERY: Per-address failures are collected rather than
// aborting, so one unreachable phone never blocks alerting the rest
type RolloutResult struct {
	JobID     string          `json:"job_id"`
	AlertType types.AlertType `json:"alert_type"`
	Success   int             `json:"success"`
	Failed    int             `json:"failed"`
	Cancelled bool            `json:"cancelled"`
	Results   []AlertResult   `json:"results"`
}

type rolloutJob struct {
	id     string
	cancel context.CancelFunc
}

// SendAlertToStudent writes one alert to deviceAddress
func (b *BeaconSession) SendAlertToStudent(ctx context.Context, deviceAddress string, alertType types.AlertType) error {
	if !alertType.Valid() {
		return types.ErrInvalidAlertType
	}
	if err := ensureReady(ctx, b.radio); err != nil {
		return err
	}
	return b.writeAlert(ctx, deviceAddress, alertType)
}

// writeAlert performs a single bounded write and classifies the failure
func (b *BeaconSession) writeAlert(ctx context.Context, address string, alertType types.AlertType) error {
	writeCtx, cancel := context.WithTimeout(ctx, b.writeTimeout)
	defer cancel()

	frame := EncodeAlert(AlertFrame{Type: alertType, Epoch: b.alertEpoch, Seq: b.alertSeq.Add(1)})
	err := b.radio.WriteAlert(writeCtx, address, frame)
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, types.ErrUnsupported),
		errors.Is(err, types.ErrBluetoothDisabled),
		errors.Is(err, types.ErrPermissionDenied),
		errors.Is(err, types.ErrDeviceUnreachable):
		return err
	default:
		return fmt.Errorf("%w: %s: %v", types.ErrDeviceUnreachable, address, err)
	}
}

// SendAlertToAll rolls alerts out to addresses in list order with delay spacing
// ARCHITECTURAL DISCOVERY: Strictly sequential dispatch; the in-flight write
// uses the caller's context so cancellation only stops future sends
func (b *BeaconSession) SendAlertToAll(ctx context.Context, addresses []string, alertType types.AlertType, delay time.Duration) (*RolloutResult, error) {
	if !alertType.Valid() {
		return nil, types.ErrInvalidAlertType
	}
	if delay < 0 {
		return nil, ErrInvalidRolloutDelay
	}

	jobCtx, cancel := context.WithCancel(ctx)
	job := &rolloutJob{id: uuid.New().String(), cancel: cancel}

	b.mu.Lock()
	if b.rollout != nil {
		b.mu.Unlock()
		cancel()
		return nil, types.ErrRolloutAlreadyActive
	}
	b.rollout = job
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		if b.rollout == job {
			b.rollout = nil
		}
		b.mu.Unlock()
		cancel()
	}()

	result := &RolloutResult{
		JobID:     job.id,
		AlertType: alertType,
		Results:   make([]AlertResult, len(addresses)),
	}
	for i, address := range addresses {
		result.Results[i] = AlertResult{Address: address}
	}

	if err := ensureReady(ctx, b.radio); err != nil {
		return nil, err
	}

	log.Printf("ble: alert rollout started job=%s type=%s targets=%d delay=%s", job.id, alertType, len(addresses), delay)

	for i, address := range addresses {
		if i > 0 && !waitOrCancel(jobCtx, delay) {
			result.Cancelled = true
			break
		}
		if jobCtx.Err() != nil {
			result.Cancelled = true
			break
		}

		entry := &result.Results[i]
		entry.Attempted = true
		if err := b.writeAlert(ctx, address, alertType); err != nil {
			entry.Error = err.Error()
			result.Failed++
			log.Printf("ble: alert to %s failed: %v", address, err)
			continue
		}
		entry.Success = true
		result.Success++
	}

	log.Printf("ble: alert rollout finished job=%s success=%d failed=%d cancelled=%t",
		job.id, result.Success, result.Failed, result.Cancelled)
	return result, nil
}

// CancelAlertRollout stops future sends of the active rollout; reports whether one was active
func (b *BeaconSession) CancelAlertRollout() bool {
	b.mu.RLock()
	job := b.rollout
	b.mu.RUnlock()
	if job == nil {
		return false
	}
	job.cancel()
	return true
}

// IsAlertRolloutActive reports whether a rollout is in progress
func (b *BeaconSession) IsAlertRolloutActive() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rollout != nil
}

// waitOrCancel sleeps for d unless ctx is cancelled first
func waitOrCancel(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
