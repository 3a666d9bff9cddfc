package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-link/internal/apperr"
	"github.com/EternisAI/silo-link/internal/store"
)

const DefaultMaxActive = 3

type Registration = store.DeviceRegistration

type ChangeKind string

const (
	ChangeAdmitted ChangeKind = "admitted"
	ChangeRevoked  ChangeKind = "revoked"
)

type Change struct {
	Kind     ChangeKind
	DeviceID string
	HostID   string
	At       time.Time
}

// Listener is notified after a registration changes. Notifications are
// delivered synchronously, outside the registry lock.
type Listener interface {
	OnDeviceChange(ctx context.Context, c Change)
}

type ListenerFunc func(ctx context.Context, c Change)

func (f ListenerFunc) OnDeviceChange(ctx context.Context, c Change) { f(ctx, c) }

// Registry is the set of trusted devices of one host. Admission is a single
// check-and-insert under mu so concurrent verifications cannot exceed the cap.
type Registry struct {
	hostID    string
	maxActive int
	store     store.Store
	now       func() time.Time

	mu sync.Mutex

	listenersMu sync.RWMutex
	listeners   []Listener
}

func NewRegistry(hostID string, maxActive int, st store.Store) *Registry {
	if maxActive <= 0 {
		maxActive = DefaultMaxActive
	}
	return &Registry{
		hostID:    hostID,
		maxActive: maxActive,
		store:     st,
		now:       time.Now,
	}
}

func (r *Registry) HostID() string { return r.hostID }

func (r *Registry) MaxActive() int { return r.maxActive }

func (r *Registry) SetClock(now func() time.Time) { r.now = now }

func (r *Registry) Subscribe(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Admit registers deviceID as active. An already active deviceID is replaced
// and does not count against the cap.
func (r *Registry) Admit(ctx context.Context, deviceID, deviceName, fingerprint string) (*Registration, error) {
	r.mu.Lock()

	existing, err := r.store.ListDevices(ctx, r.hostID)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}

	active := 0
	for _, d := range existing {
		if d.Status == store.DeviceActive && d.DeviceID != deviceID {
			active++
		}
	}
	if active >= r.maxActive {
		r.mu.Unlock()
		slog.Warn("Device admission rejected", "host_id", r.hostID, "device_id", deviceID, "limit", r.maxActive)
		return nil, &apperr.CapacityError{Limit: r.maxActive}
	}

	reg := &Registration{
		DeviceID:              deviceID,
		HostID:                r.hostID,
		DeviceName:            deviceName,
		CredentialFingerprint: fingerprint,
		PairedAt:              r.now(),
		Status:                store.DeviceActive,
	}
	if err := r.store.SaveDevice(ctx, reg); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to save device: %w", err)
	}
	r.mu.Unlock()

	slog.Info("Device admitted", "host_id", r.hostID, "device_id", deviceID, "active", active+1, "limit", r.maxActive)
	r.notify(ctx, Change{Kind: ChangeAdmitted, DeviceID: deviceID, HostID: r.hostID, At: reg.PairedAt})
	return reg, nil
}

// Restore puts back a registration replaced by Admit. Listeners are not
// notified; the replacement already closed whatever the device had open.
func (r *Registry) Restore(ctx context.Context, prev *Registration) error {
	if prev == nil || prev.HostID != r.hostID {
		return apperr.Validation("registration does not belong to host %s", r.hostID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.SaveDevice(ctx, prev); err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	slog.Info("Device registration restored", "host_id", r.hostID, "device_id", prev.DeviceID, "status", prev.Status)
	return nil
}

// Revoke marks deviceID revoked. Unknown or already revoked devices are a no-op.
func (r *Registry) Revoke(ctx context.Context, deviceID string) error {
	r.mu.Lock()

	reg, err := r.get(ctx, deviceID)
	if errors.Is(err, apperr.ErrNotFound) {
		r.mu.Unlock()
		return nil
	}
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if reg.Status == store.DeviceRevoked {
		r.mu.Unlock()
		return nil
	}

	now := r.now()
	reg.Status = store.DeviceRevoked
	reg.RevokedAt = &now
	if err := r.store.SaveDevice(ctx, reg); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to save device: %w", err)
	}
	r.mu.Unlock()

	slog.Info("Device revoked", "host_id", r.hostID, "device_id", deviceID)
	r.notify(ctx, Change{Kind: ChangeRevoked, DeviceID: deviceID, HostID: r.hostID, At: now})
	return nil
}

func (r *Registry) Get(ctx context.Context, deviceID string) (*Registration, error) {
	return r.get(ctx, deviceID)
}

// IsActive reports whether deviceID holds an active registration on this host.
func (r *Registry) IsActive(ctx context.Context, deviceID string) (bool, error) {
	reg, err := r.get(ctx, deviceID)
	if errors.Is(err, apperr.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return reg.Status == store.DeviceActive, nil
}

func (r *Registry) List(ctx context.Context) ([]Registration, error) {
	devs, err := r.store.ListDevices(ctx, r.hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return devs, nil
}

func (r *Registry) ActiveCount(ctx context.Context) (int, error) {
	devs, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range devs {
		if d.Status == store.DeviceActive {
			n++
		}
	}
	return n, nil
}

func (r *Registry) get(ctx context.Context, deviceID string) (*Registration, error) {
	reg, err := r.store.GetDevice(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && reg.HostID != r.hostID) {
		return nil, apperr.NotFound("device %s", deviceID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return reg, nil
}

func (r *Registry) notify(ctx context.Context, c Change) {
	r.listenersMu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					slog.Error("Device change listener panicked", "device_id", c.DeviceID, "kind", c.Kind, "panic", rec)
				}
			}()
			l.OnDeviceChange(ctx, c)
		}()
	}
}
