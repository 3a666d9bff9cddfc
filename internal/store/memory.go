package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"
)

var _ Store = (*Memory)(nil)

// Memory keeps every record in process memory. Records are copied on the way
// in and out so callers never share state with the store.
type Memory struct {
	mu       sync.RWMutex
	pairings map[string]PairingRequest
	devices  map[string]DeviceRegistration
	tokens   map[string]AuthToken
	audit    []AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		pairings: make(map[string]PairingRequest),
		devices:  make(map[string]DeviceRegistration),
		tokens:   make(map[string]AuthToken),
	}
}

func (m *Memory) SavePairingRequest(_ context.Context, req *PairingRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairings[req.PairingID] = *req
	return nil
}

func (m *Memory) GetPairingRequest(_ context.Context, pairingID string) (*PairingRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	req, ok := m.pairings[pairingID]
	if !ok {
		return nil, ErrNotFound
	}
	return &req, nil
}

func (m *Memory) PairingCodeInUse(_ context.Context, code string, now time.Time) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, req := range m.pairings {
		if req.Code == code && req.Usable(now) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) DeleteStalePairingRequests(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, req := range m.pairings {
		if !req.Usable(now) {
			delete(m.pairings, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) SaveDevice(_ context.Context, dev *DeviceRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[dev.DeviceID] = copyDevice(*dev)
	return nil
}

func (m *Memory) GetDevice(_ context.Context, deviceID string) (*DeviceRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	dev, ok := m.devices[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	dev = copyDevice(dev)
	return &dev, nil
}

func (m *Memory) ListDevices(_ context.Context, hostID string) ([]DeviceRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DeviceRegistration, 0, len(m.devices))
	for _, dev := range m.devices {
		if dev.HostID == hostID {
			out = append(out, copyDevice(dev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].PairedAt.Before(out[j].PairedAt)
	})
	return out, nil
}

func (m *Memory) SaveAuthToken(_ context.Context, tok *AuthToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[tok.DeviceID] = *tok
	return nil
}

func (m *Memory) GetAuthToken(_ context.Context, deviceID string) (*AuthToken, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.tokens[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return &tok, nil
}

func (m *Memory) AppendAudit(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := *entry
	e.Details = maps.Clone(entry.Details)
	m.audit = append(m.audit, e)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, deviceID string, limit int) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []AuditEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		e := m.audit[i]
		if deviceID != "" && e.DeviceID != deviceID {
			continue
		}
		e.Details = maps.Clone(e.Details)
		out = append(out, e)
	}
	return out, nil
}

func (m *Memory) Close() {}

func copyDevice(dev DeviceRegistration) DeviceRegistration {
	if dev.RevokedAt != nil {
		t := *dev.RevokedAt
		dev.RevokedAt = &t
	}
	return dev
}
