package store

import (
	"time"
)

type DeviceStatus string

const (
	DeviceActive  DeviceStatus = "active"
	DeviceRevoked DeviceStatus = "revoked"
)

type PairingRequest struct {
	PairingID      string
	Code           string
	DeviceID       string
	DeviceName     string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	Consumed       bool
	FailedAttempts int
}

// Usable reports whether the request can still be verified at now.
func (p *PairingRequest) Usable(now time.Time) bool {
	return !p.Consumed && !now.After(p.ExpiresAt)
}

type DeviceRegistration struct {
	DeviceID              string
	HostID                string
	DeviceName            string
	CredentialFingerprint string
	PairedAt              time.Time
	Status                DeviceStatus
	RevokedAt             *time.Time
}

// AuthToken keeps only the hash of the token handed to the device.
type AuthToken struct {
	DeviceID  string
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type AuditEntry struct {
	ID         string
	OccurredAt time.Time
	Event      string
	DeviceID   string
	Severity   string
	Details    map[string]any
}
