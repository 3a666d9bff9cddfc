// Package store persists pairing requests, device registrations, auth tokens and the audit log.
// Two implementations exist: Memory for single-process deployments and tests, and Postgres.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("record not found")

type Store interface {
	SavePairingRequest(ctx context.Context, req *PairingRequest) error
	GetPairingRequest(ctx context.Context, pairingID string) (*PairingRequest, error)
	// PairingCodeInUse reports whether code belongs to an unexpired, unconsumed request.
	PairingCodeInUse(ctx context.Context, code string, now time.Time) (bool, error)
	// DeleteStalePairingRequests removes consumed requests and requests expired before now.
	DeleteStalePairingRequests(ctx context.Context, now time.Time) (int64, error)

	SaveDevice(ctx context.Context, dev *DeviceRegistration) error
	GetDevice(ctx context.Context, deviceID string) (*DeviceRegistration, error)
	ListDevices(ctx context.Context, hostID string) ([]DeviceRegistration, error)

	SaveAuthToken(ctx context.Context, tok *AuthToken) error
	GetAuthToken(ctx context.Context, deviceID string) (*AuthToken, error)

	AppendAudit(ctx context.Context, entry *AuditEntry) error
	// ListAudit returns the newest entries first. An empty deviceID lists all devices.
	ListAudit(ctx context.Context, deviceID string, limit int) ([]AuditEntry, error)

	Close()
}
