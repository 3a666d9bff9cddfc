package pairing

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/EternisAI/silo-link/internal/apperr"
	"github.com/EternisAI/silo-link/internal/audit"
	"github.com/EternisAI/silo-link/internal/auth"
	"github.com/EternisAI/silo-link/internal/cert"
	"github.com/EternisAI/silo-link/internal/devices"
	"github.com/EternisAI/silo-link/internal/store"
)

const (
	DefaultCodeTTL         = 300 * time.Second
	DefaultMaxAttempts     = 5
	DefaultCleanupInterval = time.Minute

	codeLength        = 6
	maxCodeRetries    = 16
	maxDeviceNameLen  = 100
	maxDeviceIDLength = 200
)

var (
	codePattern     = regexp.MustCompile(`^[0-9]{6}$`)
	deviceIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]+$`)

	ErrCodeSpaceExhausted = errors.New("failed to allocate a unique pairing code")
)

// Issuer signs the credential bundle of a newly admitted device.
type Issuer interface {
	Issue(ctx context.Context, deviceID string) (*cert.Bundle, error)
}

type Config struct {
	CodeTTL         time.Duration
	MaxAttempts     int
	CleanupInterval time.Duration
}

type Outcome string

const (
	OutcomeInitiated Outcome = "initiated"
	OutcomeVerified  Outcome = "verified"
	OutcomeRejected  Outcome = "rejected"
	OutcomeExpired   Outcome = "expired"
	OutcomeCapacity  Outcome = "capacity"
	OutcomeRevoked   Outcome = "revoked"
)

type Ticket struct {
	PairingID string
	Code      string
	ExpiresAt time.Time
	ExpiresIn time.Duration
}

type Credentials struct {
	DeviceID          string
	CACertificate     string
	ClientCertificate string
	ClientPrivateKey  string
	AuthToken         string
	TokenExpiresAt    time.Time
}

type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
	StatusNone    Status = "none"
)

type StatusResult struct {
	Status     Status
	DeviceName string
	PairedAt   *time.Time
}

type TokenGrant struct {
	Token     string
	ExpiresAt time.Time
}

type Option func(*Coordinator)

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithCodeSource replaces the random pairing code generator.
func WithCodeSource(next func() (string, error)) Option {
	return func(c *Coordinator) { c.nextCode = next }
}

func WithOutcomeRecorder(record func(Outcome)) Option {
	return func(c *Coordinator) { c.record = record }
}

// Coordinator runs the pairing protocol of one host: code issuance,
// single-use verification, credential issuance, status and revocation.
type Coordinator struct {
	cfg      Config
	store    store.Store
	registry *devices.Registry
	issuer   Issuer
	tokens   *auth.Tokens
	trail    *audit.Trail

	now      func() time.Time
	nextCode func() (string, error)
	record   func(Outcome)

	// issueMu guards code generation against the set of live codes.
	issueMu sync.Mutex
	// verifyMu makes the consumed check and its update one step.
	verifyMu sync.Mutex
}

func NewCoordinator(cfg Config, st store.Store, registry *devices.Registry, issuer Issuer, tokens *auth.Tokens, trail *audit.Trail, opts ...Option) *Coordinator {
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	c := &Coordinator{
		cfg:      cfg,
		store:    st,
		registry: registry,
		issuer:   issuer,
		tokens:   tokens,
		trail:    trail,
		now:      time.Now,
		nextCode: randomCode,
		record:   func(Outcome) {},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Initiate(ctx context.Context, deviceName, deviceID string) (*Ticket, error) {
	deviceName = strings.TrimSpace(deviceName)
	if deviceName == "" {
		return nil, apperr.Validation("device_name is required")
	}
	if len(deviceName) > maxDeviceNameLen {
		return nil, apperr.Validation("device_name must be at most %d characters", maxDeviceNameLen)
	}
	if err := validateDeviceID(deviceID); err != nil {
		return nil, err
	}

	pairingID, err := newPairingID()
	if err != nil {
		return nil, err
	}

	c.issueMu.Lock()
	now := c.now()
	code, err := c.uniqueCode(ctx, now)
	if err != nil {
		c.issueMu.Unlock()
		return nil, err
	}
	req := &store.PairingRequest{
		PairingID:  pairingID,
		Code:       code,
		DeviceID:   deviceID,
		DeviceName: deviceName,
		CreatedAt:  now,
		ExpiresAt:  now.Add(c.cfg.CodeTTL),
	}
	err = c.store.SavePairingRequest(ctx, req)
	c.issueMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to save pairing request: %w", err)
	}

	slog.Info("Pairing initiated", "device_id", deviceID, "device_name", deviceName, "pairing_id", pairingID, "expires_at", req.ExpiresAt)
	c.trail.Record(ctx, audit.PairingInitiated, deviceID, map[string]any{
		"device_name": deviceName,
		"pairing_id":  pairingID,
	})
	c.record(OutcomeInitiated)

	return &Ticket{
		PairingID: pairingID,
		Code:      code,
		ExpiresAt: req.ExpiresAt,
		ExpiresIn: c.cfg.CodeTTL,
	}, nil
}

// uniqueCode draws codes until one is not held by a live request. Callers hold issueMu.
func (c *Coordinator) uniqueCode(ctx context.Context, now time.Time) (string, error) {
	for i := 0; i < maxCodeRetries; i++ {
		code, err := c.nextCode()
		if err != nil {
			return "", fmt.Errorf("failed to generate pairing code: %w", err)
		}
		inUse, err := c.store.PairingCodeInUse(ctx, code, now)
		if err != nil {
			return "", err
		}
		if !inUse {
			return code, nil
		}
		slog.Debug("Pairing code collision, regenerating", "attempt", i+1)
	}
	return "", ErrCodeSpaceExhausted
}

// Verify consumes a pairing request and returns the device credentials. A request
// is consumed by the first successful call or after MaxAttempts wrong codes.
// Credentials are minted before the device is admitted, so a failure while
// issuing them leaves any existing registration of deviceID untouched.
func (c *Coordinator) Verify(ctx context.Context, pairingID, code, deviceID string) (*Credentials, error) {
	if pairingID == "" {
		return nil, apperr.Validation("pairing_id is required")
	}
	if err := validateDeviceID(deviceID); err != nil {
		return nil, err
	}

	req, err := c.consume(ctx, pairingID, code, deviceID)
	if err != nil {
		c.rejected(ctx, pairingID, deviceID, err)
		return nil, err
	}

	prev, err := c.registry.Get(ctx, deviceID)
	if err != nil && !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	bundle, err := c.issuer.Issue(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue credentials: %w", err)
	}
	token, expiresAt, err := c.tokens.Issue(deviceID, c.registry.HostID())
	if err != nil {
		return nil, err
	}

	if _, err := c.registry.Admit(ctx, deviceID, req.DeviceName, bundle.Fingerprint); err != nil {
		if errors.Is(err, apperr.ErrCapacity) {
			c.rejected(ctx, pairingID, deviceID, err)
		}
		return nil, err
	}
	if err := c.saveToken(ctx, deviceID, token, expiresAt); err != nil {
		c.rollback(ctx, deviceID, prev)
		return nil, err
	}

	slog.Info("Pairing verified", "device_id", deviceID, "device_name", req.DeviceName, "pairing_id", pairingID)
	c.trail.Record(ctx, audit.PairingVerified, deviceID, map[string]any{
		"device_name": req.DeviceName,
		"pairing_id":  pairingID,
		"fingerprint": bundle.Fingerprint,
	})
	c.record(OutcomeVerified)

	return &Credentials{
		DeviceID:          deviceID,
		CACertificate:     bundle.CACertPEM,
		ClientCertificate: bundle.ClientCertPEM,
		ClientPrivateKey:  bundle.ClientKeyPEM,
		AuthToken:         token,
		TokenExpiresAt:    expiresAt,
	}, nil
}

func (c *Coordinator) consume(ctx context.Context, pairingID, code, deviceID string) (*store.PairingRequest, error) {
	c.verifyMu.Lock()
	defer c.verifyMu.Unlock()

	req, err := c.store.GetPairingRequest(ctx, pairingID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.NotFound("pairing request %s", pairingID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load pairing request: %w", err)
	}

	if req.Consumed {
		return nil, apperr.Authentication("pairing code already used")
	}
	if c.now().After(req.ExpiresAt) {
		return nil, apperr.Expired("pairing code expired")
	}

	deviceOK := subtle.ConstantTimeCompare([]byte(req.DeviceID), []byte(deviceID)) == 1
	// a malformed code counts as a wrong one
	codeOK := codePattern.MatchString(code) && subtle.ConstantTimeCompare([]byte(req.Code), []byte(code)) == 1
	if !deviceOK || !codeOK {
		req.FailedAttempts++
		if req.FailedAttempts >= c.cfg.MaxAttempts {
			req.Consumed = true
			slog.Warn("Pairing request burned after too many failed attempts", "pairing_id", pairingID, "attempts", req.FailedAttempts)
		}
		if err := c.store.SavePairingRequest(ctx, req); err != nil {
			return nil, fmt.Errorf("failed to save pairing request: %w", err)
		}
		if !deviceOK {
			return nil, apperr.Authentication("device mismatch")
		}
		return nil, apperr.Authentication("invalid pairing code")
	}

	req.Consumed = true
	if err := c.store.SavePairingRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to save pairing request: %w", err)
	}
	return req, nil
}

func (c *Coordinator) rejected(ctx context.Context, pairingID, deviceID string, err error) {
	outcome := OutcomeRejected
	switch {
	case errors.Is(err, apperr.ErrExpired):
		outcome = OutcomeExpired
	case errors.Is(err, apperr.ErrCapacity):
		outcome = OutcomeCapacity
	}
	slog.Warn("Pairing verification failed", "pairing_id", pairingID, "device_id", deviceID, "error", err)
	c.trail.Record(ctx, audit.PairingVerificationFailed, deviceID, map[string]any{
		"pairing_id": pairingID,
		"reason":     err.Error(),
	})
	c.record(outcome)
}

// rollback undoes an admission whose token could not be stored. A device that
// was active before gets its previous registration back; any other is revoked.
func (c *Coordinator) rollback(ctx context.Context, deviceID string, prev *devices.Registration) {
	var err error
	if prev != nil && prev.Status == store.DeviceActive {
		err = c.registry.Restore(ctx, prev)
	} else {
		err = c.registry.Revoke(ctx, deviceID)
	}
	if err != nil {
		slog.Error("Failed to roll back device admission", "device_id", deviceID, "error", err)
	}
}

func (c *Coordinator) grantToken(ctx context.Context, deviceID string) (*TokenGrant, error) {
	token, expiresAt, err := c.tokens.Issue(deviceID, c.registry.HostID())
	if err != nil {
		return nil, err
	}
	if err := c.saveToken(ctx, deviceID, token, expiresAt); err != nil {
		return nil, err
	}
	return &TokenGrant{Token: token, ExpiresAt: expiresAt}, nil
}

func (c *Coordinator) saveToken(ctx context.Context, deviceID, token string, expiresAt time.Time) error {
	if err := c.store.SaveAuthToken(ctx, &store.AuthToken{
		DeviceID:  deviceID,
		TokenHash: auth.HashToken(token),
		IssuedAt:  c.now(),
		ExpiresAt: expiresAt,
	}); err != nil {
		return fmt.Errorf("failed to save auth token: %w", err)
	}
	return nil
}

func (c *Coordinator) Status(ctx context.Context, deviceID string) (*StatusResult, error) {
	reg, err := c.registry.Get(ctx, deviceID)
	if errors.Is(err, apperr.ErrNotFound) {
		return &StatusResult{Status: StatusNone}, nil
	}
	if err != nil {
		return nil, err
	}
	pairedAt := reg.PairedAt
	status := StatusActive
	if reg.Status == store.DeviceRevoked {
		status = StatusRevoked
	}
	return &StatusResult{Status: status, DeviceName: reg.DeviceName, PairedAt: &pairedAt}, nil
}

// Revoke is idempotent: unknown and already revoked devices succeed.
func (c *Coordinator) Revoke(ctx context.Context, deviceID string) error {
	active, err := c.registry.IsActive(ctx, deviceID)
	if err != nil {
		return err
	}
	if err := c.registry.Revoke(ctx, deviceID); err != nil {
		return err
	}
	if active {
		c.trail.Record(ctx, audit.PairingRevoked, deviceID, nil)
		c.record(OutcomeRevoked)
	}
	return nil
}

// Authenticate checks a device token presented on the session channel.
func (c *Coordinator) Authenticate(ctx context.Context, deviceID, token string) error {
	active, err := c.registry.IsActive(ctx, deviceID)
	if err != nil {
		return err
	}
	if !active {
		return apperr.Authorization("device %s is not paired", deviceID)
	}

	claims, err := c.tokens.Parse(token)
	if errors.Is(err, auth.ErrTokenExpired) {
		return apperr.Expired("auth token expired")
	}
	if err != nil {
		return apperr.Authentication("invalid auth token")
	}
	if claims.DeviceID != deviceID || claims.HostID != c.registry.HostID() {
		return apperr.Authentication("auth token issued for another device")
	}

	stored, err := c.store.GetAuthToken(ctx, deviceID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Authentication("no auth token on record")
	}
	if err != nil {
		return fmt.Errorf("failed to load auth token: %w", err)
	}
	if subtle.ConstantTimeCompare([]byte(stored.TokenHash), []byte(auth.HashToken(token))) != 1 {
		return apperr.Authentication("auth token superseded")
	}
	return nil
}

// RotateToken replaces the current token of an active device.
func (c *Coordinator) RotateToken(ctx context.Context, deviceID, currentToken string) (*TokenGrant, error) {
	if err := c.Authenticate(ctx, deviceID, currentToken); err != nil {
		return nil, err
	}
	grant, err := c.grantToken(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	slog.Info("Auth token rotated", "device_id", deviceID, "expires_at", grant.ExpiresAt)
	c.trail.Record(ctx, audit.AuthTokenRotated, deviceID, nil)
	return grant, nil
}

// PurgeStale deletes consumed and expired pairing requests.
func (c *Coordinator) PurgeStale(ctx context.Context) (int64, error) {
	n, err := c.store.DeleteStalePairingRequests(ctx, c.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Debug("Purged stale pairing requests", "count", n)
	}
	return n, nil
}

// RunCleanup purges stale requests every CleanupInterval until ctx is done.
func (c *Coordinator) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.PurgeStale(ctx); err != nil && ctx.Err() == nil {
				slog.Error("Failed to purge stale pairing requests", "error", err)
			}
		}
	}
}

func validateDeviceID(deviceID string) error {
	if deviceID == "" {
		return apperr.Validation("device_id is required")
	}
	if len(deviceID) > maxDeviceIDLength {
		return apperr.Validation("device_id must be at most %d characters", maxDeviceIDLength)
	}
	if !deviceIDPattern.MatchString(deviceID) {
		return apperr.Validation("device_id contains invalid characters")
	}
	return nil
}

func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeLength, n.Int64()), nil
}

func newPairingID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate pairing id: %w", err)
	}
	return "pair_" + base64.RawURLEncoding.EncodeToString(b), nil
}
