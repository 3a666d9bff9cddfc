package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ Store = (*Postgres)(nil)

// Postgres stores records in the tables created by the db migrations.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) SavePairingRequest(ctx context.Context, req *PairingRequest) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO pairing_requests
			(pairing_id, code, device_id, device_name, created_at, expires_at, consumed, failed_attempts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (pairing_id) DO UPDATE SET
			consumed = EXCLUDED.consumed,
			failed_attempts = EXCLUDED.failed_attempts`,
		req.PairingID, req.Code, req.DeviceID, req.DeviceName,
		req.CreatedAt, req.ExpiresAt, req.Consumed, req.FailedAttempts)
	if err != nil {
		return fmt.Errorf("failed to save pairing request: %w", err)
	}
	return nil
}

func (p *Postgres) GetPairingRequest(ctx context.Context, pairingID string) (*PairingRequest, error) {
	var req PairingRequest
	err := p.pool.QueryRow(ctx, `
		SELECT pairing_id, code, device_id, device_name, created_at, expires_at, consumed, failed_attempts
		FROM pairing_requests WHERE pairing_id = $1`, pairingID).
		Scan(&req.PairingID, &req.Code, &req.DeviceID, &req.DeviceName,
			&req.CreatedAt, &req.ExpiresAt, &req.Consumed, &req.FailedAttempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get pairing request: %w", err)
	}
	return &req, nil
}

func (p *Postgres) PairingCodeInUse(ctx context.Context, code string, now time.Time) (bool, error) {
	var inUse bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pairing_requests
			WHERE code = $1 AND NOT consumed AND expires_at >= $2
		)`, code, now).Scan(&inUse)
	if err != nil {
		return false, fmt.Errorf("failed to check pairing code: %w", err)
	}
	return inUse, nil
}

func (p *Postgres) DeleteStalePairingRequests(ctx context.Context, now time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM pairing_requests WHERE consumed OR expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale pairing requests: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) SaveDevice(ctx context.Context, dev *DeviceRegistration) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO device_registrations
			(device_id, host_id, device_name, credential_fingerprint, paired_at, status, revoked_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (device_id) DO UPDATE SET
			host_id = EXCLUDED.host_id,
			device_name = EXCLUDED.device_name,
			credential_fingerprint = EXCLUDED.credential_fingerprint,
			paired_at = EXCLUDED.paired_at,
			status = EXCLUDED.status,
			revoked_at = EXCLUDED.revoked_at`,
		dev.DeviceID, dev.HostID, dev.DeviceName, dev.CredentialFingerprint,
		dev.PairedAt, string(dev.Status), timestamptz(dev.RevokedAt))
	if err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

const deviceColumns = `device_id, host_id, device_name, credential_fingerprint, paired_at, status, revoked_at`

func scanDevice(row pgx.Row) (*DeviceRegistration, error) {
	var (
		dev       DeviceRegistration
		status    string
		revokedAt pgtype.Timestamptz
	)
	if err := row.Scan(&dev.DeviceID, &dev.HostID, &dev.DeviceName, &dev.CredentialFingerprint,
		&dev.PairedAt, &status, &revokedAt); err != nil {
		return nil, err
	}
	dev.Status = DeviceStatus(status)
	if revokedAt.Valid {
		t := revokedAt.Time
		dev.RevokedAt = &t
	}
	return &dev, nil
}

func (p *Postgres) GetDevice(ctx context.Context, deviceID string) (*DeviceRegistration, error) {
	row := p.pool.QueryRow(ctx,
		`SELECT `+deviceColumns+` FROM device_registrations WHERE device_id = $1`, deviceID)
	dev, err := scanDevice(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get device: %w", err)
	}
	return dev, nil
}

func (p *Postgres) ListDevices(ctx context.Context, hostID string) ([]DeviceRegistration, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+deviceColumns+` FROM device_registrations WHERE host_id = $1 ORDER BY paired_at`, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceRegistration
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		out = append(out, *dev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}
	return out, nil
}

func (p *Postgres) SaveAuthToken(ctx context.Context, tok *AuthToken) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO auth_tokens (device_id, token_hash, issued_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id) DO UPDATE SET
			token_hash = EXCLUDED.token_hash,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at`,
		tok.DeviceID, tok.TokenHash, tok.IssuedAt, tok.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to save auth token: %w", err)
	}
	return nil
}

func (p *Postgres) GetAuthToken(ctx context.Context, deviceID string) (*AuthToken, error) {
	var tok AuthToken
	err := p.pool.QueryRow(ctx, `
		SELECT device_id, token_hash, issued_at, expires_at
		FROM auth_tokens WHERE device_id = $1`, deviceID).
		Scan(&tok.DeviceID, &tok.TokenHash, &tok.IssuedAt, &tok.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get auth token: %w", err)
	}
	return &tok, nil
}

func (p *Postgres) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	id, err := uuid.Parse(entry.ID)
	if err != nil {
		id = uuid.New()
	}
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("failed to encode audit details: %w", err)
	}

	_, err = p.pool.Exec(ctx, `
		INSERT INTO audit_log (id, occurred_at, event, device_id, severity, details)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		pgtype.UUID{Bytes: id, Valid: true}, entry.OccurredAt, entry.Event,
		pgtype.Text{String: entry.DeviceID, Valid: entry.DeviceID != ""},
		entry.Severity, details)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (p *Postgres) ListAudit(ctx context.Context, deviceID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, occurred_at, event, device_id, severity, details
		FROM audit_log
		WHERE $1::text = '' OR device_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			e       AuditEntry
			id      pgtype.UUID
			device  pgtype.Text
			details []byte
		)
		if err := rows.Scan(&id, &e.OccurredAt, &e.Event, &device, &e.Severity, &details); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.ID = uuid.UUID(id.Bytes).String()
		e.DeviceID = device.String
		if len(details) > 0 {
			_ = json.Unmarshal(details, &e.Details)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	return out, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func timestamptz(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}
