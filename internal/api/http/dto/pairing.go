package dto

import "time"

type InitiatePairingRequest struct {
	DeviceName string `json:"device_name" binding:"required"`
	DeviceID   string `json:"device_id" binding:"required"`
}

type InitiatePairingResponse struct {
	PairingID        string `json:"pairing_id"`
	PairingCode      string `json:"pairing_code"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
}

type VerifyPairingRequest struct {
	PairingID   string `json:"pairing_id" binding:"required"`
	PairingCode string `json:"pairing_code" binding:"required"`
	DeviceID    string `json:"device_id" binding:"required"`
}

type VerifyPairingResponse struct {
	CACertificate     string    `json:"ca_certificate"`
	ClientCertificate string    `json:"client_certificate"`
	ClientPrivateKey  string    `json:"client_private_key"`
	AuthToken         string    `json:"auth_token"`
	TokenExpiresAt    time.Time `json:"token_expires_at"`
}

type PairingStatusResponse struct {
	PairingStatus string     `json:"pairing_status"`
	DeviceName    string     `json:"device_name,omitempty"`
	PairedAt      *time.Time `json:"paired_at,omitempty"`
}

type TokenResponse struct {
	AuthToken      string    `json:"auth_token"`
	TokenExpiresAt time.Time `json:"token_expires_at"`
}

type StatusResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Limit int    `json:"limit,omitempty"`
}
