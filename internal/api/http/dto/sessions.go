package dto

import "github.com/EternisAI/silo-link/internal/sessions"

type SessionsResponse struct {
	Sessions []sessions.Info `json:"sessions"`
	Count    int             `json:"count"`
}

type HealthResponse struct {
	Status         string `json:"status"`
	ActiveSessions int    `json:"active_sessions"`
}
