package handler

import (
	"net/http"

	"github.com/EternisAI/silo-link/internal/api/http/dto"
	"github.com/EternisAI/silo-link/internal/sessions"
	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	sessions *sessions.Manager
}

func NewHealthHandler(sm *sessions.Manager) *HealthHandler {
	return &HealthHandler{sessions: sm}
}

func (h *HealthHandler) Check(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, dto.HealthResponse{
		Status:         "ok",
		ActiveSessions: h.sessions.Stats().Active,
	})
}
