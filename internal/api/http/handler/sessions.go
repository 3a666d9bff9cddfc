package handler

import (
	"net/http"

	"github.com/EternisAI/silo-link/internal/api/http/dto"
	"github.com/EternisAI/silo-link/internal/sessions"
	"github.com/gin-gonic/gin"
)

type SessionsHandler struct {
	sessions *sessions.Manager
}

func NewSessionsHandler(sm *sessions.Manager) *SessionsHandler {
	return &SessionsHandler{sessions: sm}
}

func (h *SessionsHandler) List(ctx *gin.Context) {
	list := h.sessions.List()
	ctx.JSON(http.StatusOK, dto.SessionsResponse{Sessions: list, Count: len(list)})
}

func (h *SessionsHandler) Stats(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, h.sessions.Stats())
}

func (h *SessionsHandler) Close(ctx *gin.Context) {
	if err := h.sessions.Close(ctx.Request.Context(), ctx.Param("session_id"), sessions.ReasonAdmin); err != nil {
		respondError(ctx, err, http.StatusNotFound)
		return
	}
	ctx.JSON(http.StatusOK, dto.StatusResponse{Status: "ok"})
}
