package handler

import (
	"net/http"

	"github.com/EternisAI/silo-link/internal/api/http/dto"
	"github.com/EternisAI/silo-link/internal/api/http/middleware"
	"github.com/EternisAI/silo-link/internal/pairing"
	"github.com/gin-gonic/gin"
)

type PairingHandler struct {
	coordinator *pairing.Coordinator
}

func NewPairingHandler(coordinator *pairing.Coordinator) *PairingHandler {
	return &PairingHandler{coordinator: coordinator}
}

func (h *PairingHandler) Initiate(ctx *gin.Context) {
	var req dto.InitiatePairingRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		bindError(ctx, err)
		return
	}

	ticket, err := h.coordinator.Initiate(ctx.Request.Context(), req.DeviceName, req.DeviceID)
	if err != nil {
		respondError(ctx, err, http.StatusNotFound)
		return
	}

	ctx.JSON(http.StatusOK, dto.InitiatePairingResponse{
		PairingID:        ticket.PairingID,
		PairingCode:      ticket.Code,
		ExpiresInSeconds: int(ticket.ExpiresIn.Seconds()),
	})
}

// Verify answers an unknown pairing id like a wrong code so ids cannot be probed.
func (h *PairingHandler) Verify(ctx *gin.Context) {
	var req dto.VerifyPairingRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		bindError(ctx, err)
		return
	}

	creds, err := h.coordinator.Verify(ctx.Request.Context(), req.PairingID, req.PairingCode, req.DeviceID)
	if err != nil {
		respondError(ctx, err, http.StatusUnauthorized)
		return
	}

	ctx.JSON(http.StatusOK, dto.VerifyPairingResponse{
		CACertificate:     creds.CACertificate,
		ClientCertificate: creds.ClientCertificate,
		ClientPrivateKey:  creds.ClientPrivateKey,
		AuthToken:         creds.AuthToken,
		TokenExpiresAt:    creds.TokenExpiresAt,
	})
}

func (h *PairingHandler) Status(ctx *gin.Context) {
	res, err := h.coordinator.Status(ctx.Request.Context(), ctx.Param("device_id"))
	if err != nil {
		respondError(ctx, err, http.StatusNotFound)
		return
	}

	ctx.JSON(http.StatusOK, dto.PairingStatusResponse{
		PairingStatus: string(res.Status),
		DeviceName:    res.DeviceName,
		PairedAt:      res.PairedAt,
	})
}

func (h *PairingHandler) Revoke(ctx *gin.Context) {
	if err := h.coordinator.Revoke(ctx.Request.Context(), ctx.Param("device_id")); err != nil {
		respondError(ctx, err, http.StatusNotFound)
		return
	}
	ctx.JSON(http.StatusOK, dto.StatusResponse{Status: "ok"})
}

func (h *PairingHandler) RotateToken(ctx *gin.Context) {
	grant, err := h.coordinator.RotateToken(ctx.Request.Context(), ctx.Param("device_id"), ctx.GetString(middleware.BearerTokenKey))
	if err != nil {
		respondError(ctx, err, http.StatusUnauthorized)
		return
	}
	ctx.JSON(http.StatusOK, dto.TokenResponse{
		AuthToken:      grant.Token,
		TokenExpiresAt: grant.ExpiresAt,
	})
}
