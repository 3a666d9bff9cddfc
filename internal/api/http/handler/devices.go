package handler

import (
	"net/http"

	"github.com/EternisAI/silo-link/internal/api/http/dto"
	"github.com/EternisAI/silo-link/internal/devices"
	"github.com/EternisAI/silo-link/internal/sessions"
	"github.com/gin-gonic/gin"
)

type DevicesHandler struct {
	registry *devices.Registry
	sessions *sessions.Manager
}

func NewDevicesHandler(registry *devices.Registry, sm *sessions.Manager) *DevicesHandler {
	return &DevicesHandler{registry: registry, sessions: sm}
}

func (h *DevicesHandler) List(ctx *gin.Context) {
	regs, err := h.registry.List(ctx.Request.Context())
	if err != nil {
		respondError(ctx, err, http.StatusNotFound)
		return
	}

	connected := make(map[string]bool)
	for _, s := range h.sessions.List() {
		connected[s.DeviceID] = true
	}

	infos := make([]dto.DeviceInfo, 0, len(regs))
	for _, r := range regs {
		infos = append(infos, dto.DeviceInfo{
			DeviceID:   r.DeviceID,
			DeviceName: r.DeviceName,
			Status:     string(r.Status),
			PairedAt:   r.PairedAt,
			RevokedAt:  r.RevokedAt,
			Connected:  connected[r.DeviceID],
		})
	}

	ctx.JSON(http.StatusOK, dto.DevicesResponse{
		HostID:     h.registry.HostID(),
		MaxDevices: h.registry.MaxActive(),
		Devices:    infos,
		Count:      len(infos),
	})
}
