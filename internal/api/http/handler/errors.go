package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-link/internal/api/http/dto"
	"github.com/EternisAI/silo-link/internal/apperr"
	"github.com/gin-gonic/gin"
)

// statusFor maps the error taxonomy to HTTP. notFound lets a route answer a
// missing resource with something other than 404.
func statusFor(err error, notFound int) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrAuthentication):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrExpired):
		return http.StatusGone
	case errors.Is(err, apperr.ErrCapacity), errors.Is(err, apperr.ErrAuthorization):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		return notFound
	default:
		return http.StatusInternalServerError
	}
}

func respondError(ctx *gin.Context, err error, notFound int) {
	code := statusFor(err, notFound)
	if code == http.StatusInternalServerError {
		slog.Error("Request failed", "path", ctx.FullPath(), "error", err)
		ctx.JSON(code, dto.ErrorResponse{Error: "internal error"})
		return
	}

	resp := dto.ErrorResponse{Error: err.Error()}
	var capErr *apperr.CapacityError
	if errors.As(err, &capErr) {
		resp.Limit = capErr.Limit
	}
	ctx.JSON(code, resp)
}

func bindError(ctx *gin.Context, err error) {
	ctx.JSON(http.StatusBadRequest, dto.ErrorResponse{Error: apperr.Validation("%s", err.Error()).Error()})
}
