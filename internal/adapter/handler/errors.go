package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/rl1809/storefront/internal/core/domain"
)

type errorBody struct {
	Kind    domain.Kind    `json:"kind"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func statusFor(kind domain.Kind, err error) int {
	switch kind {
	case domain.KindValidation:
		if errors.Is(err, domain.ErrInsufficientStock) {
			return http.StatusConflict
		}
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindUnauthenticated:
		return http.StatusUnauthorized
	case domain.KindIntegrity:
		return http.StatusConflict
	case domain.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps err to a status code and error body. Internal errors are
// logged and reported without their cause.
func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.KindOf(err)
	status := statusFor(kind, err)
	message := err.Error()
	var details map[string]any

	var stockErr *domain.InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		details = map[string]any{
			"productId":   stockErr.ProductID,
			"productName": stockErr.ProductName,
			"available":   stockErr.Available,
			"requested":   stockErr.Requested,
		}
	case kind == domain.KindInternal:
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		message = "internal error"
	case kind == domain.KindUnavailable:
		h.logger.Warn("dependency unavailable", zap.String("path", r.URL.Path), zap.Error(err))
	}

	writeErrorBody(w, status, kind, message, details)
}

func writeErrorBody(w http.ResponseWriter, status int, kind domain.Kind, message string, details map[string]any) {
	writeJSON(w, status, errorResponse{Error: errorBody{Kind: kind, Message: message, Details: details}})
}
