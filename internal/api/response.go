// internal/api/response.go
package api

import (
	"encoding/json"
	"net/http"

	custom_errors "gitlab-stats-engine/internal/errors"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func statusFor(kind string) int {
	switch kind {
	case custom_errors.KindInvalidInput:
		return http.StatusBadRequest
	case custom_errors.KindNotFound:
		return http.StatusNotFound
	case custom_errors.KindRunInProgress:
		return http.StatusConflict
	case custom_errors.KindIntegrationBroken:
		return http.StatusUnprocessableEntity
	case custom_errors.KindTransport, custom_errors.KindHosting:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondWithError maps err to its kind and status. Unclassified errors are
// logged and hidden behind a generic message.
func (h *Handler) respondWithError(w http.ResponseWriter, err error) {
	kind := custom_errors.KindOf(err)
	status := statusFor(kind)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", "error", err)
		msg = "Internal server error"
	}
	respondWithJSON(w, status, ErrorResponse{Kind: kind, Message: msg})
}

func respondWithJSON(w http.ResponseWriter, status int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"kind":"internal_error","message":"Internal server error"}`))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
