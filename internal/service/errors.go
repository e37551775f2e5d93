package service

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/InsulaLabs/onvm/internal/blob"
	"github.com/InsulaLabs/onvm/internal/share"
	"github.com/InsulaLabs/onvm/internal/store"
)

type ErrorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErrorResponse(w http.ResponseWriter, status int, errorType, message string) {
	writeJSON(w, status, ErrorResponse{ErrorType: errorType, Message: message})
}

// classify maps a domain error to a status and an error_type.
func classify(err error) (int, string) {
	var (
		tooLarge *store.ErrTooLarge
		corrupt  *store.ErrDataCorruption
	)
	switch {
	case errors.Is(err, blob.ErrEmptyID):
		return http.StatusBadRequest, "EMPTY_ID"
	case errors.Is(err, blob.ErrInvalidID):
		return http.StatusBadRequest, "INVALID_ID"
	case blob.IsNotFound(err):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge, "TOO_LARGE"
	case errors.As(err, &corrupt):
		return http.StatusInternalServerError, "DATA_CORRUPTION"
	case errors.Is(err, share.ErrInvalidOrigin):
		return http.StatusInternalServerError, "INVALID_ORIGIN"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, errorType := classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("Request failed", "path", r.URL.Path, "error", err)
		message = http.StatusText(status)
	} else {
		s.logger.Debug("Request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	writeErrorResponse(w, status, errorType, message)
}
