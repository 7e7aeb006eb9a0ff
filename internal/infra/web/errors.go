package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"coach-chat-jobs/internal/domain"
)

type errorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func errorBody(kind, msg string) map[string]errorPayload {
	return map[string]errorPayload{"error": {Kind: kind, Message: msg}}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP statuses. Anything unclassified is a 500
// and its detail stays in the log.
func writeError(w http.ResponseWriter, err error, log *zerolog.Logger) {
	switch {
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidArgument):
		writeJSON(w, http.StatusBadRequest, errorBody("ValidationError", err.Error()))
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("NotFoundError", "not found"))
	case errors.Is(err, domain.ErrConcurrentJob):
		writeJSON(w, http.StatusConflict, errorBody("ConcurrentJobError", err.Error()))
	case errors.Is(err, domain.ErrSessionNotActive):
		writeJSON(w, http.StatusConflict, errorBody("SessionNotActiveError", err.Error()))
	case errors.Is(err, domain.ErrRateLimited):
		writeJSON(w, http.StatusTooManyRequests, errorBody("RateLimited", err.Error()))
	default:
		log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorBody("InternalError", "internal error"))
	}
}
