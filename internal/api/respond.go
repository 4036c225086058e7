package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/healthfirst/availability-scheduling/internal/availability"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

func writeValidationError(w http.ResponseWriter, issues ValidationErrors) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   "validation_error",
		Details: "request failed validation",
		Fields:  issues,
	})
}

// writeServiceError maps engine errors onto HTTP statuses. Anything not
// recognised is a 500 and gets logged with the request logger.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	resp := ErrorResponse{Details: err.Error()}

	var fe *availability.FieldError
	if errors.As(err, &fe) {
		resp.Fields = []FieldIssue{{Field: fe.Field, Message: fe.Message}}
	}

	var status int
	var conflict *availability.ConflictError
	switch {
	case errors.As(err, &conflict):
		status, resp.Error = http.StatusConflict, "scheduling_conflict"
		resp.Conflicts = conflict.Conflicts
	case errors.Is(err, availability.ErrSlotNotFound):
		status, resp.Error = http.StatusNotFound, "slot_not_found"
	case errors.Is(err, availability.ErrProviderNotFound):
		status, resp.Error = http.StatusNotFound, "provider_not_found"
	case errors.Is(err, availability.ErrNotFound):
		status, resp.Error = http.StatusNotFound, "not_found"
	case errors.Is(err, availability.ErrSlotBooked):
		status, resp.Error = http.StatusConflict, "slot_booked"
	case errors.Is(err, availability.ErrInvalidTransition):
		status, resp.Error = http.StatusConflict, "invalid_status_transition"
	case errors.Is(err, availability.ErrConflict):
		status, resp.Error = http.StatusConflict, "scheduling_conflict"
	case errors.Is(err, availability.ErrProviderBusy):
		status, resp.Error = http.StatusConflict, "provider_busy"
	case errors.Is(err, availability.ErrInvalidTimezone):
		status, resp.Error = http.StatusBadRequest, "invalid_timezone"
	case errors.Is(err, availability.ErrInvalidRecurrence):
		status, resp.Error = http.StatusBadRequest, "invalid_recurrence"
	case errors.Is(err, availability.ErrInvalidDuration):
		status, resp.Error = http.StatusBadRequest, "invalid_duration"
	case errors.Is(err, availability.ErrNonexistentLocalTime):
		status, resp.Error = http.StatusBadRequest, "nonexistent_local_time"
	case errors.Is(err, availability.ErrInvalidInput):
		status, resp.Error = http.StatusBadRequest, "validation_error"
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
		return
	}

	writeJSON(w, status, resp)
}
