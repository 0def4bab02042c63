package api

import (
	"encoding/json"
	"net/http"
)

// Stable error kinds carried in the "error" field of every error
// response.
const (
	errValidation   = "validation_error"
	errUnauthorized = "unauthorized"
	errForbidden    = "forbidden"
	errNotFound     = "not_found"
	errMinuteLimit  = "minute_limit_exceeded"
	errDailyLimit   = "daily_limit_exceeded"
	errTooLarge     = "payload_too_large"
	errReadTimeout  = "body_read_timeout"
	errUpstream     = "upstream_error"
	errInternal     = "internal_error"
	errMaintenance  = "maintenance"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]any{
		"error":   kind,
		"message": message,
	})
}

// writeErrorFields writes an error response with extra fields beside
// the kind.
func writeErrorFields(w http.ResponseWriter, status int, kind string, fields map[string]any) {
	body := map[string]any{"error": kind}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, status, body)
}
