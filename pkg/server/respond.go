package server

import (
	"encoding/json"
	"net/http"

	"github.com/miniclaw/miniclaw/pkg/redact"
)

// Client-visible error codes.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidState         = "invalid_state"
	CodeNotFound             = "not_found"
	CodeForbiddenPath        = "forbidden_path"
	CodeSchedulerAPIDisabled = "scheduler_api_disabled"
	CodeSessionBusy          = "session_busy"
	CodeRateLimitExceeded    = "rate_limit_exceeded"
	CodeValidationError      = "validation_error"
	CodeNotInitialized       = "not_initialized"
	CodeInternalError        = "internal_error"
)

var statusByCode = map[string]int{
	CodeInvalidRequest:       http.StatusBadRequest,
	CodeInvalidState:         http.StatusBadRequest,
	CodeNotFound:             http.StatusNotFound,
	CodeForbiddenPath:        http.StatusForbidden,
	CodeSchedulerAPIDisabled: http.StatusForbidden,
	CodeSessionBusy:          http.StatusConflict,
	CodeRateLimitExceeded:    http.StatusTooManyRequests,
	CodeValidationError:      http.StatusUnprocessableEntity,
	CodeNotInitialized:       http.StatusInternalServerError,
	CodeInternalError:        http.StatusInternalServerError,
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeData wraps a successful payload in the response envelope.
func writeData(w http.ResponseWriter, data interface{}) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"data": data})
}

// writeError wraps a failure in the error envelope; messages pass
// through the secret scrubber.
func writeError(w http.ResponseWriter, code, message string, details ...map[string]interface{}) {
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	body := map[string]interface{}{
		"code":    code,
		"message": redact.Text(message),
	}
	if len(details) > 0 && details[0] != nil {
		body["details"] = details[0]
	}
	if code == CodeRateLimitExceeded {
		w.Header().Set("Retry-After", "60")
	}
	writeJSON(w, status, map[string]interface{}{"error": body})
}

// decodeBody parses a JSON request body into dst; a malformed body is a
// schema mismatch.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(dst); err != nil {
		writeError(w, CodeValidationError, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}
