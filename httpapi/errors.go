package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"aurigraph/approval-core/native/approval"
)

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, err error) {
	message := strings.TrimSpace(err.Error())
	if message == "" {
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message})
}

// writeAPIError maps a core approval error to its HTTP status by error
// kind and writes a JSON error body.
func writeAPIError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, approval.ErrInvalidThreshold),
		errors.Is(err, approval.ErrEmptyValidatorSet),
		errors.Is(err, approval.ErrInvalidVotingWindow),
		errors.Is(err, approval.ErrInvalidChoice):
		writeJSONError(w, http.StatusBadRequest, err)
	case errors.Is(err, approval.ErrVersionNotFound),
		errors.Is(err, approval.ErrRequestNotFound),
		errors.Is(err, approval.ErrAuditNotFound):
		writeJSONError(w, http.StatusNotFound, err)
	case errors.Is(err, approval.ErrDuplicateVote),
		errors.Is(err, approval.ErrDuplicateRequestForVersion),
		errors.Is(err, approval.ErrStaleStatus):
		writeJSONError(w, http.StatusConflict, err)
	case errors.Is(err, approval.ErrVotingClosed):
		writeJSONError(w, http.StatusGone, err)
	case errors.Is(err, approval.ErrInvalidTransition), errors.Is(err, approval.ErrVersionNotPending):
		writeJSONError(w, http.StatusConflict, err)
	case errors.Is(err, approval.ErrInvalidSignature):
		writeJSONError(w, http.StatusBadRequest, err)
	case errors.Is(err, approval.ErrQueueFull):
		writeJSONError(w, http.StatusServiceUnavailable, err)
	default:
		writeJSONError(w, http.StatusInternalServerError, err)
	}
}
