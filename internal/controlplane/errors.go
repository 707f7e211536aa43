package controlplane

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/fentz26/gatekeep/internal/execution"
	"github.com/fentz26/gatekeep/internal/models"
)

// ErrBadRequest marks malformed requests.
var ErrBadRequest = errors.New("bad request")

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error      string   `json:"error"`
	Code       string   `json:"code"`
	Field      string   `json:"field,omitempty"`
	RetryAfter int      `json:"retry_after,omitempty"`
	RecordIDs  []string `json:"record_ids,omitempty"`
}

// statusFor maps a domain error onto an HTTP status and a stable code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrValidation):
		return http.StatusUnprocessableEntity, "validation"
	case errors.Is(err, models.ErrTransitionConflict):
		return http.StatusConflict, "transition_conflict"
	case errors.Is(err, models.ErrAmbiguousApproval):
		return http.StatusConflict, "ambiguous_approval"
	case errors.Is(err, models.ErrApprovalMissing):
		return http.StatusForbidden, "approval_missing"
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, execution.ErrActionFailed):
		return http.StatusBadGateway, "action_failed"
	case errors.Is(err, models.ErrStorage):
		return http.StatusServiceUnavailable, "storage"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	body := ErrorResponse{Error: err.Error(), Code: code}

	var ve *models.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	var am *models.ApprovalMissingError
	if errors.As(err, &am) {
		body.Field = am.Mismatched
	}
	var ab *models.AmbiguousApprovalError
	if errors.As(err, &ab) {
		body.RecordIDs = ab.RecordIDs
	}
	var rl *models.RateLimitedError
	if errors.As(err, &rl) {
		body.RetryAfter = rl.RetryAfter
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfter))
	}

	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
