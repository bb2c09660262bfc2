package routes

import (
	"encoding/json"
	"errors"
	"net/http"

	"ordergate/approval"
	"ordergate/audit"
	"ordergate/broker"
	"ordergate/killswitch"
)

// errorResponse is the JSON body written for every failed request. It never
// reveals internal identifiers beyond the correlation id; detailed context
// lives in the audit log.
type errorResponse struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// statusFor classifies err into an HTTP status. Validation failures
// (anything not recognised as one of the named kinds below) default to 422.
func statusFor(err error) int {
	switch {
	case errors.Is(err, killswitch.ErrTradingHalted):
		return http.StatusServiceUnavailable
	case errors.Is(err, approval.ErrIllegalTransition),
		errors.Is(err, approval.ErrUnknownProposal),
		errors.Is(err, approval.ErrInvalidToken),
		errors.Is(err, approval.ErrTokenAlreadyConsumed),
		errors.Is(err, approval.ErrTokenExpired),
		errors.Is(err, approval.ErrIntentHashMismatch),
		errors.Is(err, approval.ErrAccountMismatch):
		return http.StatusBadRequest
	case errors.Is(err, broker.ErrBrokerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, broker.ErrBrokerRejected):
		return http.StatusOK // the reject is a terminal proposal state, not an HTTP error
	case errors.Is(err, audit.ErrPersistenceFailed):
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error:         err.Error(),
		CorrelationID: audit.CorrelationID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
