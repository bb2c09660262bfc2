package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"ordergate/audit"
)

// HeaderCorrelationID is the header every request carries or receives;
// a fresh id is generated when absent and every response echoes it.
const HeaderCorrelationID = "X-Correlation-ID"

// Correlation stores the inbound (or freshly generated) correlation id on
// the request context so downstream audit emissions pick it up without
// threading it explicitly, and echoes it on the response.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderCorrelationID, id)
		ctx := audit.WithCorrelationID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
