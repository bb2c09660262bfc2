package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"ordergate/audit"
)

func TestCorrelation_GeneratesIDWhenAbsent(t *testing.T) {
	var seen string
	handler := Correlation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = audit.CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if seen == "" {
		t.Fatalf("expected a correlation id to be generated")
	}
	if res.Header().Get(HeaderCorrelationID) != seen {
		t.Fatalf("expected response header to echo generated id %q, got %q", seen, res.Header().Get(HeaderCorrelationID))
	}
}

func TestCorrelation_PropagatesInboundHeader(t *testing.T) {
	var seen string
	handler := Correlation(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = audit.CorrelationID(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	req.Header.Set(HeaderCorrelationID, "inbound-corr-id")
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if seen != "inbound-corr-id" {
		t.Fatalf("expected inbound correlation id to propagate, got %q", seen)
	}
	if res.Header().Get(HeaderCorrelationID) != "inbound-corr-id" {
		t.Fatalf("expected response to echo inbound correlation id, got %q", res.Header().Get(HeaderCorrelationID))
	}
}
