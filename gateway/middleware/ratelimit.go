package middleware

import (
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit is one named token-bucket policy, keyed by the id passed to
// Middleware. Tokens lets individual "METHOD /path" routes under the same
// policy consume more than one token per request (orders/submit is costlier
// than approval/pending, say); DefaultTokens applies to routes not listed.
type RateLimit struct {
	RatePerSecond float64
	Burst         int
	Tokens        map[string]int
	DefaultTokens int
}

// visitorTTL is how long an idle per-caller bucket survives before its
// state is dropped and the caller starts from a full burst again.
const visitorTTL = 5 * time.Minute

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter enforces per-caller token buckets per named policy. Callers
// are keyed by API key when present, else by client IP, so one noisy agent
// session cannot starve the operator's approval endpoints.
type RateLimiter struct {
	logger   *log.Logger
	limits   map[string]RateLimit
	mu       sync.Mutex
	visitors map[string]*rateEntry
	clockNow func() time.Time
}

// NewRateLimiter builds a RateLimiter over the named policies. A route
// whose id has no policy passes through unlimited.
func NewRateLimiter(limits map[string]RateLimit, logger *log.Logger) *RateLimiter {
	if logger == nil {
		logger = log.Default()
	}
	return &RateLimiter{
		logger:   logger,
		limits:   limits,
		visitors: make(map[string]*rateEntry),
		clockNow: time.Now,
	}
}

// Middleware enforces the policy registered under key, answering 429 when
// the caller's bucket is empty.
func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			limiter := r.obtainLimiter(key+"|"+clientID(req), limit)
			if !limiter.AllowN(r.clockNow(), tokensFor(limit, req)) {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) obtainLimiter(id string, cfg RateLimit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clockNow()
	r.sweepLocked(now)
	if entry, ok := r.visitors[id]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	perSecond := cfg.RatePerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[id] = &rateEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// sweepLocked drops buckets idle past visitorTTL so the visitor table stays
// bounded without a background goroutine per caller.
func (r *RateLimiter) sweepLocked(now time.Time) {
	for id, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > visitorTTL {
			delete(r.visitors, id)
		}
	}
}

func tokensFor(limit RateLimit, req *http.Request) int {
	if len(limit.Tokens) > 0 {
		lookup := strings.ToUpper(req.Method) + " " + req.URL.Path
		if tokens, ok := limit.Tokens[lookup]; ok && tokens > 0 {
			return tokens
		}
	}
	if limit.DefaultTokens > 0 {
		return limit.DefaultTokens
	}
	return 1
}

// clientID identifies the caller for bucket keying: API key first (the
// agent surface always sends one), then proxy-reported IP, then the raw
// remote address.
func clientID(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get("X-API-Key")); apiKey != "" {
		return "api-key:" + apiKey
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := forwarded
		if comma := strings.IndexByte(forwarded, ','); comma > 0 {
			first = forwarded[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return forwarded
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
