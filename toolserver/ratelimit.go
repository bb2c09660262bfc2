package toolserver

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig tunes the per-key token buckets and the consecutive-
// rejection circuit breaker.
type RateLimitConfig struct {
	PerToolRate     rate.Limit
	PerToolBurst    int
	PerSessionRate  rate.Limit
	PerSessionBurst int
	GlobalRate      rate.Limit
	GlobalBurst     int

	// BreakerThreshold is the number of consecutive rejections for a single
	// (tool, session) pair before the circuit opens.
	BreakerThreshold int
	// BreakerCooldown is how long the circuit stays open once tripped.
	BreakerCooldown time.Duration
}

// DefaultRateLimitConfig allows a handful of calls per second per tool, a
// slightly looser per-session budget, and a generous global ceiling, with a
// breaker that trips after 5 straight rejections and cools down for a
// minute.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		PerToolRate:      rate.Limit(5),
		PerToolBurst:     10,
		PerSessionRate:   rate.Limit(10),
		PerSessionBurst:  20,
		GlobalRate:       rate.Limit(50),
		GlobalBurst:      100,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
	}
}

type breakerState struct {
	consecutiveRejections int
	openUntil             time.Time
}

// RateLimiter enforces independent token buckets per tool, per session, and
// a single global bucket, plus a consecutive-rejection circuit breaker keyed
// by (tool, session) — a call that trips the breaker is refused outright
// until the cooldown elapses, regardless of token availability.
type RateLimiter struct {
	mu       sync.Mutex
	cfg      RateLimitConfig
	perTool  map[string]*rate.Limiter
	perSess  map[string]*rate.Limiter
	global   *rate.Limiter
	breakers map[string]*breakerState
	nowFunc  func() time.Time
}

// NewRateLimiter constructs a RateLimiter from cfg.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		cfg:      cfg,
		perTool:  make(map[string]*rate.Limiter),
		perSess:  make(map[string]*rate.Limiter),
		global:   rate.NewLimiter(cfg.GlobalRate, cfg.GlobalBurst),
		breakers: make(map[string]*breakerState),
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock; used by tests.
func (l *RateLimiter) SetNowFunc(now func() time.Time) {
	if now == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nowFunc = now
}

func breakerKey(tool, sessionID string) string {
	return tool + "|" + sessionID
}

// Allow first refuses outright while the (tool, session) circuit breaker is
// open, then checks the global, per-tool, and per-session buckets in that
// order. A rejection from any bucket
// counts toward the breaker; an allowed call resets it.
func (l *RateLimiter) Allow(tool, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := breakerKey(tool, sessionID)
	breaker := l.breakers[key]
	now := l.nowFunc()
	if breaker != nil && now.Before(breaker.openUntil) {
		return fmt.Errorf("%w: circuit open for tool %q session %q until %s", ErrRateLimited, tool, sessionID, breaker.openUntil.Format(time.RFC3339))
	}

	toolLimiter, ok := l.perTool[tool]
	if !ok {
		toolLimiter = rate.NewLimiter(l.cfg.PerToolRate, l.cfg.PerToolBurst)
		l.perTool[tool] = toolLimiter
	}
	sessLimiter, ok := l.perSess[sessionID]
	if !ok {
		sessLimiter = rate.NewLimiter(l.cfg.PerSessionRate, l.cfg.PerSessionBurst)
		l.perSess[sessionID] = sessLimiter
	}

	if !l.global.AllowN(now, 1) || !toolLimiter.AllowN(now, 1) || !sessLimiter.AllowN(now, 1) {
		l.recordRejectionLocked(key, now)
		return fmt.Errorf("%w: tool %q session %q", ErrRateLimited, tool, sessionID)
	}

	if breaker != nil {
		breaker.consecutiveRejections = 0
	}
	return nil
}

func (l *RateLimiter) recordRejectionLocked(key string, now time.Time) {
	breaker, ok := l.breakers[key]
	if !ok {
		breaker = &breakerState{}
		l.breakers[key] = breaker
	}
	breaker.consecutiveRejections++
	if l.cfg.BreakerThreshold > 0 && breaker.consecutiveRejections >= l.cfg.BreakerThreshold {
		breaker.openUntil = now.Add(l.cfg.BreakerCooldown)
		breaker.consecutiveRejections = 0
	}
}
