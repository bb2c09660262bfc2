package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"ordergate/audit"
)

// Server dispatches a named tool call through the rate limiter and the
// allow-list registry, emitting TOOL_CALLED/TOOL_COMPLETED/TOOL_FAILED
// audit events. It is a thin input router: argument validation and
// delegation, nothing more.
type Server struct {
	registry *Registry
	limiter  *RateLimiter
	log      audit.Log
	logger   *slog.Logger
}

// NewServer constructs a Server over registry, enforcing limiter's buckets
// before every dispatch.
func NewServer(registry *Registry, limiter *RateLimiter, log audit.Log, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{registry: registry, limiter: limiter, log: log, logger: logger}
}

// Call validates toolName against the allow-list, enforces the rate limiter
// and circuit breaker, strictly decodes rawArgs against the tool's schema,
// and invokes its handler. Any rejection short-circuits before the handler
// ever runs.
func (s *Server) Call(ctx context.Context, sessionID, toolName string, rawArgs json.RawMessage) (any, error) {
	tool, err := s.registry.Lookup(toolName)
	if err != nil {
		return nil, s.failWith(ctx, toolName, sessionID, err)
	}

	if s.limiter != nil {
		if err := s.limiter.Allow(toolName, sessionID); err != nil {
			return nil, s.failWith(ctx, toolName, sessionID, err)
		}
	}

	if tool.NewArgs != nil {
		probe := tool.NewArgs()
		if err := DecodeStrict(rawArgs, probe); err != nil {
			return nil, s.failWith(ctx, toolName, sessionID, err)
		}
	}

	// The handler never runs unless its invocation was audited first.
	if err := s.emit(ctx, audit.EventToolCalled, toolName, sessionID, nil); err != nil {
		return nil, err
	}
	result, err := tool.Handle(ctx, sessionID, rawArgs)
	if err != nil {
		return nil, s.failWith(ctx, toolName, sessionID, fmt.Errorf("tool %q: %w", toolName, err))
	}
	if err := s.emit(ctx, audit.EventToolCompleted, toolName, sessionID, nil); err != nil {
		return nil, err
	}
	return result, nil
}

// failWith audits a TOOL_FAILED event for callErr; if the append itself
// fails, the audit error is joined onto the original so neither is lost.
func (s *Server) failWith(ctx context.Context, toolName, sessionID string, callErr error) error {
	if auditErr := s.emit(ctx, audit.EventToolFailed, toolName, sessionID, callErr); auditErr != nil {
		return errors.Join(callErr, auditErr)
	}
	return callErr
}

func (s *Server) emit(ctx context.Context, eventType audit.EventType, toolName, sessionID string, callErr error) error {
	if s.log == nil {
		return nil
	}
	data := map[string]any{
		"tool":       toolName,
		"session_id": sessionID,
	}
	if callErr != nil {
		data["error"] = callErr.Error()
	}
	_, err := s.log.Append(ctx, audit.EventCreate{
		EventType:     eventType,
		CorrelationID: audit.CorrelationID(ctx),
		Data:          data,
	})
	return err
}
