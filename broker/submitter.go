package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"ordergate/approval"
	"ordergate/audit"
	"ordergate/killswitch"
)

// Submitter orchestrates the kill-switch check, atomic token consumption,
// the broker call, and terminal-state polling. Mutex-free: atomicity is
// delegated to approval.Service's per-proposal lock.
type Submitter struct {
	approvals   *approval.Service
	adapter     Adapter
	kill        *killswitch.KillSwitch
	log         audit.Log
	tracer      trace.Tracer
	logger      *slog.Logger
	callTimeout time.Duration
	backoff     Backoff
}

// SubmitterConfig bounds the submitter's broker calls: a per-call timeout
// and the retry budget applied to transport-level failures. Zero values
// fall back to Backoff's defaults and no per-call timeout.
type SubmitterConfig struct {
	CallTimeout time.Duration
	Backoff     Backoff
}

// NewSubmitter constructs a Submitter wired to the approval service, the
// broker adapter, the kill switch, and the audit log.
func NewSubmitter(approvals *approval.Service, adapter Adapter, kill *killswitch.KillSwitch, log audit.Log, logger *slog.Logger, cfg SubmitterConfig) *Submitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Submitter{
		approvals:   approvals,
		adapter:     adapter,
		kill:        kill,
		log:         log,
		tracer:      otel.Tracer("ordergate/broker"),
		logger:      logger,
		callTimeout: cfg.CallTimeout,
		backoff:     cfg.Backoff,
	}
}

// callBroker runs fn under the configured per-call timeout.
func (s *Submitter) callBroker(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// Submit runs the full submission sequence: kill-switch check, atomic
// token consumption plus APPROVAL_GRANTED -> SUBMITTED transition, broker
// submission, and broker-order-id recording (or synchronous rejection).
func (s *Submitter) Submit(ctx context.Context, proposalID, tokenID, accountID string) (SubmittedOrder, error) {
	ctx, span := s.tracer.Start(ctx, "broker.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("proposal_id", proposalID))

	if err := s.kill.Guard("orders.submit"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if auditErr := s.emitError(ctx, proposalID, err); auditErr != nil {
			err = errors.Join(err, auditErr)
		}
		return SubmittedOrder{}, err
	}

	proposal, err := s.approvals.ConsumeToken(ctx, tokenID, accountID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return SubmittedOrder{}, err
	}
	correlationID := proposal.CorrelationID

	// Transport-level failures retry with bounded attempts and exponential
	// backoff before surfacing as ErrBrokerUnavailable; a synchronous
	// broker rejection is never retried.
	var submitted SubmittedOrder
	err = s.backoff.Retry(ctx, func(ctx context.Context) error {
		return s.callBroker(ctx, func(ctx context.Context) error {
			var callErr error
			submitted, callErr = s.adapter.Submit(ctx, proposal.Intent)
			return callErr
		})
	}, func(err error) bool { return !errors.Is(err, ErrBrokerRejected) })
	if err != nil {
		if errors.Is(err, ErrBrokerRejected) {
			if _, rejectErr := s.approvals.RejectSynchronously(ctx, proposalID, err.Error()); rejectErr != nil {
				s.logger.Error("failed to record synchronous broker rejection", "proposal_id", proposalID, "error", rejectErr)
			}
			return SubmittedOrder{}, err
		}
		wrapped := err
		if !errors.Is(err, ErrBrokerUnavailable) {
			wrapped = fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}
		span.RecordError(wrapped)
		span.SetStatus(codes.Error, wrapped.Error())
		if auditErr := s.emit(ctx, audit.EventErrorOccurred, correlationID, map[string]any{
			"proposal_id": proposalID,
			"error":       wrapped.Error(),
		}); auditErr != nil {
			wrapped = errors.Join(wrapped, auditErr)
		}
		return SubmittedOrder{}, wrapped
	}

	if err := s.approvals.RecordBrokerOrderID(ctx, proposalID, submitted.BrokerOrderID); err != nil {
		s.logger.Error("failed to record broker order id", "proposal_id", proposalID, "error", err)
	}
	s.logger.Info("order submitted",
		"proposal_id", proposalID,
		"broker_order_id", submitted.BrokerOrderID,
		"correlation_id", correlationID,
	)
	return submitted, nil
}

// PollUntilTerminal queries broker status until it reaches a terminal state
// or maxPolls is exhausted, driving the corresponding SUBMITTED -> terminal
// proposal transition exactly once. Non-terminal after exhaustion is a soft
// failure: the last observed status is returned without fabricating a
// transition.
func (s *Submitter) PollUntilTerminal(ctx context.Context, brokerOrderID, proposalID string, maxPolls int, interval time.Duration) (Status, error) {
	if maxPolls <= 0 {
		maxPolls = 1
	}
	var last Status
	backoff := interval
	for attempt := 0; attempt < maxPolls; attempt++ {
		var status Status
		err := s.callBroker(ctx, func(ctx context.Context) error {
			var pollErr error
			status, pollErr = s.adapter.PollStatus(ctx, brokerOrderID)
			return pollErr
		})
		if err != nil {
			s.logger.Warn("poll status failed", "broker_order_id", brokerOrderID, "attempt", attempt, "error", err)
		} else {
			last = status
			if status.Terminal() {
				if applyErr := s.applyTerminal(ctx, proposalID, status); applyErr != nil {
					return status, applyErr
				}
				return status, nil
			}
		}
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}
	}
	return last, nil
}

func (s *Submitter) applyTerminal(ctx context.Context, proposalID string, status Status) error {
	var terminal approval.TerminalStatus
	switch status {
	case StatusFilled:
		terminal = approval.TerminalStatusFilled
	case StatusCancelled:
		terminal = approval.TerminalStatusCancelled
	case StatusRejected:
		terminal = approval.TerminalStatusRejected
	default:
		return fmt.Errorf("broker: unexpected terminal status %q", status)
	}
	_, err := s.approvals.ApplyTerminalStatus(ctx, proposalID, terminal)
	return err
}

func (s *Submitter) emit(ctx context.Context, eventType audit.EventType, correlationID string, data map[string]any) error {
	if s.log == nil {
		return nil
	}
	_, err := s.log.Append(ctx, audit.EventCreate{
		EventType:     eventType,
		CorrelationID: correlationID,
		Data:          data,
	})
	return err
}

func (s *Submitter) emitError(ctx context.Context, proposalID string, err error) error {
	return s.emit(ctx, audit.EventErrorOccurred, audit.CorrelationID(ctx), map[string]any{
		"proposal_id": proposalID,
		"error":       err.Error(),
	})
}
