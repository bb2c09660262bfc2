// Package scheduler implements the cron-based runner for recurring report
// jobs: 5- or 6-field cron expressions, a skip-if-still-running guard per
// job, and a start/complete/fail audit triad per run.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"ordergate/audit"
)

// JobFunc is a scheduled unit of work. It receives a correlation id unique
// to this run so its own audit events can be tied back to the run that
// triggered them.
type JobFunc func(ctx context.Context, correlationID string) error

// Job is a single registered cron job.
type Job struct {
	ID   string
	Name string
	Cron string // 5-field standard, or 6-field with leading seconds
	Run  JobFunc
}

// ErrInvalidCron is returned when a job's cron expression cannot be parsed;
// it is never fatal to the scheduler itself.
type ErrInvalidCron struct {
	JobID string
	Cron  string
	Err   error
}

func (e *ErrInvalidCron) Error() string {
	return fmt.Sprintf("scheduler: invalid cron expression %q for job %q: %v", e.Cron, e.JobID, e.Err)
}

func (e *ErrInvalidCron) Unwrap() error { return e.Err }

// Scheduler runs registered Jobs on their cron schedules, skipping a run
// that would overlap a still-running invocation of the same job
// (max_instances=1), and emitting SCHEDULED_REPORT_STARTED/COMPLETED/FAILED
// audit events for every run under a freshly synthesized correlation id.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	running map[string]bool
	log     audit.Log
	logger  *slog.Logger
}

// New constructs a Scheduler. Both 5-field (minute hour dom month dow) and
// 6-field (second minute hour dom month dow) cron expressions are accepted.
func New(log audit.Log, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)
	return &Scheduler{
		cron:    cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC)),
		running: make(map[string]bool),
		log:     log,
		logger:  logger,
	}
}

// Register validates job's cron expression and schedules it. A malformed
// expression returns *ErrInvalidCron without affecting any other registered
// job or crashing the scheduler.
func (s *Scheduler) Register(job Job) error {
	entryFunc := func() { s.runOnce(job) }
	if _, err := s.cron.AddFunc(job.Cron, entryFunc); err != nil {
		return &ErrInvalidCron{JobID: job.ID, Cron: job.Cron, Err: err}
	}
	return nil
}

// Start begins the scheduler's background dispatch loop. Safe to call only
// once; Stop must be called to release its goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the dispatch loop and waits for any in-flight job runs to
// return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Scheduler) runOnce(job Job) {
	s.mu.Lock()
	if s.running[job.ID] {
		s.mu.Unlock()
		s.logger.Warn("scheduler: skipping run, previous invocation still in flight", "job_id", job.ID)
		return
	}
	s.running[job.ID] = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running[job.ID] = false
		s.mu.Unlock()
	}()

	correlationID := fmt.Sprintf("scheduled-%s-%d", job.ID, time.Now().UnixNano())
	ctx := audit.WithCorrelationID(context.Background(), correlationID)

	// A run whose start cannot be audited does not execute at all.
	if err := s.emit(ctx, audit.EventScheduledReportStarted, correlationID, map[string]any{
		"job_id": job.ID,
		"name":   job.Name,
	}); err != nil {
		s.logger.Error("audit append failed, skipping scheduled run", "job_id", job.ID, "error", err)
		return
	}

	if err := job.Run(ctx, correlationID); err != nil {
		s.logger.Error("scheduled job failed", "job_id", job.ID, "error", err)
		if auditErr := s.emit(ctx, audit.EventScheduledReportFailed, correlationID, map[string]any{
			"job_id": job.ID,
			"error":  err.Error(),
		}); auditErr != nil {
			s.logger.Error("audit append failed for job failure", "job_id", job.ID, "error", auditErr)
		}
		return
	}
	if err := s.emit(ctx, audit.EventScheduledReportCompleted, correlationID, map[string]any{
		"job_id": job.ID,
	}); err != nil {
		s.logger.Error("audit append failed for job completion", "job_id", job.ID, "error", err)
	}
}

func (s *Scheduler) emit(ctx context.Context, eventType audit.EventType, correlationID string, data map[string]any) error {
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

// NewJobID generates a unique job id when the caller doesn't have a natural
// one (e.g. ad-hoc jobs registered at runtime).
func NewJobID(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
