// Package queue drives ParseJobs through their state machine:
// PENDING -> PROCESSING -> {COMPLETED | FAILED}, with transient failures
// looping back to PENDING under exponential backoff until the attempt
// budget is spent.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"rentfeed/internal/domain"
	"rentfeed/internal/metrics"
)

// Store is the persistence contract the controller needs.
type Store interface {
	Enqueue(ctx context.Context, job *domain.ParseJob) (bool, error)
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]domain.ParseJob, error)
	MarkCompleted(ctx context.Context, id uuid.UUID, result json.RawMessage, now time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastError string, now time.Time) error
	Reschedule(ctx context.Context, id uuid.UUID, attempts int, lastError string, runAfter, now time.Time) error
	ReleaseStale(ctx context.Context, startedBefore, now time.Time) (int64, error)
}

// Handler processes one claimed job. A nil error completes the job; a
// domain.PermanentError fails it immediately; anything else is treated as
// transient and retried with backoff.
type Handler func(ctx context.Context, job *domain.ParseJob) (json.RawMessage, error)

type Config struct {
	Concurrency       int
	ClaimInterval     time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	ProcessingTimeout time.Duration
	SweepInterval     time.Duration
}

type Controller struct {
	store    Store
	handlers map[domain.JobType]Handler
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

func NewController(store Store, cfg Config, logger *slog.Logger) *Controller {
	return &Controller{
		store:    store,
		handlers: make(map[domain.JobType]Handler),
		cfg:      cfg,
		logger:   logger.With("component", "queue"),
		now:      time.Now,
	}
}

func (c *Controller) Register(jobType domain.JobType, handler Handler) {
	c.handlers[jobType] = handler
}

// Enqueue creates a pending job unless a live job for the same (type, key)
// already exists. A positive delay holds the job back; deferred re-geocode
// jobs use this to wait out the negative cache TTL.
func (c *Controller) Enqueue(ctx context.Context, jobType domain.JobType, key string, payload any, delay time.Duration) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}

	job := &domain.ParseJob{
		ID:          uuid.New(),
		Type:        jobType,
		Key:         key,
		Payload:     data,
		Status:      domain.JobPending,
		MaxAttempts: c.cfg.MaxAttempts,
		RunAfter:    c.now().Add(delay),
	}
	return c.store.Enqueue(ctx, job)
}

// Run pulls due jobs and dispatches them to a bounded worker pool until
// the context is cancelled. Jobs abandoned by a dying process are caught
// by the periodic stale sweep.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("queue controller started",
		"concurrency", c.cfg.Concurrency,
		"max_attempts", c.cfg.MaxAttempts,
	)

	sem := make(chan struct{}, c.cfg.Concurrency)
	var wg sync.WaitGroup

	claimTicker := time.NewTicker(c.cfg.ClaimInterval)
	defer claimTicker.Stop()
	sweepTicker := time.NewTicker(c.cfg.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			c.logger.Info("queue controller stopped")
			return ctx.Err()
		case <-sweepTicker.C:
			c.SweepStale(ctx)
		case <-claimTicker.C:
			free := c.cfg.Concurrency - len(sem)
			if free == 0 {
				continue
			}

			jobs, err := c.store.ClaimDue(ctx, free, c.now())
			if err != nil {
				c.logger.Error("failed to claim jobs", "error", err)
				continue
			}

			for i := range jobs {
				job := jobs[i]
				sem <- struct{}{}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer func() { <-sem }()
					c.process(ctx, &job)
				}()
			}
		}
	}
}

// SweepStale reverts PROCESSING jobs older than the processing timeout
// back to PENDING. This is the crash-recovery safety net.
func (c *Controller) SweepStale(ctx context.Context) {
	now := c.now()
	released, err := c.store.ReleaseStale(ctx, now.Add(-c.cfg.ProcessingTimeout), now)
	if err != nil {
		c.logger.Error("stale job sweep failed", "error", err)
		return
	}
	if released > 0 {
		c.logger.Warn("released stale processing jobs", "count", released)
	}
}

func (c *Controller) process(ctx context.Context, job *domain.ParseJob) {
	start := c.now()
	logger := c.logger.With("job_id", job.ID, "type", job.Type, "attempt", job.Attempts+1)

	handler, ok := c.handlers[job.Type]
	if !ok {
		c.fail(ctx, job, fmt.Sprintf("no handler for job type %q", job.Type))
		metrics.RecordJob(string(job.Type), "failed", c.now().Sub(start))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, c.cfg.ProcessingTimeout)
	defer cancel()

	result, err := handler(jobCtx, job)
	duration := c.now().Sub(start)

	switch {
	case err == nil:
		if merr := c.store.MarkCompleted(ctx, job.ID, result, c.now()); merr != nil {
			logger.Error("failed to mark job completed", "error", merr)
			return
		}
		metrics.RecordJob(string(job.Type), "completed", duration)
		logger.Debug("job completed", "duration", duration)

	case domain.IsPermanent(err):
		// Structural failure: retrying cannot help, the remaining attempt
		// budget is not consumed.
		c.fail(ctx, job, err.Error())
		metrics.RecordJob(string(job.Type), "failed", duration)
		logger.Warn("job failed permanently", "error", err)

	default:
		attempts := job.Attempts + 1
		if attempts >= job.MaxAttempts {
			c.fail(ctx, job, err.Error())
			metrics.RecordJob(string(job.Type), "failed", duration)
			logger.Warn("job failed terminally", "attempts", attempts, "error", err)
			return
		}

		delay := c.backoff(attempts)
		if rerr := c.store.Reschedule(ctx, job.ID, attempts, err.Error(), c.now().Add(delay), c.now()); rerr != nil {
			logger.Error("failed to reschedule job", "error", rerr)
			return
		}
		metrics.RecordJob(string(job.Type), "retried", duration)
		logger.Warn("job rescheduled", "backoff", delay, "error", err)
	}
}

func (c *Controller) fail(ctx context.Context, job *domain.ParseJob, errMsg string) {
	if err := c.store.MarkFailed(ctx, job.ID, job.Attempts+1, errMsg, c.now()); err != nil {
		c.logger.Error("failed to mark job failed", "job_id", job.ID, "error", err)
	}
}

// backoff returns the wait before the next run after the given number of
// failed attempts: base doubled per attempt, capped.
func (c *Controller) backoff(attempts int) time.Duration {
	delay := c.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= c.cfg.BackoffMax {
			return c.cfg.BackoffMax
		}
	}
	if delay > c.cfg.BackoffMax {
		return c.cfg.BackoffMax
	}
	return delay
}
