package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/checkfox/go_broker/internal/dispatch"
	"github.com/checkfox/go_broker/internal/logger"
	"github.com/checkfox/go_broker/internal/models"
	"github.com/checkfox/go_broker/internal/queue"
)

// Dispatcher performs a single send; *dispatch.Service implements it
type Dispatcher interface {
	Dispatch(ctx context.Context, leadID int64, brokerCode string) (*dispatch.Outcome, error)
}

// Processor consumes dispatch_lead jobs from the queue
type Processor struct {
	queue          queue.Queue
	dispatcher     Dispatcher
	pollInterval   time.Duration
	shutdownChan   chan struct{}
	maxJobAttempts int
	retryDelays    []time.Duration
}

// ProcessorConfig holds configuration for the worker processor
type ProcessorConfig struct {
	Queue          queue.Queue
	Dispatcher     Dispatcher
	PollInterval   time.Duration
	MaxJobAttempts int
	RetryDelays    []time.Duration
}

// NewProcessor creates a new worker processor
func NewProcessor(config ProcessorConfig) *Processor {
	if config.PollInterval == 0 {
		config.PollInterval = 2 * time.Second
	}
	if config.MaxJobAttempts == 0 {
		config.MaxJobAttempts = 5
	}
	if len(config.RetryDelays) == 0 {
		config.RetryDelays = []time.Duration{
			30 * time.Second,
			60 * time.Second,
			120 * time.Second,
			240 * time.Second,
		}
	}

	return &Processor{
		queue:          config.Queue,
		dispatcher:     config.Dispatcher,
		pollInterval:   config.PollInterval,
		shutdownChan:   make(chan struct{}),
		maxJobAttempts: config.MaxJobAttempts,
		retryDelays:    config.RetryDelays,
	}
}

// Start begins the worker polling loop with graceful shutdown
func (p *Processor) Start(ctx context.Context) error {
	logger.Info(ctx, "Starting worker processor", "poll_interval", p.pollInterval.String())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info(ctx, "Context cancelled, shutting down gracefully")
			return ctx.Err()

		case <-sigChan:
			logger.Info(ctx, "Received shutdown signal, shutting down gracefully")
			return nil

		case <-p.shutdownChan:
			logger.Info(ctx, "Shutdown requested, shutting down gracefully")
			return nil

		case <-ticker.C:
			// drain everything that is due before waiting for the next tick
			for {
				processed, err := p.PollAndProcess(ctx)
				if err != nil {
					logger.LogError(ctx, "Error polling and processing jobs", err)
				}
				if !processed || ctx.Err() != nil {
					break
				}
			}
		}
	}
}

// Shutdown signals the worker to stop gracefully
func (p *Processor) Shutdown() {
	close(p.shutdownChan)
}

// PollAndProcess handles at most one job. It reports whether a job was
// dequeued.
func (p *Processor) PollAndProcess(ctx context.Context) (bool, error) {
	job, err := p.queue.Dequeue(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to dequeue job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	logger.Info(ctx, "Processing job", "job_id", job.ID, "job_type", job.Type, "attempts", job.Attempts)

	var processErr error
	switch job.Type {
	case queue.JobDispatchLead:
		processErr = p.processDispatch(ctx, job)
	default:
		processErr = fmt.Errorf("%w: unknown job type %s", queue.ErrInvalidPayload, job.Type)
	}

	if processErr != nil {
		return true, p.handleFailure(ctx, job, processErr)
	}

	if err := p.queue.Complete(ctx, job.ID); err != nil {
		logger.LogError(ctx, "Failed to mark job as completed", err, "job_id", job.ID)
		return true, err
	}

	logger.Info(ctx, "Job completed successfully", "job_id", job.ID)
	return true, nil
}

// processDispatch runs one dispatch. Every adapter outcome, including
// temp_error, completes the job: resending is an operator decision.
func (p *Processor) processDispatch(ctx context.Context, job *queue.Job) error {
	startTime := time.Now()

	payload, err := queue.ParseDispatchPayload(job.Payload)
	if err != nil {
		return err
	}
	ctx = logger.WithLeadID(ctx, payload.LeadID)

	outcome, err := p.dispatcher.Dispatch(ctx, payload.LeadID, payload.Broker)
	if err != nil {
		return err
	}

	if outcome.Skipped {
		logger.Info(ctx, "Dispatch skipped", "reason", outcome.Reason)
	} else {
		logger.Info(ctx, "Dispatch finished",
			"broker", outcome.Broker,
			"outcome", outcome.Kind.String(),
			"attempt_no", outcome.AttemptNo,
			"status", string(outcome.Status),
		)
	}
	logger.LogSlowOperation(ctx, "dispatch_job", time.Since(startTime))
	return nil
}

// handleFailure retries jobs that failed before anything was sent and fails
// the rest
func (p *Processor) handleFailure(ctx context.Context, job *queue.Job, processErr error) error {
	logger.LogError(ctx, "Job failed", processErr, "job_id", job.ID)

	if p.retriable(processErr) && job.Attempts < p.maxJobAttempts {
		delay := p.retryDelay(job.Attempts)
		logger.Info(ctx, "Rescheduling job", "job_id", job.ID, "attempts", job.Attempts, "delay", delay.String())
		if err := p.queue.Retry(ctx, job.ID, delay); err != nil {
			logger.LogError(ctx, "Failed to reschedule job", err, "job_id", job.ID)
			return err
		}
		return processErr
	}

	if err := p.queue.Fail(ctx, job.ID, processErr.Error()); err != nil {
		logger.LogError(ctx, "Failed to mark job as failed", err, "job_id", job.ID)
		return err
	}
	return processErr
}

func (p *Processor) retriable(err error) bool {
	switch {
	case errors.Is(err, queue.ErrInvalidPayload):
		return false
	case errors.Is(err, dispatch.ErrResultNotSaved):
		return false
	case models.IsNotFound(err):
		return false
	default:
		return true
	}
}

// retryDelay picks the backoff for a job that has run attempts times
func (p *Processor) retryDelay(attempts int) time.Duration {
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.retryDelays) {
		idx = len(p.retryDelays) - 1
	}
	return p.retryDelays[idx]
}
