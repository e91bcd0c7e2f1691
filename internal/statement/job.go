package statement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/statement-recon/internal/jobs"
	"github.com/odyssey-erp/statement-recon/jobs"
)

// JobConfig wires dependencies required by the worker jobs.
type JobConfig struct {
	Processor *Processor
	Queue     *QueueManager
	Metrics   *jobmetrics.Metrics
	Logger    *slog.Logger
	WorkerID  string
}

// Job adapts the processor to asynq tasks.
type Job struct {
	processor *Processor
	queue     *QueueManager
	metrics   *jobmetrics.Metrics
	logger    *slog.Logger
	workerID  string
}

// NewJob constructs the job handlers. An empty WorkerID derives one from the
// host name.
func NewJob(cfg JobConfig) *Job {
	id := cfg.WorkerID
	if id == "" {
		host, _ := os.Hostname()
		id = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Job{processor: cfg.Processor, queue: cfg.Queue, metrics: cfg.Metrics, logger: logger, workerID: id}
}

// WorkerID identifies this process in locked_by.
func (j *Job) WorkerID() string { return j.workerID }

// Handlers lists the task handlers to register on the worker.
func (j *Job) Handlers() []jobs.TaskHandler {
	return []jobs.TaskHandler{
		{Type: jobs.TaskProcessNext, Handler: j.HandleProcessNext},
		{Type: jobs.TaskExtractStatement, Handler: j.HandleExtract},
		{Type: jobs.TaskSweepStale, Handler: j.HandleSweep},
	}
}

// HandleProcessNext claims and processes at most one statement. An empty
// queue ends the chain quietly.
func (j *Job) HandleProcessNext(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.processor == nil {
		return errors.New("statement job not configured")
	}
	var payload jobs.ProcessNextPayload
	if len(task.Payload()) > 0 {
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.metrics.Track(jobs.TaskProcessNext)
	defer func() { err = tracker.End(err) }()

	out, err := j.processor.ProcessNext(ctx, j.workerID)
	switch {
	case errors.Is(err, ErrNoWork):
		return nil
	case err != nil:
		return j.pipelineResult(err)
	}
	j.logger.Info("processed statement",
		slog.String("statement_id", out.Statement.ID),
		slog.String("reason", payload.Reason),
		slog.Int("items", len(out.Items)))
	return nil
}

// HandleExtract retries one statement whose backoff elapsed.
func (j *Job) HandleExtract(ctx context.Context, task *asynq.Task) (err error) {
	if j == nil || j.processor == nil {
		return errors.New("statement job not configured")
	}
	var payload jobs.ExtractStatementPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.StatementID == "" {
		return asynq.SkipRetry
	}
	tracker := j.metrics.Track(jobs.TaskExtractStatement)
	defer func() { err = tracker.End(err) }()

	s, err := j.queue.ClaimByID(ctx, payload.StatementID, j.workerID)
	switch {
	case errors.Is(err, ErrNoWork):
		// Already taken, finished, or not due yet; the chain picks it up.
		return nil
	case errors.Is(err, ErrNotFound):
		return asynq.SkipRetry
	case err != nil:
		return err
	}
	_, err = j.processor.run(ctx, s, j.workerID, Override{})
	return j.pipelineResult(err)
}

// HandleSweep fails statements abandoned by dead workers.
func (j *Job) HandleSweep(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.queue == nil {
		return errors.New("statement job not configured")
	}
	tracker := j.metrics.Track(jobs.TaskSweepStale)
	defer func() { err = tracker.End(err) }()

	n, err := j.queue.SweepStale(ctx)
	if err != nil {
		j.logger.Error("sweep stale statements", slog.Any("error", err))
		return err
	}
	if n > 0 {
		j.logger.Info("swept stale statements", slog.Int("count", n))
	}
	return nil
}

// pipelineResult keeps asynq from retrying pipeline failures; the statement's
// own retry_count governs retries and a failure has already been recorded.
func (j *Job) pipelineResult(err error) error {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) || errors.Is(err, ErrLeaseLost) {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	return err
}
