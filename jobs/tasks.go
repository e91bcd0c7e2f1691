package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskProcessNext claims and extracts the next queued statement.
	TaskProcessNext = "statement:process_next"
	// TaskExtractStatement retries one statement once its backoff elapses.
	TaskExtractStatement = "statement:extract"
	// TaskSweepStale fails statements whose processing lease expired.
	TaskSweepStale = "statement:sweep_stale"
)

// ProcessNextPayload carries the reason a chain step was scheduled. It is
// informational only; any queued statement may be picked up.
type ProcessNextPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ExtractStatementPayload names the statement to retry.
type ExtractStatementPayload struct {
	StatementID string `json:"statement_id"`
}

// NewProcessNextTask constructs a chain task.
func NewProcessNextTask(reason string) (*asynq.Task, error) {
	data, err := json.Marshal(ProcessNextPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProcessNext, data, asynq.Queue(QueueDefault)), nil
}

// NewExtractStatementTask constructs a retry task for one statement. Retries
// are driven by the statement's own retry_count, so asynq never retries it.
func NewExtractStatementTask(statementID string) (*asynq.Task, error) {
	data, err := json.Marshal(ExtractStatementPayload{StatementID: statementID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExtractStatement, data, asynq.Queue(QueueDefault), asynq.MaxRetry(0)), nil
}

// NewSweepStaleTask constructs the periodic stale-lease sweep.
func NewSweepStaleTask() *asynq.Task {
	return asynq.NewTask(TaskSweepStale, nil, asynq.Queue(QueueDefault), asynq.MaxRetry(1), asynq.Timeout(time.Minute))
}
