package jobs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskConstructors(t *testing.T) {
	task, err := NewProcessNextTask("confirmed")
	require.NoError(t, err)
	assert.Equal(t, TaskProcessNext, task.Type())
	var next ProcessNextPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &next))
	assert.Equal(t, "confirmed", next.Reason)

	task, err = NewExtractStatementTask("2b1c")
	require.NoError(t, err)
	assert.Equal(t, TaskExtractStatement, task.Type())
	var extract ExtractStatementPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &extract))
	assert.Equal(t, "2b1c", extract.StatementID)

	assert.Equal(t, TaskSweepStale, NewSweepStaleTask().Type())
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	NewHandler(nil, nil).MountRoutes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "default", body["queue"])
	assert.EqualValues(t, 0, body["pending"])
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestStatsFrom(t *testing.T) {
	assert.Equal(t, QueueStats{Queue: QueueDefault}, StatsFrom(nil))
	assert.Equal(t,
		QueueStats{Queue: "default", Pending: 4, Active: 1, Scheduled: 2, Retry: 0, Archived: 7},
		StatsFrom(&asynq.QueueInfo{Queue: "default", Pending: 4, Active: 1, Scheduled: 2, Archived: 7}))
}

func TestNewWorkerRejectsIncompleteRegistrations(t *testing.T) {
	opts := asynq.RedisClientOpt{Addr: "127.0.0.1:0"}
	noop := func(context.Context, *asynq.Task) error { return nil }

	_, err := NewWorker(WorkerConfig{RedisOpts: opts, Handlers: []TaskHandler{{Type: TaskSweepStale}}})
	require.ErrorContains(t, err, "incomplete handler")

	_, err = NewWorker(WorkerConfig{RedisOpts: opts, Cron: []CronRegistration{{Spec: "* * * * *"}}})
	require.ErrorContains(t, err, "has no task")

	w, err := NewWorker(WorkerConfig{
		RedisOpts: opts,
		Handlers:  []TaskHandler{{Type: TaskSweepStale, Handler: noop}},
		Cron:      []CronRegistration{{Spec: "", Task: NewSweepStaleTask()}},
	})
	require.NoError(t, err)
	assert.Nil(t, w.scheduler)
}
