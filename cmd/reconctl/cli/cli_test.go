package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/statement-recon/jobs"
)

type fakeQueue struct {
	enqueued []*asynq.Task
	info     *asynq.QueueInfo
	infoErr  error
	closed   int
}

func (f *fakeQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.enqueued = append(f.enqueued, task)
	return &asynq.TaskInfo{ID: "t1", Type: task.Type(), Payload: task.Payload()}, nil
}

func (f *fakeQueue) GetQueueInfo(string) (*asynq.QueueInfo, error) {
	return f.info, f.infoErr
}

func (f *fakeQueue) ListScheduledTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return []*asynq.TaskInfo{{
		Type:          jobs.TaskExtractStatement,
		Payload:       []byte(`{"statement_id":"s1"}`),
		NextProcessAt: time.Date(2025, 12, 1, 9, 0, 0, 0, time.UTC),
	}}, nil
}

func newFakeCLI(q *fakeQueue) *JobsCLI {
	return &JobsCLI{client: q, inspector: q, closers: []func() error{func() error { q.closed++; return nil }}}
}

func run(t *testing.T, q *fakeQueue, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand(func(string) *JobsCLI { return newFakeCLI(q) })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestTriggerTasks(t *testing.T) {
	q := &fakeQueue{}
	c := newFakeCLI(q)

	_, err := c.Trigger(context.Background(), "process-next", "")
	require.NoError(t, err)
	_, err = c.Trigger(context.Background(), jobs.TaskSweepStale, "")
	require.NoError(t, err)
	_, err = c.Trigger(context.Background(), "extract", "s1")
	require.NoError(t, err)

	require.Len(t, q.enqueued, 3)
	assert.Equal(t, jobs.TaskProcessNext, q.enqueued[0].Type())
	assert.JSONEq(t, `{"reason":"manual"}`, string(q.enqueued[0].Payload()))
	assert.Equal(t, jobs.TaskSweepStale, q.enqueued[1].Type())
	assert.JSONEq(t, `{"statement_id":"s1"}`, string(q.enqueued[2].Payload()))

	_, err = c.Trigger(context.Background(), "extract", "")
	require.Error(t, err)
	_, err = c.Trigger(context.Background(), "reindex", "")
	require.ErrorContains(t, err, "unsupported job")

	var nilCLI *JobsCLI
	_, err = nilCLI.Trigger(context.Background(), "sweep", "")
	require.Error(t, err)
}

func TestJobsCommands(t *testing.T) {
	q := &fakeQueue{info: &asynq.QueueInfo{Queue: jobs.QueueDefault, Pending: 2, Scheduled: 1, Retry: 3}}

	out, err := run(t, q, "jobs", "trigger", "extract", "s9")
	require.NoError(t, err)
	assert.Equal(t, "enqueued statement:extract (t1)\n", out)
	assert.Equal(t, 1, q.closed)

	out, err = run(t, q, "jobs", "stats")
	require.NoError(t, err)
	var stats QueueStats
	require.NoError(t, json.Unmarshal([]byte(out), &stats))
	assert.Equal(t, QueueStats{Queue: "default", Pending: 2, Scheduled: 1, Retry: 3}, stats)

	out, err = run(t, q, "jobs", "scheduled", "--size", "5")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "2025-12-01T09:00:00Z\tstatement:extract\t"), out)

	q.infoErr = errors.New("redis down")
	_, err = run(t, q, "jobs", "stats")
	require.ErrorContains(t, err, "redis down")
}

func TestVendorsCompare(t *testing.T) {
	path := filepath.Join(t.TempDir(), "aliases.yaml")
	require.NoError(t, os.WriteFile(path, []byte("vendors:\n  대성정밀:\n    - DS Precision\n"), 0o600))

	called := false
	root := NewRootCommand(func(string) *JobsCLI { called = true; return newFakeCLI(&fakeQueue{}) })
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"vendors", "compare", path, "대성정밀", "DS Precision"})
	require.NoError(t, root.Execute())
	assert.False(t, called, "vendor commands never dial redis")
	assert.Equal(t, "85\n", out.String())

	out.Reset()
	root.SetArgs([]string{"vendors", "compare", filepath.Join(t.TempDir(), "missing.yaml"), "a", "b"})
	require.Error(t, root.Execute())
}
