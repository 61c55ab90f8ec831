package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EastsCloud/property-management/jobs"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "t1", Type: task.Type(), Queue: jobs.QueueDefault}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

type fakeInspector struct {
	info      *asynq.QueueInfo
	scheduled []*asynq.TaskInfo
	err       error
}

func (f fakeInspector) GetQueueInfo(string) (*asynq.QueueInfo, error) { return f.info, f.err }

func (f fakeInspector) ListScheduledTasks(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return f.scheduled, f.err
}

func (f fakeInspector) Close() error { return nil }

func newTestJobsCLI(inspector QueueInspector) (*JobsCLI, *fakeEnqueuer) {
	enq := &fakeEnqueuer{}
	return NewJobsCLIWith(jobs.NewClientWith(enq), inspector), enq
}

func TestTriggerSupportedJobs(t *testing.T) {
	c, enq := newTestJobsCLI(nil)

	_, err := c.Trigger(context.Background(), jobs.TaskBillingOverdueSweep)
	require.NoError(t, err)
	_, err = c.Trigger(context.Background(), jobs.TaskBillingAudit)
	require.NoError(t, err)
	_, err = c.Trigger(context.Background(), "inventory:revaluation")
	assert.Error(t, err)

	require.Len(t, enq.tasks, 2)
	assert.Equal(t, jobs.TaskBillingOverdueSweep, enq.tasks[0].Type())
	assert.Equal(t, jobs.TaskBillingAudit, enq.tasks[1].Type())
}

func TestJobsCommandAuditRepair(t *testing.T) {
	c, enq := newTestJobsCLI(nil)
	var stdout bytes.Buffer

	code := c.JobsCommand(context.Background(), JobsOptions{Action: "audit", Repair: true, Stdout: &stdout})
	require.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), "repair=true")

	require.Len(t, enq.tasks, 1)
	var payload jobs.AuditPayload
	require.NoError(t, json.Unmarshal(enq.tasks[0].Payload(), &payload))
	assert.True(t, payload.Repair)
}

func TestJobsCommandStats(t *testing.T) {
	next := time.Date(2025, 10, 2, 0, 0, 0, 0, time.UTC)
	c, _ := newTestJobsCLI(fakeInspector{
		info:      &asynq.QueueInfo{Queue: jobs.QueueDefault, Pending: 2, Retry: 1},
		scheduled: []*asynq.TaskInfo{{Type: jobs.TaskBillingAudit, NextProcessAt: next}},
	})
	var stdout bytes.Buffer

	require.Equal(t, 0, c.JobsCommand(context.Background(), JobsOptions{Action: "stats", Stdout: &stdout}))
	assert.Contains(t, stdout.String(), "pending=2")
	assert.Contains(t, stdout.String(), "retry=1")
	assert.Contains(t, stdout.String(), "scheduled billing:audit at 2025-10-02T00:00:00Z")
}

func TestJobsCommandErrors(t *testing.T) {
	c, _ := newTestJobsCLI(fakeInspector{err: errors.New("redis down")})
	var stderr bytes.Buffer

	assert.Equal(t, 1, c.JobsCommand(context.Background(), JobsOptions{Action: "stats", Stdout: &bytes.Buffer{}, Stderr: &stderr}))
	assert.Contains(t, stderr.String(), "redis down")
	assert.Equal(t, 2, c.JobsCommand(context.Background(), JobsOptions{Action: "purge", Stderr: &stderr}))

	var unconfigured *JobsCLI
	_, err := unconfigured.InspectQueue(context.Background())
	assert.Error(t, err)
}
