package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EastsCloud/property-management/internal/billing"
	jobmetrics "github.com/EastsCloud/property-management/internal/jobs"
)

type fakeBillingService struct {
	sweptAt  time.Time
	marked   int64
	drifts   []billing.BalanceDrift
	repaired int
	audits   int
	repairs  int
	err      error
}

func (f *fakeBillingService) SweepOverdue(_ context.Context, asOf time.Time) (int64, error) {
	f.sweptAt = asOf
	return f.marked, f.err
}

func (f *fakeBillingService) AuditBalances(context.Context) ([]billing.BalanceDrift, error) {
	f.audits++
	return f.drifts, f.err
}

func (f *fakeBillingService) RepairBalances(context.Context) (int, error) {
	f.repairs++
	return f.repaired, f.err
}

func TestOverdueSweepTaskPayload(t *testing.T) {
	asOf := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	task, err := NewOverdueSweepTask(asOf)
	require.NoError(t, err)
	assert.Equal(t, TaskBillingOverdueSweep, task.Type())

	var payload OverdueSweepPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	assert.True(t, asOf.Equal(payload.AsOf))
}

func TestHandleOverdueSweep(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	svc := &fakeBillingService{marked: 3}
	jobs := NewBillingJobs(svc, nil, metrics)

	asOf := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	task, err := NewOverdueSweepTask(asOf)
	require.NoError(t, err)

	require.NoError(t, jobs.HandleOverdueSweep(context.Background(), task))
	assert.True(t, asOf.Equal(svc.sweptAt))
	assert.InDelta(t, 3, counterValue(t, reg, "propdesk_jobs_invoices_affected_total", TaskBillingOverdueSweep), 0.001)
}

func TestHandleOverdueSweepEmptyPayloadUsesNow(t *testing.T) {
	svc := &fakeBillingService{}
	jobs := NewBillingJobs(svc, nil, nil)

	require.NoError(t, jobs.HandleOverdueSweep(context.Background(), asynq.NewTask(TaskBillingOverdueSweep, nil)))
	assert.True(t, svc.sweptAt.IsZero())
}

func TestHandleOverdueSweepBadPayloadSkipsRetry(t *testing.T) {
	jobs := NewBillingJobs(&fakeBillingService{}, nil, nil)

	err := jobs.HandleOverdueSweep(context.Background(), asynq.NewTask(TaskBillingOverdueSweep, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleOverdueSweepCountsFailures(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	boom := errors.New("db down")
	jobs := NewBillingJobs(&fakeBillingService{err: boom}, nil, metrics)

	err := jobs.HandleOverdueSweep(context.Background(), asynq.NewTask(TaskBillingOverdueSweep, nil))
	assert.ErrorIs(t, err, boom)

	assert.InDelta(t, 1, counterValue(t, reg, "propdesk_jobs_failures_total", TaskBillingOverdueSweep), 0.001)
}

func TestHandleAuditReportsOnly(t *testing.T) {
	svc := &fakeBillingService{drifts: []billing.BalanceDrift{{
		InvoiceBalance: billing.InvoiceBalance{
			InvoiceID:    7,
			UnpaidAmount: decimal.NewFromInt(100),
			Status:       billing.StatusUnpaid,
		},
		ExpectedUnpaid: decimal.Zero,
		ExpectedStatus: billing.StatusPaid,
	}}}
	jobs := NewBillingJobs(svc, nil, nil)

	task, err := NewAuditTask(false)
	require.NoError(t, err)
	require.NoError(t, jobs.HandleAudit(context.Background(), task))
	assert.Equal(t, 1, svc.audits)
	assert.Zero(t, svc.repairs)
}

func TestHandleAuditRepair(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(reg)
	svc := &fakeBillingService{repaired: 2}
	jobs := NewBillingJobs(svc, nil, metrics)

	task, err := NewAuditTask(true)
	require.NoError(t, err)
	require.NoError(t, jobs.HandleAudit(context.Background(), task))
	assert.Equal(t, 1, svc.repairs)
	assert.Zero(t, svc.audits)
	assert.InDelta(t, 2, counterValue(t, reg, "propdesk_jobs_invoices_affected_total", TaskBillingAudit), 0.001)
}

func TestHandlersRegisterBothTasks(t *testing.T) {
	jobs := NewBillingJobs(&fakeBillingService{}, nil, nil)
	var types []string
	for _, h := range jobs.Handlers() {
		require.NotNil(t, h.Handler)
		types = append(types, h.Type)
	}
	assert.ElementsMatch(t, []string{TaskBillingOverdueSweep, TaskBillingAudit}, types)
}

func TestUnconfiguredHandlersFail(t *testing.T) {
	var jobs *BillingJobs
	assert.Error(t, jobs.HandleOverdueSweep(context.Background(), asynq.NewTask(TaskBillingOverdueSweep, nil)))
	assert.Error(t, jobs.HandleAudit(context.Background(), asynq.NewTask(TaskBillingAudit, nil)))
}

// counterValue sums the samples of a counter family labelled with job.
func counterValue(t *testing.T, reg *prometheus.Registry, name, job string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "job" && lp.GetValue() == job {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}
	return total
}
