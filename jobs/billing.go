package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/EastsCloud/property-management/internal/billing"
	jobmetrics "github.com/EastsCloud/property-management/internal/jobs"
)

// BillingService is the part of billing.Service the jobs drive.
type BillingService interface {
	SweepOverdue(ctx context.Context, asOf time.Time) (int64, error)
	AuditBalances(ctx context.Context) ([]billing.BalanceDrift, error)
	RepairBalances(ctx context.Context) (int, error)
}

var _ BillingService = (*billing.Service)(nil)

// BillingJobs handles the scheduled billing maintenance tasks.
type BillingJobs struct {
	Service BillingService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewBillingJobs wires dependencies for the billing handlers.
func NewBillingJobs(service BillingService, logger *slog.Logger, metrics *jobmetrics.Metrics) *BillingJobs {
	return &BillingJobs{Service: service, Logger: logger, Metrics: metrics}
}

// Handlers lists the task handlers to register on the worker.
func (j *BillingJobs) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskBillingOverdueSweep, Handler: j.HandleOverdueSweep},
		{Type: TaskBillingAudit, Handler: j.HandleAudit},
	}
}

// HandleOverdueSweep processes TaskBillingOverdueSweep tasks.
func (j *BillingJobs) HandleOverdueSweep(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("overdue sweep: handler not configured")
	}
	var payload OverdueSweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.Metrics.Track(TaskBillingOverdueSweep)
	defer func() { err = tracker.End(err) }()

	marked, err := j.Service.SweepOverdue(ctx, payload.AsOf)
	if err != nil {
		j.logger().Error("overdue sweep", slog.Any("error", err))
		return err
	}
	j.Metrics.AddAffected(TaskBillingOverdueSweep, marked)
	return nil
}

// HandleAudit processes TaskBillingAudit tasks.
func (j *BillingJobs) HandleAudit(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("billing audit: handler not configured")
	}
	var payload AuditPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}

	tracker := j.Metrics.Track(TaskBillingAudit)
	defer func() { err = tracker.End(err) }()

	logger := j.logger().With(slog.Bool("repair", payload.Repair))
	if payload.Repair {
		repaired, err := j.Service.RepairBalances(ctx)
		if err != nil {
			logger.Error("billing audit repair", slog.Any("error", err))
			return err
		}
		j.Metrics.AddAffected(TaskBillingAudit, int64(repaired))
		logger.Info("billing audit finished", slog.Int("repaired", repaired))
		return nil
	}

	drifts, err := j.Service.AuditBalances(ctx)
	if err != nil {
		logger.Error("billing audit", slog.Any("error", err))
		return err
	}
	for _, d := range drifts {
		logger.Warn("invoice balance drift",
			slog.Int64("invoice_id", d.InvoiceID),
			slog.String("unpaid_amount", d.UnpaidAmount.String()),
			slog.String("expected_unpaid", d.ExpectedUnpaid.String()),
			slog.String("status", string(d.Status)),
			slog.String("expected_status", string(d.ExpectedStatus)))
	}
	logger.Info("billing audit finished", slog.Int("drifting", len(drifts)))
	return nil
}

func (j *BillingJobs) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
