package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskBillingOverdueSweep marks unpaid invoices past due (plus grace) as overdue.
	TaskBillingOverdueSweep = "billing:overdue_sweep"
	// TaskBillingAudit compares cached invoice balances with payment history.
	TaskBillingAudit = "billing:audit"
)

// OverdueSweepPayload carries the reference date of a sweep.
type OverdueSweepPayload struct {
	// AsOf is the reference instant; zero means the time the task runs.
	AsOf time.Time `json:"as_of,omitempty"`
}

// NewOverdueSweepTask constructs an Asynq task for the overdue sweep.
func NewOverdueSweepTask(asOf time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(OverdueSweepPayload{AsOf: asOf})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingOverdueSweep, body, asynq.Queue(QueueDefault)), nil
}

// AuditPayload configures a reconciliation audit.
type AuditPayload struct {
	// Repair reconciles every drifting invoice after reporting it.
	Repair bool `json:"repair"`
}

// NewAuditTask constructs an Asynq task for the reconciliation audit.
func NewAuditTask(repair bool) (*asynq.Task, error) {
	body, err := json.Marshal(AuditPayload{Repair: repair})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingAudit, body, asynq.Queue(QueueDefault)), nil
}
