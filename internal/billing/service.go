package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// Instrumentation receives billing events for metrics.
type Instrumentation interface {
	InvoiceCreated(linkTo string)
	PaymentRecorded(method string)
	InvoiceSettled()
	OverdueMarked(n int64)
	BalanceDrift(n int)
}

type nopInstrumentation struct{}

func (nopInstrumentation) InvoiceCreated(string)  {}
func (nopInstrumentation) PaymentRecorded(string) {}
func (nopInstrumentation) InvoiceSettled()        {}
func (nopInstrumentation) OverdueMarked(int64)    {}
func (nopInstrumentation) BalanceDrift(int)       {}

// SummaryCache stores the dashboard summary between writes.
type SummaryCache interface {
	Get(ctx context.Context) (Summary, bool, error)
	Set(ctx context.Context, summary Summary) error
	Invalidate(ctx context.Context) error
}

// ServiceConfig collects optional collaborators of Service.
type ServiceConfig struct {
	Logger  *slog.Logger
	Cache   SummaryCache
	Metrics Instrumentation
	// OverdueGrace is added to the due date before an unpaid invoice counts as overdue.
	OverdueGrace time.Duration
	Now          func() time.Time
}

// Service handles billing business logic.
type Service struct {
	repo    Repository
	logger  *slog.Logger
	cache   SummaryCache
	metrics Instrumentation
	grace   time.Duration
	now     func() time.Time
	flight  singleflight.Group
}

// NewService builds Service instance.
func NewService(repo Repository, cfg ServiceConfig) *Service {
	s := &Service{
		repo:    repo,
		logger:  cfg.Logger,
		cache:   cfg.Cache,
		metrics: cfg.Metrics,
		grace:   cfg.OverdueGrace,
		now:     cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.metrics == nil {
		s.metrics = nopInstrumentation{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// CreateInvoiceInput carries the raw identifiers of create_invoice.
type CreateInvoiceInput struct {
	OwnerID      int64
	ChargeTypeID int64
	Cycle        BillingCycle
	DueDate      time.Time
	Price        *decimal.Decimal
	Description  string
}

// CreateInvoice resolves owner and charge type, computes one billing cycle and persists it.
func (s *Service) CreateInvoice(ctx context.Context, input CreateInvoiceInput) (*Invoice, error) {
	if input.OwnerID <= 0 {
		return nil, invalid("owner_id", "owner is required")
	}
	if input.ChargeTypeID <= 0 {
		return nil, invalid("charge_type_id", "charge type is required")
	}
	owner, err := s.repo.GetOwner(ctx, input.OwnerID)
	if errors.Is(err, ErrNotFound) {
		return nil, invalid("owner_id", fmt.Sprintf("owner %d does not exist", input.OwnerID))
	}
	if err != nil {
		return nil, err
	}
	ct, err := s.repo.GetChargeType(ctx, input.ChargeTypeID)
	if errors.Is(err, ErrNotFound) {
		return nil, invalid("charge_type_id", fmt.Sprintf("charge type %d does not exist", input.ChargeTypeID))
	}
	if err != nil {
		return nil, err
	}

	inv, err := BuildInvoice(*owner, *ct, InvoiceOptions{
		Cycle:       input.Cycle,
		DueDate:     input.DueDate,
		Price:       input.Price,
		Description: input.Description,
	})
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	inv.CreatedAt = now
	inv.UpdatedAt = now

	created, err := s.repo.CreateInvoice(ctx, inv)
	if err != nil {
		return nil, err
	}
	s.metrics.InvoiceCreated(string(ct.LinkTo))
	s.invalidateSummary(ctx)
	s.logger.Info("invoice created",
		slog.Int64("invoice_id", created.ID),
		slog.Int64("owner_id", created.OwnerID),
		slog.String("amount", created.Amount.String()))
	return created, nil
}

// RecordPaymentInput carries the values of record_payment.
type RecordPaymentInput struct {
	OwnerID int64
	// InvoiceID is optional; zero records an unallocated payment.
	InvoiceID      int64
	Amount         decimal.Decimal
	Method         string
	Note           string
	PaidAt         time.Time
	IdempotencyKey string
}

// RecordPayment creates a payment and, when it targets an invoice, reconciles
// that invoice from its full payment history in the same transaction.
func (s *Service) RecordPayment(ctx context.Context, input RecordPaymentInput) (*Payment, error) {
	if !input.Amount.IsPositive() {
		return nil, invalid("amount", "amount must be greater than zero")
	}
	if input.OwnerID <= 0 {
		return nil, invalid("owner_id", "owner is required")
	}
	if input.InvoiceID < 0 {
		return nil, invalid("invoice_id", "invoice id must be positive")
	}

	key := strings.TrimSpace(input.IdempotencyKey)
	if key != "" {
		existing, err := s.repo.GetPaymentByKey(ctx, key)
		if err == nil {
			return replayPayment(existing, input)
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}

	if _, err := s.repo.GetOwner(ctx, input.OwnerID); err != nil {
		return nil, notFound("owner", input.OwnerID, err)
	}

	now := s.now().UTC()
	payment := Payment{
		OwnerID:        input.OwnerID,
		Amount:         input.Amount,
		Method:         strings.TrimSpace(input.Method),
		PaidAt:         input.PaidAt,
		Note:           strings.TrimSpace(input.Note),
		Reference:      uuid.NewString(),
		IdempotencyKey: key,
		CreatedAt:      now,
	}
	if payment.Method == "" {
		payment.Method = DefaultPaymentMethod
	}
	if payment.PaidAt.IsZero() {
		payment.PaidAt = now
	}
	if input.InvoiceID > 0 {
		payment.InvoiceID = lo.ToPtr(input.InvoiceID)
	}

	var (
		created *Payment
		settled bool
	)
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		created, settled = nil, false
		if payment.InvoiceID == nil {
			p, err := tx.CreatePayment(ctx, payment)
			created = p
			return err
		}

		inv, err := tx.LockInvoice(ctx, input.InvoiceID)
		if err != nil {
			return notFound("invoice", input.InvoiceID, err)
		}
		if inv.OwnerID != input.OwnerID {
			return invalid("invoice_id", fmt.Sprintf("invoice %d belongs to another owner", inv.ID))
		}
		p, err := tx.CreatePayment(ctx, payment)
		if err != nil {
			return err
		}
		created = p
		next, err := s.reconcileLocked(ctx, tx, *inv)
		if err != nil {
			return err
		}
		settled = inv.Status != StatusPaid && next.Status == StatusPaid
		return nil
	})
	if errors.Is(err, ErrDuplicateKey) && key != "" {
		existing, err := s.repo.GetPaymentByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		return replayPayment(existing, input)
	}
	if err != nil {
		return nil, err
	}

	s.metrics.PaymentRecorded(created.Method)
	if settled {
		s.metrics.InvoiceSettled()
	}
	s.invalidateSummary(ctx)
	attrs := []any{
		slog.Int64("payment_id", created.ID),
		slog.Int64("owner_id", created.OwnerID),
		slog.String("amount", created.Amount.String()),
	}
	if created.InvoiceID != nil {
		attrs = append(attrs, slog.Int64("invoice_id", *created.InvoiceID), slog.Bool("settled", settled))
	}
	s.logger.Info("payment recorded", attrs...)
	return created, nil
}

// Reconcile recomputes an invoice's unpaid amount and status from its full payment history.
func (s *Service) Reconcile(ctx context.Context, invoiceID int64) (*Invoice, error) {
	if invoiceID <= 0 {
		return nil, invalid("invoice_id", "invoice id must be positive")
	}
	var result Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		inv, err := tx.LockInvoice(ctx, invoiceID)
		if err != nil {
			return notFound("invoice", invoiceID, err)
		}
		result, err = s.reconcileLocked(ctx, tx, *inv)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.invalidateSummary(ctx)
	return &result, nil
}

// reconcileLocked must run with the invoice row locked by tx.
func (s *Service) reconcileLocked(ctx context.Context, tx TxRepository, inv Invoice) (Invoice, error) {
	total, err := tx.SumInvoicePayments(ctx, inv.ID)
	if err != nil {
		return Invoice{}, err
	}
	next := Settle(inv, total)
	if next.UnpaidAmount.Equal(inv.UnpaidAmount) && next.Status == inv.Status {
		return next, nil
	}
	if err := tx.UpdateInvoiceBalance(ctx, inv.ID, next.UnpaidAmount, next.Status); err != nil {
		return Invoice{}, err
	}
	next.UpdatedAt = s.now().UTC()
	return next, nil
}

// OutstandingBalance returns the cached unpaid amount of an invoice.
func (s *Service) OutstandingBalance(ctx context.Context, invoiceID int64) (decimal.Decimal, error) {
	inv, err := s.repo.GetInvoice(ctx, invoiceID)
	if err != nil {
		return decimal.Zero, notFound("invoice", invoiceID, err)
	}
	return inv.OutstandingBalance(), nil
}

// PaidTotal sums every payment referencing the invoice.
func (s *Service) PaidTotal(ctx context.Context, invoiceID int64) (decimal.Decimal, error) {
	if _, err := s.repo.GetInvoice(ctx, invoiceID); err != nil {
		return decimal.Zero, notFound("invoice", invoiceID, err)
	}
	return s.repo.SumInvoicePayments(ctx, invoiceID)
}

// GetInvoice returns one invoice.
func (s *Service) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	inv, err := s.repo.GetInvoice(ctx, id)
	if err != nil {
		return nil, notFound("invoice", id, err)
	}
	return inv, nil
}

// GetInvoiceDetail returns an invoice with its payments and paid total.
func (s *Service) GetInvoiceDetail(ctx context.Context, id int64) (*InvoiceDetail, error) {
	inv, err := s.GetInvoice(ctx, id)
	if err != nil {
		return nil, err
	}
	payments, err := s.repo.ListPayments(ctx, PaymentFilter{InvoiceID: id, Limit: maxListLimit})
	if err != nil {
		return nil, err
	}
	// payments is capped; the total always covers the full history.
	paid, err := s.repo.SumInvoicePayments(ctx, id)
	if err != nil {
		return nil, err
	}
	return &InvoiceDetail{
		Invoice:     *inv,
		Payments:    payments,
		PaidTotal:   paid,
		Outstanding: inv.OutstandingBalance(),
	}, nil
}

// ListInvoices returns invoices ordered by due date.
func (s *Service) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, invalid("status", "unknown status "+string(filter.Status))
	}
	filter.Limit, filter.Offset = clampPage(filter.Limit, filter.Offset)
	return s.repo.ListInvoices(ctx, filter)
}

// ListPayments returns payments, newest first.
func (s *Service) ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error) {
	filter.Limit, filter.Offset = clampPage(filter.Limit, filter.Offset)
	return s.repo.ListPayments(ctx, filter)
}

// OwnerStatement loads an owner with all of their invoices and payments.
func (s *Service) OwnerStatement(ctx context.Context, ownerID int64) (*OwnerStatement, error) {
	owner, err := s.repo.GetOwner(ctx, ownerID)
	if err != nil {
		return nil, notFound("owner", ownerID, err)
	}

	var (
		invoices []Invoice
		payments []Payment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		invoices, err = s.repo.ListInvoices(gctx, InvoiceFilter{OwnerID: ownerID, Limit: maxListLimit})
		return err
	})
	g.Go(func() error {
		var err error
		payments, err = s.repo.ListPayments(gctx, PaymentFilter{OwnerID: ownerID, Limit: maxListLimit})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	outstanding := lo.Reduce(invoices, func(acc decimal.Decimal, inv Invoice, _ int) decimal.Decimal {
		return acc.Add(inv.UnpaidAmount)
	}, decimal.Zero)
	return &OwnerStatement{
		Owner:       *owner,
		Invoices:    invoices,
		Payments:    payments,
		Outstanding: outstanding,
	}, nil
}

// Summary returns the dashboard counters, served from cache between writes.
func (s *Service) Summary(ctx context.Context) (Summary, error) {
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx)
		if err != nil {
			s.logger.Warn("summary cache get", slog.Any("error", err))
		} else if ok {
			return cached, nil
		}
	}
	// shared by every waiter, so one caller's cancellation must not fail the rest
	loadCtx := context.WithoutCancel(ctx)
	v, err, _ := s.flight.Do("summary", func() (interface{}, error) {
		summary, err := s.repo.Summary(loadCtx)
		if err != nil {
			return Summary{}, err
		}
		if s.cache != nil {
			if err := s.cache.Set(loadCtx, summary); err != nil {
				s.logger.Warn("summary cache set", slog.Any("error", err))
			}
		}
		return summary, nil
	})
	if err != nil {
		return Summary{}, err
	}
	return v.(Summary), nil
}

// AuditBalances lists invoices whose cached balance disagrees with their payment history.
func (s *Service) AuditBalances(ctx context.Context) ([]BalanceDrift, error) {
	balances, err := s.repo.ListInvoiceBalances(ctx)
	if err != nil {
		return nil, err
	}
	drifts := make([]BalanceDrift, 0)
	for _, b := range balances {
		if d, ok := Drift(b); !ok {
			drifts = append(drifts, d)
		}
	}
	s.metrics.BalanceDrift(len(drifts))
	if len(drifts) > 0 {
		s.logger.Warn("invoice balance drift detected", slog.Int("invoices", len(drifts)))
	}
	return drifts, nil
}

// RepairBalances reconciles every drifting invoice and returns how many were repaired.
func (s *Service) RepairBalances(ctx context.Context) (int, error) {
	drifts, err := s.AuditBalances(ctx)
	if err != nil {
		return 0, err
	}
	for _, d := range drifts {
		if _, err := s.Reconcile(ctx, d.InvoiceID); err != nil {
			return 0, fmt.Errorf("billing: repair invoice %d: %w", d.InvoiceID, err)
		}
	}
	return len(drifts), nil
}

// SweepOverdue marks unpaid invoices whose due date plus the configured grace lies before asOf.
func (s *Service) SweepOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	if asOf.IsZero() {
		asOf = s.now()
	}
	cutoff := truncateDate(asOf.Add(-s.grace))
	n, err := s.repo.MarkOverdue(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.OverdueMarked(n)
		s.invalidateSummary(ctx)
	}
	s.logger.Info("overdue sweep", slog.Time("cutoff", cutoff), slog.Int64("marked", n))
	return n, nil
}

func (s *Service) invalidateSummary(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("summary cache invalidate", slog.Any("error", err))
	}
}

// replayPayment returns the payment stored under an idempotency key when the
// replayed request matches it, and a conflict when the key was reused for another payment.
func replayPayment(existing *Payment, input RecordPaymentInput) (*Payment, error) {
	var invoiceID int64
	if existing.InvoiceID != nil {
		invoiceID = *existing.InvoiceID
	}
	if existing.OwnerID != input.OwnerID || invoiceID != input.InvoiceID || !existing.Amount.Equal(input.Amount) {
		return nil, &ConflictError{Message: fmt.Sprintf("idempotency key %q already used for payment %d", existing.IdempotencyKey, existing.ID)}
	}
	return existing, nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
