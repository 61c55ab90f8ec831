package billing

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OwnerFilter narrows owner listings.
type OwnerFilter struct {
	// Search matches name, phone or unit, case-insensitively.
	Search string
	Limit  int
	Offset int
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// containsPattern builds a LIKE pattern matching search literally; queries pair it with ESCAPE '\'.
func containsPattern(search string) string {
	return "%" + likeEscaper.Replace(search) + "%"
}

// InvoiceFilter narrows invoice listings.
type InvoiceFilter struct {
	Status  InvoiceStatus
	OwnerID int64
	Limit   int
	Offset  int
}

// PaymentFilter narrows payment listings.
type PaymentFilter struct {
	OwnerID   int64
	InvoiceID int64
	Limit     int
	Offset    int
}

// Repository is the ledger store port.
type Repository interface {
	CreateOwner(ctx context.Context, owner Owner) (*Owner, error)
	UpdateOwner(ctx context.Context, owner Owner) error
	GetOwner(ctx context.Context, id int64) (*Owner, error)
	ListOwners(ctx context.Context, filter OwnerFilter) ([]Owner, error)
	// DeleteOwner removes an owner that has no invoices or payments and
	// reports whether dependents blocked the deletion.
	DeleteOwner(ctx context.Context, id int64) (blocked bool, err error)

	CreateChargeType(ctx context.Context, ct ChargeType) (*ChargeType, error)
	GetChargeType(ctx context.Context, id int64) (*ChargeType, error)
	ListChargeTypes(ctx context.Context) ([]ChargeType, error)

	CreateInvoice(ctx context.Context, inv Invoice) (*Invoice, error)
	GetInvoice(ctx context.Context, id int64) (*Invoice, error)
	ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error)
	// MarkOverdue flips unpaid invoices due strictly before cutoff to overdue.
	MarkOverdue(ctx context.Context, cutoff time.Time) (int64, error)

	ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error)
	GetPaymentByKey(ctx context.Context, key string) (*Payment, error)
	SumInvoicePayments(ctx context.Context, invoiceID int64) (decimal.Decimal, error)

	Summary(ctx context.Context) (Summary, error)
	ListInvoiceBalances(ctx context.Context) ([]InvoiceBalance, error)

	// WithTx runs fn inside one atomic transaction.
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
}

// TxRepository exposes the operations that must commit together.
type TxRepository interface {
	// LockInvoice loads the invoice and holds its row until the transaction ends.
	LockInvoice(ctx context.Context, id int64) (*Invoice, error)
	CreatePayment(ctx context.Context, payment Payment) (*Payment, error)
	SumInvoicePayments(ctx context.Context, invoiceID int64) (decimal.Decimal, error)
	UpdateInvoiceBalance(ctx context.Context, id int64, unpaid decimal.Decimal, status InvoiceStatus) error
}
