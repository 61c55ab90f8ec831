package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceStatus enumerates invoice statuses.
type InvoiceStatus string

const (
	StatusUnpaid  InvoiceStatus = "unpaid"
	StatusPaid    InvoiceStatus = "paid"
	StatusOverdue InvoiceStatus = "overdue"
)

// Valid reports whether s is a known status.
func (s InvoiceStatus) Valid() bool {
	switch s {
	case StatusUnpaid, StatusPaid, StatusOverdue:
		return true
	}
	return false
}

// BillingCycle is the recurrence period a charge type's price applies to.
type BillingCycle string

const (
	CycleDay     BillingCycle = "day"
	CycleWeek    BillingCycle = "week"
	CycleMonth   BillingCycle = "month"
	CycleQuarter BillingCycle = "quarter"
	CycleYear    BillingCycle = "year"
)

// Valid reports whether c is a known billing cycle.
func (c BillingCycle) Valid() bool {
	switch c {
	case CycleDay, CycleWeek, CycleMonth, CycleQuarter, CycleYear:
		return true
	}
	return false
}

// LinkTo selects which owner attribute determines billable quantity.
type LinkTo string

const (
	LinkArea     LinkTo = "area"
	LinkVehicles LinkTo = "vehicles"
	LinkNone     LinkTo = "none"
)

// Valid reports whether l is a recognised discriminator.
func (l LinkTo) Valid() bool {
	switch l {
	case LinkArea, LinkVehicles, LinkNone:
		return true
	}
	return false
}

// DefaultPaymentMethod is recorded when a payment carries no method.
const DefaultPaymentMethod = "online"

// Vehicle is one entry of an owner's vehicle list.
type Vehicle struct {
	Plate string `json:"plate" validate:"required,max=20"`
	Model string `json:"model,omitempty" validate:"max=60"`
}

// Owner is a resident/unit record.
type Owner struct {
	ID           int64            `json:"id"`
	Name         string           `json:"name"`
	Phone        string           `json:"phone,omitempty"`
	Email        string           `json:"email,omitempty"`
	Unit         string           `json:"unit,omitempty"`
	Area         *decimal.Decimal `json:"area,omitempty"`
	UnitType     string           `json:"unit_type,omitempty"`
	Vehicles     []Vehicle        `json:"vehicles"`
	VehicleCount int              `json:"vehicle_count"`
	ParkingSpots []string         `json:"parking_spots"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// ChargeType is a billable item definition.
type ChargeType struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Cycle       BillingCycle    `json:"cycle"`
	Price       decimal.Decimal `json:"price"`
	LinkTo      LinkTo          `json:"link_to"`
	Description string          `json:"description,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Invoice is one billing obligation for one owner under one charge type for one cycle.
type Invoice struct {
	ID           int64           `json:"id"`
	OwnerID      int64           `json:"owner_id"`
	ChargeTypeID *int64          `json:"charge_type_id,omitempty"`
	Cycle        BillingCycle    `json:"cycle"`
	Quantity     decimal.Decimal `json:"quantity"`
	UnitPrice    decimal.Decimal `json:"unit_price"`
	Amount       decimal.Decimal `json:"amount"`
	UnpaidAmount decimal.Decimal `json:"unpaid_amount"`
	DueDate      time.Time       `json:"due_date"`
	Status       InvoiceStatus   `json:"status"`
	Description  string          `json:"description,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// OutstandingBalance returns the cached unpaid amount.
func (inv Invoice) OutstandingBalance() decimal.Decimal {
	return inv.UnpaidAmount
}

// Payment is one immutable payment event.
type Payment struct {
	ID             int64           `json:"id"`
	OwnerID        int64           `json:"owner_id"`
	InvoiceID      *int64          `json:"invoice_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Method         string          `json:"method"`
	PaidAt         time.Time       `json:"paid_at"`
	Note           string          `json:"note,omitempty"`
	Reference      string          `json:"reference"`
	IdempotencyKey string          `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
}

// InvoiceDetail bundles an invoice with its payment history.
type InvoiceDetail struct {
	Invoice
	Payments    []Payment       `json:"payments"`
	PaidTotal   decimal.Decimal `json:"paid_total"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

// OwnerStatement is the owner detail view: invoices and payments of one owner.
type OwnerStatement struct {
	Owner       Owner           `json:"owner"`
	Invoices    []Invoice       `json:"invoices"`
	Payments    []Payment       `json:"payments"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

// Summary feeds the dashboard counters.
type Summary struct {
	Owners          int64           `json:"owners"`
	UnpaidInvoices  int64           `json:"unpaid_invoices"`
	OverdueInvoices int64           `json:"overdue_invoices"`
	Outstanding     decimal.Decimal `json:"outstanding"`
}

// InvoiceBalance pairs the cached balance of an invoice with its payment history total.
type InvoiceBalance struct {
	InvoiceID    int64           `json:"invoice_id"`
	Amount       decimal.Decimal `json:"amount"`
	UnpaidAmount decimal.Decimal `json:"unpaid_amount"`
	Status       InvoiceStatus   `json:"status"`
	PaidTotal    decimal.Decimal `json:"paid_total"`
}

// BalanceDrift reports an invoice whose cached state disagrees with its payment history.
type BalanceDrift struct {
	InvoiceBalance
	ExpectedUnpaid decimal.Decimal `json:"expected_unpaid"`
	ExpectedStatus InvoiceStatus   `json:"expected_status"`
}
