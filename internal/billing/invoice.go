package billing

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// InvoiceOptions carries the per-invoice overrides accepted by BuildInvoice.
type InvoiceOptions struct {
	// Cycle overrides the charge type's billing cycle when set.
	Cycle BillingCycle
	// DueDate is required.
	DueDate time.Time
	// Price overrides the charge type's unit price when set.
	Price       *decimal.Decimal
	Description string
}

// Quantity derives the billable quantity for owner under the given discriminator.
// Unrecognised discriminators bill a single unit.
func Quantity(owner Owner, linkTo LinkTo) decimal.Decimal {
	switch linkTo {
	case LinkArea:
		if owner.Area == nil {
			return decimal.Zero
		}
		return *owner.Area
	case LinkVehicles:
		return decimal.NewFromInt(int64(owner.VehicleCount))
	default:
		return decimal.NewFromInt(1)
	}
}

// BuildInvoice computes one billing cycle of ct for owner.
// The returned invoice is not persisted; ID and timestamps are left zero.
func BuildInvoice(owner Owner, ct ChargeType, opts InvoiceOptions) (Invoice, error) {
	if owner.ID <= 0 {
		return Invoice{}, invalid("owner_id", "owner is required")
	}
	if ct.ID <= 0 {
		return Invoice{}, invalid("charge_type_id", "charge type is required")
	}
	if opts.DueDate.IsZero() {
		return Invoice{}, invalid("due_date", "due date is required")
	}

	cycle := ct.Cycle
	if opts.Cycle != "" {
		if !opts.Cycle.Valid() {
			return Invoice{}, invalid("cycle", "unknown billing cycle "+string(opts.Cycle))
		}
		cycle = opts.Cycle
	}
	if cycle == "" {
		cycle = CycleMonth
	}

	price := ct.Price
	if opts.Price != nil {
		price = *opts.Price
	}
	if price.IsNegative() {
		return Invoice{}, invalid("price", "price must not be negative")
	}

	quantity := Quantity(owner, ct.LinkTo)
	amount := price.Mul(quantity)

	chargeTypeID := ct.ID
	inv := Invoice{
		OwnerID:      owner.ID,
		ChargeTypeID: &chargeTypeID,
		Cycle:        cycle,
		Quantity:     quantity,
		UnitPrice:    price,
		Amount:       amount,
		UnpaidAmount: amount,
		DueDate:      truncateDate(opts.DueDate),
		Status:       StatusUnpaid,
		Description:  strings.TrimSpace(opts.Description),
	}
	// An invoice with nothing to pay is settled from the start.
	return Settle(inv, decimal.Zero), nil
}

// Settle applies the full payment history total to inv and returns the result.
// unpaid = max(0, amount - totalPaid); totalPaid >= amount settles the invoice.
// An unsettled invoice keeps its status unless it was marked paid, which is reverted to unpaid.
func Settle(inv Invoice, totalPaid decimal.Decimal) Invoice {
	if !totalPaid.LessThan(inv.Amount) {
		inv.Status = StatusPaid
		inv.UnpaidAmount = decimal.Zero
		return inv
	}
	unpaid := inv.Amount.Sub(totalPaid)
	if unpaid.GreaterThan(inv.Amount) {
		unpaid = inv.Amount
	}
	inv.UnpaidAmount = unpaid
	if inv.Status == StatusPaid {
		inv.Status = StatusUnpaid
	}
	return inv
}

// Drift compares a cached balance against its payment history.
// ok is false when the cache needs repair.
func Drift(b InvoiceBalance) (BalanceDrift, bool) {
	expected := Settle(Invoice{Amount: b.Amount, UnpaidAmount: b.UnpaidAmount, Status: b.Status}, b.PaidTotal)
	drift := BalanceDrift{
		InvoiceBalance: b,
		ExpectedUnpaid: expected.UnpaidAmount,
		ExpectedStatus: expected.Status,
	}
	ok := expected.UnpaidAmount.Equal(b.UnpaidAmount) && expected.Status == b.Status
	return drift, ok
}

func truncateDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
