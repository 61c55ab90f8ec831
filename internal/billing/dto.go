package billing

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// CreateInvoiceRequest is the JSON body of POST /invoices.
type CreateInvoiceRequest struct {
	OwnerID      int64            `json:"owner_id" validate:"required,gt=0"`
	ChargeTypeID int64            `json:"charge_type_id" validate:"required,gt=0"`
	Cycle        BillingCycle     `json:"cycle" validate:"omitempty,oneof=day week month quarter year"`
	DueDate      string           `json:"due_date" validate:"required,datetime=2006-01-02"`
	Price        *decimal.Decimal `json:"price"`
	Description  string           `json:"description" validate:"max=255"`
}

func (req CreateInvoiceRequest) toInput() (CreateInvoiceInput, error) {
	due, err := time.Parse(dateLayout, strings.TrimSpace(req.DueDate))
	if err != nil {
		return CreateInvoiceInput{}, invalid("due_date", "due date must be YYYY-MM-DD")
	}
	return CreateInvoiceInput{
		OwnerID:      req.OwnerID,
		ChargeTypeID: req.ChargeTypeID,
		Cycle:        req.Cycle,
		DueDate:      due,
		Price:        req.Price,
		Description:  req.Description,
	}, nil
}

// RecordPaymentRequest is the JSON body of POST /payments.
type RecordPaymentRequest struct {
	OwnerID   int64           `json:"owner_id" validate:"required,gt=0"`
	InvoiceID int64           `json:"invoice_id" validate:"gte=0"`
	Amount    decimal.Decimal `json:"amount"`
	Method    string          `json:"method" validate:"max=50"`
	Note      string          `json:"note" validate:"max=255"`
	PaidAt    *time.Time      `json:"paid_at"`
}

func (req RecordPaymentRequest) toInput(idempotencyKey string) RecordPaymentInput {
	input := RecordPaymentInput{
		OwnerID:        req.OwnerID,
		InvoiceID:      req.InvoiceID,
		Amount:         req.Amount,
		Method:         req.Method,
		Note:           req.Note,
		IdempotencyKey: idempotencyKey,
	}
	if req.PaidAt != nil {
		input.PaidAt = req.PaidAt.UTC()
	}
	return input
}

// SweepRequest is the optional JSON body of POST /overdue/sweep.
type SweepRequest struct {
	AsOf string `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
}

// fieldErrors flattens validator output into field -> message pairs.
func fieldErrors(err error) map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fieldPath(fe)] = fieldMessage(fe)
	}
	return fields
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		return ns[i+1:]
	}
	return fe.Field()
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "gt", "gte":
		return "must be greater than " + orEqual(fe.Tag()) + fe.Param()
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "oneof":
		return "must be one of " + fe.Param()
	case "email":
		return "must be a valid email address"
	case "datetime":
		return "must be a date formatted YYYY-MM-DD"
	default:
		return "is invalid"
	}
}

func orEqual(tag string) string {
	if tag == "gte" {
		return "or equal to "
	}
	return ""
}
