package billing

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// memoryRepo is an in-process Repository used by the service and handler tests.
type memoryRepo struct {
	mu sync.Mutex
	memoryState

	failCreatePayment error
}

type memoryState struct {
	owners      map[int64]Owner
	chargeTypes map[int64]ChargeType
	invoices    map[int64]Invoice
	payments    map[int64]Payment
	nextID      int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{memoryState: memoryState{
		owners:      make(map[int64]Owner),
		chargeTypes: make(map[int64]ChargeType),
		invoices:    make(map[int64]Invoice),
		payments:    make(map[int64]Payment),
	}}
}

func (s memoryState) clone() memoryState {
	c := memoryState{
		owners:      make(map[int64]Owner, len(s.owners)),
		chargeTypes: make(map[int64]ChargeType, len(s.chargeTypes)),
		invoices:    make(map[int64]Invoice, len(s.invoices)),
		payments:    make(map[int64]Payment, len(s.payments)),
		nextID:      s.nextID,
	}
	for k, v := range s.owners {
		c.owners[k] = v
	}
	for k, v := range s.chargeTypes {
		c.chargeTypes[k] = v
	}
	for k, v := range s.invoices {
		c.invoices[k] = v
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	return c
}

func (r *memoryRepo) id() int64 {
	r.nextID++
	return r.nextID
}

func (r *memoryRepo) CreateOwner(_ context.Context, owner Owner) (*Owner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner.ID = r.id()
	r.owners[owner.ID] = owner
	return &owner, nil
}

func (r *memoryRepo) UpdateOwner(_ context.Context, owner Owner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[owner.ID]; !ok {
		return ErrNotFound
	}
	r.owners[owner.ID] = owner
	return nil
}

func (r *memoryRepo) GetOwner(_ context.Context, id int64) (*Owner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &owner, nil
}

func (r *memoryRepo) ListOwners(_ context.Context, filter OwnerFilter) ([]Owner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	needle := strings.ToLower(filter.Search)
	out := []Owner{}
	for _, o := range r.owners {
		hay := strings.ToLower(o.Name + "\x00" + o.Phone + "\x00" + o.Unit)
		if needle == "" || strings.Contains(hay, needle) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return page(out, filter.Limit, filter.Offset), nil
}

func (r *memoryRepo) DeleteOwner(_ context.Context, id int64) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[id]; !ok {
		return false, ErrNotFound
	}
	for _, inv := range r.invoices {
		if inv.OwnerID == id {
			return true, nil
		}
	}
	for _, p := range r.payments {
		if p.OwnerID == id {
			return true, nil
		}
	}
	delete(r.owners, id)
	return false, nil
}

func (r *memoryRepo) CreateChargeType(_ context.Context, ct ChargeType) (*ChargeType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ct.ID = r.id()
	r.chargeTypes[ct.ID] = ct
	return &ct, nil
}

func (r *memoryRepo) GetChargeType(_ context.Context, id int64) (*ChargeType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ct, ok := r.chargeTypes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &ct, nil
}

func (r *memoryRepo) ListChargeTypes(context.Context) ([]ChargeType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []ChargeType{}
	for _, ct := range r.chargeTypes {
		out = append(out, ct)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *memoryRepo) CreateInvoice(_ context.Context, inv Invoice) (*Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv.ID = r.id()
	r.invoices[inv.ID] = inv
	return &inv, nil
}

func (r *memoryRepo) GetInvoice(_ context.Context, id int64) (*Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv, ok := r.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &inv, nil
}

func (r *memoryRepo) ListInvoices(_ context.Context, filter InvoiceFilter) ([]Invoice, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Invoice{}
	for _, inv := range r.invoices {
		if filter.Status != "" && inv.Status != filter.Status {
			continue
		}
		if filter.OwnerID > 0 && inv.OwnerID != filter.OwnerID {
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return page(out, filter.Limit, filter.Offset), nil
}

func (r *memoryRepo) MarkOverdue(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, inv := range r.invoices {
		if inv.Status == StatusUnpaid && inv.UnpaidAmount.IsPositive() && inv.DueDate.Before(cutoff) {
			inv.Status = StatusOverdue
			r.invoices[id] = inv
			n++
		}
	}
	return n, nil
}

func (r *memoryRepo) ListPayments(_ context.Context, filter PaymentFilter) ([]Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Payment{}
	for _, p := range r.payments {
		if filter.OwnerID > 0 && p.OwnerID != filter.OwnerID {
			continue
		}
		if filter.InvoiceID > 0 && (p.InvoiceID == nil || *p.InvoiceID != filter.InvoiceID) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PaidAt.Equal(out[j].PaidAt) {
			return out[i].PaidAt.After(out[j].PaidAt)
		}
		return out[i].ID > out[j].ID
	})
	return page(out, filter.Limit, filter.Offset), nil
}

func (r *memoryRepo) GetPaymentByKey(_ context.Context, key string) (*Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.payments {
		if p.IdempotencyKey == key {
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryRepo) SumInvoicePayments(_ context.Context, invoiceID int64) (decimal.Decimal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sum(invoiceID), nil
}

func (s memoryState) sum(invoiceID int64) decimal.Decimal {
	total := decimal.Zero
	for _, p := range s.payments {
		if p.InvoiceID != nil && *p.InvoiceID == invoiceID {
			total = total.Add(p.Amount)
		}
	}
	return total
}

func (r *memoryRepo) Summary(context.Context) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := Summary{Owners: int64(len(r.owners)), Outstanding: decimal.Zero}
	for _, inv := range r.invoices {
		if inv.Status != StatusPaid {
			s.UnpaidInvoices++
			s.Outstanding = s.Outstanding.Add(inv.UnpaidAmount)
		}
		if inv.Status == StatusOverdue {
			s.OverdueInvoices++
		}
	}
	return s, nil
}

func (r *memoryRepo) ListInvoiceBalances(context.Context) ([]InvoiceBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []InvoiceBalance{}
	for _, inv := range r.invoices {
		out = append(out, InvoiceBalance{
			InvoiceID:    inv.ID,
			Amount:       inv.Amount,
			UnpaidAmount: inv.UnpaidAmount,
			Status:       inv.Status,
			PaidTotal:    r.sum(inv.ID),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InvoiceID < out[j].InvoiceID })
	return out, nil
}

// WithTx serializes transactions and restores the previous state when fn fails.
func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	snapshot := r.memoryState.clone()
	if err := fn(ctx, memoryTx{r}); err != nil {
		r.memoryState = snapshot
		return err
	}
	return nil
}

// corrupt overwrites a cached balance without touching payments.
func (r *memoryRepo) corrupt(id int64, unpaid decimal.Decimal, status InvoiceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inv := r.invoices[id]
	inv.UnpaidAmount = unpaid
	inv.Status = status
	r.invoices[id] = inv
}

func (r *memoryRepo) paymentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payments)
}

// memoryTx runs with memoryRepo.mu held.
type memoryTx struct {
	r *memoryRepo
}

func (t memoryTx) LockInvoice(_ context.Context, id int64) (*Invoice, error) {
	inv, ok := t.r.invoices[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &inv, nil
}

func (t memoryTx) CreatePayment(_ context.Context, p Payment) (*Payment, error) {
	if t.r.failCreatePayment != nil {
		return nil, t.r.failCreatePayment
	}
	if p.IdempotencyKey != "" {
		for _, existing := range t.r.payments {
			if existing.IdempotencyKey == p.IdempotencyKey {
				return nil, ErrDuplicateKey
			}
		}
	}
	p.ID = t.r.id()
	t.r.payments[p.ID] = p
	return &p, nil
}

func (t memoryTx) SumInvoicePayments(_ context.Context, invoiceID int64) (decimal.Decimal, error) {
	return t.r.sum(invoiceID), nil
}

func (t memoryTx) UpdateInvoiceBalance(_ context.Context, id int64, unpaid decimal.Decimal, status InvoiceStatus) error {
	inv, ok := t.r.invoices[id]
	if !ok {
		return ErrNotFound
	}
	inv.UnpaidAmount = unpaid
	inv.Status = status
	t.r.invoices[id] = inv
	return nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
