package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/EastsCloud/property-management/internal/platform/db"
)

const (
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"
	sqliteDateLayout = "2006-01-02"
)

// SQLiteRepository persists the ledger in a single SQLite file.
// Money and dates are stored as canonical text; aggregates are computed with decimal arithmetic.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository wraps conn and applies the schema.
func NewSQLiteRepository(ctx context.Context, conn *sql.DB) (*SQLiteRepository, error) {
	r := &SQLiteRepository{db: conn}
	if err := r.Migrate(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Migrate applies the ledger schema.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	ddl, err := Schema("sqlite")
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("billing: migrate sqlite: %w", err)
	}
	return nil
}

// Reset drops every ledger table and applies the schema again.
func (r *SQLiteRepository) Reset(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, dropSchema); err != nil {
		return fmt.Errorf("billing: drop sqlite schema: %w", err)
	}
	return r.Migrate(ctx)
}

// Ping checks the connection.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// sqlExecutor is satisfied by *sql.DB and *sql.Tx.
type sqlExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlRow interface {
	Scan(dest ...any) error
}

func (r *SQLiteRepository) CreateOwner(ctx context.Context, owner Owner) (*Owner, error) {
	vehicles, spots, err := encodeOwnerLists(owner)
	if err != nil {
		return nil, err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO owners (name, phone, email, unit, area, unit_type, vehicles, vehicle_count, parking_spots, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		owner.Name, owner.Phone, owner.Email, owner.Unit, nullDecimal(owner.Area), owner.UnitType,
		string(vehicles), owner.VehicleCount, string(spots), formatTime(owner.CreatedAt), formatTime(owner.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("billing: create owner: %w", err)
	}
	if owner.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("billing: create owner: %w", err)
	}
	return &owner, nil
}

func (r *SQLiteRepository) UpdateOwner(ctx context.Context, owner Owner) error {
	vehicles, spots, err := encodeOwnerLists(owner)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE owners SET name=?, phone=?, email=?, unit=?, area=?, unit_type=?,
			vehicles=?, vehicle_count=?, parking_spots=?, updated_at=?
		WHERE id=?`,
		owner.Name, owner.Phone, owner.Email, owner.Unit, nullDecimal(owner.Area), owner.UnitType,
		string(vehicles), owner.VehicleCount, string(spots), formatTime(owner.UpdatedAt), owner.ID,
	)
	if err != nil {
		return fmt.Errorf("billing: update owner: %w", err)
	}
	return requireAffected(res)
}

func (r *SQLiteRepository) GetOwner(ctx context.Context, id int64) (*Owner, error) {
	owner, err := scanSQLiteOwner(r.db.QueryRowContext(ctx, `SELECT `+ownerColumns+` FROM owners WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("billing: get owner: %w", err)
	}
	return owner, nil
}

func (r *SQLiteRepository) ListOwners(ctx context.Context, filter OwnerFilter) ([]Owner, error) {
	query := `SELECT ` + ownerColumns + ` FROM owners`
	args := []any{}
	if filter.Search != "" {
		// LIKE is case-insensitive for ASCII in SQLite.
		query += ` WHERE name LIKE ? ESCAPE '\' OR phone LIKE ? ESCAPE '\' OR unit LIKE ? ESCAPE '\'`
		pattern := containsPattern(filter.Search)
		args = append(args, pattern, pattern, pattern)
	}
	query += ` ORDER BY id DESC`
	query, args = appendSQLitePage(query, args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("billing: list owners: %w", err)
	}
	defer rows.Close()

	owners := []Owner{}
	for rows.Next() {
		owner, err := scanSQLiteOwner(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: scan owner: %w", err)
		}
		owners = append(owners, *owner)
	}
	return owners, rows.Err()
}

func (r *SQLiteRepository) DeleteOwner(ctx context.Context, id int64) (bool, error) {
	var blocked bool
	err := db.WithSQLTx(ctx, r.db, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM owners WHERE id = ?)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM invoices WHERE owner_id = ?)
				OR EXISTS(SELECT 1 FROM payments WHERE owner_id = ?)`, id, id).Scan(&blocked)
		if err != nil || blocked {
			return err
		}
		_, err = tx.ExecContext(ctx, `DELETE FROM owners WHERE id = ?`, id)
		return err
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, fmt.Errorf("billing: delete owner: %w", err)
	}
	return blocked, err
}

func (r *SQLiteRepository) CreateChargeType(ctx context.Context, ct ChargeType) (*ChargeType, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO charge_types (name, cycle, price, link_to, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ct.Name, string(ct.Cycle), ct.Price, string(ct.LinkTo), ct.Description, formatTime(ct.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("billing: create charge type: %w", err)
	}
	if ct.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("billing: create charge type: %w", err)
	}
	return &ct, nil
}

func (r *SQLiteRepository) GetChargeType(ctx context.Context, id int64) (*ChargeType, error) {
	ct, err := scanSQLiteChargeType(r.db.QueryRowContext(ctx, `SELECT `+chargeTypeColumns+` FROM charge_types WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("billing: get charge type: %w", err)
	}
	return ct, nil
}

func (r *SQLiteRepository) ListChargeTypes(ctx context.Context) ([]ChargeType, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+chargeTypeColumns+` FROM charge_types ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("billing: list charge types: %w", err)
	}
	defer rows.Close()
	types := []ChargeType{}
	for rows.Next() {
		ct, err := scanSQLiteChargeType(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: scan charge type: %w", err)
		}
		types = append(types, *ct)
	}
	return types, rows.Err()
}

func (r *SQLiteRepository) CreateInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO invoices (owner_id, charge_type_id, cycle, quantity, unit_price, amount, unpaid_amount, due_date, status, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inv.OwnerID, nullInt64(inv.ChargeTypeID), string(inv.Cycle), inv.Quantity, inv.UnitPrice, inv.Amount, inv.UnpaidAmount,
		inv.DueDate.Format(sqliteDateLayout), string(inv.Status), inv.Description, formatTime(inv.CreatedAt), formatTime(inv.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("billing: create invoice: %w", err)
	}
	if inv.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("billing: create invoice: %w", err)
	}
	return &inv, nil
}

func (r *SQLiteRepository) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	return getSQLiteInvoice(ctx, r.db, id)
}

func (r *SQLiteRepository) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.OwnerID > 0 {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	query := `SELECT ` + invoiceColumns + ` FROM invoices`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY due_date ASC, id ASC`
	query, args = appendSQLitePage(query, args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("billing: list invoices: %w", err)
	}
	defer rows.Close()

	invoices := []Invoice{}
	for rows.Next() {
		inv, err := scanSQLiteInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: scan invoice: %w", err)
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

func (r *SQLiteRepository) MarkOverdue(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE invoices SET status = ?, updated_at = ?
		WHERE status = ? AND CAST(unpaid_amount AS REAL) > 0 AND due_date < ?`,
		string(StatusOverdue), formatTime(time.Now()), string(StatusUnpaid), cutoff.Format(sqliteDateLayout))
	if err != nil {
		return 0, fmt.Errorf("billing: mark overdue: %w", err)
	}
	return res.RowsAffected()
}

func (r *SQLiteRepository) ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error) {
	var (
		where []string
		args  []any
	)
	if filter.OwnerID > 0 {
		where = append(where, "owner_id = ?")
		args = append(args, filter.OwnerID)
	}
	if filter.InvoiceID > 0 {
		where = append(where, "invoice_id = ?")
		args = append(args, filter.InvoiceID)
	}
	query := `SELECT ` + paymentColumns + ` FROM payments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY paid_at DESC, id DESC`
	query, args = appendSQLitePage(query, args, filter.Limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("billing: list payments: %w", err)
	}
	defer rows.Close()

	payments := []Payment{}
	for rows.Next() {
		p, err := scanSQLitePayment(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

func (r *SQLiteRepository) GetPaymentByKey(ctx context.Context, key string) (*Payment, error) {
	p, err := scanSQLitePayment(r.db.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("billing: get payment by key: %w", err)
	}
	return p, nil
}

func (r *SQLiteRepository) SumInvoicePayments(ctx context.Context, invoiceID int64) (decimal.Decimal, error) {
	return sumSQLiteInvoicePayments(ctx, r.db, invoiceID)
}

func (r *SQLiteRepository) Summary(ctx context.Context) (Summary, error) {
	var s Summary
	err := r.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM owners),
			(SELECT COUNT(*) FROM invoices WHERE status <> ?),
			(SELECT COUNT(*) FROM invoices WHERE status = ?)`,
		string(StatusPaid), string(StatusOverdue),
	).Scan(&s.Owners, &s.UnpaidInvoices, &s.OverdueInvoices)
	if err != nil {
		return Summary{}, fmt.Errorf("billing: summary: %w", err)
	}

	unpaid, err := queryDecimals(ctx, r.db, `SELECT unpaid_amount FROM invoices WHERE status <> ?`, string(StatusPaid))
	if err != nil {
		return Summary{}, fmt.Errorf("billing: summary: %w", err)
	}
	s.Outstanding = decimal.Sum(decimal.Zero, unpaid...)
	return s, nil
}

func (r *SQLiteRepository) ListInvoiceBalances(ctx context.Context) ([]InvoiceBalance, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, amount, unpaid_amount, status FROM invoices ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("billing: list invoice balances: %w", err)
	}
	balances := []InvoiceBalance{}
	for rows.Next() {
		var b InvoiceBalance
		if err := rows.Scan(&b.InvoiceID, &b.Amount, &b.UnpaidAmount, &b.Status); err != nil {
			rows.Close()
			return nil, fmt.Errorf("billing: scan invoice balance: %w", err)
		}
		balances = append(balances, b)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// The pool holds one connection, so payments are read after the invoice cursor is closed.
	paid, err := r.paidTotals(ctx)
	if err != nil {
		return nil, err
	}
	for i := range balances {
		balances[i].PaidTotal = paid[balances[i].InvoiceID]
	}
	return balances, nil
}

func (r *SQLiteRepository) paidTotals(ctx context.Context) (map[int64]decimal.Decimal, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT invoice_id, amount FROM payments WHERE invoice_id IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("billing: paid totals: %w", err)
	}
	defer rows.Close()

	type line struct {
		invoiceID int64
		amount    decimal.Decimal
	}
	var lines []line
	for rows.Next() {
		var l line
		if err := rows.Scan(&l.invoiceID, &l.amount); err != nil {
			return nil, fmt.Errorf("billing: scan payment amount: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	grouped := lo.GroupBy(lines, func(l line) int64 { return l.invoiceID })
	return lo.MapValues(grouped, func(ls []line, _ int64) decimal.Decimal {
		return lo.Reduce(ls, func(acc decimal.Decimal, l line, _ int) decimal.Decimal {
			return acc.Add(l.amount)
		}, decimal.Zero)
	}), nil
}

type sqliteTxRepo struct {
	tx *sql.Tx
}

// WithTx runs fn inside an IMMEDIATE transaction; SQLite serializes writers.
func (r *SQLiteRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithSQLTx(ctx, r.db, func(tx *sql.Tx) error {
		return fn(ctx, &sqliteTxRepo{tx: tx})
	})
}

// LockInvoice reads the invoice; the write lock is already held by the IMMEDIATE transaction.
func (t *sqliteTxRepo) LockInvoice(ctx context.Context, id int64) (*Invoice, error) {
	return getSQLiteInvoice(ctx, t.tx, id)
}

func (t *sqliteTxRepo) CreatePayment(ctx context.Context, p Payment) (*Payment, error) {
	var key sql.NullString
	if p.IdempotencyKey != "" {
		key = sql.NullString{String: p.IdempotencyKey, Valid: true}
	}
	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO payments (owner_id, invoice_id, amount, method, paid_at, note, reference, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.OwnerID, nullInt64(p.InvoiceID), p.Amount, p.Method, formatTime(p.PaidAt), p.Note, p.Reference, key, formatTime(p.CreatedAt),
	)
	if db.IsSQLiteUniqueViolation(err) {
		return nil, fmt.Errorf("billing: create payment: %w", ErrDuplicateKey)
	}
	if err != nil {
		return nil, fmt.Errorf("billing: create payment: %w", err)
	}
	if p.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("billing: create payment: %w", err)
	}
	return &p, nil
}

func (t *sqliteTxRepo) SumInvoicePayments(ctx context.Context, invoiceID int64) (decimal.Decimal, error) {
	return sumSQLiteInvoicePayments(ctx, t.tx, invoiceID)
}

func (t *sqliteTxRepo) UpdateInvoiceBalance(ctx context.Context, id int64, unpaid decimal.Decimal, status InvoiceStatus) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE invoices SET unpaid_amount = ?, status = ?, updated_at = ? WHERE id = ?`,
		unpaid, string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("billing: update invoice balance: %w", err)
	}
	return requireAffected(res)
}

func getSQLiteInvoice(ctx context.Context, q sqlExecutor, id int64) (*Invoice, error) {
	inv, err := scanSQLiteInvoice(q.QueryRowContext(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("billing: get invoice: %w", err)
	}
	return inv, nil
}

func sumSQLiteInvoicePayments(ctx context.Context, q sqlExecutor, invoiceID int64) (decimal.Decimal, error) {
	amounts, err := queryDecimals(ctx, q, `SELECT amount FROM payments WHERE invoice_id = ?`, invoiceID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("billing: sum invoice payments: %w", err)
	}
	return decimal.Sum(decimal.Zero, amounts...), nil
}

func queryDecimals(ctx context.Context, q sqlExecutor, query string, args ...any) ([]decimal.Decimal, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var values []decimal.Decimal
	for rows.Next() {
		var d decimal.Decimal
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		values = append(values, d)
	}
	return values, rows.Err()
}

func scanSQLiteOwner(row sqlRow) (*Owner, error) {
	var (
		owner                Owner
		area                 decimal.NullDecimal
		vehicles, spots      string
		createdAt, updatedAt string
	)
	err := row.Scan(&owner.ID, &owner.Name, &owner.Phone, &owner.Email, &owner.Unit, &area, &owner.UnitType,
		&vehicles, &owner.VehicleCount, &spots, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if area.Valid {
		owner.Area = &area.Decimal
	}
	if err := decodeOwnerLists(&owner, []byte(vehicles), []byte(spots)); err != nil {
		return nil, err
	}
	if owner.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if owner.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &owner, nil
}

func scanSQLiteChargeType(row sqlRow) (*ChargeType, error) {
	var (
		ct        ChargeType
		cycle     string
		linkTo    string
		createdAt string
	)
	if err := row.Scan(&ct.ID, &ct.Name, &cycle, &ct.Price, &linkTo, &ct.Description, &createdAt); err != nil {
		return nil, err
	}
	ct.Cycle = BillingCycle(cycle)
	ct.LinkTo = LinkTo(linkTo)
	var err error
	if ct.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &ct, nil
}

func scanSQLiteInvoice(row sqlRow) (*Invoice, error) {
	var (
		inv                  Invoice
		chargeTypeID         sql.NullInt64
		cycle, status        string
		dueDate              string
		createdAt, updatedAt string
	)
	err := row.Scan(&inv.ID, &inv.OwnerID, &chargeTypeID, &cycle, &inv.Quantity, &inv.UnitPrice, &inv.Amount,
		&inv.UnpaidAmount, &dueDate, &status, &inv.Description, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if chargeTypeID.Valid {
		inv.ChargeTypeID = &chargeTypeID.Int64
	}
	inv.Cycle = BillingCycle(cycle)
	inv.Status = InvoiceStatus(status)
	if inv.DueDate, err = time.Parse(sqliteDateLayout, dueDate); err != nil {
		return nil, fmt.Errorf("parse due date: %w", err)
	}
	if inv.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if inv.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &inv, nil
}

func scanSQLitePayment(row sqlRow) (*Payment, error) {
	var (
		p                 Payment
		invoiceID         sql.NullInt64
		key               sql.NullString
		paidAt, createdAt string
	)
	err := row.Scan(&p.ID, &p.OwnerID, &invoiceID, &p.Amount, &p.Method, &paidAt, &p.Note, &p.Reference, &key, &createdAt)
	if err != nil {
		return nil, err
	}
	if invoiceID.Valid {
		p.InvoiceID = &invoiceID.Int64
	}
	p.IdempotencyKey = key.String
	if p.PaidAt, err = parseTime(paidAt); err != nil {
		return nil, err
	}
	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &p, nil
}

func appendSQLitePage(query string, args []any, limit, offset int) (string, []any) {
	if limit <= 0 && offset <= 0 {
		return query, args
	}
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	return query, append(args, limit, offset)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

// formatTime renders t in UTC with fixed precision so text ordering matches time ordering.
func formatTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseTime(raw string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return t, nil
}
