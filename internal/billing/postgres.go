package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/EastsCloud/property-management/internal/platform/db"
)

// PostgresRepository provides PostgreSQL backed persistence for the ledger.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository constructs a repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Migrate applies the ledger schema.
func (r *PostgresRepository) Migrate(ctx context.Context) error {
	ddl, err := Schema("postgres")
	if err != nil {
		return err
	}
	if _, err := r.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("billing: migrate: %w", err)
	}
	return nil
}

// Reset drops every ledger table and applies the schema again.
func (r *PostgresRepository) Reset(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, dropSchema); err != nil {
		return fmt.Errorf("billing: drop schema: %w", err)
	}
	return r.Migrate(ctx)
}

// Ping checks the pool.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// --- Owner Operations ---

const ownerColumns = `id, name, phone, email, unit, area, unit_type, vehicles, vehicle_count, parking_spots, created_at, updated_at`

// CreateOwner inserts an owner.
func (r *PostgresRepository) CreateOwner(ctx context.Context, owner Owner) (*Owner, error) {
	vehicles, spots, err := encodeOwnerLists(owner)
	if err != nil {
		return nil, err
	}
	err = r.pool.QueryRow(ctx, `
		INSERT INTO owners (name, phone, email, unit, area, unit_type, vehicles, vehicle_count, parking_spots, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id`,
		owner.Name, owner.Phone, owner.Email, owner.Unit, nullDecimal(owner.Area), owner.UnitType,
		vehicles, owner.VehicleCount, spots, owner.CreatedAt, owner.UpdatedAt,
	).Scan(&owner.ID)
	if err != nil {
		return nil, fmt.Errorf("billing: create owner: %w", err)
	}
	return &owner, nil
}

// UpdateOwner overwrites an owner's editable attributes.
func (r *PostgresRepository) UpdateOwner(ctx context.Context, owner Owner) error {
	vehicles, spots, err := encodeOwnerLists(owner)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE owners SET name=$1, phone=$2, email=$3, unit=$4, area=$5, unit_type=$6,
			vehicles=$7, vehicle_count=$8, parking_spots=$9, updated_at=$10
		WHERE id=$11`,
		owner.Name, owner.Phone, owner.Email, owner.Unit, nullDecimal(owner.Area), owner.UnitType,
		vehicles, owner.VehicleCount, spots, owner.UpdatedAt, owner.ID,
	)
	if err != nil {
		return fmt.Errorf("billing: update owner: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetOwner retrieves an owner by ID.
func (r *PostgresRepository) GetOwner(ctx context.Context, id int64) (*Owner, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+ownerColumns+` FROM owners WHERE id = $1`, id)
	owner, err := scanOwner(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("billing: get owner: %w", err)
	}
	return owner, nil
}

// ListOwners returns owners matching the filter, newest first.
func (r *PostgresRepository) ListOwners(ctx context.Context, filter OwnerFilter) ([]Owner, error) {
	query := `SELECT ` + ownerColumns + ` FROM owners WHERE 1=1`
	args := []any{}
	argNum := 1
	if filter.Search != "" {
		query += fmt.Sprintf(` AND (name ILIKE $%d ESCAPE '\' OR phone ILIKE $%d ESCAPE '\' OR unit ILIKE $%d ESCAPE '\')`, argNum, argNum, argNum)
		args = append(args, containsPattern(filter.Search))
		argNum++
	}
	query += " ORDER BY id DESC"
	query, args = appendPage(query, args, argNum, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("billing: list owners: %w", err)
	}
	defer rows.Close()

	owners := []Owner{}
	for rows.Next() {
		owner, err := scanOwner(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: scan owner: %w", err)
		}
		owners = append(owners, *owner)
	}
	return owners, rows.Err()
}

// DeleteOwner deletes an owner without dependents.
func (r *PostgresRepository) DeleteOwner(ctx context.Context, id int64) (bool, error) {
	var blocked bool
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		blocked = false
		var locked int64
		err := tx.QueryRow(ctx, `SELECT id FROM owners WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		err = tx.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM invoices WHERE owner_id = $1)
				OR EXISTS(SELECT 1 FROM payments WHERE owner_id = $1)`, id).Scan(&blocked)
		if err != nil || blocked {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM owners WHERE id = $1`, id)
		return err
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, fmt.Errorf("billing: delete owner: %w", err)
	}
	return blocked, err
}

// --- Charge Type Operations ---

const chargeTypeColumns = `id, name, cycle, price, link_to, description, created_at`

// CreateChargeType inserts a charge type.
func (r *PostgresRepository) CreateChargeType(ctx context.Context, ct ChargeType) (*ChargeType, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO charge_types (name, cycle, price, link_to, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`,
		ct.Name, string(ct.Cycle), ct.Price, string(ct.LinkTo), ct.Description, ct.CreatedAt,
	).Scan(&ct.ID)
	if err != nil {
		return nil, fmt.Errorf("billing: create charge type: %w", err)
	}
	return &ct, nil
}

// GetChargeType retrieves a charge type by ID.
func (r *PostgresRepository) GetChargeType(ctx context.Context, id int64) (*ChargeType, error) {
	var ct ChargeType
	err := r.pool.QueryRow(ctx, `SELECT `+chargeTypeColumns+` FROM charge_types WHERE id = $1`, id).
		Scan(&ct.ID, &ct.Name, &ct.Cycle, &ct.Price, &ct.LinkTo, &ct.Description, &ct.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("billing: get charge type: %w", err)
	}
	return &ct, nil
}

// ListChargeTypes returns all charge types, newest first.
func (r *PostgresRepository) ListChargeTypes(ctx context.Context) ([]ChargeType, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+chargeTypeColumns+` FROM charge_types ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("billing: list charge types: %w", err)
	}
	defer rows.Close()
	types := []ChargeType{}
	for rows.Next() {
		var ct ChargeType
		if err := rows.Scan(&ct.ID, &ct.Name, &ct.Cycle, &ct.Price, &ct.LinkTo, &ct.Description, &ct.CreatedAt); err != nil {
			return nil, fmt.Errorf("billing: scan charge type: %w", err)
		}
		types = append(types, ct)
	}
	return types, rows.Err()
}

// --- Invoice Operations ---

const invoiceColumns = `id, owner_id, charge_type_id, cycle, quantity, unit_price, amount, unpaid_amount, due_date, status, description, created_at, updated_at`

// CreateInvoice inserts an invoice.
func (r *PostgresRepository) CreateInvoice(ctx context.Context, inv Invoice) (*Invoice, error) {
	var chargeTypeID pgtype.Int8
	if inv.ChargeTypeID != nil {
		chargeTypeID = pgtype.Int8{Int64: *inv.ChargeTypeID, Valid: true}
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO invoices (owner_id, charge_type_id, cycle, quantity, unit_price, amount, unpaid_amount, due_date, status, description, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		inv.OwnerID, chargeTypeID, string(inv.Cycle), inv.Quantity, inv.UnitPrice, inv.Amount, inv.UnpaidAmount,
		inv.DueDate, string(inv.Status), inv.Description, inv.CreatedAt, inv.UpdatedAt,
	).Scan(&inv.ID)
	if err != nil {
		return nil, fmt.Errorf("billing: create invoice: %w", err)
	}
	return &inv, nil
}

// GetInvoice retrieves an invoice by ID.
func (r *PostgresRepository) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	return getInvoice(ctx, r.pool, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)
}

// ListInvoices returns invoices with optional filtering, ordered by due date.
func (r *PostgresRepository) ListInvoices(ctx context.Context, filter InvoiceFilter) ([]Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE 1=1`
	args := []any{}
	argNum := 1
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, string(filter.Status))
		argNum++
	}
	if filter.OwnerID > 0 {
		query += fmt.Sprintf(" AND owner_id = $%d", argNum)
		args = append(args, filter.OwnerID)
		argNum++
	}
	query += " ORDER BY due_date ASC, id ASC"
	query, args = appendPage(query, args, argNum, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("billing: list invoices: %w", err)
	}
	defer rows.Close()

	invoices := []Invoice{}
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: scan invoice: %w", err)
		}
		invoices = append(invoices, *inv)
	}
	return invoices, rows.Err()
}

// MarkOverdue flips unpaid invoices due before cutoff.
func (r *PostgresRepository) MarkOverdue(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE invoices SET status = $1, updated_at = NOW()
		WHERE status = $2 AND unpaid_amount > 0 AND due_date < $3`,
		string(StatusOverdue), string(StatusUnpaid), cutoff)
	if err != nil {
		return 0, fmt.Errorf("billing: mark overdue: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Payment Operations ---

const paymentColumns = `id, owner_id, invoice_id, amount, method, paid_at, note, reference, idempotency_key, created_at`

// ListPayments returns payments, newest first.
func (r *PostgresRepository) ListPayments(ctx context.Context, filter PaymentFilter) ([]Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE 1=1`
	args := []any{}
	argNum := 1
	if filter.OwnerID > 0 {
		query += fmt.Sprintf(" AND owner_id = $%d", argNum)
		args = append(args, filter.OwnerID)
		argNum++
	}
	if filter.InvoiceID > 0 {
		query += fmt.Sprintf(" AND invoice_id = $%d", argNum)
		args = append(args, filter.InvoiceID)
		argNum++
	}
	query += " ORDER BY paid_at DESC, id DESC"
	query, args = appendPage(query, args, argNum, filter.Limit, filter.Offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("billing: list payments: %w", err)
	}
	defer rows.Close()

	payments := []Payment{}
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("billing: scan payment: %w", err)
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// GetPaymentByKey finds the payment recorded under an idempotency key.
func (r *PostgresRepository) GetPaymentByKey(ctx context.Context, key string) (*Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("billing: get payment by key: %w", err)
	}
	return p, nil
}

// SumInvoicePayments totals every payment referencing the invoice.
func (r *PostgresRepository) SumInvoicePayments(ctx context.Context, invoiceID int64) (decimal.Decimal, error) {
	return sumInvoicePayments(ctx, r.pool, invoiceID)
}

// --- Reporting ---

// Summary aggregates the dashboard counters in one round trip.
func (r *PostgresRepository) Summary(ctx context.Context) (Summary, error) {
	var s Summary
	err := r.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM owners),
			(SELECT COUNT(*) FROM invoices WHERE status <> $1),
			(SELECT COUNT(*) FROM invoices WHERE status = $2),
			(SELECT COALESCE(SUM(unpaid_amount), 0) FROM invoices WHERE status <> $1)`,
		string(StatusPaid), string(StatusOverdue),
	).Scan(&s.Owners, &s.UnpaidInvoices, &s.OverdueInvoices, &s.Outstanding)
	if err != nil {
		return Summary{}, fmt.Errorf("billing: summary: %w", err)
	}
	return s, nil
}

// ListInvoiceBalances pairs each invoice's cached balance with its payment total.
func (r *PostgresRepository) ListInvoiceBalances(ctx context.Context) ([]InvoiceBalance, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT i.id, i.amount, i.unpaid_amount, i.status, COALESCE(SUM(p.amount), 0)
		FROM invoices i
		LEFT JOIN payments p ON p.invoice_id = i.id
		GROUP BY i.id
		ORDER BY i.id`)
	if err != nil {
		return nil, fmt.Errorf("billing: list invoice balances: %w", err)
	}
	defer rows.Close()
	balances := []InvoiceBalance{}
	for rows.Next() {
		var b InvoiceBalance
		if err := rows.Scan(&b.InvoiceID, &b.Amount, &b.UnpaidAmount, &b.Status, &b.PaidTotal); err != nil {
			return nil, fmt.Errorf("billing: scan invoice balance: %w", err)
		}
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

// --- Transactions ---

type pgTxRepo struct {
	tx pgx.Tx
}

// WithTx wraps callback in a repeatable-read transaction, retried on serialization failures.
func (r *PostgresRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &pgTxRepo{tx: tx})
	})
}

func (t *pgTxRepo) LockInvoice(ctx context.Context, id int64) (*Invoice, error) {
	return getInvoice(ctx, t.tx, `SELECT `+invoiceColumns+` FROM invoices WHERE id = $1 FOR UPDATE`, id)
}

func (t *pgTxRepo) CreatePayment(ctx context.Context, p Payment) (*Payment, error) {
	var invoiceID pgtype.Int8
	if p.InvoiceID != nil {
		invoiceID = pgtype.Int8{Int64: *p.InvoiceID, Valid: true}
	}
	var key pgtype.Text
	if p.IdempotencyKey != "" {
		key = pgtype.Text{String: p.IdempotencyKey, Valid: true}
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO payments (owner_id, invoice_id, amount, method, paid_at, note, reference, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		p.OwnerID, invoiceID, p.Amount, p.Method, p.PaidAt, p.Note, p.Reference, key, p.CreatedAt,
	).Scan(&p.ID)
	if db.IsUniqueViolation(err) {
		return nil, fmt.Errorf("billing: create payment: %w", ErrDuplicateKey)
	}
	if err != nil {
		return nil, fmt.Errorf("billing: create payment: %w", err)
	}
	return &p, nil
}

func (t *pgTxRepo) SumInvoicePayments(ctx context.Context, invoiceID int64) (decimal.Decimal, error) {
	return sumInvoicePayments(ctx, t.tx, invoiceID)
}

func (t *pgTxRepo) UpdateInvoiceBalance(ctx context.Context, id int64, unpaid decimal.Decimal, status InvoiceStatus) error {
	tag, err := t.tx.Exec(ctx, `UPDATE invoices SET unpaid_amount = $1, status = $2, updated_at = NOW() WHERE id = $3`,
		unpaid, string(status), id)
	if err != nil {
		return fmt.Errorf("billing: update invoice balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- helpers ---

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getInvoice(ctx context.Context, q rowQuerier, query string, id int64) (*Invoice, error) {
	inv, err := scanInvoice(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("billing: get invoice: %w", err)
	}
	return inv, nil
}

func sumInvoicePayments(ctx context.Context, q rowQuerier, invoiceID int64) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM payments WHERE invoice_id = $1`, invoiceID).Scan(&total)
	if err != nil {
		return decimal.Zero, fmt.Errorf("billing: sum invoice payments: %w", err)
	}
	return total, nil
}

func scanOwner(row pgx.Row) (*Owner, error) {
	var (
		owner    Owner
		area     decimal.NullDecimal
		vehicles []byte
		spots    []byte
	)
	err := row.Scan(&owner.ID, &owner.Name, &owner.Phone, &owner.Email, &owner.Unit, &area, &owner.UnitType,
		&vehicles, &owner.VehicleCount, &spots, &owner.CreatedAt, &owner.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if area.Valid {
		owner.Area = &area.Decimal
	}
	if err := decodeOwnerLists(&owner, vehicles, spots); err != nil {
		return nil, err
	}
	return &owner, nil
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var (
		inv          Invoice
		chargeTypeID pgtype.Int8
	)
	err := row.Scan(&inv.ID, &inv.OwnerID, &chargeTypeID, &inv.Cycle, &inv.Quantity, &inv.UnitPrice, &inv.Amount,
		&inv.UnpaidAmount, &inv.DueDate, &inv.Status, &inv.Description, &inv.CreatedAt, &inv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if chargeTypeID.Valid {
		inv.ChargeTypeID = &chargeTypeID.Int64
	}
	return &inv, nil
}

func scanPayment(row pgx.Row) (*Payment, error) {
	var (
		p         Payment
		invoiceID pgtype.Int8
		key       pgtype.Text
	)
	err := row.Scan(&p.ID, &p.OwnerID, &invoiceID, &p.Amount, &p.Method, &p.PaidAt, &p.Note, &p.Reference, &key, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if invoiceID.Valid {
		p.InvoiceID = &invoiceID.Int64
	}
	p.IdempotencyKey = key.String
	return &p, nil
}

func appendPage(query string, args []any, argNum, limit, offset int) (string, []any) {
	if limit > 0 {
		query += " LIMIT $" + strconv.Itoa(argNum)
		args = append(args, limit)
		argNum++
	}
	if offset > 0 {
		query += " OFFSET $" + strconv.Itoa(argNum)
		args = append(args, offset)
	}
	return query, args
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func encodeOwnerLists(owner Owner) ([]byte, []byte, error) {
	vehicles := owner.Vehicles
	if vehicles == nil {
		vehicles = []Vehicle{}
	}
	spots := owner.ParkingSpots
	if spots == nil {
		spots = []string{}
	}
	v, err := json.Marshal(vehicles)
	if err != nil {
		return nil, nil, fmt.Errorf("billing: encode vehicles: %w", err)
	}
	s, err := json.Marshal(spots)
	if err != nil {
		return nil, nil, fmt.Errorf("billing: encode parking spots: %w", err)
	}
	return v, s, nil
}

func decodeOwnerLists(owner *Owner, vehicles, spots []byte) error {
	owner.Vehicles = []Vehicle{}
	owner.ParkingSpots = []string{}
	if len(vehicles) > 0 {
		if err := json.Unmarshal(vehicles, &owner.Vehicles); err != nil {
			return fmt.Errorf("billing: decode vehicles: %w", err)
		}
	}
	if len(spots) > 0 {
		if err := json.Unmarshal(spots, &owner.ParkingSpots); err != nil {
			return fmt.Errorf("billing: decode parking spots: %w", err)
		}
	}
	return nil
}
