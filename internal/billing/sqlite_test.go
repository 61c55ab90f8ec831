package billing

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EastsCloud/property-management/internal/platform/db"
)

func newSQLiteService(t *testing.T) (*Service, *SQLiteRepository) {
	t.Helper()
	ctx := context.Background()
	conn, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "billing.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	repo, err := NewSQLiteRepository(ctx, conn)
	require.NoError(t, err)
	return NewService(repo, ServiceConfig{Now: func() time.Time { return testNow }}), repo
}

func TestSQLiteOwnerRoundTrip(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()
	fx := seed(t, svc)

	got, err := svc.GetOwner(ctx, fx.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, "Zhang San", got.Name)
	require.NotNil(t, got.Area)
	assert.True(t, dec("120.5").Equal(*got.Area))
	assert.Equal(t, 2, got.VehicleCount)
	assert.Equal(t, "B67890", got.Vehicles[1].Plate)
	assert.Empty(t, got.ParkingSpots)
	assert.True(t, testNow.Equal(got.CreatedAt))

	owners, err := svc.ListOwners(ctx, OwnerFilter{Search: "zhang"})
	require.NoError(t, err)
	assert.Len(t, owners, 1)

	ct, err := svc.GetChargeType(ctx, fx.area.ID)
	require.NoError(t, err)
	assert.Equal(t, LinkArea, ct.LinkTo)
	assert.True(t, dec("2.5").Equal(ct.Price))
}

func TestSQLitePaymentLifecycle(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()
	fx := seed(t, svc)

	inv := createInvoice(t, svc, fx.owner.ID, fx.area.ID, nil)
	assert.True(t, dec("301.25").Equal(inv.Amount))

	pay(t, svc, fx.owner.ID, inv.ID, "101.25")
	got, err := svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, dec("200").Equal(got.UnpaidAmount))
	assert.Equal(t, StatusUnpaid, got.Status)
	assert.Equal(t, inv.DueDate, got.DueDate)

	pay(t, svc, fx.owner.ID, inv.ID, "250")
	got, err = svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, got.UnpaidAmount.IsZero())
	assert.Equal(t, StatusPaid, got.Status)

	total, err := svc.PaidTotal(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, dec("351.25").Equal(total))

	detail, err := svc.GetInvoiceDetail(ctx, inv.ID)
	require.NoError(t, err)
	assert.Len(t, detail.Payments, 2)
}

func TestSQLiteIdempotencyKeyIsUnique(t *testing.T) {
	svc, repo := newSQLiteService(t)
	ctx := context.Background()
	fx := seed(t, svc)
	inv := createInvoice(t, svc, fx.owner.ID, fx.parking.ID, nil)

	input := RecordPaymentInput{OwnerID: fx.owner.ID, InvoiceID: inv.ID, Amount: dec("100"), IdempotencyKey: "bank-ref-9"}
	first, err := svc.RecordPayment(ctx, input)
	require.NoError(t, err)

	err = repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		_, err := tx.CreatePayment(ctx, Payment{
			OwnerID:        fx.owner.ID,
			Amount:         dec("100"),
			Method:         DefaultPaymentMethod,
			PaidAt:         testNow,
			Reference:      "dup",
			IdempotencyKey: "bank-ref-9",
			CreatedAt:      testNow,
		})
		return err
	})
	require.ErrorIs(t, err, ErrDuplicateKey)

	again, err := svc.RecordPayment(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	payments, err := svc.ListPayments(ctx, PaymentFilter{InvoiceID: inv.ID})
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestSQLiteConcurrentPayments(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()
	fx := seed(t, svc)
	inv := createInvoice(t, svc, fx.owner.ID, fx.parking.ID, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordPayment(ctx, RecordPaymentInput{OwnerID: fx.owner.ID, InvoiceID: inv.ID, Amount: dec("75")})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := svc.GetInvoice(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, got.UnpaidAmount.IsZero())
	assert.Equal(t, StatusPaid, got.Status)
}

func TestSQLiteReportingQueries(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()
	fx := seed(t, svc)

	late, err := svc.CreateInvoice(ctx, CreateInvoiceInput{OwnerID: fx.owner.ID, ChargeTypeID: fx.parking.ID, DueDate: testNow.AddDate(0, 0, -40)})
	require.NoError(t, err)
	current := createInvoice(t, svc, fx.owner.ID, fx.area.ID, nil)
	pay(t, svc, fx.owner.ID, current.ID, "1.25")
	pay(t, svc, fx.owner.ID, late.ID, "100")

	n, err := svc.SweepOverdue(ctx, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	summary, err := svc.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Owners)
	assert.Equal(t, int64(2), summary.UnpaidInvoices)
	assert.Equal(t, int64(1), summary.OverdueInvoices)
	assert.True(t, dec("800").Equal(summary.Outstanding), summary.Outstanding.String())

	invoices, err := svc.ListInvoices(ctx, InvoiceFilter{OwnerID: fx.owner.ID})
	require.NoError(t, err)
	require.Len(t, invoices, 2)
	assert.Equal(t, late.ID, invoices[0].ID)

	drifts, err := svc.AuditBalances(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)

	statement, err := svc.OwnerStatement(ctx, fx.owner.ID)
	require.NoError(t, err)
	assert.Len(t, statement.Payments, 2)
	assert.True(t, dec("800").Equal(statement.Outstanding))

	err = svc.DeleteOwner(ctx, fx.owner.ID)
	var conflict *ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestSQLiteResetClearsLedger(t *testing.T) {
	svc, repo := newSQLiteService(t)
	ctx := context.Background()
	fx := seed(t, svc)
	inv := createInvoice(t, svc, fx.owner.ID, fx.parking.ID, nil)
	pay(t, svc, fx.owner.ID, inv.ID, "100")

	require.NoError(t, repo.Reset(ctx))
	require.NoError(t, repo.Ping(ctx))

	owners, err := svc.ListOwners(ctx, OwnerFilter{})
	require.NoError(t, err)
	assert.Empty(t, owners)
	summary, err := svc.Summary(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Owners)
}

func TestSQLiteOwnerSearchTreatsWildcardsLiterally(t *testing.T) {
	svc, _ := newSQLiteService(t)
	ctx := context.Background()
	seed(t, svc)
	_, err := svc.CreateOwner(ctx, OwnerInput{Name: "Wang Wu", Unit: "C_3%"})
	require.NoError(t, err)

	for _, q := range []string{"%", "_", `\`} {
		owners, err := svc.ListOwners(ctx, OwnerFilter{Search: q})
		require.NoError(t, err)
		if q == `\` {
			assert.Empty(t, owners, q)
			continue
		}
		require.Len(t, owners, 1, q)
		assert.Equal(t, "Wang Wu", owners[0].Name)
	}

	owners, err := svc.ListOwners(ctx, OwnerFilter{Search: "C_3"})
	require.NoError(t, err)
	assert.Len(t, owners, 1)
}
