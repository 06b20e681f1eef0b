package reconcile_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/reconcile"
	"github.com/warp/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var (
	admin    = ledger.Actor{ID: "test-admin", Role: ledger.RoleAdmin}
	operator = ledger.Actor{ID: "test-operator", Role: ledger.RoleOperator}
)

type fixture struct {
	store  *sqlite.Store
	ledger *ledger.Ledger
	engine *reconcile.Engine
}

func newFixture(t *testing.T, tolerance string) *fixture {
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	led := ledger.NewLedger(st, nil, nil)
	return &fixture{
		store:  st,
		ledger: led,
		engine: reconcile.NewEngine(st, led, decimal.RequireFromString(tolerance)),
	}
}

func (f *fixture) seed(t *testing.T, codes ...string) {
	t.Helper()
	reg := ledger.NewRegistry(f.store)
	for _, code := range codes {
		_, err := reg.CreateAccount(context.Background(), admin, ledger.CreateAccountInput{
			Code: code, Name: code, Type: ledger.TypeAsset, Currency: "USD",
		})
		require.NoError(t, err)
	}
}

func (f *fixture) post(t *testing.T, reference, debit, credit, amount string, effective time.Time) {
	t.Helper()
	_, err := f.ledger.Post(context.Background(), operator, ledger.PostInput{
		Reference:     reference,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        decimal.RequireFromString(amount),
		Currency:      "USD",
		EffectiveAt:   effective,
	})
	require.NoError(t, err)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// SINGLE RECONCILIATION
// =============================================================================

func TestReconcile_Matched(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	f.seed(t, "cash", "clearing")
	f.post(t, "d-1", "cash", "clearing", "100.00", time.Time{})

	record, err := f.engine.Reconcile(ctx, operator, reconcile.Input{
		Account:         "cash",
		ExternalBalance: dec("100.00"),
		Type:            ledger.ReconCumulative,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.ReconMatched, record.Status)
	assert.True(t, record.Discrepancy.IsZero())
	assert.True(t, record.LedgerBalance.Equal(dec("100.00")))
	assert.True(t, record.ExternalBalance.Equal(dec("100.00")))

	got, err := f.engine.Record(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, record.ID, got.ID)
}

func TestReconcile_UnmatchedIsARecordedOutcome(t *testing.T) {
	// A discrepancy is not an error: the run succeeds and the record
	// carries the signed difference (external - ledger).

	f := newFixture(t, "0")
	ctx := context.Background()
	f.seed(t, "cash", "clearing")
	f.post(t, "d-1", "cash", "clearing", "100.00", time.Time{})

	record, err := f.engine.Reconcile(ctx, operator, reconcile.Input{
		Account:         "cash",
		ExternalBalance: dec("100.50"),
		Type:            ledger.ReconCumulative,
		Notes:           "statement 2026-08",
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.ReconUnmatched, record.Status)
	assert.True(t, record.Discrepancy.Equal(dec("0.50")), "discrepancy = %s", record.Discrepancy)
	assert.Equal(t, "statement 2026-08", record.Notes)

	short, err := f.engine.Reconcile(ctx, operator, reconcile.Input{
		Account:         "cash",
		ExternalBalance: dec("99.00"),
		Type:            ledger.ReconCumulative,
	})
	require.NoError(t, err)
	assert.True(t, short.Discrepancy.Equal(dec("-1.00")))
}

func TestReconcile_ToleranceAbsorbsSmallDrift(t *testing.T) {
	f := newFixture(t, "1.00")
	ctx := context.Background()
	f.seed(t, "cash", "clearing")
	f.post(t, "d-1", "cash", "clearing", "100.00", time.Time{})

	record, err := f.engine.Reconcile(ctx, operator, reconcile.Input{
		Account:         "cash",
		ExternalBalance: dec("100.50"),
		Type:            ledger.ReconCumulative,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.ReconMatched, record.Status)
	assert.True(t, record.Discrepancy.Equal(dec("0.50")), "tolerance changes the status, not the recorded discrepancy")

	record, err = f.engine.Reconcile(ctx, operator, reconcile.Input{
		Account:         "cash",
		ExternalBalance: dec("101.01"),
		Type:            ledger.ReconCumulative,
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.ReconUnmatched, record.Status, "drift past the tolerance stays unmatched")
}

func TestReconcile_WindowType(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	f.seed(t, "cash", "clearing")

	jan := time.Date(2026, time.January, 15, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, time.February, 15, 0, 0, 0, 0, time.UTC)
	f.post(t, "d-jan", "cash", "clearing", "100.00", jan)
	f.post(t, "d-feb", "cash", "clearing", "50.00", feb)

	record, err := f.engine.Reconcile(ctx, operator, reconcile.Input{
		Account:         "cash",
		ExternalBalance: dec("50.00"),
		Type:            ledger.ReconWindow,
		WindowStart:     feb.AddDate(0, 0, -1),
		WindowEnd:       feb.AddDate(0, 0, 1),
	})
	require.NoError(t, err)
	assert.Equal(t, ledger.ReconMatched, record.Status)
	assert.True(t, record.LedgerBalance.Equal(dec("50.00")), "window balance ignores January")
}

func TestReconcile_Rejections(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	f.seed(t, "cash")

	_, err := f.engine.Reconcile(ctx, operator, reconcile.Input{
		Account:         "missing",
		ExternalBalance: dec("1.00"),
		Type:            ledger.ReconCumulative,
	})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	_, err = f.engine.Reconcile(ctx, operator, reconcile.Input{
		Account:         "cash",
		ExternalBalance: dec("1.00"),
		Type:            "vibes",
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// =============================================================================
// BATCH RECONCILIATION
// =============================================================================

func TestReconcileBatch_Outcomes(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	f.seed(t, "cash", "fees", "clearing")
	f.post(t, "d-1", "cash", "clearing", "100.00", time.Time{})
	f.post(t, "d-2", "fees", "clearing", "10.00", time.Time{})

	input := func(account, external string) reconcile.Input {
		return reconcile.Input{
			Account:         account,
			ExternalBalance: dec(external),
			Type:            ledger.ReconCumulative,
		}
	}

	result, err := f.engine.ReconcileBatch(ctx, operator, []reconcile.Input{
		input("cash", "100.00"), input("fees", "10.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, reconcile.BatchSuccess, result.Outcome)
	assert.Equal(t, 2, result.Matched)
	assert.Equal(t, 0, result.Unmatched)
	assert.Len(t, result.Records, 2)

	result, err = f.engine.ReconcileBatch(ctx, operator, []reconcile.Input{
		input("cash", "100.00"), input("fees", "11.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, reconcile.BatchPartial, result.Outcome)
	assert.Equal(t, 1, result.Matched)
	assert.Equal(t, 1, result.Unmatched)

	result, err = f.engine.ReconcileBatch(ctx, operator, []reconcile.Input{
		input("cash", "1.00"), input("fees", "2.00"),
	})
	require.NoError(t, err)
	assert.Equal(t, reconcile.BatchFailed, result.Outcome)
}

func TestReconcileBatch_UnknownAccountFailsUpFront(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	f.seed(t, "cash", "clearing")
	f.post(t, "d-1", "cash", "clearing", "100.00", time.Time{})

	_, err := f.engine.ReconcileBatch(ctx, operator, []reconcile.Input{
		{Account: "cash", ExternalBalance: dec("100.00"), Type: ledger.ReconCumulative},
		{Account: "missing", ExternalBalance: dec("1.00"), Type: ledger.ReconCumulative},
	})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	// The resolvable account was not reconciled either.
	records, err := f.engine.List(ctx, "cash", nil)
	require.NoError(t, err)
	assert.Empty(t, records)

	_, err = f.engine.ReconcileBatch(ctx, operator, nil)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

// =============================================================================
// REVIEW
// =============================================================================

func TestReview_UnmatchedRecord(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	f.seed(t, "cash", "clearing")
	f.post(t, "d-1", "cash", "clearing", "100.00", time.Time{})

	record, err := f.engine.Reconcile(ctx, operator, reconcile.Input{
		Account:         "cash",
		ExternalBalance: dec("100.50"),
		Type:            ledger.ReconCumulative,
	})
	require.NoError(t, err)
	require.Equal(t, ledger.ReconUnmatched, record.Status)

	reviewed, err := f.engine.Review(ctx, admin, record.ID, "bank fee posts next cycle")
	require.NoError(t, err)
	assert.Equal(t, ledger.ReconReviewed, reviewed.Status)
	assert.Equal(t, "test-admin", reviewed.ReviewedBy)
	assert.Equal(t, "bank fee posts next cycle", reviewed.Notes)
	require.NotNil(t, reviewed.ReviewedAt)

	// Review is terminal.
	_, err = f.engine.Review(ctx, admin, record.ID, "again")
	var transition *ledger.TransitionError
	assert.ErrorAs(t, err, &transition)
}

func TestReview_Rejections(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	f.seed(t, "cash", "clearing")
	f.post(t, "d-1", "cash", "clearing", "100.00", time.Time{})

	matched, err := f.engine.Reconcile(ctx, operator, reconcile.Input{
		Account:         "cash",
		ExternalBalance: dec("100.00"),
		Type:            ledger.ReconCumulative,
	})
	require.NoError(t, err)

	// Matched records need no review.
	_, err = f.engine.Review(ctx, admin, matched.ID, "noted")
	var transition *ledger.TransitionError
	assert.ErrorAs(t, err, &transition)

	_, err = f.engine.Review(ctx, operator, matched.ID, "noted")
	assert.ErrorIs(t, err, ledger.ErrUnauthorized)

	_, err = f.engine.Review(ctx, admin, "missing", "noted")
	assert.ErrorIs(t, err, ledger.ErrReconciliationNotFound)
}

// =============================================================================
// LISTING
// =============================================================================

func TestList_FiltersByAccountAndStatus(t *testing.T) {
	f := newFixture(t, "0")
	ctx := context.Background()
	f.seed(t, "cash", "fees", "clearing")
	f.post(t, "d-1", "cash", "clearing", "100.00", time.Time{})

	run := func(account, external string) {
		_, err := f.engine.Reconcile(ctx, operator, reconcile.Input{
			Account:         account,
			ExternalBalance: dec(external),
			Type:            ledger.ReconCumulative,
		})
		require.NoError(t, err)
	}
	run("cash", "100.00") // matched
	run("cash", "99.00")  // unmatched
	run("fees", "0")      // matched

	all, err := f.engine.List(ctx, "", nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	cash, err := f.engine.List(ctx, "cash", nil)
	require.NoError(t, err)
	assert.Len(t, cash, 2)

	unmatched := ledger.ReconUnmatched
	records, err := f.engine.List(ctx, "cash", &unmatched)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.True(t, records[0].Discrepancy.Equal(dec("-1.00")))

	_, err = f.engine.List(ctx, "missing", nil)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}
