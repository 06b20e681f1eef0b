package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newStore(t *testing.T) *sqlite.Store {
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testAccount(id, code string) ledger.Account {
	now := time.Now().UTC().Truncate(time.Second)
	return ledger.Account{
		ID:        ledger.AccountID(id),
		Code:      code,
		Name:      "Account " + code,
		Type:      ledger.TypeAsset,
		Currency:  "USD",
		Status:    ledger.StatusActive,
		Metadata:  map[string]string{"env": "test"},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// seedAccounts registers accounts so rows referencing them pass the schema's
// foreign key checks. The code doubles as the ID.
func seedAccounts(t *testing.T, st *sqlite.Store, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, st.SaveAccount(context.Background(), testAccount(id, id)))
	}
}

func testTransaction(id, reference string, effective time.Time) ledger.Transaction {
	return ledger.Transaction{
		ID:            ledger.TransactionID(id),
		Reference:     reference,
		DebitAccount:  "acc-1",
		CreditAccount: "acc-2",
		Amount:        decimal.RequireFromString("100.00"),
		Currency:      "USD",
		Description:   "test",
		Status:        ledger.TxPosted,
		CreatedBy:     "tester",
		EffectiveAt:   effective.Truncate(time.Second),
		CreatedAt:     time.Now().UTC().Truncate(time.Second),
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestStore_AccountRoundTrip(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	account := testAccount("acc-1", "cash")
	require.NoError(t, st.SaveAccount(ctx, account))

	got, err := st.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, account.Code, got.Code)
	assert.Equal(t, account.Type, got.Type)
	assert.Equal(t, "test", got.Metadata["env"])
	assert.True(t, got.CreatedAt.Equal(account.CreatedAt))

	byCode, err := st.GetAccountByCode(ctx, "cash")
	require.NoError(t, err)
	require.NotNil(t, byCode)
	assert.Equal(t, account.ID, byCode.ID)

	// Absent rows come back as (nil, nil), never an error.
	missing, err := st.GetAccount(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// Codes are unique.
	dup := testAccount("acc-2", "cash")
	err = st.SaveAccount(ctx, dup)
	assert.ErrorIs(t, err, ledger.ErrDuplicateCode)

	at := time.Now().UTC().Truncate(time.Second).Add(time.Hour)
	require.NoError(t, st.UpdateAccountStatus(ctx, "acc-1", ledger.StatusInactive, at))
	got, err = st.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusInactive, got.Status)
	assert.True(t, got.UpdatedAt.Equal(at))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func TestStore_TransactionAppendOnly(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	seedAccounts(t, st, "acc-1", "acc-2")

	tx := testTransaction("tx-1", "ref-1", time.Now().UTC())
	tx.Metadata = map[string]string{"source": "import"}
	tx.ParentID = "tx-0"
	require.NoError(t, st.AppendTransaction(ctx, tx))

	got, err := st.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Amount.Equal(tx.Amount))
	assert.Equal(t, ledger.TransactionID("tx-0"), got.ParentID)
	assert.Equal(t, "import", got.Metadata["source"])

	byRef, err := st.GetTransactionByReference(ctx, "ref-1")
	require.NoError(t, err)
	require.NotNil(t, byRef)
	assert.Equal(t, tx.ID, byRef.ID)

	// References are unique across the ledger.
	dup := testTransaction("tx-2", "ref-1", time.Now().UTC())
	err = st.AppendTransaction(ctx, dup)
	assert.ErrorIs(t, err, ledger.ErrDuplicateReference)

	children, err := st.ListChildren(ctx, "tx-0")
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, ledger.TransactionID("tx-1"), children[0].ID)
}

func TestStore_TransactionTimestampPrecision(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	seedAccounts(t, st, "acc-1", "acc-2")

	// Sub-second precision survives the round trip; allocation children
	// carry their parent's exact effective time.
	effective := time.Date(2026, time.March, 1, 12, 0, 0, 123456789, time.UTC)
	tx := testTransaction("tx-1", "ref-1", effective)
	tx.EffectiveAt = effective
	tx.CreatedAt = effective.Add(250 * time.Millisecond)
	require.NoError(t, st.AppendTransaction(ctx, tx))

	got, err := st.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.EffectiveAt.Equal(effective))
	assert.True(t, got.CreatedAt.Equal(tx.CreatedAt))

	// Postings within the same second keep their creation order.
	later := testTransaction("tx-2", "ref-2", effective)
	later.EffectiveAt = effective
	later.CreatedAt = tx.CreatedAt.Add(50 * time.Millisecond)
	require.NoError(t, st.AppendTransaction(ctx, later))

	history, err := st.ListTransactionsByAccount(ctx, "acc-1", time.Time{}, effective.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ledger.TransactionID("tx-1"), history[0].ID)
	assert.Equal(t, ledger.TransactionID("tx-2"), history[1].ID)
}

func TestStore_UnknownAccountsRejected(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	seedAccounts(t, st, "acc-1")

	tx := testTransaction("tx-1", "ref-1", time.Now().UTC())
	tx.CreditAccount = "ghost"
	err := st.AppendTransaction(ctx, tx)
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	now := time.Now().UTC()
	err = st.SaveRule(ctx, ledger.AllocationRule{
		ID:            "rule-1",
		Name:          "split",
		SourceAccount: "ghost",
		Entries:       []ledger.AllocationEntry{{Destination: "acc-1", Percentage: decimal.RequireFromString("50")}},
		Active:        true,
		EffectiveFrom: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	err = st.SaveReconciliation(ctx, ledger.ReconciliationRecord{
		ID:              "rec-1",
		AccountID:       "ghost",
		Type:            ledger.ReconCumulative,
		WindowEnd:       now,
		LedgerBalance:   decimal.Zero,
		ExternalBalance: decimal.Zero,
		Discrepancy:     decimal.Zero,
		Status:          ledger.ReconMatched,
		CreatedAt:       now,
	})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestStore_UpdateTransactionStatus_CompareAndSet(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	seedAccounts(t, st, "acc-1", "acc-2")

	tx := testTransaction("tx-1", "ref-1", time.Now().UTC())
	tx.Status = ledger.TxPending
	require.NoError(t, st.AppendTransaction(ctx, tx))

	require.NoError(t, st.UpdateTransactionStatus(ctx, "tx-1", ledger.TxPending, ledger.TxPosted))

	got, err := st.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxPosted, got.Status)

	// A stale expected status means a concurrent writer won the race.
	err = st.UpdateTransactionStatus(ctx, "tx-1", ledger.TxPending, ledger.TxCancelled)
	var transition *ledger.TransitionError
	require.ErrorAs(t, err, &transition)
	assert.Equal(t, string(ledger.TxPosted), transition.From)

	err = st.UpdateTransactionStatus(ctx, "missing", ledger.TxPending, ledger.TxPosted)
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestStore_AccountSums(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	seedAccounts(t, st, "acc-1", "acc-2")
	base := time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC)

	append := func(id string, status ledger.TransactionStatus, amount string, debit, credit ledger.AccountID, offset int) {
		tx := testTransaction(id, "ref-"+id, base.AddDate(0, 0, offset))
		tx.Status = status
		tx.Amount = decimal.RequireFromString(amount)
		tx.DebitAccount = debit
		tx.CreditAccount = credit
		require.NoError(t, st.AppendTransaction(ctx, tx))
	}

	// Decimal strings that would drift under float aggregation.
	append("t1", ledger.TxPosted, "0.10", "acc-1", "acc-2", 0)
	append("t2", ledger.TxPosted, "0.10", "acc-1", "acc-2", 1)
	append("t3", ledger.TxPosted, "0.10", "acc-1", "acc-2", 2)
	append("t4", ledger.TxReversed, "5.00", "acc-1", "acc-2", 3)
	append("t5", ledger.TxPosted, "5.00", "acc-2", "acc-1", 3) // the reversal entry
	append("t6", ledger.TxPending, "99.00", "acc-1", "acc-2", 4)
	append("t7", ledger.TxCancelled, "99.00", "acc-1", "acc-2", 4)

	debits, credits, err := st.AccountSums(ctx, "acc-1", time.Time{}, base.AddDate(0, 1, 0))
	require.NoError(t, err)
	// Reversed originals still count; their posted reversal nets them out.
	// Pending and cancelled never touch the balance.
	assert.Equal(t, "5.30", debits.StringFixed(2))
	assert.Equal(t, "5.00", credits.StringFixed(2))

	// Windowing is inclusive on both ends of [from, to].
	debits, credits, err = st.AccountSums(ctx, "acc-1", base.AddDate(0, 0, 1), base.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, "0.20", debits.StringFixed(2))
	assert.Equal(t, "0.00", credits.StringFixed(2))

	history, err := st.ListTransactionsByAccount(ctx, "acc-1", time.Time{}, base.AddDate(0, 1, 0))
	require.NoError(t, err)
	require.Len(t, history, 7)
	assert.Equal(t, ledger.TransactionID("t1"), history[0].ID, "history is ordered by effective time")
}

// =============================================================================
// RULES
// =============================================================================

func TestStore_RuleRoundTrip(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	seedAccounts(t, st, "acc-1", "acc-2", "acc-3")
	now := time.Now().UTC().Truncate(time.Second)
	expiry := now.AddDate(1, 0, 0)

	rule := ledger.AllocationRule{
		ID:            "rule-1",
		Name:          "split",
		SourceAccount: "acc-1",
		Entries: []ledger.AllocationEntry{
			{Destination: "acc-2", Percentage: decimal.RequireFromString("60")},
			{Destination: "acc-3", Percentage: decimal.RequireFromString("40")},
		},
		Priority:      3,
		Active:        true,
		EffectiveFrom: now,
		EffectiveTo:   &expiry,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, st.SaveRule(ctx, rule))

	got, err := st.GetRuleByName(ctx, "split")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "rule-1", got.ID)
	require.Len(t, got.Entries, 2)
	assert.True(t, got.Entries[0].Percentage.Equal(decimal.RequireFromString("60")))
	require.NotNil(t, got.EffectiveTo)
	assert.True(t, got.EffectiveTo.Equal(expiry))

	// Names are unique.
	dup := rule
	dup.ID = "rule-2"
	err = st.SaveRule(ctx, dup)
	assert.ErrorIs(t, err, ledger.ErrDuplicateRuleName)

	// Open-ended windows round-trip as nil.
	open := rule
	open.ID = "rule-3"
	open.Name = "open"
	open.EffectiveTo = nil
	require.NoError(t, st.SaveRule(ctx, open))
	got, err = st.GetRule(ctx, "rule-3")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.EffectiveTo)

	bySource, err := st.ListRulesBySource(ctx, "acc-1")
	require.NoError(t, err)
	assert.Len(t, bySource, 2)

	updated := rule
	updated.Priority = 9
	updated.Active = false
	require.NoError(t, st.UpdateRule(ctx, updated))
	got, err = st.GetRule(ctx, "rule-1")
	require.NoError(t, err)
	assert.Equal(t, 9, got.Priority)
	assert.False(t, got.Active)

	missing := rule
	missing.ID = "nope"
	missing.Name = "nope"
	err = st.UpdateRule(ctx, missing)
	assert.ErrorIs(t, err, ledger.ErrRuleNotFound)
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func TestStore_AuditQueryFilters(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	actor := ledger.Actor{ID: "alice", Role: ledger.RoleAdmin, IP: "10.0.0.1", UserAgent: "cli"}

	append := func(id string, action ledger.AuditAction, entityType, entityID string) {
		e := ledger.NewAuditEntry(id, actor, action, entityType, entityID, nil, map[string]string{"k": "v"})
		require.NoError(t, st.AppendAudit(ctx, e))
	}
	append("a1", ledger.ActionAccountCreated, "account", "acc-1")
	append("a2", ledger.ActionTransactionPosted, "transaction", "tx-1")
	append("a3", ledger.ActionTransactionReversed, "transaction", "tx-1")
	append("a4", ledger.ActionTransactionPosted, "transaction", "tx-2")

	all, err := st.QueryAudit(ctx, ledger.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "alice", all[0].ActorID)
	assert.Equal(t, "10.0.0.1", all[0].IP)
	assert.NotEmpty(t, all[0].NewValue)

	entityType := "transaction"
	entityID := "tx-1"
	entries, err := st.QueryAudit(ctx, ledger.AuditFilter{EntityType: &entityType, EntityID: &entityID})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = st.QueryAudit(ctx, ledger.AuditFilter{
		Actions: []ledger.AuditAction{ledger.ActionTransactionPosted},
	})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = st.QueryAudit(ctx, ledger.AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	past := time.Now().UTC().Add(-time.Hour)
	entries, err = st.QueryAudit(ctx, ledger.AuditFilter{To: &past})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// =============================================================================
// RECONCILIATIONS
// =============================================================================

func TestStore_ReconciliationRoundTrip(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	seedAccounts(t, st, "acc-1", "acc-2")
	now := time.Now().UTC().Truncate(time.Second)

	record := ledger.ReconciliationRecord{
		ID:              "rec-1",
		AccountID:       "acc-1",
		Type:            ledger.ReconCumulative,
		WindowEnd:       now,
		LedgerBalance:   decimal.RequireFromString("100.00"),
		ExternalBalance: decimal.RequireFromString("100.50"),
		Discrepancy:     decimal.RequireFromString("0.50"),
		Status:          ledger.ReconUnmatched,
		CreatedAt:       now,
	}
	require.NoError(t, st.SaveReconciliation(ctx, record))

	got, err := st.GetReconciliation(ctx, "rec-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Discrepancy.Equal(decimal.RequireFromString("0.50")))
	assert.Nil(t, got.ReviewedAt)

	missing, err := st.GetReconciliation(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	reviewedAt := now.Add(time.Hour)
	require.NoError(t, st.MarkReconciliationReviewed(ctx, "rec-1", "alice", "known fee lag", reviewedAt))
	got, err = st.GetReconciliation(ctx, "rec-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.ReconReviewed, got.Status)
	assert.Equal(t, "alice", got.ReviewedBy)
	assert.Equal(t, "known fee lag", got.Notes)
	require.NotNil(t, got.ReviewedAt)
	assert.True(t, got.ReviewedAt.Equal(reviewedAt))

	other := record
	other.ID = "rec-2"
	other.AccountID = "acc-2"
	other.Status = ledger.ReconMatched
	require.NoError(t, st.SaveReconciliation(ctx, other))

	accountID := ledger.AccountID("acc-1")
	records, err := st.ListReconciliations(ctx, &accountID, nil)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	matched := ledger.ReconMatched
	records, err = st.ListReconciliations(ctx, nil, &matched)
	require.NoError(t, err)
	assert.Len(t, records, 1)
	assert.Equal(t, "rec-2", records[0].ID)
}

// =============================================================================
// ATOMIC UNITS
// =============================================================================

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := st.WithTx(ctx, func(s ledger.Store) error {
		if err := s.SaveAccount(ctx, testAccount("acc-1", "cash")); err != nil {
			return err
		}
		if err := s.SaveAccount(ctx, testAccount("acc-2", "revenue")); err != nil {
			return err
		}
		if err := s.AppendTransaction(ctx, testTransaction("tx-1", "ref-1", time.Now().UTC())); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// Nothing from the failed unit is visible.
	account, err := st.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Nil(t, account)
	tx, err := st.GetTransaction(ctx, "tx-1")
	require.NoError(t, err)
	assert.Nil(t, tx)
}

func TestStore_WithTx_CommitsOnSuccess(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(s ledger.Store) error {
		if err := s.SaveAccount(ctx, testAccount("acc-1", "cash")); err != nil {
			return err
		}
		return s.AppendAudit(ctx, ledger.NewAuditEntry("a1",
			ledger.Actor{ID: "alice", Role: ledger.RoleAdmin},
			ledger.ActionAccountCreated, "account", "acc-1", nil, nil))
	})
	require.NoError(t, err)

	account, err := st.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	require.NotNil(t, account)

	entries, err := st.QueryAudit(ctx, ledger.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
