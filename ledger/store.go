/*
store.go - Persistence interfaces for the ledger engine

PURPOSE:
  Defines the boundary between the engine and the persistent store. The
  store is the single source of truth; the engine keeps no mutable balance
  state between calls. Implementations exist for SQLite (store/sqlite) and
  memory (ledger/store).

APPEND-MOSTLY CONTRACT:
  - Transactions: insert once; the ONLY permitted change afterwards is a
    compare-and-set status move along the lifecycle (pending->posted,
    pending->cancelled, posted->reversed). Economic fields never change.
  - Audit entries: insert only. No update or delete exists.
  - Reconciliation records: insert once; the only later change is the
    review transition.
  - Accounts and rules: administrative rows, updated in place but never
    deleted (transactions keep referencing them).

ATOMICITY:
  TxStore.WithTx runs a function against a transactional view of the store.
  The posting unit {parent, allocation children, status moves, audit
  entries} commits all-or-nothing through it; a concurrent reader never
  observes a parent without its fan-out or its audit entries.
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// PER-ENTITY STORES
// =============================================================================

// AccountStore persists logical accounts.
type AccountStore interface {
	// SaveAccount inserts a new account. Returns ErrDuplicateCode if the
	// code is taken.
	SaveAccount(ctx context.Context, a Account) error

	// UpdateAccountStatus moves an account between lifecycle states. The
	// transition has already been validated by the registry.
	UpdateAccountStatus(ctx context.Context, id AccountID, status AccountStatus, at time.Time) error

	// GetAccount returns an account by opaque ID, or (nil, nil) if absent.
	GetAccount(ctx context.Context, id AccountID) (*Account, error)

	// GetAccountByCode returns an account by caller-assigned code, or (nil, nil).
	GetAccountByCode(ctx context.Context, code string) (*Account, error)

	// ListAccounts returns all accounts ordered by code.
	ListAccounts(ctx context.Context) ([]Account, error)
}

// TransactionStore persists ledger transactions.
type TransactionStore interface {
	// AppendTransaction inserts a transaction. Returns ErrDuplicateReference
	// if the reference is already used.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// UpdateTransactionStatus compare-and-sets the status. Returns
	// ErrTransactionNotFound if the row is absent, or a TransitionError if
	// the current status is not `from` (a concurrent writer got there first).
	UpdateTransactionStatus(ctx context.Context, id TransactionID, from, to TransactionStatus) error

	// GetTransaction returns a transaction by ID, or (nil, nil) if absent.
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// GetTransactionByReference returns a transaction by its idempotency
	// reference, or (nil, nil).
	GetTransactionByReference(ctx context.Context, reference string) (*Transaction, error)

	// ListTransactionsByAccount returns transactions where the account
	// appears on either side, in [from, to], ordered by effective time then
	// creation time.
	ListTransactionsByAccount(ctx context.Context, id AccountID, from, to time.Time) ([]Transaction, error)

	// ListChildren returns the transactions linked to a parent.
	ListChildren(ctx context.Context, parent TransactionID) ([]Transaction, error)

	// AccountSums returns the posted debit and credit totals for an account
	// in [from, to]. This is the balance hot path; implementations should
	// push the aggregation into the store.
	AccountSums(ctx context.Context, id AccountID, from, to time.Time) (debits, credits decimal.Decimal, err error)
}

// RuleStore persists allocation rules.
type RuleStore interface {
	// SaveRule inserts a rule. Returns ErrDuplicateRuleName if the name is taken.
	SaveRule(ctx context.Context, r AllocationRule) error

	// UpdateRule replaces an existing rule's mutable fields. Returns
	// ErrRuleNotFound if absent.
	UpdateRule(ctx context.Context, r AllocationRule) error

	// GetRule returns a rule by ID, or (nil, nil).
	GetRule(ctx context.Context, id string) (*AllocationRule, error)

	// GetRuleByName returns a rule by unique name, or (nil, nil).
	GetRuleByName(ctx context.Context, name string) (*AllocationRule, error)

	// ListRulesBySource returns every rule - active or not - for a source
	// account. Resolution and window filtering happen in the engine.
	ListRulesBySource(ctx context.Context, source AccountID) ([]AllocationRule, error)

	// ListRules returns all rules ordered by name.
	ListRules(ctx context.Context) ([]AllocationRule, error)
}

// AuditLog persists audit entries. Append-only.
type AuditLog interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	QueryAudit(ctx context.Context, f AuditFilter) ([]AuditEntry, error)
}

// ReconciliationStore persists reconciliation records.
type ReconciliationStore interface {
	// SaveReconciliation inserts a record.
	SaveReconciliation(ctx context.Context, r ReconciliationRecord) error

	// GetReconciliation returns a record by ID, or (nil, nil).
	GetReconciliation(ctx context.Context, id string) (*ReconciliationRecord, error)

	// ListReconciliations returns records, optionally filtered by account
	// and status, newest first.
	ListReconciliations(ctx context.Context, account *AccountID, status *ReconciliationStatus) ([]ReconciliationRecord, error)

	// MarkReconciliationReviewed appends review metadata to a record. The
	// caller has already validated the transition.
	MarkReconciliationReviewed(ctx context.Context, id, reviewer, notes string, at time.Time) error
}

// =============================================================================
// COMBINED STORE
// =============================================================================

// Store is the full persistence surface the engine operates on.
type Store interface {
	AccountStore
	TransactionStore
	RuleStore
	AuditLog
	ReconciliationStore
}

// TxStore extends Store with an atomic unit of work.
type TxStore interface {
	Store

	// WithTx executes fn against a transactional view. If fn returns an
	// error the whole unit rolls back; otherwise it commits. Context
	// cancellation inside fn aborts before commit.
	WithTx(ctx context.Context, fn func(Store) error) error
}
