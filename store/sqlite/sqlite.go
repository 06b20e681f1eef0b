/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements ledger.TxStore using SQLite. In production, the same patterns
  apply to PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  The store enforces the ledger's immutability rules:
  - Transactions are only ever inserted; the single UPDATE touches the
    status column and is compare-and-swap guarded on the expected status
  - Audit entries have no UPDATE or DELETE path at all
  - Reconciliation records only change through the review transition

KEY TABLES:
  accounts:          Account registry (code unique)
  transactions:      Immutable ledger of all movements (reference unique)
  allocation_rules:  Split rules (name unique), entries stored as JSON
  audit_log:         Append-only audit trail
  reconciliations:   Reconciliation outcomes

INDEXES:
  - idx_transactions_debit / idx_transactions_credit: balance sums (hot path)
  - idx_transactions_reference: idempotent replay lookup
  - idx_transactions_parent: allocation-child and reversal lookups
  - idx_audit_entity / idx_audit_actor: audit queries

CONCURRENCY:
  Uses sync.RWMutex for thread-safety, with amounts carried as decimal
  strings. In production with PostgreSQL, database-level concurrency
  control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewLedger(store, allocator, publisher)

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// timeLayout is RFC 3339 with fixed-width nanoseconds. Timestamps are stored
// as text and compared lexicographically in SQL, so trailing zeros must be
// kept; RFC3339Nano strips them and breaks the ordering within a second.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reset clears every table. This exists for the demo scenario loader only;
// none of the engine's operations can reach a delete.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"audit_log", "reconciliations", "allocation_rules", "transactions", "accounts"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Accounts (registry)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		currency TEXT NOT NULL,
		status TEXT NOT NULL,
		metadata_json TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		reference TEXT NOT NULL UNIQUE,
		debit_account TEXT NOT NULL REFERENCES accounts(id),
		credit_account TEXT NOT NULL REFERENCES accounts(id),
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		description TEXT,
		status TEXT NOT NULL,
		parent_id TEXT,
		metadata_json TEXT,
		created_by TEXT,
		effective_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- Balance sums walk one of these two (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_debit
		ON transactions(debit_account, effective_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_credit
		ON transactions(credit_account, effective_at);

	-- Idempotent replay lookup
	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(reference);

	-- Allocation children and reversals
	CREATE INDEX IF NOT EXISTS idx_transactions_parent
		ON transactions(parent_id) WHERE parent_id IS NOT NULL AND parent_id != '';

	CREATE INDEX IF NOT EXISTS idx_transactions_status
		ON transactions(status);

	-- Allocation Rules
	CREATE TABLE IF NOT EXISTS allocation_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		source_account TEXT NOT NULL REFERENCES accounts(id),
		entries_json TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		effective_from TEXT NOT NULL,
		effective_to TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_rules_source
		ON allocation_rules(source_account);

	-- Audit Log (append-only, no UPDATE or DELETE anywhere)
	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		ts TEXT NOT NULL,
		actor_id TEXT NOT NULL,
		actor_role TEXT NOT NULL,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		old_value TEXT,
		new_value TEXT,
		ip TEXT,
		user_agent TEXT,
		metadata_json TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_audit_entity
		ON audit_log(entity_type, entity_id);
	CREATE INDEX IF NOT EXISTS idx_audit_actor
		ON audit_log(actor_id);
	CREATE INDEX IF NOT EXISTS idx_audit_ts
		ON audit_log(ts);

	-- Reconciliations
	CREATE TABLE IF NOT EXISTS reconciliations (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		type TEXT NOT NULL,
		window_start TEXT NOT NULL,
		window_end TEXT NOT NULL,
		ledger_balance TEXT NOT NULL,
		external_balance TEXT NOT NULL,
		discrepancy TEXT NOT NULL,
		status TEXT NOT NULL,
		notes TEXT,
		reviewed_by TEXT,
		reviewed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reconciliations_account
		ON reconciliations(account_id);
	CREATE INDEX IF NOT EXISTS idx_reconciliations_status
		ON reconciliations(status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// querier abstracts *sql.DB and *sql.Tx so every operation runs against
// either the connection or an open transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ACCOUNT STORE
// =============================================================================

func (s *Store) SaveAccount(ctx context.Context, a ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveAccount(ctx, s.db, a)
}

func saveAccount(ctx context.Context, q querier, a ledger.Account) error {
	metadataJSON, _ := json.Marshal(a.Metadata)

	query := `
		INSERT INTO accounts (id, code, name, type, currency, status, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query,
		string(a.ID), a.Code, a.Name, string(a.Type), a.Currency, string(a.Status),
		string(metadataJSON),
		a.CreatedAt.UTC().Format(timeLayout),
		a.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err, "accounts.code") {
			return ledger.ErrDuplicateCode
		}
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

func (s *Store) UpdateAccountStatus(ctx context.Context, id ledger.AccountID, status ledger.AccountStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateAccountStatus(ctx, s.db, id, status, at)
}

func updateAccountStatus(ctx context.Context, q querier, id ledger.AccountID, status ledger.AccountStatus, at time.Time) error {
	res, err := q.ExecContext(ctx,
		"UPDATE accounts SET status = ?, updated_at = ? WHERE id = ?",
		string(status), at.UTC().Format(timeLayout), string(id),
	)
	if err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

const accountColumns = "id, code, name, type, currency, status, metadata_json, created_at, updated_at"

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccount(ctx, s.db, id)
}

func getAccount(ctx context.Context, q querier, id ledger.AccountID) (*ledger.Account, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE id = ?", string(id))
	return scanAccount(row)
}

func (s *Store) GetAccountByCode(ctx context.Context, code string) (*ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getAccountByCode(ctx, s.db, code)
}

func getAccountByCode(ctx context.Context, q querier, code string) (*ledger.Account, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE code = ?", code)
	return scanAccount(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*ledger.Account, error) {
	var (
		a                    ledger.Account
		id, typ, status      string
		metadataJSON         sql.NullString
		createdAt, updatedAt string
	)

	err := row.Scan(&id, &a.Code, &a.Name, &typ, &a.Currency, &status,
		&metadataJSON, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan account: %w", err)
	}

	a.ID = ledger.AccountID(id)
	a.Type = ledger.AccountType(typ)
	a.Status = ledger.AccountStatus(status)
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &a.Metadata)
	}
	return &a, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listAccounts(ctx, s.db)
}

func listAccounts(ctx context.Context, q querier) ([]ledger.Account, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts ORDER BY code")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// =============================================================================
// TRANSACTION STORE
// =============================================================================

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendTransaction(ctx, s.db, tx)
}

func appendTransaction(ctx context.Context, q querier, tx ledger.Transaction) error {
	metadataJSON, _ := json.Marshal(tx.Metadata)

	query := `
		INSERT INTO transactions
		(id, reference, debit_account, credit_account, amount, currency, description,
		 status, parent_id, metadata_json, created_by, effective_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query,
		string(tx.ID), tx.Reference,
		string(tx.DebitAccount), string(tx.CreditAccount),
		tx.Amount.String(), tx.Currency, tx.Description,
		string(tx.Status), string(tx.ParentID),
		string(metadataJSON), tx.CreatedBy,
		tx.EffectiveAt.UTC().Format(timeLayout),
		tx.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err, "transactions.reference") {
			return ledger.ErrDuplicateReference
		}
		if isForeignKeyError(err) {
			return fmt.Errorf("%w: transaction references an unknown account", ledger.ErrAccountNotFound)
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// UpdateTransactionStatus performs a compare-and-swap on the status column.
// The WHERE clause carries the expected status, so a concurrent transition
// loses cleanly instead of clobbering.
func (s *Store) UpdateTransactionStatus(ctx context.Context, id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateTransactionStatus(ctx, s.db, id, from, to)
}

func updateTransactionStatus(ctx context.Context, q querier, id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	res, err := q.ExecContext(ctx,
		"UPDATE transactions SET status = ? WHERE id = ? AND status = ?",
		string(to), string(id), string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to update transaction status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	// Nothing matched: either the transaction is missing or it has
	// already moved past the expected status.
	var current string
	err = q.QueryRowContext(ctx,
		"SELECT status FROM transactions WHERE id = ?", string(id)).Scan(&current)
	if err == sql.ErrNoRows {
		return ledger.ErrTransactionNotFound
	}
	if err != nil {
		return err
	}
	return &ledger.TransitionError{Entity: "transaction", From: current, To: string(to)}
}

const transactionColumns = `id, reference, debit_account, credit_account, amount, currency,
	description, status, parent_id, metadata_json, created_by, effective_at, created_at`

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransaction(ctx, s.db, id)
}

func getTransaction(ctx context.Context, q querier, id ledger.TransactionID) (*ledger.Transaction, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = ?", string(id))
	return scanTransaction(row)
}

func (s *Store) GetTransactionByReference(ctx context.Context, ref string) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getTransactionByReference(ctx, s.db, ref)
}

func getTransactionByReference(ctx context.Context, q querier, ref string) (*ledger.Transaction, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM transactions WHERE reference = ?", ref)
	return scanTransaction(row)
}

func scanTransaction(row rowScanner) (*ledger.Transaction, error) {
	var (
		tx                     ledger.Transaction
		id, debit, credit      string
		amount, status, parent string
		description, createdBy sql.NullString
		metadataJSON           sql.NullString
		effectiveAt, createdAt string
	)

	err := row.Scan(&id, &tx.Reference, &debit, &credit, &amount, &tx.Currency,
		&description, &status, &parent, &metadataJSON, &createdBy,
		&effectiveAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.ID = ledger.TransactionID(id)
	tx.DebitAccount = ledger.AccountID(debit)
	tx.CreditAccount = ledger.AccountID(credit)
	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount %q on transaction %s: %w", amount, id, err)
	}
	tx.Description = description.String
	tx.Status = ledger.TransactionStatus(status)
	tx.ParentID = ledger.TransactionID(parent)
	tx.CreatedBy = createdBy.String
	tx.EffectiveAt, _ = time.Parse(time.RFC3339Nano, effectiveAt)
	tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if metadataJSON.Valid && metadataJSON.String != "" {
		json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata)
	}
	return &tx, nil
}

func (s *Store) ListTransactionsByAccount(ctx context.Context, id ledger.AccountID, from, to time.Time) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listTransactionsByAccount(ctx, s.db, id, from, to)
}

func listTransactionsByAccount(ctx context.Context, q querier, id ledger.AccountID, from, to time.Time) ([]ledger.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE (debit_account = ? OR credit_account = ?)
		  AND effective_at >= ? AND effective_at <= ?
		ORDER BY effective_at ASC, created_at ASC
	`
	return queryTransactions(ctx, q, query,
		string(id), string(id),
		from.UTC().Format(timeLayout), to.UTC().Format(timeLayout))
}

func (s *Store) ListChildren(ctx context.Context, parent ledger.TransactionID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listChildren(ctx, s.db, parent)
}

func listChildren(ctx context.Context, q querier, parent ledger.TransactionID) ([]ledger.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE parent_id = ?
		ORDER BY created_at ASC, reference ASC
	`
	return queryTransactions(ctx, q, query, string(parent))
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	return transactions, rows.Err()
}

// AccountSums returns the raw debit and credit totals for an account over the
// window. Amounts are summed in Go on decimals: SQLite's SUM would coerce the
// stored strings to floats and lose precision.
func (s *Store) AccountSums(ctx context.Context, id ledger.AccountID, from, to time.Time) (decimal.Decimal, decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return accountSums(ctx, s.db, id, from, to)
}

func accountSums(ctx context.Context, q querier, id ledger.AccountID, from, to time.Time) (decimal.Decimal, decimal.Decimal, error) {
	query := `
		SELECT debit_account, credit_account, amount
		FROM transactions
		WHERE (debit_account = ? OR credit_account = ?)
		  AND status IN ('posted', 'reversed')
		  AND effective_at >= ? AND effective_at <= ?
	`

	rows, err := q.QueryContext(ctx, query,
		string(id), string(id),
		from.UTC().Format(timeLayout), to.UTC().Format(timeLayout))
	if err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("failed to query sums: %w", err)
	}
	defer rows.Close()

	debits, credits := decimal.Zero, decimal.Zero
	for rows.Next() {
		var debit, credit, amountStr string
		if err := rows.Scan(&debit, &credit, &amountStr); err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		amount, err := decimal.NewFromString(amountStr)
		if err != nil {
			return decimal.Zero, decimal.Zero, fmt.Errorf("corrupt amount %q: %w", amountStr, err)
		}
		if debit == string(id) {
			debits = debits.Add(amount)
		}
		if credit == string(id) {
			credits = credits.Add(amount)
		}
	}
	return debits, credits, rows.Err()
}

// =============================================================================
// RULE STORE
// =============================================================================

func (s *Store) SaveRule(ctx context.Context, r ledger.AllocationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveRule(ctx, s.db, r)
}

func saveRule(ctx context.Context, q querier, r ledger.AllocationRule) error {
	entriesJSON, err := json.Marshal(r.Entries)
	if err != nil {
		return fmt.Errorf("failed to marshal rule entries: %w", err)
	}

	query := `
		INSERT INTO allocation_rules
		(id, name, source_account, entries_json, priority, active, effective_from, effective_to, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = q.ExecContext(ctx, query,
		r.ID, r.Name, string(r.SourceAccount), string(entriesJSON),
		r.Priority, r.Active,
		r.EffectiveFrom.UTC().Format(timeLayout),
		nullTime(r.EffectiveTo),
		r.CreatedAt.UTC().Format(timeLayout),
		r.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err, "allocation_rules.name") {
			return ledger.ErrDuplicateRuleName
		}
		if isForeignKeyError(err) {
			return fmt.Errorf("%w: rule references an unknown account", ledger.ErrAccountNotFound)
		}
		return fmt.Errorf("failed to save rule: %w", err)
	}
	return nil
}

func (s *Store) UpdateRule(ctx context.Context, r ledger.AllocationRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return updateRule(ctx, s.db, r)
}

func updateRule(ctx context.Context, q querier, r ledger.AllocationRule) error {
	entriesJSON, err := json.Marshal(r.Entries)
	if err != nil {
		return fmt.Errorf("failed to marshal rule entries: %w", err)
	}

	query := `
		UPDATE allocation_rules
		SET entries_json = ?, priority = ?, active = ?, effective_from = ?, effective_to = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := q.ExecContext(ctx, query,
		string(entriesJSON), r.Priority, r.Active,
		r.EffectiveFrom.UTC().Format(timeLayout),
		nullTime(r.EffectiveTo),
		r.UpdatedAt.UTC().Format(timeLayout),
		r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrRuleNotFound
	}
	return nil
}

const ruleColumns = "id, name, source_account, entries_json, priority, active, effective_from, effective_to, created_at, updated_at"

func (s *Store) GetRule(ctx context.Context, id string) (*ledger.AllocationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRule(ctx, s.db, id)
}

func getRule(ctx context.Context, q querier, id string) (*ledger.AllocationRule, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+ruleColumns+" FROM allocation_rules WHERE id = ?", id)
	return scanRule(row)
}

func (s *Store) GetRuleByName(ctx context.Context, name string) (*ledger.AllocationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getRuleByName(ctx, s.db, name)
}

func getRuleByName(ctx context.Context, q querier, name string) (*ledger.AllocationRule, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+ruleColumns+" FROM allocation_rules WHERE name = ?", name)
	return scanRule(row)
}

func scanRule(row rowScanner) (*ledger.AllocationRule, error) {
	var (
		r                    ledger.AllocationRule
		source, entriesJSON  string
		effectiveFrom        string
		effectiveTo          sql.NullString
		createdAt, updatedAt string
	)

	err := row.Scan(&r.ID, &r.Name, &source, &entriesJSON, &r.Priority, &r.Active,
		&effectiveFrom, &effectiveTo, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan rule: %w", err)
	}

	r.SourceAccount = ledger.AccountID(source)
	if err := json.Unmarshal([]byte(entriesJSON), &r.Entries); err != nil {
		return nil, fmt.Errorf("corrupt entries on rule %s: %w", r.ID, err)
	}
	r.EffectiveFrom, _ = time.Parse(time.RFC3339Nano, effectiveFrom)
	if effectiveTo.Valid {
		t, _ := time.Parse(time.RFC3339Nano, effectiveTo.String)
		r.EffectiveTo = &t
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &r, nil
}

func (s *Store) ListRulesBySource(ctx context.Context, source ledger.AccountID) ([]ledger.AllocationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRulesBySource(ctx, s.db, source)
}

func listRulesBySource(ctx context.Context, q querier, source ledger.AccountID) ([]ledger.AllocationRule, error) {
	query := "SELECT " + ruleColumns + " FROM allocation_rules WHERE source_account = ? ORDER BY name"
	return queryRules(ctx, q, query, string(source))
}

func (s *Store) ListRules(ctx context.Context) ([]ledger.AllocationRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listRules(ctx, s.db)
}

func listRules(ctx context.Context, q querier) ([]ledger.AllocationRule, error) {
	query := "SELECT " + ruleColumns + " FROM allocation_rules ORDER BY name"
	return queryRules(ctx, q, query)
}

func queryRules(ctx context.Context, q querier, query string, args ...any) ([]ledger.AllocationRule, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []ledger.AllocationRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *r)
	}
	return rules, rows.Err()
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func (s *Store) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendAudit(ctx, s.db, e)
}

func appendAudit(ctx context.Context, q querier, e ledger.AuditEntry) error {
	metadataJSON, _ := json.Marshal(e.Metadata)

	query := `
		INSERT INTO audit_log
		(id, ts, actor_id, actor_role, action, entity_type, entity_id, old_value, new_value, ip, user_agent, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query,
		e.ID,
		e.Timestamp.UTC().Format(timeLayout),
		e.ActorID, string(e.ActorRole), string(e.Action),
		e.EntityType, e.EntityID,
		string(e.OldValue), string(e.NewValue),
		e.IP, e.UserAgent,
		string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return queryAudit(ctx, s.db, f)
}

func queryAudit(ctx context.Context, q querier, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	query := `
		SELECT id, ts, actor_id, actor_role, action, entity_type, entity_id,
		       old_value, new_value, ip, user_agent, metadata_json
		FROM audit_log
	`

	var conditions []string
	var args []any
	if f.EntityType != nil {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, *f.EntityType)
	}
	if f.EntityID != nil {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, *f.EntityID)
	}
	if f.ActorID != nil {
		conditions = append(conditions, "actor_id = ?")
		args = append(args, *f.ActorID)
	}
	if len(f.Actions) > 0 {
		placeholders := make([]string, len(f.Actions))
		for i, a := range f.Actions {
			placeholders[i] = "?"
			args = append(args, string(a))
		}
		conditions = append(conditions, "action IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.From != nil {
		conditions = append(conditions, "ts >= ?")
		args = append(args, f.From.UTC().Format(timeLayout))
	}
	if f.To != nil {
		conditions = append(conditions, "ts <= ?")
		args = append(args, f.To.UTC().Format(timeLayout))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY ts ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []ledger.AuditEntry
	for rows.Next() {
		var (
			e                  ledger.AuditEntry
			ts, role, action   string
			oldValue, newValue sql.NullString
			ip, userAgent      sql.NullString
			metadataJSON       sql.NullString
		)
		if err := rows.Scan(&e.ID, &ts, &e.ActorID, &role, &action,
			&e.EntityType, &e.EntityID, &oldValue, &newValue,
			&ip, &userAgent, &metadataJSON); err != nil {
			return nil, err
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		e.ActorRole = ledger.Role(role)
		e.Action = ledger.AuditAction(action)
		if oldValue.Valid && oldValue.String != "" {
			e.OldValue = json.RawMessage(oldValue.String)
		}
		if newValue.Valid && newValue.String != "" {
			e.NewValue = json.RawMessage(newValue.String)
		}
		e.IP = ip.String
		e.UserAgent = userAgent.String
		if metadataJSON.Valid && metadataJSON.String != "" {
			json.Unmarshal([]byte(metadataJSON.String), &e.Metadata)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// RECONCILIATION STORE
// =============================================================================

func (s *Store) SaveReconciliation(ctx context.Context, r ledger.ReconciliationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return saveReconciliation(ctx, s.db, r)
}

func saveReconciliation(ctx context.Context, q querier, r ledger.ReconciliationRecord) error {
	query := `
		INSERT INTO reconciliations
		(id, account_id, type, window_start, window_end, ledger_balance, external_balance,
		 discrepancy, status, notes, reviewed_by, reviewed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := q.ExecContext(ctx, query,
		r.ID, string(r.AccountID), string(r.Type),
		r.WindowStart.UTC().Format(timeLayout),
		r.WindowEnd.UTC().Format(timeLayout),
		r.LedgerBalance.String(), r.ExternalBalance.String(), r.Discrepancy.String(),
		string(r.Status), r.Notes, r.ReviewedBy,
		nullTime(r.ReviewedAt),
		r.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("%w: reconciliation references an unknown account", ledger.ErrAccountNotFound)
		}
		return fmt.Errorf("failed to save reconciliation: %w", err)
	}
	return nil
}

const reconColumns = `id, account_id, type, window_start, window_end, ledger_balance,
	external_balance, discrepancy, status, notes, reviewed_by, reviewed_at, created_at`

func (s *Store) GetReconciliation(ctx context.Context, id string) (*ledger.ReconciliationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getReconciliation(ctx, s.db, id)
}

func getReconciliation(ctx context.Context, q querier, id string) (*ledger.ReconciliationRecord, error) {
	row := q.QueryRowContext(ctx,
		"SELECT "+reconColumns+" FROM reconciliations WHERE id = ?", id)
	return scanReconciliation(row)
}

func scanReconciliation(row rowScanner) (*ledger.ReconciliationRecord, error) {
	var (
		r                      ledger.ReconciliationRecord
		accountID, typ, status string
		windowStart, windowEnd string
		ledgerBal, externalBal string
		discrepancy            string
		notes, reviewedBy      sql.NullString
		reviewedAt             sql.NullString
		createdAt              string
	)

	err := row.Scan(&r.ID, &accountID, &typ, &windowStart, &windowEnd,
		&ledgerBal, &externalBal, &discrepancy, &status,
		&notes, &reviewedBy, &reviewedAt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan reconciliation: %w", err)
	}

	r.AccountID = ledger.AccountID(accountID)
	r.Type = ledger.ReconciliationType(typ)
	r.Status = ledger.ReconciliationStatus(status)
	r.WindowStart, _ = time.Parse(time.RFC3339Nano, windowStart)
	r.WindowEnd, _ = time.Parse(time.RFC3339Nano, windowEnd)
	if r.LedgerBalance, err = decimal.NewFromString(ledgerBal); err != nil {
		return nil, fmt.Errorf("corrupt ledger balance on reconciliation %s: %w", r.ID, err)
	}
	if r.ExternalBalance, err = decimal.NewFromString(externalBal); err != nil {
		return nil, fmt.Errorf("corrupt external balance on reconciliation %s: %w", r.ID, err)
	}
	if r.Discrepancy, err = decimal.NewFromString(discrepancy); err != nil {
		return nil, fmt.Errorf("corrupt discrepancy on reconciliation %s: %w", r.ID, err)
	}
	r.Notes = notes.String
	r.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, reviewedAt.String)
		r.ReviewedAt = &t
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &r, nil
}

func (s *Store) ListReconciliations(ctx context.Context, account *ledger.AccountID, status *ledger.ReconciliationStatus) ([]ledger.ReconciliationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listReconciliations(ctx, s.db, account, status)
}

func listReconciliations(ctx context.Context, q querier, account *ledger.AccountID, status *ledger.ReconciliationStatus) ([]ledger.ReconciliationRecord, error) {
	query := "SELECT " + reconColumns + " FROM reconciliations"

	var conditions []string
	var args []any
	if account != nil {
		conditions = append(conditions, "account_id = ?")
		args = append(args, string(*account))
	}
	if status != nil {
		conditions = append(conditions, "status = ?")
		args = append(args, string(*status))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []ledger.ReconciliationRecord
	for rows.Next() {
		r, err := scanReconciliation(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func (s *Store) MarkReconciliationReviewed(ctx context.Context, id, reviewer, notes string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return markReconciliationReviewed(ctx, s.db, id, reviewer, notes, at)
}

func markReconciliationReviewed(ctx context.Context, q querier, id, reviewer, notes string, at time.Time) error {
	res, err := q.ExecContext(ctx,
		"UPDATE reconciliations SET status = ?, reviewed_by = ?, notes = ?, reviewed_at = ? WHERE id = ?",
		string(ledger.ReconReviewed), reviewer, notes,
		at.UTC().Format(timeLayout), id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark reconciliation reviewed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrReconciliationNotFound
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) SaveAccount(ctx context.Context, a ledger.Account) error {
	return saveAccount(ctx, ts.tx, a)
}

func (ts *txStore) UpdateAccountStatus(ctx context.Context, id ledger.AccountID, status ledger.AccountStatus, at time.Time) error {
	return updateAccountStatus(ctx, ts.tx, id, status, at)
}

func (ts *txStore) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) GetAccountByCode(ctx context.Context, code string) (*ledger.Account, error) {
	return getAccountByCode(ctx, ts.tx, code)
}

func (ts *txStore) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	return listAccounts(ctx, ts.tx)
}

func (ts *txStore) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	return appendTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) UpdateTransactionStatus(ctx context.Context, id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	return updateTransactionStatus(ctx, ts.tx, id, from, to)
}

func (ts *txStore) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return getTransaction(ctx, ts.tx, id)
}

func (ts *txStore) GetTransactionByReference(ctx context.Context, ref string) (*ledger.Transaction, error) {
	return getTransactionByReference(ctx, ts.tx, ref)
}

func (ts *txStore) ListTransactionsByAccount(ctx context.Context, id ledger.AccountID, from, to time.Time) ([]ledger.Transaction, error) {
	return listTransactionsByAccount(ctx, ts.tx, id, from, to)
}

func (ts *txStore) ListChildren(ctx context.Context, parent ledger.TransactionID) ([]ledger.Transaction, error) {
	return listChildren(ctx, ts.tx, parent)
}

func (ts *txStore) AccountSums(ctx context.Context, id ledger.AccountID, from, to time.Time) (decimal.Decimal, decimal.Decimal, error) {
	return accountSums(ctx, ts.tx, id, from, to)
}

func (ts *txStore) SaveRule(ctx context.Context, r ledger.AllocationRule) error {
	return saveRule(ctx, ts.tx, r)
}

func (ts *txStore) UpdateRule(ctx context.Context, r ledger.AllocationRule) error {
	return updateRule(ctx, ts.tx, r)
}

func (ts *txStore) GetRule(ctx context.Context, id string) (*ledger.AllocationRule, error) {
	return getRule(ctx, ts.tx, id)
}

func (ts *txStore) GetRuleByName(ctx context.Context, name string) (*ledger.AllocationRule, error) {
	return getRuleByName(ctx, ts.tx, name)
}

func (ts *txStore) ListRulesBySource(ctx context.Context, source ledger.AccountID) ([]ledger.AllocationRule, error) {
	return listRulesBySource(ctx, ts.tx, source)
}

func (ts *txStore) ListRules(ctx context.Context) ([]ledger.AllocationRule, error) {
	return listRules(ctx, ts.tx)
}

func (ts *txStore) AppendAudit(ctx context.Context, e ledger.AuditEntry) error {
	return appendAudit(ctx, ts.tx, e)
}

func (ts *txStore) QueryAudit(ctx context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	return queryAudit(ctx, ts.tx, f)
}

func (ts *txStore) SaveReconciliation(ctx context.Context, r ledger.ReconciliationRecord) error {
	return saveReconciliation(ctx, ts.tx, r)
}

func (ts *txStore) GetReconciliation(ctx context.Context, id string) (*ledger.ReconciliationRecord, error) {
	return getReconciliation(ctx, ts.tx, id)
}

func (ts *txStore) ListReconciliations(ctx context.Context, account *ledger.AccountID, status *ledger.ReconciliationStatus) ([]ledger.ReconciliationRecord, error) {
	return listReconciliations(ctx, ts.tx, account, status)
}

func (ts *txStore) MarkReconciliationReviewed(ctx context.Context, id, reviewer, notes string, at time.Time) error {
	return markReconciliationReviewed(ctx, ts.tx, id, reviewer, notes, at)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(timeLayout)
	return &s
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

func isUniqueConstraintError(err error, column string) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}
