/*
Package ledger provides the core double-entry ledger engine.

PURPOSE:
  This package contains the types and services for recording financial
  movements between logical accounts. Every movement is a transaction with
  exactly one debit account and one credit account; balances are always
  derived by summing posted transactions - there is no stored "balance"
  column that can drift out of sync with the log.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: A logical ledger bucket with a classification and currency
  - Transaction: A single money movement (debit account -> credit account)
  - Actor: Pre-verified caller identity, carried into every audit entry
  - Currency helpers backed by ISO 4217 minor-unit metadata

DESIGN PRINCIPLES:
  1. Conservation: every transaction debits one account and credits another,
     so value is never created or destroyed by a posting
  2. Immutability: posted transactions are never edited; corrections happen
     via linked reversal transactions
  3. Precision: decimal.Decimal for all amounts, never floating point
  4. Derived balances: balance is recomputed from the transaction log

SEE ALSO:
  - ledger.go: The posting contract and balance computation
  - registry.go: Account lifecycle management
  - store.go: Persistence interfaces
*/
package ledger

import (
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string

// =============================================================================
// ACCOUNT - Logical ledger bucket
// =============================================================================

// AccountType is the classification that fixes debit/credit sign semantics.
// It is immutable after account creation.
type AccountType string

const (
	TypeAsset     AccountType = "asset"
	TypeLiability AccountType = "liability"
	TypeEquity    AccountType = "equity"
	TypeRevenue   AccountType = "revenue"
	TypeExpense   AccountType = "expense"
)

// Valid reports whether t is one of the closed set of classifications.
func (t AccountType) Valid() bool {
	switch t {
	case TypeAsset, TypeLiability, TypeEquity, TypeRevenue, TypeExpense:
		return true
	}
	return false
}

// DebitNormal reports whether the balance of this classification increases
// on the debit side. Asset and expense accounts are debit-normal; liability,
// equity, and revenue accounts increase on the credit side.
func (t AccountType) DebitNormal() bool {
	return t == TypeAsset || t == TypeExpense
}

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	StatusActive   AccountStatus = "active"
	StatusInactive AccountStatus = "inactive"
	StatusArchived AccountStatus = "archived"
)

func (s AccountStatus) Valid() bool {
	switch s {
	case StatusActive, StatusInactive, StatusArchived:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// Active and inactive may flip back and forth, both may be archived, and
// archived is terminal. Accounts are never deleted: transactions keep
// referencing them forever.
func (s AccountStatus) CanTransitionTo(next AccountStatus) bool {
	if s == next {
		return false
	}
	switch s {
	case StatusActive:
		return next == StatusInactive || next == StatusArchived
	case StatusInactive:
		return next == StatusActive || next == StatusArchived
	}
	return false
}

// Account is a logical ledger bucket. Code is the stable, caller-assigned
// identifier; ID is an opaque system-generated identifier.
type Account struct {
	ID       AccountID
	Code     string
	Name     string
	Type     AccountType
	Currency string
	Status   AccountStatus
	Metadata map[string]string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Postable reports whether new transactions may reference this account.
func (a *Account) Postable() bool {
	return a.Status == StatusActive
}

// =============================================================================
// TRANSACTION - One money movement
// =============================================================================

// TransactionStatus is the lifecycle state of a transaction.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxPosted    TransactionStatus = "posted"
	TxReversed  TransactionStatus = "reversed"
	TxCancelled TransactionStatus = "cancelled"
)

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
// pending may be committed or cancelled; posted may only be marked reversed
// (by a new linked reversal transaction, never an in-place edit); reversed
// and cancelled are terminal.
func (s TransactionStatus) CanTransitionTo(next TransactionStatus) bool {
	switch s {
	case TxPending:
		return next == TxPosted || next == TxCancelled
	case TxPosted:
		return next == TxReversed
	}
	return false
}

// Transaction records one money movement from a debit account to a credit
// account. Reference is the caller-supplied idempotency key and is unique
// across the ledger. ParentID links allocation children and reversals back
// to the transaction that produced them.
type Transaction struct {
	ID            TransactionID
	Reference     string
	DebitAccount  AccountID
	CreditAccount AccountID
	Amount        decimal.Decimal
	Currency      string
	Description   string
	Status        TransactionStatus
	ParentID      TransactionID
	Metadata      map[string]string

	CreatedBy   string
	EffectiveAt time.Time
	CreatedAt   time.Time
}

// SamePayload reports whether other carries the same economic content:
// accounts, amount, currency, and description. Used to distinguish a safe
// idempotent replay from a conflicting reuse of the same reference.
// Metadata is deliberately excluded (retries may carry different trace
// annotations), and so is the effective time: a retry that omits it would
// default to its own wall clock and could never replay.
func (t *Transaction) SamePayload(other *Transaction) bool {
	return t.DebitAccount == other.DebitAccount &&
		t.CreditAccount == other.CreditAccount &&
		t.Amount.Equal(other.Amount) &&
		t.Currency == other.Currency &&
		t.Description == other.Description
}

// =============================================================================
// BALANCE - Always derived, never stored
// =============================================================================

// BalanceView is the computed balance of an account over posted transactions.
// Debits and Credits are the raw classification-agnostic sums; Balance applies
// the sign convention of the account's classification.
type BalanceView struct {
	AccountID AccountID
	Code      string
	Type      AccountType
	Currency  string
	Debits    decimal.Decimal
	Credits   decimal.Decimal
	Balance   decimal.Decimal
	From      time.Time
	AsOf      time.Time
}

// signedBalance applies the classification sign convention to raw sums.
func signedBalance(t AccountType, debits, credits decimal.Decimal) decimal.Decimal {
	raw := debits.Sub(credits)
	if t.DebitNormal() {
		return raw
	}
	return raw.Neg()
}

// =============================================================================
// ACTOR - Pre-verified caller identity
// =============================================================================

// Role is the authorization claim attached to an actor. Token verification
// happens outside this engine; the engine only enforces that administrative
// mutations carry the elevated role.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
	RoleSystem   Role = "system"
)

// Actor identifies who is performing an operation, plus the request metadata
// that flows unmodified into audit entries.
type Actor struct {
	ID        string
	Role      Role
	IP        string
	UserAgent string
}

// Elevated reports whether the actor may perform administrative mutations.
// Scheduled system jobs run with the system role.
func (a Actor) Elevated() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

// =============================================================================
// CURRENCY HELPERS
// =============================================================================

// CurrencyScale returns the number of minor-unit digits for an ISO 4217
// currency code (2 for USD, 0 for JPY). The second return is false for
// unknown codes.
func CurrencyScale(code string) (int32, bool) {
	c := money.GetCurrency(code)
	if c == nil {
		return 0, false
	}
	return int32(c.Fraction), true
}

// ValidateAmount checks that amount is strictly positive and does not carry
// more decimal places than the currency supports.
func ValidateAmount(amount decimal.Decimal, currency string) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	scale, ok := CurrencyScale(currency)
	if !ok {
		return &UnknownCurrencyError{Code: currency}
	}
	if !amount.Equal(amount.Truncate(scale)) {
		return &AmountScaleError{Amount: amount, Currency: currency, Scale: scale}
	}
	return nil
}
