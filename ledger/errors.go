/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify failures with the category helpers (IsValidation,
  IsNotFound, IsConflict, IsState, IsUnauthorized, IsRetryable) instead of
  matching on message text.

ERROR CATEGORIES:
  1. Validation errors  - malformed or out-of-range input, rejected before
                          any persistence
  2. Not-found errors   - unknown account, transaction, or rule
  3. Conflict errors    - duplicate account code, duplicate rule name,
                          reference reuse with a different payload
  4. State errors       - illegal lifecycle transitions
  5. Unauthorized       - missing the elevated role
  6. Persistence errors - store failures; the in-flight unit is rolled back
                          and the caller may retry

A reconciliation mismatch is NOT an error: it is a recorded, expected
outcome and is persisted as an unmatched record.
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrTransactionNotFound is returned when a referenced transaction doesn't exist.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrRuleNotFound is returned when a referenced allocation rule doesn't exist.
	ErrRuleNotFound = errors.New("allocation rule not found")

	// ErrReconciliationNotFound is returned when a reconciliation record doesn't exist.
	ErrReconciliationNotFound = errors.New("reconciliation record not found")

	// ErrDuplicateCode is returned when an account code is already taken.
	ErrDuplicateCode = errors.New("duplicate account code")

	// ErrDuplicateReference is returned by stores when a transaction reference
	// already exists. The ledger resolves it into either an idempotent replay
	// or an IdempotencyConflictError.
	ErrDuplicateReference = errors.New("duplicate transaction reference")

	// ErrDuplicateRuleName is returned when an allocation rule name is taken.
	ErrDuplicateRuleName = errors.New("duplicate allocation rule name")

	// ErrInvalidInput is returned for missing or malformed required fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNonPositiveAmount is returned for zero or negative amounts.
	ErrNonPositiveAmount = errors.New("amount must be positive")

	// ErrSameAccount is returned when debit and credit reference one account.
	ErrSameAccount = errors.New("debit and credit account must differ")

	// ErrAccountNotActive is returned when posting against a non-active account.
	ErrAccountNotActive = errors.New("account does not accept postings")

	// ErrCurrencyMismatch is returned when a transaction currency does not
	// match both referenced accounts.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrInvalidAccountType is returned for a classification outside the
	// closed enumeration.
	ErrInvalidAccountType = errors.New("invalid account type")

	// ErrInvalidRule is returned for a structurally invalid allocation rule.
	ErrInvalidRule = errors.New("invalid allocation rule")

	// ErrInvalidTransition is returned for an illegal lifecycle transition.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	// ErrAlreadyReversed is returned when reversing a reversed transaction.
	ErrAlreadyReversed = errors.New("transaction already reversed")

	// ErrNotPending is returned when cancelling or committing a transaction
	// that is no longer pending.
	ErrNotPending = errors.New("transaction is not pending")

	// ErrUnauthorized is returned when an operation requires the elevated role.
	ErrUnauthorized = errors.New("operation requires elevated role")

	// ErrStoreFailed wraps unexpected persistence failures. The enclosing
	// atomic unit has been rolled back and the operation may be retried.
	ErrStoreFailed = errors.New("persistence failure")

	// ErrAuditFailed is returned when an audit entry cannot be written. An
	// unaudited mutation must never commit, so the whole unit is aborted.
	ErrAuditFailed = errors.New("audit write failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// IdempotencyConflictError reports a reference reused with a different payload.
type IdempotencyConflictError struct {
	Reference  string
	ExistingID TransactionID
}

func (e *IdempotencyConflictError) Error() string {
	return fmt.Sprintf("reference %q already used by transaction %s with a different payload",
		e.Reference, e.ExistingID)
}

func (e *IdempotencyConflictError) Unwrap() error { return ErrDuplicateReference }

// TransitionError reports an illegal status transition with both endpoints.
type TransitionError struct {
	Entity string // "account" or "transaction"
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s cannot move from %s to %s", e.Entity, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// UnknownCurrencyError reports a currency code with no ISO 4217 definition.
type UnknownCurrencyError struct {
	Code string
}

func (e *UnknownCurrencyError) Error() string {
	return fmt.Sprintf("unknown currency code %q", e.Code)
}

// AmountScaleError reports an amount with more decimal places than the
// currency's minor unit allows.
type AmountScaleError struct {
	Amount   decimal.Decimal
	Currency string
	Scale    int32
}

func (e *AmountScaleError) Error() string {
	return fmt.Sprintf("amount %s exceeds the %d decimal place(s) of %s",
		e.Amount, e.Scale, e.Currency)
}

// AllocationError reports which rule entry made an allocation fan-out fail.
// The parent posting is rolled back with it.
type AllocationError struct {
	Rule        string
	Destination AccountID
	Err         error
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("allocation rule %q failed for destination %s: %v",
		e.Rule, e.Destination, e.Err)
}

func (e *AllocationError) Unwrap() error { return e.Err }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsValidation returns true if the error is due to invalid input, detected
// before any persistence.
func IsValidation(err error) bool {
	var unknown *UnknownCurrencyError
	var scale *AmountScaleError
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrNonPositiveAmount) ||
		errors.Is(err, ErrSameAccount) ||
		errors.Is(err, ErrAccountNotActive) ||
		errors.Is(err, ErrCurrencyMismatch) ||
		errors.Is(err, ErrInvalidAccountType) ||
		errors.Is(err, ErrInvalidRule) ||
		errors.As(err, &unknown) ||
		errors.As(err, &scale)
}

// IsNotFound returns true if the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrRuleNotFound) ||
		errors.Is(err, ErrReconciliationNotFound)
}

// IsConflict returns true if the error indicates a uniqueness conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateCode) ||
		errors.Is(err, ErrDuplicateReference) ||
		errors.Is(err, ErrDuplicateRuleName)
}

// IsState returns true if the error indicates an illegal lifecycle transition.
func IsState(err error) bool {
	return errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrAlreadyReversed) ||
		errors.Is(err, ErrNotPending)
}

// IsUnauthorized returns true if the error indicates a missing role.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrUnauthorized)
}

// IsRetryable returns true if the error might succeed on retry. Persistence
// failures leave no partial state behind, so the caller may simply repeat
// the call with the same reference.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreFailed)
}
