/*
reconciliation.go - Reconciliation record model

PURPOSE:
  A reconciliation compares the ledger's derived balance for an account
  against an independently supplied external balance and records the outcome
  regardless of whether the two agree. A mismatch is an expected, persisted
  result - never a suppressed error.

  The engine that runs reconciliations lives in the reconcile package; this
  file holds the record shape shared between engine and stores.
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RECONCILIATION RECORD
// =============================================================================

// ReconciliationType selects how the ledger balance is computed.
type ReconciliationType string

const (
	// ReconCumulative compares the balance of everything posted up to the
	// window end.
	ReconCumulative ReconciliationType = "cumulative"

	// ReconWindow compares only the movement inside [WindowStart, WindowEnd].
	ReconWindow ReconciliationType = "window"
)

func (t ReconciliationType) Valid() bool {
	return t == ReconCumulative || t == ReconWindow
}

// ReconciliationStatus is the outcome of a run, or of a later human review.
type ReconciliationStatus string

const (
	ReconPending   ReconciliationStatus = "pending"
	ReconMatched   ReconciliationStatus = "matched"
	ReconUnmatched ReconciliationStatus = "unmatched"
	ReconPartial   ReconciliationStatus = "partial" // batch runs: some accounts matched
	ReconReviewed  ReconciliationStatus = "reviewed"
)

// ReconciliationRecord is the persisted outcome of one reconciliation of one
// account. A run never mutates its record after creation; the only allowed
// later change is the audited review transition.
type ReconciliationRecord struct {
	ID              string
	AccountID       AccountID
	Type            ReconciliationType
	WindowStart     time.Time
	WindowEnd       time.Time
	LedgerBalance   decimal.Decimal
	ExternalBalance decimal.Decimal
	Discrepancy     decimal.Decimal // external - ledger
	Status          ReconciliationStatus
	Notes           string
	ReviewedBy      string
	ReviewedAt      *time.Time

	CreatedAt time.Time
}

// Reviewable reports whether a human may transition this record to reviewed.
func (r *ReconciliationRecord) Reviewable() bool {
	return r.Status == ReconPending || r.Status == ReconUnmatched
}
