/*
Package reconcile compares ledger balances against an external source of truth.

PURPOSE:
  A reconciliation run computes the ledger's derived balance for an account,
  compares it with an independently supplied external balance, and persists
  the outcome as a ReconciliationRecord - matched or not. Discrepancies are
  detected and recorded, never silently absorbed: a mismatch is a normal,
  persisted result, not an error.

TOLERANCE:
  |external - ledger| <= tolerance counts as matched. The default tolerance
  is zero: financial reconciliation is exact unless policy says otherwise.

REVIEW:
  A human reviewer may later move a pending or unmatched record to reviewed
  with notes. That transition is the only post-hoc mutation of a record and
  is itself audited.

SEE ALSO:
  - ledger/reconciliation.go: The record model
  - api/scheduler.go: Periodic reconciliation against a BalanceSource
*/
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// BalanceSource supplies externally observed balances, e.g. a bank statement
// feed or an upstream processor. Consumed as a capability; never implemented
// by the engine itself.
type BalanceSource interface {
	ExternalBalance(ctx context.Context, accountCode string) (decimal.Decimal, error)
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine runs reconciliations and the review workflow.
type Engine struct {
	store     ledger.TxStore
	ledger    *ledger.Ledger
	tolerance decimal.Decimal
}

// NewEngine creates an engine with the given match tolerance. A negative
// tolerance is treated as zero.
func NewEngine(store ledger.TxStore, led *ledger.Ledger, tolerance decimal.Decimal) *Engine {
	if tolerance.IsNegative() {
		tolerance = decimal.Zero
	}
	return &Engine{store: store, ledger: led, tolerance: tolerance}
}

// Input describes one reconciliation request.
type Input struct {
	Account         string // account code
	ExternalBalance decimal.Decimal
	Type            ledger.ReconciliationType
	WindowStart     time.Time // only for window reconciliations
	WindowEnd       time.Time // zero value = now
	Notes           string
}

// Reconcile computes the ledger balance, records the outcome, and returns
// the record. The record is persisted whether or not the balances agree.
func (e *Engine) Reconcile(ctx context.Context, actor ledger.Actor, in Input) (*ledger.ReconciliationRecord, error) {
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: reconciliation type %q", ledger.ErrInvalidInput, in.Type)
	}
	end := in.WindowEnd
	if end.IsZero() {
		end = time.Now().UTC()
	}

	var view *ledger.BalanceView
	var err error
	switch in.Type {
	case ledger.ReconWindow:
		view, err = e.ledger.BalanceWindow(ctx, in.Account, in.WindowStart, end)
	default:
		view, err = e.ledger.Balance(ctx, in.Account, end)
	}
	if err != nil {
		return nil, err
	}

	discrepancy := in.ExternalBalance.Sub(view.Balance)
	status := ledger.ReconUnmatched
	if discrepancy.Abs().LessThanOrEqual(e.tolerance) {
		status = ledger.ReconMatched
	}

	record := ledger.ReconciliationRecord{
		ID:              uuid.NewString(),
		AccountID:       view.AccountID,
		Type:            in.Type,
		WindowStart:     in.WindowStart,
		WindowEnd:       end,
		LedgerBalance:   view.Balance,
		ExternalBalance: in.ExternalBalance,
		Discrepancy:     discrepancy,
		Status:          status,
		Notes:           in.Notes,
		CreatedAt:       time.Now().UTC(),
	}

	err = e.store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.SaveReconciliation(ctx, record); err != nil {
			return err
		}
		entry := ledger.NewAuditEntry(uuid.NewString(), actor, ledger.ActionReconciliationRun,
			"reconciliation", record.ID, nil, record)
		if err := s.AppendAudit(ctx, entry); err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrAuditFailed, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// =============================================================================
// BATCH RECONCILIATION
// =============================================================================

// BatchOutcome summarizes a batch run: success when everything matched,
// failed when nothing did, partial otherwise.
type BatchOutcome string

const (
	BatchSuccess BatchOutcome = "success"
	BatchFailed  BatchOutcome = "failed"
	BatchPartial BatchOutcome = "partial"
)

// BatchResult carries the per-account records and the aggregate outcome.
type BatchResult struct {
	Outcome   BatchOutcome
	Matched   int
	Unmatched int
	Records   []ledger.ReconciliationRecord
}

// ReconcileBatch runs one reconciliation per input. Accounts are resolved
// up front so an unknown account fails the batch before anything persists.
func (e *Engine) ReconcileBatch(ctx context.Context, actor ledger.Actor, inputs []Input) (*BatchResult, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: empty batch", ledger.ErrInvalidInput)
	}
	for _, in := range inputs {
		account, err := e.store.GetAccountByCode(ctx, in.Account)
		if err != nil {
			return nil, err
		}
		if account == nil {
			return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, in.Account)
		}
	}

	result := &BatchResult{}
	for _, in := range inputs {
		record, err := e.Reconcile(ctx, actor, in)
		if err != nil {
			return nil, err
		}
		result.Records = append(result.Records, *record)
		if record.Status == ledger.ReconMatched {
			result.Matched++
		} else {
			result.Unmatched++
		}
	}
	switch {
	case result.Unmatched == 0:
		result.Outcome = BatchSuccess
	case result.Matched == 0:
		result.Outcome = BatchFailed
	default:
		result.Outcome = BatchPartial
	}
	return result, nil
}

// =============================================================================
// REVIEW
// =============================================================================

// Review transitions a pending or unmatched record to reviewed with notes.
// Requires the elevated role; the transition is audited.
func (e *Engine) Review(ctx context.Context, actor ledger.Actor, id, notes string) (*ledger.ReconciliationRecord, error) {
	if !actor.Elevated() {
		return nil, ledger.ErrUnauthorized
	}

	var reviewed ledger.ReconciliationRecord
	err := e.store.WithTx(ctx, func(s ledger.Store) error {
		record, err := s.GetReconciliation(ctx, id)
		if err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("%w: %s", ledger.ErrReconciliationNotFound, id)
		}
		if !record.Reviewable() {
			return &ledger.TransitionError{
				Entity: "reconciliation",
				From:   string(record.Status),
				To:     string(ledger.ReconReviewed),
			}
		}
		now := time.Now().UTC()
		if err := s.MarkReconciliationReviewed(ctx, id, actor.ID, notes, now); err != nil {
			return err
		}
		reviewed = *record
		reviewed.Status = ledger.ReconReviewed
		reviewed.ReviewedBy = actor.ID
		reviewed.ReviewedAt = &now
		reviewed.Notes = notes
		entry := ledger.NewAuditEntry(uuid.NewString(), actor, ledger.ActionReconciliationReview,
			"reconciliation", id, record, reviewed)
		if err := s.AppendAudit(ctx, entry); err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrAuditFailed, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &reviewed, nil
}

// =============================================================================
// READS
// =============================================================================

// Record returns a reconciliation record by ID.
func (e *Engine) Record(ctx context.Context, id string) (*ledger.ReconciliationRecord, error) {
	record, err := e.store.GetReconciliation(ctx, id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrReconciliationNotFound, id)
	}
	return record, nil
}

// List returns records, optionally filtered by account code and status.
func (e *Engine) List(ctx context.Context, accountCode string, status *ledger.ReconciliationStatus) ([]ledger.ReconciliationRecord, error) {
	var accountID *ledger.AccountID
	if accountCode != "" {
		account, err := e.store.GetAccountByCode(ctx, accountCode)
		if err != nil {
			return nil, err
		}
		if account == nil {
			return nil, fmt.Errorf("%w: %s", ledger.ErrAccountNotFound, accountCode)
		}
		accountID = &account.ID
	}
	return e.store.ListReconciliations(ctx, accountID, status)
}
