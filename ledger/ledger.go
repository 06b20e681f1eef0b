/*
ledger.go - The posting contract and balance computation

PURPOSE:
  The Ledger is the only writer of transactions. It validates a movement,
  persists it together with any allocation fan-out and every audit entry in
  one atomic unit, and computes balances by summing posted transactions.

VALIDATION SEQUENCE (all before any persistence):
  1. Reference not previously used; an exact duplicate replays the original
     result, a divergent duplicate fails with an idempotency conflict
  2. Both accounts exist and are active
  3. Debit account != credit account
  4. Amount strictly positive, within the currency's minor-unit scale
  5. Transaction currency matches both accounts' currency

ATOMICITY:
  {parent, allocation children, status moves, audit entries} is one
  all-or-nothing unit. A failed child posting aborts the parent. A failed
  audit write aborts everything. A concurrent reader never sees a parent
  without its fan-out.

CORRECTIONS:
  Posted transactions are never edited. Reverse() creates a new transaction
  with the accounts swapped, linked through ParentID, and marks the original
  reversed. Cancel() is only legal while a transaction is still pending.

SEE ALSO:
  - allocation: plans the fan-out this file persists
  - store.go: the atomic unit (TxStore.WithTx)
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/events"
)

// =============================================================================
// ALLOCATOR CONTRACT
// =============================================================================

// ChildPlan is one planned allocation child: an amount to move from the
// parent's credit account into a destination account.
type ChildPlan struct {
	Destination AccountID
	Amount      decimal.Decimal
	Rule        string
}

// Allocator plans the fan-out for an inbound transaction. Plan runs inside
// the posting unit against the transactional store view, so resolution sees
// a consistent snapshot. Returning an empty plan means no rule applies.
type Allocator interface {
	Plan(ctx context.Context, s Store, parent Transaction) ([]ChildPlan, error)
}

// =============================================================================
// LEDGER
// =============================================================================

// Ledger enforces the posting contract. allocator and publisher may be nil.
type Ledger struct {
	store     TxStore
	allocator Allocator
	publisher events.Publisher
}

func NewLedger(store TxStore, allocator Allocator, publisher events.Publisher) *Ledger {
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Ledger{store: store, allocator: allocator, publisher: publisher}
}

// PostInput carries a movement request. Accounts are referenced by code.
type PostInput struct {
	Reference     string
	DebitAccount  string
	CreditAccount string
	Amount        decimal.Decimal
	Currency      string
	Description   string
	EffectiveAt   time.Time // zero value = now
	Metadata      map[string]string
}

// Post validates and persists a movement as posted, together with its
// allocation fan-out and audit entries, in one atomic unit. Retrying with
// the same reference and payload returns the original posting unchanged and
// publishes nothing; a reference held by a transaction in any other status
// is a state error, never a silent success.
func (l *Ledger) Post(ctx context.Context, actor Actor, in PostInput) (*Transaction, error) {
	tx, children, replayed, err := l.submit(ctx, actor, in, TxPosted)
	if err != nil {
		return nil, err
	}
	if !replayed {
		l.publishPosted(tx, children)
	}
	return tx, nil
}

// Draft validates and persists a movement as pending. A pending transaction
// has no balance effect and no fan-out until committed; it may still be
// cancelled.
func (l *Ledger) Draft(ctx context.Context, actor Actor, in PostInput) (*Transaction, error) {
	tx, _, _, err := l.submit(ctx, actor, in, TxPending)
	return tx, err
}

func (l *Ledger) submit(ctx context.Context, actor Actor, in PostInput, status TransactionStatus) (tx *Transaction, children []Transaction, replayed bool, err error) {
	if strings.TrimSpace(in.Reference) == "" {
		return nil, nil, false, fmt.Errorf("%w: reference is required", ErrInvalidInput)
	}

	// Fast-path idempotency check before touching anything else.
	if existing, err := l.replay(ctx, in, status); err != nil || existing != nil {
		return existing, nil, true, err
	}

	debit, credit, err := l.validate(ctx, l.store, in)
	if err != nil {
		return nil, nil, false, err
	}

	now := time.Now().UTC()
	effective := in.EffectiveAt
	if effective.IsZero() {
		effective = now
	}
	parent := Transaction{
		ID:            TransactionID(uuid.NewString()),
		Reference:     strings.TrimSpace(in.Reference),
		DebitAccount:  debit.ID,
		CreditAccount: credit.ID,
		Amount:        in.Amount,
		Currency:      in.Currency,
		Description:   in.Description,
		Status:        status,
		Metadata:      in.Metadata,
		CreatedBy:     actor.ID,
		EffectiveAt:   effective,
		CreatedAt:     now,
	}

	err = l.store.WithTx(ctx, func(s Store) error {
		if err := s.AppendTransaction(ctx, parent); err != nil {
			return err
		}
		action := ActionTransactionPosted
		if status == TxPending {
			action = ActionTransactionDrafted
		}
		if err := l.audit(ctx, s, actor, action, parent, nil); err != nil {
			return err
		}
		if status == TxPosted {
			kids, err := l.fanOut(ctx, s, actor, parent)
			if err != nil {
				return err
			}
			children = kids
		}
		return nil
	})
	if errors.Is(err, ErrDuplicateReference) {
		// Lost a race with a concurrent writer using the same reference.
		existing, rerr := l.replay(ctx, in, status)
		if rerr == nil && existing == nil {
			rerr = err
		}
		return existing, nil, true, rerr
	}
	if err != nil {
		return nil, nil, false, err
	}
	return &parent, children, false, nil
}

// replay resolves a previously used reference into the original transaction
// (identical payload, same lifecycle stage) or an error. A matching payload
// whose transaction sits in a different status is a state error: a draft or
// a cancelled movement never passes for a completed posting.
func (l *Ledger) replay(ctx context.Context, in PostInput, want TransactionStatus) (*Transaction, error) {
	existing, err := l.store.GetTransactionByReference(ctx, strings.TrimSpace(in.Reference))
	if err != nil || existing == nil {
		return nil, err
	}

	conflict := &IdempotencyConflictError{Reference: existing.Reference, ExistingID: existing.ID}
	debit, derr := resolveAccount(ctx, l.store, in.DebitAccount)
	credit, cerr := resolveAccount(ctx, l.store, in.CreditAccount)
	if derr != nil || cerr != nil {
		return nil, conflict
	}
	candidate := Transaction{
		DebitAccount:  debit.ID,
		CreditAccount: credit.ID,
		Amount:        in.Amount,
		Currency:      in.Currency,
		Description:   in.Description,
	}
	if !existing.SamePayload(&candidate) {
		return nil, conflict
	}
	if existing.Status != want {
		return nil, &TransitionError{Entity: "transaction", From: string(existing.Status), To: string(want)}
	}
	return existing, nil
}

// validate runs the posting checks that precede any persistence.
func (l *Ledger) validate(ctx context.Context, s Store, in PostInput) (debit, credit *Account, err error) {
	if err := ValidateAmount(in.Amount, in.Currency); err != nil {
		return nil, nil, err
	}
	debit, err = resolveAccount(ctx, s, in.DebitAccount)
	if err != nil {
		return nil, nil, err
	}
	credit, err = resolveAccount(ctx, s, in.CreditAccount)
	if err != nil {
		return nil, nil, err
	}
	if debit.ID == credit.ID {
		return nil, nil, ErrSameAccount
	}
	if !debit.Postable() {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrAccountNotActive, debit.Code, debit.Status)
	}
	if !credit.Postable() {
		return nil, nil, fmt.Errorf("%w: %s is %s", ErrAccountNotActive, credit.Code, credit.Status)
	}
	if debit.Currency != in.Currency || credit.Currency != in.Currency {
		return nil, nil, fmt.Errorf("%w: transaction is %s, accounts are %s/%s",
			ErrCurrencyMismatch, in.Currency, debit.Currency, credit.Currency)
	}
	return debit, credit, nil
}

// fanOut plans and persists allocation children for a posted parent. Any
// child failure aborts the whole unit.
func (l *Ledger) fanOut(ctx context.Context, s Store, actor Actor, parent Transaction) ([]Transaction, error) {
	if l.allocator == nil {
		return nil, nil
	}
	plans, err := l.allocator.Plan(ctx, s, parent)
	if err != nil {
		return nil, err
	}

	var children []Transaction
	for i, plan := range plans {
		destination, err := s.GetAccount(ctx, plan.Destination)
		if err != nil {
			return nil, err
		}
		if destination == nil {
			return nil, &AllocationError{Rule: plan.Rule, Destination: plan.Destination, Err: ErrAccountNotFound}
		}
		if !destination.Postable() {
			return nil, &AllocationError{Rule: plan.Rule, Destination: plan.Destination, Err: ErrAccountNotActive}
		}
		if destination.Currency != parent.Currency {
			return nil, &AllocationError{Rule: plan.Rule, Destination: plan.Destination, Err: ErrCurrencyMismatch}
		}

		child := Transaction{
			ID:            TransactionID(uuid.NewString()),
			Reference:     fmt.Sprintf("%s/alloc/%d", parent.Reference, i),
			DebitAccount:  parent.CreditAccount,
			CreditAccount: destination.ID,
			Amount:        plan.Amount,
			Currency:      parent.Currency,
			Description:   fmt.Sprintf("allocation of %s by rule %s", parent.Reference, plan.Rule),
			Status:        TxPosted,
			ParentID:      parent.ID,
			Metadata:      map[string]string{"allocation_rule": plan.Rule},
			CreatedBy:     actor.ID,
			EffectiveAt:   parent.EffectiveAt,
			CreatedAt:     time.Now().UTC(),
		}
		if err := s.AppendTransaction(ctx, child); err != nil {
			return nil, &AllocationError{Rule: plan.Rule, Destination: plan.Destination, Err: err}
		}
		if err := l.audit(ctx, s, actor, ActionTransactionPosted, child, nil); err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// =============================================================================
// LIFECYCLE - Commit, Cancel, Reverse
// =============================================================================

// Commit moves a pending transaction to posted, running its allocation
// fan-out in the same unit. The accounts are re-validated: they may have
// been deactivated since the draft.
func (l *Ledger) Commit(ctx context.Context, actor Actor, id TransactionID) (*Transaction, error) {
	var committed Transaction
	var children []Transaction
	err := l.store.WithTx(ctx, func(s Store) error {
		tx, err := s.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if tx == nil {
			return fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
		}
		if tx.Status != TxPending {
			return fmt.Errorf("%w: %s is %s", ErrNotPending, id, tx.Status)
		}
		for _, accountID := range []AccountID{tx.DebitAccount, tx.CreditAccount} {
			account, err := s.GetAccount(ctx, accountID)
			if err != nil {
				return err
			}
			if account == nil || !account.Postable() {
				return fmt.Errorf("%w: %s", ErrAccountNotActive, accountID)
			}
		}
		if err := s.UpdateTransactionStatus(ctx, id, TxPending, TxPosted); err != nil {
			return err
		}
		committed = *tx
		committed.Status = TxPosted
		if err := l.audit(ctx, s, actor, ActionTransactionPosted, committed, tx); err != nil {
			return err
		}
		children, err = l.fanOut(ctx, s, actor, committed)
		return err
	})
	if err != nil {
		return nil, err
	}
	l.publishPosted(&committed, children)
	return &committed, nil
}

// Cancel marks a pending transaction cancelled. Posted transactions cannot
// be cancelled; undo their effect with Reverse.
func (l *Ledger) Cancel(ctx context.Context, actor Actor, id TransactionID) (*Transaction, error) {
	var cancelled Transaction
	err := l.store.WithTx(ctx, func(s Store) error {
		tx, err := s.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if tx == nil {
			return fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
		}
		if tx.Status != TxPending {
			return fmt.Errorf("%w: %s is %s", ErrNotPending, id, tx.Status)
		}
		if err := s.UpdateTransactionStatus(ctx, id, TxPending, TxCancelled); err != nil {
			return err
		}
		cancelled = *tx
		cancelled.Status = TxCancelled
		return l.audit(ctx, s, actor, ActionTransactionCancelled, cancelled, tx)
	})
	if err != nil {
		return nil, err
	}
	return &cancelled, nil
}

// Reverse undoes the economic effect of a posted transaction by creating a
// new transaction with the accounts swapped, linked via ParentID. The
// original record is never edited beyond the posted->reversed status mark.
// Reversals do not re-trigger allocation.
func (l *Ledger) Reverse(ctx context.Context, actor Actor, id TransactionID) (*Transaction, error) {
	var reversal Transaction
	err := l.store.WithTx(ctx, func(s Store) error {
		original, err := s.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if original == nil {
			return fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
		}
		if original.Status == TxReversed {
			return fmt.Errorf("%w: %s", ErrAlreadyReversed, id)
		}
		if original.Status != TxPosted {
			return &TransitionError{Entity: "transaction", From: string(original.Status), To: string(TxReversed)}
		}

		now := time.Now().UTC()
		reversal = Transaction{
			ID:            TransactionID(uuid.NewString()),
			Reference:     "rev/" + original.Reference,
			DebitAccount:  original.CreditAccount,
			CreditAccount: original.DebitAccount,
			Amount:        original.Amount,
			Currency:      original.Currency,
			Description:   fmt.Sprintf("reversal of %s", original.Reference),
			Status:        TxPosted,
			ParentID:      original.ID,
			CreatedBy:     actor.ID,
			EffectiveAt:   now,
			CreatedAt:     now,
		}
		if err := s.AppendTransaction(ctx, reversal); err != nil {
			return err
		}
		if err := s.UpdateTransactionStatus(ctx, original.ID, TxPosted, TxReversed); err != nil {
			return err
		}
		marked := *original
		marked.Status = TxReversed
		if err := l.audit(ctx, s, actor, ActionTransactionReversed, marked, original); err != nil {
			return err
		}
		return l.audit(ctx, s, actor, ActionTransactionPosted, reversal, nil)
	})
	if err != nil {
		return nil, err
	}
	return &reversal, nil
}

// =============================================================================
// READS
// =============================================================================

// Balance returns the cumulative balance of everything posted up to asOf.
// A zero asOf means now.
func (l *Ledger) Balance(ctx context.Context, codeOrID string, asOf time.Time) (*BalanceView, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	return l.BalanceWindow(ctx, codeOrID, time.Time{}, asOf)
}

// BalanceWindow returns the balance of posted movement inside [from, to].
// A zero from is unbounded.
func (l *Ledger) BalanceWindow(ctx context.Context, codeOrID string, from, to time.Time) (*BalanceView, error) {
	account, err := resolveAccount(ctx, l.store, codeOrID)
	if err != nil {
		return nil, err
	}
	debits, credits, err := l.store.AccountSums(ctx, account.ID, from, to)
	if err != nil {
		return nil, err
	}
	return &BalanceView{
		AccountID: account.ID,
		Code:      account.Code,
		Type:      account.Type,
		Currency:  account.Currency,
		Debits:    debits,
		Credits:   credits,
		Balance:   signedBalance(account.Type, debits, credits),
		From:      from,
		AsOf:      to,
	}, nil
}

// Transaction returns a transaction by ID.
func (l *Ledger) Transaction(ctx context.Context, id TransactionID) (*Transaction, error) {
	tx, err := l.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	return tx, nil
}

// Transactions returns an account's history in [from, to].
func (l *Ledger) Transactions(ctx context.Context, codeOrID string, from, to time.Time) ([]Transaction, error) {
	account, err := resolveAccount(ctx, l.store, codeOrID)
	if err != nil {
		return nil, err
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	return l.store.ListTransactionsByAccount(ctx, account.ID, from, to)
}

// Children returns the allocation children and reversals of a transaction.
func (l *Ledger) Children(ctx context.Context, parent TransactionID) ([]Transaction, error) {
	return l.store.ListChildren(ctx, parent)
}

// =============================================================================
// HELPERS
// =============================================================================

func (l *Ledger) audit(ctx context.Context, s Store, actor Actor, action AuditAction, tx Transaction, old *Transaction) error {
	entry := NewAuditEntry(uuid.NewString(), actor, action, "transaction", string(tx.ID), old, tx)
	if err := s.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("%w: %v", ErrAuditFailed, err)
	}
	return nil
}

func (l *Ledger) publishPosted(tx *Transaction, children []Transaction) {
	event := events.TransactionPosted{
		TransactionID: string(tx.ID),
		Reference:     tx.Reference,
		DebitAccount:  string(tx.DebitAccount),
		CreditAccount: string(tx.CreditAccount),
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		PostedAt:      time.Now().UTC(),
	}
	for _, c := range children {
		event.Children = append(event.Children, c.Reference)
	}
	if err := l.publisher.Publish(events.TopicTransactionPosted, event); err != nil {
		log.Printf("[ledger] event publish failed for %s: %v", tx.Reference, err)
	}
}
