/*
registry.go - Account Registry

PURPOSE:
  Owns the chart of logical accounts: creation, lookup, and lifecycle
  transitions. Classification is fixed at creation; accounts are never
  deleted because transactions reference them forever.

SIDE EFFECTS:
  Every successful mutation writes one audit entry with old/new snapshots,
  committed atomically with the mutation itself.
*/
package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// REGISTRY
// =============================================================================

// Registry manages the chart of accounts.
type Registry struct {
	store TxStore
}

func NewRegistry(store TxStore) *Registry {
	return &Registry{store: store}
}

// CreateAccountInput carries the caller-supplied account attributes.
type CreateAccountInput struct {
	Code     string
	Name     string
	Type     AccountType
	Currency string
	Metadata map[string]string
}

// CreateAccount registers a new account. Requires the elevated role.
func (r *Registry) CreateAccount(ctx context.Context, actor Actor, in CreateAccountInput) (*Account, error) {
	if !actor.Elevated() {
		return nil, ErrUnauthorized
	}
	if strings.TrimSpace(in.Code) == "" {
		return nil, fmt.Errorf("%w: account code is required", ErrInvalidInput)
	}
	if !in.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAccountType, in.Type)
	}
	if _, ok := CurrencyScale(in.Currency); !ok {
		return nil, &UnknownCurrencyError{Code: in.Currency}
	}

	now := time.Now().UTC()
	account := Account{
		ID:        AccountID(uuid.NewString()),
		Code:      strings.TrimSpace(in.Code),
		Name:      in.Name,
		Type:      in.Type,
		Currency:  in.Currency,
		Status:    StatusActive,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := r.store.WithTx(ctx, func(s Store) error {
		if existing, err := s.GetAccountByCode(ctx, account.Code); err != nil {
			return err
		} else if existing != nil {
			return ErrDuplicateCode
		}
		if err := s.SaveAccount(ctx, account); err != nil {
			return err
		}
		entry := NewAuditEntry(uuid.NewString(), actor, ActionAccountCreated,
			"account", string(account.ID), nil, account)
		if err := s.AppendAudit(ctx, entry); err != nil {
			return fmt.Errorf("%w: %v", ErrAuditFailed, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// SetStatus moves an account between lifecycle states. Requires the
// elevated role. Archived is terminal.
func (r *Registry) SetStatus(ctx context.Context, actor Actor, codeOrID string, status AccountStatus) (*Account, error) {
	if !actor.Elevated() {
		return nil, ErrUnauthorized
	}
	if !status.Valid() {
		return nil, &TransitionError{Entity: "account", From: "?", To: string(status)}
	}

	var updated Account
	err := r.store.WithTx(ctx, func(s Store) error {
		account, err := resolveAccount(ctx, s, codeOrID)
		if err != nil {
			return err
		}
		if !account.Status.CanTransitionTo(status) {
			return &TransitionError{
				Entity: "account",
				From:   string(account.Status),
				To:     string(status),
			}
		}

		before := *account
		now := time.Now().UTC()
		if err := s.UpdateAccountStatus(ctx, account.ID, status, now); err != nil {
			return err
		}
		updated = *account
		updated.Status = status
		updated.UpdatedAt = now

		entry := NewAuditEntry(uuid.NewString(), actor, ActionAccountStatusChanged,
			"account", string(account.ID), before, updated)
		if err := s.AppendAudit(ctx, entry); err != nil {
			return fmt.Errorf("%w: %v", ErrAuditFailed, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Get returns an account by code or opaque ID.
func (r *Registry) Get(ctx context.Context, codeOrID string) (*Account, error) {
	return resolveAccount(ctx, r.store, codeOrID)
}

// List returns the full chart of accounts.
func (r *Registry) List(ctx context.Context) ([]Account, error) {
	return r.store.ListAccounts(ctx)
}

// resolveAccount looks an account up by code first (codes are the stable
// caller-facing identity), then by opaque ID.
func resolveAccount(ctx context.Context, s Store, codeOrID string) (*Account, error) {
	account, err := s.GetAccountByCode(ctx, codeOrID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		account, err = s.GetAccount(ctx, AccountID(codeOrID))
		if err != nil {
			return nil, err
		}
	}
	if account == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, codeOrID)
	}
	return account, nil
}
