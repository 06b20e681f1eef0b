/*
service.go - Administrative allocation rule management

PURPOSE:
  Create, update, and deactivate allocation rules. Every mutation requires
  the elevated role and commits atomically with its audit entry. Rules are
  never deleted: an expired or deactivated rule stays behind so historic
  fan-outs can be explained.
*/
package allocation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// Service manages allocation rules.
type Service struct {
	store ledger.TxStore
}

func NewService(store ledger.TxStore) *Service {
	return &Service{store: store}
}

// EntryInput is one split target, referenced by account code.
type EntryInput struct {
	Destination string
	Percentage  decimal.Decimal
}

// RuleInput carries the caller-supplied rule attributes.
type RuleInput struct {
	Name          string
	SourceAccount string // account code
	Entries       []EntryInput
	Priority      int
	EffectiveFrom time.Time  // zero value = now
	EffectiveTo   *time.Time // nil = no expiry
}

// CreateRule registers a new rule. Requires the elevated role. Source and
// destination accounts must exist; whether they accept postings is checked
// at posting time, not here.
func (svc *Service) CreateRule(ctx context.Context, actor ledger.Actor, in RuleInput) (*ledger.AllocationRule, error) {
	if !actor.Elevated() {
		return nil, ledger.ErrUnauthorized
	}
	rule, err := svc.build(ctx, in)
	if err != nil {
		return nil, err
	}

	err = svc.store.WithTx(ctx, func(s ledger.Store) error {
		if existing, err := s.GetRuleByName(ctx, rule.Name); err != nil {
			return err
		} else if existing != nil {
			return ledger.ErrDuplicateRuleName
		}
		if err := s.SaveRule(ctx, *rule); err != nil {
			return err
		}
		entry := ledger.NewAuditEntry(uuid.NewString(), actor, ledger.ActionRuleCreated,
			"allocation_rule", rule.ID, nil, rule)
		if err := s.AppendAudit(ctx, entry); err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrAuditFailed, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// UpdateRule replaces a rule's split logic, priority, and window. The name
// and source account are fixed at creation.
func (svc *Service) UpdateRule(ctx context.Context, actor ledger.Actor, name string, in RuleInput) (*ledger.AllocationRule, error) {
	if !actor.Elevated() {
		return nil, ledger.ErrUnauthorized
	}

	var updated ledger.AllocationRule
	err := svc.store.WithTx(ctx, func(s ledger.Store) error {
		existing, err := s.GetRuleByName(ctx, name)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: %s", ledger.ErrRuleNotFound, name)
		}

		updated = *existing
		updated.Priority = in.Priority
		if !in.EffectiveFrom.IsZero() {
			updated.EffectiveFrom = in.EffectiveFrom
		}
		updated.EffectiveTo = in.EffectiveTo
		updated.UpdatedAt = time.Now().UTC()
		if len(in.Entries) > 0 {
			entries, err := resolveEntries(ctx, s, in.Entries)
			if err != nil {
				return err
			}
			updated.Entries = entries
		}
		if err := updated.Validate(); err != nil {
			return err
		}
		if err := s.UpdateRule(ctx, updated); err != nil {
			return err
		}
		entry := ledger.NewAuditEntry(uuid.NewString(), actor, ledger.ActionRuleUpdated,
			"allocation_rule", updated.ID, existing, updated)
		if err := s.AppendAudit(ctx, entry); err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrAuditFailed, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Deactivate turns a rule off without deleting it.
func (svc *Service) Deactivate(ctx context.Context, actor ledger.Actor, name string) (*ledger.AllocationRule, error) {
	if !actor.Elevated() {
		return nil, ledger.ErrUnauthorized
	}

	var updated ledger.AllocationRule
	err := svc.store.WithTx(ctx, func(s ledger.Store) error {
		existing, err := s.GetRuleByName(ctx, name)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("%w: %s", ledger.ErrRuleNotFound, name)
		}
		updated = *existing
		updated.Active = false
		updated.UpdatedAt = time.Now().UTC()
		if err := s.UpdateRule(ctx, updated); err != nil {
			return err
		}
		entry := ledger.NewAuditEntry(uuid.NewString(), actor, ledger.ActionRuleDeactivated,
			"allocation_rule", updated.ID, existing, updated)
		if err := s.AppendAudit(ctx, entry); err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrAuditFailed, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Rule returns a rule by unique name.
func (svc *Service) Rule(ctx context.Context, name string) (*ledger.AllocationRule, error) {
	rule, err := svc.store.GetRuleByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, fmt.Errorf("%w: %s", ledger.ErrRuleNotFound, name)
	}
	return rule, nil
}

// List returns all rules.
func (svc *Service) List(ctx context.Context) ([]ledger.AllocationRule, error) {
	return svc.store.ListRules(ctx)
}

func (svc *Service) build(ctx context.Context, in RuleInput) (*ledger.AllocationRule, error) {
	if strings.TrimSpace(in.Name) == "" {
		return nil, fmt.Errorf("%w: rule name is required", ledger.ErrInvalidRule)
	}
	source, err := svc.store.GetAccountByCode(ctx, in.SourceAccount)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, fmt.Errorf("%w: source %s", ledger.ErrAccountNotFound, in.SourceAccount)
	}
	entries, err := resolveEntries(ctx, svc.store, in.Entries)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	from := in.EffectiveFrom
	if from.IsZero() {
		from = now
	}
	rule := &ledger.AllocationRule{
		ID:            uuid.NewString(),
		Name:          strings.TrimSpace(in.Name),
		SourceAccount: source.ID,
		Entries:       entries,
		Priority:      in.Priority,
		Active:        true,
		EffectiveFrom: from,
		EffectiveTo:   in.EffectiveTo,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

// resolveEntries maps destination codes to account IDs against the given
// store view. Callers inside WithTx must pass the transactional view; the
// store mutex is held for the whole unit and a lookup on the outer store
// would block against it.
func resolveEntries(ctx context.Context, s ledger.Store, inputs []EntryInput) ([]ledger.AllocationEntry, error) {
	entries := make([]ledger.AllocationEntry, 0, len(inputs))
	for _, e := range inputs {
		destination, err := s.GetAccountByCode(ctx, e.Destination)
		if err != nil {
			return nil, err
		}
		if destination == nil {
			return nil, fmt.Errorf("%w: destination %s", ledger.ErrAccountNotFound, e.Destination)
		}
		entries = append(entries, ledger.AllocationEntry{
			Destination: destination.ID,
			Percentage:  e.Percentage,
		})
	}
	return entries, nil
}
