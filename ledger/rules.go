/*
rules.go - Allocation rule model

PURPOSE:
  An allocation rule describes how an inbound amount credited to a source
  account is automatically split into child transactions against destination
  accounts. The rule model lives here with the other ledger entities; the
  resolution and planning logic lives in the allocation package.

INVARIANTS:
  - Every entry percentage lies in [0, 100]
  - Percentages across one rule sum to at most 100; any remainder stays
    attributed to the source account
  - Destination accounts are distinct within one rule and never equal the
    source account
  - At most one rule applies per source account at a time: highest numeric
    priority wins, ties broken by earliest creation then by ID

LIFECYCLE:
  Rules are created and updated by administrators. Expiry of the effective
  window deactivates a rule without deleting it; rules are retained for
  audit replay.
*/
package ledger

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// ALLOCATION RULE
// =============================================================================

// AllocationEntry is one split target within a rule. Entries apply in their
// declared order.
type AllocationEntry struct {
	Destination AccountID
	Percentage  decimal.Decimal
}

// AllocationRule splits inbound credits on a source account across
// destination accounts.
type AllocationRule struct {
	ID            string
	Name          string
	SourceAccount AccountID
	Entries       []AllocationEntry
	Priority      int
	Active        bool
	EffectiveFrom time.Time
	EffectiveTo   *time.Time // nil = no expiry

	CreatedAt time.Time
	UpdatedAt time.Time
}

// InWindow reports whether the rule's effective window covers at.
func (r *AllocationRule) InWindow(at time.Time) bool {
	if at.Before(r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && at.After(*r.EffectiveTo) {
		return false
	}
	return true
}

// Applicable reports whether the rule should fire for a credit landing on
// its source account at the given time.
func (r *AllocationRule) Applicable(at time.Time) bool {
	return r.Active && r.InWindow(at)
}

var oneHundred = decimal.NewFromInt(100)

// Validate checks the structural invariants of the rule.
func (r *AllocationRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: rule name is required", ErrInvalidRule)
	}
	if r.SourceAccount == "" {
		return fmt.Errorf("%w: source account is required", ErrInvalidRule)
	}
	if len(r.Entries) == 0 {
		return fmt.Errorf("%w: at least one entry is required", ErrInvalidRule)
	}
	if r.EffectiveTo != nil && r.EffectiveTo.Before(r.EffectiveFrom) {
		return fmt.Errorf("%w: effective window ends before it starts", ErrInvalidRule)
	}

	seen := make(map[AccountID]bool, len(r.Entries))
	total := decimal.Zero
	for i, e := range r.Entries {
		if e.Destination == "" {
			return fmt.Errorf("%w: entry %d has no destination", ErrInvalidRule, i)
		}
		if e.Destination == r.SourceAccount {
			return fmt.Errorf("%w: entry %d allocates back to the source account", ErrInvalidRule, i)
		}
		if seen[e.Destination] {
			return fmt.Errorf("%w: duplicate destination %s", ErrInvalidRule, e.Destination)
		}
		seen[e.Destination] = true

		if e.Percentage.IsNegative() || e.Percentage.GreaterThan(oneHundred) {
			return fmt.Errorf("%w: entry %d percentage %s outside [0,100]",
				ErrInvalidRule, i, e.Percentage)
		}
		total = total.Add(e.Percentage)
	}
	if total.GreaterThan(oneHundred) {
		return fmt.Errorf("%w: percentages sum to %s, exceeding 100", ErrInvalidRule, total)
	}
	return nil
}
