/*
Package allocation splits inbound credits into child transactions.

PURPOSE:
  When a posting credits an account that is the source of an active
  allocation rule, the engine plans one child movement per rule entry:
  source -> destination for floor(parent x percentage / 100), computed in
  fixed-point decimal at the currency's minor-unit scale.

DETERMINISM:
  Planning is a pure function of the parent transaction and the rule set at
  the parent's effective time, so a replay of the same postings produces the
  same children:
  - One rule per source account: highest numeric priority wins, ties broken
    by earliest creation, then by rule ID
  - Entries apply in their declared order
  - Rounding always floors; the sub-minor-unit remainder stays attributed
    to the source account, never discarded and never silently redistributed.
    A rule that wants to sweep remainders must say so with an explicit entry.

FAILURE POLICY:
  The ledger persists the plan inside the posting unit. If any child fails
  validation there (inactive destination, currency drift), the parent and
  all siblings roll back together - a parent is never left posted with a
  partial fan-out.

SEE ALSO:
  - ledger/rules.go: The rule model and its invariants
  - service.go: Administrative rule management
*/
package allocation

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

var oneHundred = decimal.NewFromInt(100)

// Engine implements ledger.Allocator.
type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

// Plan resolves the applicable rule for the parent's credit account and
// computes the child amounts. Children of allocations (and reversals) never
// cascade: only top-level postings fan out.
func (e *Engine) Plan(ctx context.Context, s ledger.Store, parent ledger.Transaction) ([]ledger.ChildPlan, error) {
	if parent.ParentID != "" {
		return nil, nil
	}

	rules, err := s.ListRulesBySource(ctx, parent.CreditAccount)
	if err != nil {
		return nil, err
	}
	rule := Resolve(rules, parent.EffectiveAt)
	if rule == nil {
		return nil, nil
	}

	scale, ok := ledger.CurrencyScale(parent.Currency)
	if !ok {
		return nil, &ledger.UnknownCurrencyError{Code: parent.Currency}
	}

	var plans []ledger.ChildPlan
	for _, entry := range rule.Entries {
		amount := parent.Amount.Mul(entry.Percentage).Div(oneHundred).Truncate(scale)
		if !amount.IsPositive() {
			// A floor to zero moves nothing; the whole slice stays on the source.
			continue
		}
		plans = append(plans, ledger.ChildPlan{
			Destination: entry.Destination,
			Amount:      amount,
			Rule:        rule.Name,
		})
	}
	return plans, nil
}

// Resolve picks the single rule that applies to a source account at a given
// time. The ordering is total (priority desc, creation asc, ID asc), so
// concurrent writers and replays agree on the winner.
func Resolve(rules []ledger.AllocationRule, at time.Time) *ledger.AllocationRule {
	candidates := make([]ledger.AllocationRule, 0, len(rules))
	for _, r := range rules {
		if r.Applicable(at) {
			candidates = append(candidates, r)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
	return &candidates[0]
}
