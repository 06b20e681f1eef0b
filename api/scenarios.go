/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the database with realistic
  data for testing and demos. Each scenario resets the store, creates a
  chart of accounts, and runs postings through the real services so the
  audit trail and derived balances look exactly like production output.

AVAILABLE SCENARIOS:
  starter-chart:  A minimal chart of accounts, no activity
  revenue-split:  Allocation rule fanning inbound revenue out to sub-accounts
  month-end:      Postings plus matched/unmatched reconciliations and a draft

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Create the chart of accounts through the registry
 3. Create allocation rules where the scenario uses them
 4. Post transactions through the ledger (fan-out and audit included)
 5. Optionally run reconciliations

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "revenue-split"}

NOTE:
  Scenarios reset the database. The loader is only wired up when the
  server runs with -demo; without it the endpoints return 404.

SEE ALSO:
  - server.go: Scenario routes
  - cmd/server/main.go: The -demo flag
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/allocation"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/reconcile"
)

// Resetter clears all persisted data. Only the demo loader uses it; nothing
// in the engine's regular operations can reach a delete.
type Resetter interface {
	Reset(ctx context.Context) error
}

// ScenarioDTO describes one loadable scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LoadScenarioRequest selects the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "starter-chart",
		Name:        "Starter Chart",
		Description: "Minimal chart of accounts with no activity",
	},
	{
		ID:          "revenue-split",
		Name:        "Revenue Split",
		Description: "Inbound revenue fanned out 60/25/10 by an allocation rule",
	},
	{
		ID:          "month-end",
		Name:        "Month-End Close",
		Description: "A month of postings with reconciliations awaiting review",
	},
}

// demoActor loads scenarios with the system role so every seeded mutation
// is attributed in the audit trail.
var demoActor = ledger.Actor{ID: "demo-loader", Role: ledger.RoleSystem}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario resets the store and loads the requested scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if h.Demo == nil {
		writeError(w, http.StatusNotFound, "Demo scenarios are disabled", nil)
		return
	}

	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	ctx := r.Context()
	if err := h.Demo.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}

	var err error
	switch req.ScenarioID {
	case "starter-chart":
		err = h.loadStarterChart(ctx)
	case "revenue-split":
		err = h.loadRevenueSplit(ctx)
	case "month-end":
		err = h.loadMonthEnd(ctx)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Unknown scenario %q", req.ScenarioID), nil)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "loaded",
		"scenario": req.ScenarioID,
	})
}

// =============================================================================
// LOADERS
// =============================================================================

var starterChart = []ledger.CreateAccountInput{
	{Code: "cash", Name: "Operating Cash", Type: ledger.TypeAsset, Currency: "USD"},
	{Code: "receivable", Name: "Accounts Receivable", Type: ledger.TypeAsset, Currency: "USD"},
	{Code: "revenue", Name: "Revenue", Type: ledger.TypeRevenue, Currency: "USD"},
	{Code: "fees", Name: "Processing Fees", Type: ledger.TypeExpense, Currency: "USD"},
	{Code: "payable", Name: "Accounts Payable", Type: ledger.TypeLiability, Currency: "USD"},
	{Code: "equity", Name: "Owner Equity", Type: ledger.TypeEquity, Currency: "USD"},
}

func (h *Handler) loadStarterChart(ctx context.Context) error {
	for _, in := range starterChart {
		if _, err := h.Registry.CreateAccount(ctx, demoActor, in); err != nil {
			return fmt.Errorf("create %s: %w", in.Code, err)
		}
	}
	return nil
}

func (h *Handler) seedPost(ctx context.Context, reference, debit, credit, amount string, effective time.Time) error {
	_, err := h.Ledger.Post(ctx, demoActor, ledger.PostInput{
		Reference:     reference,
		DebitAccount:  debit,
		CreditAccount: credit,
		Amount:        decimal.RequireFromString(amount),
		Currency:      "USD",
		Description:   "demo posting " + reference,
		EffectiveAt:   effective,
	})
	if err != nil {
		return fmt.Errorf("post %s: %w", reference, err)
	}
	return nil
}

func (h *Handler) loadRevenueSplit(ctx context.Context) error {
	if err := h.loadStarterChart(ctx); err != nil {
		return err
	}
	for _, in := range []ledger.CreateAccountInput{
		{Code: "revenue-product", Name: "Product Revenue", Type: ledger.TypeRevenue, Currency: "USD"},
		{Code: "revenue-platform", Name: "Platform Revenue", Type: ledger.TypeRevenue, Currency: "USD"},
		{Code: "revenue-partner", Name: "Partner Revenue", Type: ledger.TypeRevenue, Currency: "USD"},
	} {
		if _, err := h.Registry.CreateAccount(ctx, demoActor, in); err != nil {
			return fmt.Errorf("create %s: %w", in.Code, err)
		}
	}

	// 5% of every inbound dollar deliberately stays on the revenue account.
	_, err := h.Rules.CreateRule(ctx, demoActor, allocation.RuleInput{
		Name:          "revenue-split",
		SourceAccount: "revenue",
		Entries: []allocation.EntryInput{
			{Destination: "revenue-product", Percentage: decimal.RequireFromString("60")},
			{Destination: "revenue-platform", Percentage: decimal.RequireFromString("25")},
			{Destination: "revenue-partner", Percentage: decimal.RequireFromString("10")},
		},
	})
	if err != nil {
		return fmt.Errorf("create rule: %w", err)
	}

	day := time.Now().UTC().AddDate(0, 0, -14)
	for i, amount := range []string{"1250.00", "3600.00", "480.25"} {
		ref := fmt.Sprintf("inv-%d", 1001+i)
		if err := h.seedPost(ctx, ref, "cash", "revenue", amount, day.AddDate(0, 0, i*3)); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadMonthEnd(ctx context.Context) error {
	if err := h.loadStarterChart(ctx); err != nil {
		return err
	}

	start := time.Now().UTC().AddDate(0, -1, 0)
	postings := []struct {
		reference, debit, credit, amount string
		day                              int
	}{
		{"inv-2001", "cash", "revenue", "5400.00", 1},
		{"inv-2002", "receivable", "revenue", "1800.00", 4},
		{"bill-301", "fees", "cash", "162.00", 5},
		{"inv-2003", "cash", "revenue", "990.50", 12},
		{"pay-401", "payable", "cash", "750.00", 20},
	}
	for _, p := range postings {
		if err := h.seedPost(ctx, p.reference, p.debit, p.credit, p.amount, start.AddDate(0, 0, p.day)); err != nil {
			return err
		}
	}

	// One reversal so the history shows a correction.
	original, err := h.Ledger.Transactions(ctx, "receivable", time.Time{}, time.Time{})
	if err != nil {
		return err
	}
	if len(original) > 0 {
		if _, err := h.Ledger.Reverse(ctx, demoActor, original[0].ID); err != nil {
			return fmt.Errorf("reverse %s: %w", original[0].Reference, err)
		}
	}

	// A draft still waiting for approval at the close.
	if _, err := h.Ledger.Draft(ctx, demoActor, ledger.PostInput{
		Reference:     "inv-2004",
		DebitAccount:  "cash",
		CreditAccount: "revenue",
		Amount:        decimal.RequireFromString("220.00"),
		Currency:      "USD",
		Description:   "awaiting approval",
	}); err != nil {
		return fmt.Errorf("draft: %w", err)
	}

	// The cash statement agrees; the fee statement is off by 12.50 and
	// lands unmatched, waiting for a reviewer.
	cash, err := h.Ledger.Balance(ctx, "cash", time.Time{})
	if err != nil {
		return err
	}
	if _, err := h.Reconcile.Reconcile(ctx, demoActor, reconcile.Input{
		Account:         "cash",
		ExternalBalance: cash.Balance,
		Type:            ledger.ReconCumulative,
		Notes:           "bank statement",
	}); err != nil {
		return err
	}
	fees, err := h.Ledger.Balance(ctx, "fees", time.Time{})
	if err != nil {
		return err
	}
	if _, err := h.Reconcile.Reconcile(ctx, demoActor, reconcile.Input{
		Account:         "fees",
		ExternalBalance: fees.Balance.Add(decimal.RequireFromString("12.50")),
		Type:            ledger.ReconCumulative,
		Notes:           "processor statement",
	}); err != nil {
		return err
	}
	return nil
}
