package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/allocation"
	"github.com/warp/ledger-engine/api"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/reconcile"
	"github.com/warp/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	st, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	led := ledger.NewLedger(st, allocation.NewEngine(), nil)
	handler := api.NewHandler(
		ledger.NewRegistry(st),
		led,
		allocation.NewService(st),
		reconcile.NewEngine(st, led, decimal.Zero),
		st,
	)
	server := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(server.Close)
	return server
}

// call sends a JSON request and decodes the JSON response into out (if
// non-nil). Role selects the X-Actor-Role header; empty means operator.
func call(t *testing.T, server *httptest.Server, method, path, role string, body, out any) int {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-ID", "test-user")
	if role != "" {
		req.Header.Set("X-Actor-Role", role)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func seedAccounts(t *testing.T, server *httptest.Server, codes ...string) {
	t.Helper()
	types := map[string]string{"cash": "asset", "revenue": "revenue", "fees": "expense"}
	for _, code := range codes {
		typ := types[code]
		if typ == "" {
			typ = "revenue"
		}
		status := call(t, server, http.MethodPost, "/api/accounts", "admin", map[string]any{
			"code": code, "name": code, "type": typ, "currency": "USD",
		}, nil)
		require.Equal(t, http.StatusCreated, status)
	}
}

func postMovement(t *testing.T, server *httptest.Server, reference, amount string) api.PostTransactionResponse {
	t.Helper()
	var resp api.PostTransactionResponse
	status := call(t, server, http.MethodPost, "/api/transactions", "", map[string]any{
		"reference":      reference,
		"debit_account":  "cash",
		"credit_account": "revenue",
		"amount":         amount,
		"currency":       "USD",
	}, &resp)
	require.Equal(t, http.StatusCreated, status)
	return resp
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

func TestAccountEndpoints(t *testing.T) {
	server := newTestServer(t)

	var account api.AccountDTO
	status := call(t, server, http.MethodPost, "/api/accounts", "admin", map[string]any{
		"code": "cash", "name": "Operating Cash", "type": "asset", "currency": "USD",
	}, &account)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "cash", account.Code)
	assert.Equal(t, "active", account.Status)

	// The default operator role may not create accounts.
	status = call(t, server, http.MethodPost, "/api/accounts", "", map[string]any{
		"code": "nope", "name": "x", "type": "asset", "currency": "USD",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	// Duplicate code is a conflict.
	status = call(t, server, http.MethodPost, "/api/accounts", "admin", map[string]any{
		"code": "cash", "name": "x", "type": "asset", "currency": "USD",
	}, nil)
	assert.Equal(t, http.StatusConflict, status)

	// Bad classification is a validation error.
	status = call(t, server, http.MethodPost, "/api/accounts", "admin", map[string]any{
		"code": "weird", "name": "x", "type": "vibes", "currency": "USD",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	var got api.AccountDTO
	status = call(t, server, http.MethodGet, "/api/accounts/cash", "", nil, &got)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, account.ID, got.ID)

	status = call(t, server, http.MethodGet, "/api/accounts/missing", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	var list []api.AccountDTO
	status = call(t, server, http.MethodGet, "/api/accounts", "", nil, &list)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, list, 1)

	// Lifecycle transitions through the status endpoint.
	status = call(t, server, http.MethodPut, "/api/accounts/cash/status", "admin",
		api.SetAccountStatusRequest{Status: "inactive"}, &got)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "inactive", got.Status)

	status = call(t, server, http.MethodPut, "/api/accounts/cash/status", "admin",
		api.SetAccountStatusRequest{Status: "inactive"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
}

// =============================================================================
// TRANSACTION ENDPOINTS
// =============================================================================

func TestTransactionFlow(t *testing.T) {
	server := newTestServer(t)
	seedAccounts(t, server, "cash", "revenue")

	posted := postMovement(t, server, "inv-1", "100.00")
	assert.Equal(t, "posted", posted.Transaction.Status)
	assert.Equal(t, "100", posted.Transaction.Amount)
	assert.Equal(t, "test-user", posted.Transaction.CreatedBy)

	// Replaying the same reference and payload returns the original with
	// 200; only the first request created anything.
	var replay api.PostTransactionResponse
	status := call(t, server, http.MethodPost, "/api/transactions", "", map[string]any{
		"reference":      "inv-1",
		"debit_account":  "cash",
		"credit_account": "revenue",
		"amount":         "100.00",
		"currency":       "USD",
	}, &replay)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, posted.Transaction.ID, replay.Transaction.ID)

	// Same reference, different payload: conflict.
	status = call(t, server, http.MethodPost, "/api/transactions", "", map[string]any{
		"reference":      "inv-1",
		"debit_account":  "cash",
		"credit_account": "revenue",
		"amount":         "99.00",
		"currency":       "USD",
	}, nil)
	assert.Equal(t, http.StatusConflict, status)

	// Amounts cross the wire as decimal strings.
	status = call(t, server, http.MethodPost, "/api/transactions", "", map[string]any{
		"reference":      "inv-2",
		"debit_account":  "cash",
		"credit_account": "revenue",
		"amount":         "not-a-number",
		"currency":       "USD",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, status)

	var tx api.TransactionDTO
	status = call(t, server, http.MethodGet, "/api/transactions/"+posted.Transaction.ID, "", nil, &tx)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "inv-1", tx.Reference)

	status = call(t, server, http.MethodGet, "/api/transactions/missing", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)

	var balance api.BalanceDTO
	status = call(t, server, http.MethodGet, "/api/accounts/cash/balance", "", nil, &balance)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "100", balance.Balance)
	assert.Equal(t, "100", balance.Debits)

	var history []api.TransactionDTO
	status = call(t, server, http.MethodGet, "/api/accounts/cash/transactions", "", nil, &history)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, history, 1)
}

func TestDraftCommitCancelEndpoints(t *testing.T) {
	server := newTestServer(t)
	seedAccounts(t, server, "cash", "revenue")

	var draft api.PostTransactionResponse
	status := call(t, server, http.MethodPost, "/api/transactions/draft", "", map[string]any{
		"reference":      "draft-1",
		"debit_account":  "cash",
		"credit_account": "revenue",
		"amount":         "40.00",
		"currency":       "USD",
	}, &draft)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "pending", draft.Transaction.Status)

	// No balance effect while pending.
	var balance api.BalanceDTO
	call(t, server, http.MethodGet, "/api/accounts/cash/balance", "", nil, &balance)
	assert.Equal(t, "0", balance.Balance)

	var committed api.TransactionDTO
	status = call(t, server, http.MethodPost, "/api/transactions/"+draft.Transaction.ID+"/commit", "", nil, &committed)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "posted", committed.Status)

	// Posted transactions cannot be cancelled.
	status = call(t, server, http.MethodDelete, "/api/transactions/"+draft.Transaction.ID, "", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	var reversal api.TransactionDTO
	status = call(t, server, http.MethodPost, "/api/transactions/"+draft.Transaction.ID+"/reverse", "", nil, &reversal)
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, draft.Transaction.ID, reversal.ParentID)

	call(t, server, http.MethodGet, "/api/accounts/cash/balance", "", nil, &balance)
	assert.Equal(t, "0", balance.Balance)

	var children []api.TransactionDTO
	status = call(t, server, http.MethodGet, "/api/transactions/"+draft.Transaction.ID+"/children", "", nil, &children)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, children, 1)
}

// =============================================================================
// RULE ENDPOINTS
// =============================================================================

func TestRuleEndpoints(t *testing.T) {
	server := newTestServer(t)
	seedAccounts(t, server, "cash", "revenue", "product", "platform")

	ruleBody := api.RuleRequest{
		Name:          "sales-split",
		SourceAccount: "revenue",
		Entries: []api.AllocationEntryDTO{
			{Destination: "product", Percentage: "60"},
			{Destination: "platform", Percentage: "40"},
		},
	}

	status := call(t, server, http.MethodPost, "/api/rules", "", ruleBody, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	var rule api.RuleDTO
	status = call(t, server, http.MethodPost, "/api/rules", "admin", ruleBody, &rule)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, rule.Active)
	assert.Len(t, rule.Entries, 2)

	// Postings through the rule's source fan out in the same unit.
	posted := postMovement(t, server, "inv-1", "100.00")
	require.Len(t, posted.Children, 2)
	assert.Equal(t, "60", posted.Children[0].Amount)
	assert.Equal(t, "40", posted.Children[1].Amount)

	var got api.RuleDTO
	status = call(t, server, http.MethodGet, "/api/rules/sales-split", "", nil, &got)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, rule.ID, got.ID)

	status = call(t, server, http.MethodDelete, "/api/rules/sales-split", "admin", nil, &got)
	assert.Equal(t, http.StatusOK, status)
	assert.False(t, got.Active)

	status = call(t, server, http.MethodGet, "/api/rules/missing", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

// =============================================================================
// RECONCILIATION ENDPOINTS
// =============================================================================

func TestReconciliationEndpoints(t *testing.T) {
	server := newTestServer(t)
	seedAccounts(t, server, "cash", "revenue")
	postMovement(t, server, "inv-1", "100.00")

	var matched api.ReconciliationDTO
	status := call(t, server, http.MethodPost, "/api/reconciliations", "", api.ReconcileRequest{
		Account:         "cash",
		ExternalBalance: "100.00",
	}, &matched)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "matched", matched.Status)
	assert.Equal(t, "0", matched.Discrepancy)

	var unmatched api.ReconciliationDTO
	status = call(t, server, http.MethodPost, "/api/reconciliations", "", api.ReconcileRequest{
		Account:         "cash",
		ExternalBalance: "100.50",
	}, &unmatched)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "unmatched", unmatched.Status)
	assert.Equal(t, "0.5", unmatched.Discrepancy)

	// Review requires the elevated role and an unmatched or pending record.
	status = call(t, server, http.MethodPost, "/api/reconciliations/"+unmatched.ID+"/review", "",
		api.ReviewRequest{Notes: "fee lag"}, nil)
	assert.Equal(t, http.StatusUnauthorized, status)

	var reviewed api.ReconciliationDTO
	status = call(t, server, http.MethodPost, "/api/reconciliations/"+unmatched.ID+"/review", "admin",
		api.ReviewRequest{Notes: "fee lag"}, &reviewed)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "reviewed", reviewed.Status)
	assert.Equal(t, "fee lag", reviewed.Notes)

	status = call(t, server, http.MethodPost, "/api/reconciliations/"+matched.ID+"/review", "admin",
		api.ReviewRequest{Notes: "noted"}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	var batch api.ReconcileBatchResponse
	status = call(t, server, http.MethodPost, "/api/reconciliations/batch", "", api.ReconcileBatchRequest{
		Items: []api.ReconcileRequest{
			{Account: "cash", ExternalBalance: "100.00"},
			{Account: "revenue", ExternalBalance: "50.00"},
		},
	}, &batch)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "partial", batch.Outcome)
	assert.Equal(t, 1, batch.Matched)
	assert.Equal(t, 1, batch.Unmatched)

	var list []api.ReconciliationDTO
	status = call(t, server, http.MethodGet, "/api/reconciliations?status=reviewed", "", nil, &list)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, list, 1)
}

// =============================================================================
// AUDIT AND HEALTH
// =============================================================================

func TestAuditEndpoint(t *testing.T) {
	server := newTestServer(t)
	seedAccounts(t, server, "cash", "revenue")
	postMovement(t, server, "inv-1", "100.00")

	var entries []api.AuditEntryDTO
	status := call(t, server, http.MethodGet, "/api/audit?entity_type=transaction", "", nil, &entries)
	assert.Equal(t, http.StatusOK, status)
	require.Len(t, entries, 1)
	assert.Equal(t, "transaction.posted", entries[0].Action)
	assert.Equal(t, "test-user", entries[0].ActorID)
	assert.NotEmpty(t, entries[0].IP, "request metadata flows into the audit trail")

	status = call(t, server, http.MethodGet,
		"/api/audit?entity_type=account&action=account.created", "", nil, &entries)
	assert.Equal(t, http.StatusOK, status)
	assert.Len(t, entries, 2)
}

func TestHealth(t *testing.T) {
	server := newTestServer(t)
	var body map[string]string
	status := call(t, server, http.MethodGet, "/health", "", nil, &body)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}
