/*
handlers.go - HTTP API handlers for the ledger engine

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to domain logic.

ENDPOINTS:
  Accounts:
    GET    /api/accounts                    List the chart of accounts
    POST   /api/accounts                    Register an account
    GET    /api/accounts/{code}             Get account details
    PUT    /api/accounts/{code}/status      Change lifecycle status
    GET    /api/accounts/{code}/balance     Derived balance (as_of, from)
    GET    /api/accounts/{code}/transactions Transaction history

  Transactions:
    POST   /api/transactions                Post a movement
    POST   /api/transactions/draft          Draft a pending movement
    GET    /api/transactions/{id}           Get a transaction
    GET    /api/transactions/{id}/children  Allocation children / reversals
    POST   /api/transactions/{id}/commit    Commit a pending movement
    POST   /api/transactions/{id}/reverse   Reverse a posted movement
    DELETE /api/transactions/{id}           Cancel a pending movement

  Rules:
    GET    /api/rules                       List allocation rules
    POST   /api/rules                       Create a rule
    GET    /api/rules/{name}                Get a rule
    PUT    /api/rules/{name}                Update a rule
    DELETE /api/rules/{name}                Deactivate a rule

  Reconciliations:
    POST   /api/reconciliations             Run one reconciliation
    POST   /api/reconciliations/batch       Run a batch
    GET    /api/reconciliations             List records
    GET    /api/reconciliations/{id}        Get a record
    POST   /api/reconciliations/{id}/review Mark reviewed

  Audit:
    GET    /api/audit                       Query the audit trail

AUTHENTICATION:
  Token verification happens upstream. The actor arrives pre-verified in
  the X-Actor-ID and X-Actor-Role headers; the engine enforces which roles
  may perform which mutations.

ERROR HANDLING:
  Errors are returned as JSON with the status derived from the error kind:
  - 400: Validation errors, invalid input
  - 401: Missing or insufficient role
  - 404: Resource not found
  - 409: Conflict (idempotency, duplicate code/reference/name)
  - 422: Illegal state transition
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/allocation"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/reconcile"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers. Demo is optional; when
// set, the scenario loader endpoints can reset and reseed the store.
type Handler struct {
	Registry  *ledger.Registry
	Ledger    *ledger.Ledger
	Rules     *allocation.Service
	Reconcile *reconcile.Engine
	Audit     ledger.AuditLog
	Demo      Resetter
}

// NewHandler creates a new handler over the domain services.
func NewHandler(registry *ledger.Registry, led *ledger.Ledger, rules *allocation.Service, rec *reconcile.Engine, audit ledger.AuditLog) *Handler {
	return &Handler{
		Registry:  registry,
		Ledger:    led,
		Rules:     rules,
		Reconcile: rec,
		Audit:     audit,
	}
}

// actorFrom builds the pre-verified actor from request headers. The role
// defaults to operator; role enforcement happens in the domain layer.
func actorFrom(r *http.Request) ledger.Actor {
	role := ledger.Role(r.Header.Get("X-Actor-Role"))
	if role == "" {
		role = ledger.RoleOperator
	}
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	}
	return ledger.Actor{
		ID:        r.Header.Get("X-Actor-ID"),
		Role:      role,
		IP:        ip,
		UserAgent: r.UserAgent(),
	}
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// ListAccounts returns the chart of accounts.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Registry.List(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list accounts", err)
		return
	}

	dtos := make([]AccountDTO, len(accounts))
	for i := range accounts {
		dtos[i] = toAccountDTO(&accounts[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateAccount registers a new account.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	account, err := h.Registry.CreateAccount(r.Context(), actorFrom(r), ledger.CreateAccountInput{
		Code:     req.Code,
		Name:     req.Name,
		Type:     ledger.AccountType(req.Type),
		Currency: req.Currency,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeDomainError(w, "Failed to create account", err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(account))
}

// GetAccount returns a single account by code or ID.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.Registry.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeDomainError(w, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(account))
}

// SetAccountStatus moves an account between lifecycle states.
func (h *Handler) SetAccountStatus(w http.ResponseWriter, r *http.Request) {
	var req SetAccountStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	account, err := h.Registry.SetStatus(r.Context(), actorFrom(r),
		chi.URLParam(r, "code"), ledger.AccountStatus(req.Status))
	if err != nil {
		writeDomainError(w, "Failed to change account status", err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(account))
}

// GetBalance returns the derived balance. Query parameters:
//
//	as_of  RFC3339 cutoff for cumulative balance (default now)
//	from   RFC3339 window start; with from set the balance covers [from, as_of]
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	asOf, err := parseTimeParam(r, "as_of")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid as_of (use RFC3339)", err)
		return
	}
	from, err := parseTimeParam(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from (use RFC3339)", err)
		return
	}

	var view *ledger.BalanceView
	if from.IsZero() {
		view, err = h.Ledger.Balance(r.Context(), code, asOf)
	} else {
		if asOf.IsZero() {
			asOf = time.Now().UTC()
		}
		view, err = h.Ledger.BalanceWindow(r.Context(), code, from, asOf)
	}
	if err != nil {
		writeDomainError(w, "Failed to compute balance", err)
		return
	}
	writeJSON(w, http.StatusOK, toBalanceDTO(view))
}

// GetTransactions returns an account's history in [from, to].
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	from, err := parseTimeParam(r, "from")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid from (use RFC3339)", err)
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid to (use RFC3339)", err)
		return
	}

	txs, err := h.Ledger.Transactions(r.Context(), chi.URLParam(r, "code"), from, to)
	if err != nil {
		writeDomainError(w, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// PostTransaction validates and posts a movement.
func (h *Handler) PostTransaction(w http.ResponseWriter, r *http.Request) {
	h.submitTransaction(w, r, false)
}

// DraftTransaction records a movement as pending. No balance effect until
// committed.
func (h *Handler) DraftTransaction(w http.ResponseWriter, r *http.Request) {
	h.submitTransaction(w, r, true)
}

func (h *Handler) submitTransaction(w http.ResponseWriter, r *http.Request, draft bool) {
	var req PostTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount (use a decimal string)", err)
		return
	}
	var effectiveAt time.Time
	if req.EffectiveAt != "" {
		effectiveAt, err = time.Parse(time.RFC3339, req.EffectiveAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid effective_at (use RFC3339)", err)
			return
		}
	}

	in := ledger.PostInput{
		Reference:     req.Reference,
		DebitAccount:  req.DebitAccount,
		CreditAccount: req.CreditAccount,
		Amount:        amount,
		Currency:      req.Currency,
		Description:   req.Description,
		EffectiveAt:   effectiveAt,
		Metadata:      req.Metadata,
	}

	var tx *ledger.Transaction
	received := time.Now().UTC()
	if draft {
		tx, err = h.Ledger.Draft(r.Context(), actorFrom(r), in)
	} else {
		tx, err = h.Ledger.Post(r.Context(), actorFrom(r), in)
	}
	if err != nil {
		writeDomainError(w, "Failed to record transaction", err)
		return
	}

	children, err := h.Ledger.Children(r.Context(), tx.ID)
	if err != nil {
		writeDomainError(w, "Failed to load allocation children", err)
		return
	}
	// An idempotent replay hands back a transaction created by an earlier
	// request; signal "observed existing" rather than "created".
	status := http.StatusCreated
	if tx.CreatedAt.Before(received) {
		status = http.StatusOK
	}
	writeJSON(w, status, PostTransactionResponse{
		Transaction: toTransactionDTO(tx),
		Children:    toTransactionDTOs(children),
	})
}

// GetTransaction returns a transaction by ID.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Ledger.Transaction(r.Context(), ledger.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// GetChildren returns the allocation children and reversals of a transaction.
func (h *Handler) GetChildren(w http.ResponseWriter, r *http.Request) {
	children, err := h.Ledger.Children(r.Context(), ledger.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to list children", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(children))
}

// CommitTransaction moves a pending transaction to posted.
func (h *Handler) CommitTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Ledger.Commit(r.Context(), actorFrom(r), ledger.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to commit transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// ReverseTransaction creates the linked reversal of a posted transaction.
func (h *Handler) ReverseTransaction(w http.ResponseWriter, r *http.Request) {
	reversal, err := h.Ledger.Reverse(r.Context(), actorFrom(r), ledger.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to reverse transaction", err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(reversal))
}

// CancelTransaction cancels a pending transaction.
func (h *Handler) CancelTransaction(w http.ResponseWriter, r *http.Request) {
	tx, err := h.Ledger.Cancel(r.Context(), actorFrom(r), ledger.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		writeDomainError(w, "Failed to cancel transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(tx))
}

// =============================================================================
// RULE HANDLERS
// =============================================================================

// ListRules returns all allocation rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.Rules.List(r.Context())
	if err != nil {
		writeDomainError(w, "Failed to list rules", err)
		return
	}

	dtos := make([]RuleDTO, len(rules))
	for i := range rules {
		dtos[i] = toRuleDTO(&rules[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateRule registers an allocation rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeRuleInput(w, r)
	if !ok {
		return
	}
	rule, err := h.Rules.CreateRule(r.Context(), actorFrom(r), *in)
	if err != nil {
		writeDomainError(w, "Failed to create rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, toRuleDTO(rule))
}

// GetRule returns a rule by name.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Rules.Rule(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		writeDomainError(w, "Failed to get rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

// UpdateRule replaces a rule's mutable attributes.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	in, ok := decodeRuleInput(w, r)
	if !ok {
		return
	}
	rule, err := h.Rules.UpdateRule(r.Context(), actorFrom(r), chi.URLParam(r, "name"), *in)
	if err != nil {
		writeDomainError(w, "Failed to update rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

// DeactivateRule turns a rule off without deleting it.
func (h *Handler) DeactivateRule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.Rules.Deactivate(r.Context(), actorFrom(r), chi.URLParam(r, "name"))
	if err != nil {
		writeDomainError(w, "Failed to deactivate rule", err)
		return
	}
	writeJSON(w, http.StatusOK, toRuleDTO(rule))
}

func decodeRuleInput(w http.ResponseWriter, r *http.Request) (*allocation.RuleInput, bool) {
	var req RuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return nil, false
	}

	in := allocation.RuleInput{
		Name:          req.Name,
		SourceAccount: req.SourceAccount,
		Priority:      req.Priority,
	}
	for _, e := range req.Entries {
		pct, err := decimal.NewFromString(e.Percentage)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid percentage (use a decimal string)", err)
			return nil, false
		}
		in.Entries = append(in.Entries, allocation.EntryInput{
			Destination: e.Destination,
			Percentage:  pct,
		})
	}
	if req.EffectiveFrom != "" {
		t, err := time.Parse(time.RFC3339, req.EffectiveFrom)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid effective_from (use RFC3339)", err)
			return nil, false
		}
		in.EffectiveFrom = t
	}
	if req.EffectiveTo != nil {
		t, err := time.Parse(time.RFC3339, *req.EffectiveTo)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid effective_to (use RFC3339)", err)
			return nil, false
		}
		in.EffectiveTo = &t
	}
	return &in, true
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// RunReconciliation runs one reconciliation and returns the record. The
// record persists whether or not the balances agree: a mismatch is an
// outcome, not an error.
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in, ok := decodeReconcileInput(w, req)
	if !ok {
		return
	}
	record, err := h.Reconcile.Reconcile(r.Context(), actorFrom(r), *in)
	if err != nil {
		writeDomainError(w, "Failed to reconcile", err)
		return
	}
	writeJSON(w, http.StatusCreated, toReconciliationDTO(record))
}

// RunReconciliationBatch runs one reconciliation per item.
func (h *Handler) RunReconciliationBatch(w http.ResponseWriter, r *http.Request) {
	var req ReconcileBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	inputs := make([]reconcile.Input, 0, len(req.Items))
	for _, item := range req.Items {
		in, ok := decodeReconcileInput(w, item)
		if !ok {
			return
		}
		inputs = append(inputs, *in)
	}

	result, err := h.Reconcile.ReconcileBatch(r.Context(), actorFrom(r), inputs)
	if err != nil {
		writeDomainError(w, "Failed to reconcile batch", err)
		return
	}
	writeJSON(w, http.StatusCreated, toBatchResponse(result))
}

func decodeReconcileInput(w http.ResponseWriter, req ReconcileRequest) (*reconcile.Input, bool) {
	external, err := decimal.NewFromString(req.ExternalBalance)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid external_balance (use a decimal string)", err)
		return nil, false
	}

	typ := ledger.ReconciliationType(req.Type)
	if req.Type == "" {
		typ = ledger.ReconCumulative
	}
	in := reconcile.Input{
		Account:         req.Account,
		ExternalBalance: external,
		Type:            typ,
		Notes:           req.Notes,
	}
	if req.WindowStart != "" {
		t, err := time.Parse(time.RFC3339, req.WindowStart)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid window_start (use RFC3339)", err)
			return nil, false
		}
		in.WindowStart = t
	}
	if req.WindowEnd != "" {
		t, err := time.Parse(time.RFC3339, req.WindowEnd)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid window_end (use RFC3339)", err)
			return nil, false
		}
		in.WindowEnd = t
	}
	return &in, true
}

// ListReconciliations returns records, filtered by optional account and
// status query parameters.
func (h *Handler) ListReconciliations(w http.ResponseWriter, r *http.Request) {
	var status *ledger.ReconciliationStatus
	if s := r.URL.Query().Get("status"); s != "" {
		v := ledger.ReconciliationStatus(s)
		status = &v
	}

	records, err := h.Reconcile.List(r.Context(), r.URL.Query().Get("account"), status)
	if err != nil {
		writeDomainError(w, "Failed to list reconciliations", err)
		return
	}

	dtos := make([]ReconciliationDTO, len(records))
	for i := range records {
		dtos[i] = toReconciliationDTO(&records[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetReconciliation returns a record by ID.
func (h *Handler) GetReconciliation(w http.ResponseWriter, r *http.Request) {
	record, err := h.Reconcile.Record(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, "Failed to get reconciliation", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(record))
}

// ReviewReconciliation marks a record reviewed.
func (h *Handler) ReviewReconciliation(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	record, err := h.Reconcile.Review(r.Context(), actorFrom(r), chi.URLParam(r, "id"), req.Notes)
	if err != nil {
		writeDomainError(w, "Failed to review reconciliation", err)
		return
	}
	writeJSON(w, http.StatusOK, toReconciliationDTO(record))
}

// =============================================================================
// AUDIT HANDLERS
// =============================================================================

// QueryAudit returns audit entries. Query parameters: entity_type,
// entity_id, actor_id, action (repeatable), from, to, limit.
func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter ledger.AuditFilter
	if v := q.Get("entity_type"); v != "" {
		filter.EntityType = &v
	}
	if v := q.Get("entity_id"); v != "" {
		filter.EntityID = &v
	}
	if v := q.Get("actor_id"); v != "" {
		filter.ActorID = &v
	}
	for _, a := range q["action"] {
		filter.Actions = append(filter.Actions, ledger.AuditAction(a))
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from (use RFC3339)", err)
			return
		}
		filter.From = &t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to (use RFC3339)", err)
			return
		}
		filter.To = &t
	}

	entries, err := h.Audit.QueryAudit(r.Context(), filter)
	if err != nil {
		writeDomainError(w, "Failed to query audit log", err)
		return
	}

	dtos := make([]AuditEntryDTO, len(entries))
	for i := range entries {
		dtos[i] = toAuditDTO(&entries[i])
	}
	writeJSON(w, http.StatusOK, dtos)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps an error from the domain layer to an HTTP status
// through the error-kind helpers.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func statusFor(err error) int {
	switch {
	case ledger.IsValidation(err):
		return http.StatusBadRequest
	case ledger.IsUnauthorized(err):
		return http.StatusUnauthorized
	case ledger.IsNotFound(err):
		return http.StatusNotFound
	case ledger.IsConflict(err):
		return http.StatusConflict
	case ledger.IsState(err):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrAuditFailed):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
