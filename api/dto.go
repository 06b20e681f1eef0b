/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

MONEY FIELDS:
  All amounts cross the wire as decimal strings ("100.00"), never floats.
  Handlers parse them with decimal.NewFromString and reject anything that
  does not parse exactly.

VALIDATION:
  Validation is done in handlers and the domain layer, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/reconcile"
)

// =============================================================================
// ACCOUNT TYPES
// =============================================================================

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID        string            `json:"id"`
	Code      string            `json:"code"`
	Name      string            `json:"name"`
	Type      string            `json:"type"`
	Currency  string            `json:"currency"`
	Status    string            `json:"status"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
}

// CreateAccountRequest is the request to register an account.
type CreateAccountRequest struct {
	Code     string            `json:"code"`
	Name     string            `json:"name"`
	Type     string            `json:"type"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// SetAccountStatusRequest moves an account between lifecycle states.
type SetAccountStatusRequest struct {
	Status string `json:"status"`
}

// BalanceDTO represents a derived balance.
type BalanceDTO struct {
	AccountID string `json:"account_id"`
	Code      string `json:"code"`
	Type      string `json:"type"`
	Currency  string `json:"currency"`
	Debits    string `json:"debits"`
	Credits   string `json:"credits"`
	Balance   string `json:"balance"`
	From      string `json:"from,omitempty"`
	AsOf      string `json:"as_of"`
}

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

// TransactionDTO represents a transaction in API responses.
type TransactionDTO struct {
	ID            string            `json:"id"`
	Reference     string            `json:"reference"`
	DebitAccount  string            `json:"debit_account"`
	CreditAccount string            `json:"credit_account"`
	Amount        string            `json:"amount"`
	Currency      string            `json:"currency"`
	Description   string            `json:"description,omitempty"`
	Status        string            `json:"status"`
	ParentID      string            `json:"parent_id,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedBy     string            `json:"created_by,omitempty"`
	EffectiveAt   string            `json:"effective_at"`
	CreatedAt     string            `json:"created_at"`
}

// PostTransactionRequest is the request to post (or draft) a movement.
type PostTransactionRequest struct {
	Reference     string            `json:"reference"`
	DebitAccount  string            `json:"debit_account"`
	CreditAccount string            `json:"credit_account"`
	Amount        string            `json:"amount"`
	Currency      string            `json:"currency"`
	Description   string            `json:"description,omitempty"`
	EffectiveAt   string            `json:"effective_at,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// PostTransactionResponse carries the parent and its allocation children.
type PostTransactionResponse struct {
	Transaction TransactionDTO   `json:"transaction"`
	Children    []TransactionDTO `json:"children,omitempty"`
}

// =============================================================================
// ALLOCATION RULE TYPES
// =============================================================================

// AllocationEntryDTO is one split target within a rule.
type AllocationEntryDTO struct {
	Destination string `json:"destination"`
	Percentage  string `json:"percentage"`
}

// RuleDTO represents an allocation rule in API responses.
type RuleDTO struct {
	ID            string               `json:"id"`
	Name          string               `json:"name"`
	SourceAccount string               `json:"source_account"`
	Entries       []AllocationEntryDTO `json:"entries"`
	Priority      int                  `json:"priority"`
	Active        bool                 `json:"active"`
	EffectiveFrom string               `json:"effective_from"`
	EffectiveTo   *string              `json:"effective_to,omitempty"`
	CreatedAt     string               `json:"created_at"`
	UpdatedAt     string               `json:"updated_at"`
}

// RuleRequest is the request to create or update a rule.
type RuleRequest struct {
	Name          string               `json:"name"`
	SourceAccount string               `json:"source_account"`
	Entries       []AllocationEntryDTO `json:"entries"`
	Priority      int                  `json:"priority"`
	EffectiveFrom string               `json:"effective_from,omitempty"`
	EffectiveTo   *string              `json:"effective_to,omitempty"`
}

// =============================================================================
// RECONCILIATION TYPES
// =============================================================================

// ReconciliationDTO represents a reconciliation record.
type ReconciliationDTO struct {
	ID              string  `json:"id"`
	AccountID       string  `json:"account_id"`
	Type            string  `json:"type"`
	WindowStart     string  `json:"window_start,omitempty"`
	WindowEnd       string  `json:"window_end"`
	LedgerBalance   string  `json:"ledger_balance"`
	ExternalBalance string  `json:"external_balance"`
	Discrepancy     string  `json:"discrepancy"`
	Status          string  `json:"status"`
	Notes           string  `json:"notes,omitempty"`
	ReviewedBy      string  `json:"reviewed_by,omitempty"`
	ReviewedAt      *string `json:"reviewed_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
}

// ReconcileRequest is one reconciliation request.
type ReconcileRequest struct {
	Account         string `json:"account"`
	ExternalBalance string `json:"external_balance"`
	Type            string `json:"type,omitempty"` // cumulative (default) or window
	WindowStart     string `json:"window_start,omitempty"`
	WindowEnd       string `json:"window_end,omitempty"`
	Notes           string `json:"notes,omitempty"`
}

// ReconcileBatchRequest runs several reconciliations in one call.
type ReconcileBatchRequest struct {
	Items []ReconcileRequest `json:"items"`
}

// ReconcileBatchResponse carries the aggregate outcome and per-account records.
type ReconcileBatchResponse struct {
	Outcome   string              `json:"outcome"`
	Matched   int                 `json:"matched"`
	Unmatched int                 `json:"unmatched"`
	Records   []ReconciliationDTO `json:"records"`
}

// ReviewRequest marks a reconciliation reviewed.
type ReviewRequest struct {
	Notes string `json:"notes,omitempty"`
}

// =============================================================================
// AUDIT TYPES
// =============================================================================

// AuditEntryDTO represents one audit entry.
type AuditEntryDTO struct {
	ID         string            `json:"id"`
	Timestamp  string            `json:"timestamp"`
	ActorID    string            `json:"actor_id"`
	ActorRole  string            `json:"actor_role"`
	Action     string            `json:"action"`
	EntityType string            `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	OldValue   json.RawMessage   `json:"old_value,omitempty"`
	NewValue   json.RawMessage   `json:"new_value,omitempty"`
	IP         string            `json:"ip,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ErrorResponse is the JSON shape of every error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toAccountDTO(a *ledger.Account) AccountDTO {
	return AccountDTO{
		ID:        string(a.ID),
		Code:      a.Code,
		Name:      a.Name,
		Type:      string(a.Type),
		Currency:  a.Currency,
		Status:    string(a.Status),
		Metadata:  a.Metadata,
		CreatedAt: a.CreatedAt.Format(time.RFC3339),
		UpdatedAt: a.UpdatedAt.Format(time.RFC3339),
	}
}

func toBalanceDTO(v *ledger.BalanceView) BalanceDTO {
	dto := BalanceDTO{
		AccountID: string(v.AccountID),
		Code:      v.Code,
		Type:      string(v.Type),
		Currency:  v.Currency,
		Debits:    v.Debits.String(),
		Credits:   v.Credits.String(),
		Balance:   v.Balance.String(),
		AsOf:      v.AsOf.Format(time.RFC3339),
	}
	if !v.From.IsZero() {
		dto.From = v.From.Format(time.RFC3339)
	}
	return dto
}

func toTransactionDTO(tx *ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:            string(tx.ID),
		Reference:     tx.Reference,
		DebitAccount:  string(tx.DebitAccount),
		CreditAccount: string(tx.CreditAccount),
		Amount:        tx.Amount.String(),
		Currency:      tx.Currency,
		Description:   tx.Description,
		Status:        string(tx.Status),
		ParentID:      string(tx.ParentID),
		Metadata:      tx.Metadata,
		CreatedBy:     tx.CreatedBy,
		EffectiveAt:   tx.EffectiveAt.Format(time.RFC3339),
		CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i := range txs {
		dtos[i] = toTransactionDTO(&txs[i])
	}
	return dtos
}

func toRuleDTO(r *ledger.AllocationRule) RuleDTO {
	dto := RuleDTO{
		ID:            r.ID,
		Name:          r.Name,
		SourceAccount: string(r.SourceAccount),
		Priority:      r.Priority,
		Active:        r.Active,
		EffectiveFrom: r.EffectiveFrom.Format(time.RFC3339),
		CreatedAt:     r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     r.UpdatedAt.Format(time.RFC3339),
	}
	for _, e := range r.Entries {
		dto.Entries = append(dto.Entries, AllocationEntryDTO{
			Destination: string(e.Destination),
			Percentage:  e.Percentage.String(),
		})
	}
	if r.EffectiveTo != nil {
		s := r.EffectiveTo.Format(time.RFC3339)
		dto.EffectiveTo = &s
	}
	return dto
}

func toReconciliationDTO(r *ledger.ReconciliationRecord) ReconciliationDTO {
	dto := ReconciliationDTO{
		ID:              r.ID,
		AccountID:       string(r.AccountID),
		Type:            string(r.Type),
		WindowEnd:       r.WindowEnd.Format(time.RFC3339),
		LedgerBalance:   r.LedgerBalance.String(),
		ExternalBalance: r.ExternalBalance.String(),
		Discrepancy:     r.Discrepancy.String(),
		Status:          string(r.Status),
		Notes:           r.Notes,
		ReviewedBy:      r.ReviewedBy,
		CreatedAt:       r.CreatedAt.Format(time.RFC3339),
	}
	if !r.WindowStart.IsZero() {
		dto.WindowStart = r.WindowStart.Format(time.RFC3339)
	}
	if r.ReviewedAt != nil {
		s := r.ReviewedAt.Format(time.RFC3339)
		dto.ReviewedAt = &s
	}
	return dto
}

func toBatchResponse(result *reconcile.BatchResult) ReconcileBatchResponse {
	resp := ReconcileBatchResponse{
		Outcome:   string(result.Outcome),
		Matched:   result.Matched,
		Unmatched: result.Unmatched,
	}
	for i := range result.Records {
		resp.Records = append(resp.Records, toReconciliationDTO(&result.Records[i]))
	}
	return resp
}

func toAuditDTO(e *ledger.AuditEntry) AuditEntryDTO {
	return AuditEntryDTO{
		ID:         e.ID,
		Timestamp:  e.Timestamp.Format(time.RFC3339Nano),
		ActorID:    e.ActorID,
		ActorRole:  string(e.ActorRole),
		Action:     string(e.Action),
		EntityType: e.EntityType,
		EntityID:   e.EntityID,
		OldValue:   e.OldValue,
		NewValue:   e.NewValue,
		IP:         e.IP,
		UserAgent:  e.UserAgent,
		Metadata:   e.Metadata,
	}
}
