/*
audit.go - Append-only audit trail

PURPOSE:
  Every state-changing operation across the engine writes exactly one audit
  entry, in the same atomic unit as the mutation it describes. A mutation
  whose audit entry cannot be written does not commit.

INVARIANTS:
  - Append-only: no update or delete exists for audit entries anywhere in
    this engine; retention and archival live outside it
  - Synchronous: the entry commits with the mutation, never after it
  - Complete: old/new snapshots, actor, and request metadata are captured
    for forensic replay
*/
package ledger

import (
	"encoding/json"
	"time"
)

// =============================================================================
// AUDIT ENTRY
// =============================================================================

// AuditAction names what happened. One action per mutating operation.
type AuditAction string

const (
	ActionAccountCreated       AuditAction = "account.created"
	ActionAccountStatusChanged AuditAction = "account.status_changed"
	ActionTransactionDrafted   AuditAction = "transaction.drafted"
	ActionTransactionPosted    AuditAction = "transaction.posted"
	ActionTransactionCancelled AuditAction = "transaction.cancelled"
	ActionTransactionReversed  AuditAction = "transaction.reversed"
	ActionRuleCreated          AuditAction = "rule.created"
	ActionRuleUpdated          AuditAction = "rule.updated"
	ActionRuleDeactivated      AuditAction = "rule.deactivated"
	ActionReconciliationRun    AuditAction = "reconciliation.run"
	ActionReconciliationReview AuditAction = "reconciliation.reviewed"
)

// AuditEntry records who did what to which entity, with before/after
// snapshots serialized as JSON.
type AuditEntry struct {
	ID         string
	Timestamp  time.Time
	ActorID    string
	ActorRole  Role
	Action     AuditAction
	EntityType string
	EntityID   string
	OldValue   json.RawMessage
	NewValue   json.RawMessage
	IP         string
	UserAgent  string
	Metadata   map[string]string
}

// NewAuditEntry builds an entry from an actor and snapshots. Snapshot
// marshalling failures are swallowed into null values rather than blocking
// the mutation: the entry itself still records actor, action, and entity.
func NewAuditEntry(id string, actor Actor, action AuditAction, entityType, entityID string, oldValue, newValue any) AuditEntry {
	return AuditEntry{
		ID:         id,
		Timestamp:  time.Now().UTC(),
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		OldValue:   snapshot(oldValue),
		NewValue:   snapshot(newValue),
		IP:         actor.IP,
		UserAgent:  actor.UserAgent,
	}
}

func snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`null`)
	}
	return data
}

// AuditFilter narrows audit queries. Nil fields match everything.
type AuditFilter struct {
	EntityType *string
	EntityID   *string
	ActorID    *string
	Actions    []AuditAction
	From       *time.Time
	To         *time.Time
	Limit      int
}

// Matches reports whether an entry passes the filter. Store implementations
// may push the same predicates into their query layer instead.
func (f AuditFilter) Matches(e AuditEntry) bool {
	if f.EntityType != nil && e.EntityType != *f.EntityType {
		return false
	}
	if f.EntityID != nil && e.EntityID != *f.EntityID {
		return false
	}
	if f.ActorID != nil && e.ActorID != *f.ActorID {
		return false
	}
	if len(f.Actions) > 0 {
		found := false
		for _, a := range f.Actions {
			if e.Action == a {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && e.Timestamp.Before(*f.From) {
		return false
	}
	if f.To != nil && e.Timestamp.After(*f.To) {
		return false
	}
	return true
}
