/*
Package events carries posted-transaction notifications to downstream
consumers (reporting, notification fan-out). Publication happens after the
posting unit commits and is best effort: a failed publish is logged, never
rolled back into the ledger.
*/
package events

import (
	"time"

	"github.com/shopspring/decimal"
)

// Publisher delivers an event to a topic. Implementations must tolerate
// being called concurrently.
type Publisher interface {
	Publish(topic string, event any) error
}

// TopicTransactionPosted receives one event per committed top-level posting.
const TopicTransactionPosted = "ledger.transaction.posted"

// TransactionPosted describes a committed posting, including the references
// of any allocation children created in the same unit.
type TransactionPosted struct {
	TransactionID string          `json:"transaction_id"`
	Reference     string          `json:"reference"`
	DebitAccount  string          `json:"debit_account"`
	CreditAccount string          `json:"credit_account"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	Children      []string        `json:"children,omitempty"`
	PostedAt      time.Time       `json:"posted_at"`
}

// Noop discards events. Used when no broker is configured.
type Noop struct{}

func (Noop) Publish(string, any) error { return nil }
