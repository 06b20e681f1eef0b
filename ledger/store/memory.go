// Package store provides an in-memory ledger.TxStore for tests and dev.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory implements ledger.TxStore. WithTx is simulated with a snapshot of
// the whole state and a restore on error, which gives the same all-or-nothing
// behavior as a database transaction under the store's single writer lock.
type Memory struct {
	mu sync.RWMutex
	st *state
}

func NewMemory() *Memory {
	return &Memory{st: newState()}
}

type state struct {
	accounts    map[ledger.AccountID]ledger.Account
	codeIndex   map[string]ledger.AccountID
	txs         map[ledger.TransactionID]ledger.Transaction
	refIndex    map[string]ledger.TransactionID
	txOrder     []ledger.TransactionID
	rules       map[string]ledger.AllocationRule
	ruleNames   map[string]string
	audits      []ledger.AuditEntry
	recons      map[string]ledger.ReconciliationRecord
	reconOrder  []string
}

func newState() *state {
	return &state{
		accounts:  make(map[ledger.AccountID]ledger.Account),
		codeIndex: make(map[string]ledger.AccountID),
		txs:       make(map[ledger.TransactionID]ledger.Transaction),
		refIndex:  make(map[string]ledger.TransactionID),
		rules:     make(map[string]ledger.AllocationRule),
		ruleNames: make(map[string]string),
		recons:    make(map[string]ledger.ReconciliationRecord),
	}
}

// clone copies the state wholesale. Entity values are replaced, never
// mutated in place, so a shallow copy per map is enough for rollback.
func (st *state) clone() *state {
	c := newState()
	for k, v := range st.accounts {
		c.accounts[k] = v
	}
	for k, v := range st.codeIndex {
		c.codeIndex[k] = v
	}
	for k, v := range st.txs {
		c.txs[k] = v
	}
	for k, v := range st.refIndex {
		c.refIndex[k] = v
	}
	c.txOrder = append([]ledger.TransactionID{}, st.txOrder...)
	for k, v := range st.rules {
		c.rules[k] = v
	}
	for k, v := range st.ruleNames {
		c.ruleNames[k] = v
	}
	c.audits = append([]ledger.AuditEntry{}, st.audits...)
	for k, v := range st.recons {
		c.recons[k] = v
	}
	c.reconOrder = append([]string{}, st.reconOrder...)
	return c
}

// =============================================================================
// STATE OPERATIONS - callers hold the lock
// =============================================================================

func (st *state) saveAccount(a ledger.Account) error {
	if _, exists := st.codeIndex[a.Code]; exists {
		return ledger.ErrDuplicateCode
	}
	st.accounts[a.ID] = a
	st.codeIndex[a.Code] = a.ID
	return nil
}

func (st *state) updateAccountStatus(id ledger.AccountID, status ledger.AccountStatus, at time.Time) error {
	a, ok := st.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	a.Status = status
	a.UpdatedAt = at
	st.accounts[id] = a
	return nil
}

func (st *state) getAccount(id ledger.AccountID) (*ledger.Account, error) {
	a, ok := st.accounts[id]
	if !ok {
		return nil, nil
	}
	out := a
	return &out, nil
}

func (st *state) getAccountByCode(code string) (*ledger.Account, error) {
	id, ok := st.codeIndex[code]
	if !ok {
		return nil, nil
	}
	return st.getAccount(id)
}

func (st *state) listAccounts() ([]ledger.Account, error) {
	out := make([]ledger.Account, 0, len(st.accounts))
	for _, a := range st.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (st *state) appendTransaction(tx ledger.Transaction) error {
	if _, exists := st.refIndex[tx.Reference]; exists {
		return ledger.ErrDuplicateReference
	}
	st.txs[tx.ID] = tx
	st.refIndex[tx.Reference] = tx.ID
	st.txOrder = append(st.txOrder, tx.ID)
	return nil
}

func (st *state) updateTransactionStatus(id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	tx, ok := st.txs[id]
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	if tx.Status != from {
		return &ledger.TransitionError{Entity: "transaction", From: string(tx.Status), To: string(to)}
	}
	tx.Status = to
	st.txs[id] = tx
	return nil
}

func (st *state) getTransaction(id ledger.TransactionID) (*ledger.Transaction, error) {
	tx, ok := st.txs[id]
	if !ok {
		return nil, nil
	}
	out := tx
	return &out, nil
}

func (st *state) getTransactionByReference(ref string) (*ledger.Transaction, error) {
	id, ok := st.refIndex[ref]
	if !ok {
		return nil, nil
	}
	return st.getTransaction(id)
}

func inRange(t, from, to time.Time) bool {
	return !t.Before(from) && !t.After(to)
}

func (st *state) listTransactionsByAccount(id ledger.AccountID, from, to time.Time) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, txID := range st.txOrder {
		tx := st.txs[txID]
		if tx.DebitAccount != id && tx.CreditAccount != id {
			continue
		}
		if !inRange(tx.EffectiveAt, from, to) {
			continue
		}
		out = append(out, tx)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].EffectiveAt.Equal(out[j].EffectiveAt) {
			return out[i].EffectiveAt.Before(out[j].EffectiveAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (st *state) listChildren(parent ledger.TransactionID) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, txID := range st.txOrder {
		if tx := st.txs[txID]; tx.ParentID == parent {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (st *state) accountSums(id ledger.AccountID, from, to time.Time) (decimal.Decimal, decimal.Decimal, error) {
	debits, credits := decimal.Zero, decimal.Zero
	for _, tx := range st.txs {
		if tx.Status != ledger.TxPosted && tx.Status != ledger.TxReversed {
			continue
		}
		if !inRange(tx.EffectiveAt, from, to) {
			continue
		}
		if tx.DebitAccount == id {
			debits = debits.Add(tx.Amount)
		}
		if tx.CreditAccount == id {
			credits = credits.Add(tx.Amount)
		}
	}
	return debits, credits, nil
}

func (st *state) saveRule(r ledger.AllocationRule) error {
	if _, exists := st.ruleNames[r.Name]; exists {
		return ledger.ErrDuplicateRuleName
	}
	st.rules[r.ID] = r
	st.ruleNames[r.Name] = r.ID
	return nil
}

func (st *state) updateRule(r ledger.AllocationRule) error {
	if _, ok := st.rules[r.ID]; !ok {
		return ledger.ErrRuleNotFound
	}
	st.rules[r.ID] = r
	return nil
}

func (st *state) getRule(id string) (*ledger.AllocationRule, error) {
	r, ok := st.rules[id]
	if !ok {
		return nil, nil
	}
	out := r
	return &out, nil
}

func (st *state) getRuleByName(name string) (*ledger.AllocationRule, error) {
	id, ok := st.ruleNames[name]
	if !ok {
		return nil, nil
	}
	return st.getRule(id)
}

func (st *state) listRulesBySource(source ledger.AccountID) ([]ledger.AllocationRule, error) {
	var out []ledger.AllocationRule
	for _, r := range st.rules {
		if r.SourceAccount == source {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (st *state) listRules() ([]ledger.AllocationRule, error) {
	out := make([]ledger.AllocationRule, 0, len(st.rules))
	for _, r := range st.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (st *state) appendAudit(e ledger.AuditEntry) error {
	st.audits = append(st.audits, e)
	return nil
}

func (st *state) queryAudit(f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	var out []ledger.AuditEntry
	for _, e := range st.audits {
		if f.Matches(e) {
			out = append(out, e)
		}
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (st *state) saveReconciliation(r ledger.ReconciliationRecord) error {
	st.recons[r.ID] = r
	st.reconOrder = append(st.reconOrder, r.ID)
	return nil
}

func (st *state) getReconciliation(id string) (*ledger.ReconciliationRecord, error) {
	r, ok := st.recons[id]
	if !ok {
		return nil, nil
	}
	out := r
	return &out, nil
}

func (st *state) listReconciliations(account *ledger.AccountID, status *ledger.ReconciliationStatus) ([]ledger.ReconciliationRecord, error) {
	var out []ledger.ReconciliationRecord
	for i := len(st.reconOrder) - 1; i >= 0; i-- {
		r := st.recons[st.reconOrder[i]]
		if account != nil && r.AccountID != *account {
			continue
		}
		if status != nil && r.Status != *status {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

func (st *state) markReconciliationReviewed(id, reviewer, notes string, at time.Time) error {
	r, ok := st.recons[id]
	if !ok {
		return ledger.ErrReconciliationNotFound
	}
	r.Status = ledger.ReconReviewed
	r.ReviewedBy = reviewer
	r.Notes = notes
	r.ReviewedAt = &at
	st.recons[id] = r
	return nil
}

// =============================================================================
// LOCKED WRAPPERS (ledger.Store)
// =============================================================================

func (m *Memory) SaveAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveAccount(a)
}

func (m *Memory) UpdateAccountStatus(_ context.Context, id ledger.AccountID, status ledger.AccountStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateAccountStatus(id, status, at)
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getAccount(id)
}

func (m *Memory) GetAccountByCode(_ context.Context, code string) (*ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getAccountByCode(code)
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listAccounts()
}

func (m *Memory) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.appendTransaction(tx)
}

func (m *Memory) UpdateTransactionStatus(_ context.Context, id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateTransactionStatus(id, from, to)
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getTransaction(id)
}

func (m *Memory) GetTransactionByReference(_ context.Context, ref string) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getTransactionByReference(ref)
}

func (m *Memory) ListTransactionsByAccount(_ context.Context, id ledger.AccountID, from, to time.Time) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listTransactionsByAccount(id, from, to)
}

func (m *Memory) ListChildren(_ context.Context, parent ledger.TransactionID) ([]ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listChildren(parent)
}

func (m *Memory) AccountSums(_ context.Context, id ledger.AccountID, from, to time.Time) (decimal.Decimal, decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.accountSums(id, from, to)
}

func (m *Memory) SaveRule(_ context.Context, r ledger.AllocationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveRule(r)
}

func (m *Memory) UpdateRule(_ context.Context, r ledger.AllocationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.updateRule(r)
}

func (m *Memory) GetRule(_ context.Context, id string) (*ledger.AllocationRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getRule(id)
}

func (m *Memory) GetRuleByName(_ context.Context, name string) (*ledger.AllocationRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getRuleByName(name)
}

func (m *Memory) ListRulesBySource(_ context.Context, source ledger.AccountID) ([]ledger.AllocationRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listRulesBySource(source)
}

func (m *Memory) ListRules(_ context.Context) ([]ledger.AllocationRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listRules()
}

func (m *Memory) AppendAudit(_ context.Context, e ledger.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.appendAudit(e)
}

func (m *Memory) QueryAudit(_ context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.queryAudit(f)
}

func (m *Memory) SaveReconciliation(_ context.Context, r ledger.ReconciliationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.saveReconciliation(r)
}

func (m *Memory) GetReconciliation(_ context.Context, id string) (*ledger.ReconciliationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.getReconciliation(id)
}

func (m *Memory) ListReconciliations(_ context.Context, account *ledger.AccountID, status *ledger.ReconciliationStatus) ([]ledger.ReconciliationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.st.listReconciliations(account, status)
}

func (m *Memory) MarkReconciliationReviewed(_ context.Context, id, reviewer, notes string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.markReconciliationReviewed(id, reviewer, notes, at)
}

// =============================================================================
// TRANSACTIONAL VIEW (ledger.TxStore)
// =============================================================================

// WithTx snapshots the state, runs fn against an unlocked view, and
// restores the snapshot if fn fails. The write lock is held throughout, so
// readers never observe a half-applied unit.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.st.clone()
	if err := fn(&txView{st: m.st}); err != nil {
		m.st = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.st = snapshot
		return err
	}
	return nil
}

type txView struct {
	st *state
}

func (v *txView) SaveAccount(_ context.Context, a ledger.Account) error {
	return v.st.saveAccount(a)
}

func (v *txView) UpdateAccountStatus(_ context.Context, id ledger.AccountID, status ledger.AccountStatus, at time.Time) error {
	return v.st.updateAccountStatus(id, status, at)
}

func (v *txView) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return v.st.getAccount(id)
}

func (v *txView) GetAccountByCode(_ context.Context, code string) (*ledger.Account, error) {
	return v.st.getAccountByCode(code)
}

func (v *txView) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	return v.st.listAccounts()
}

func (v *txView) AppendTransaction(_ context.Context, tx ledger.Transaction) error {
	return v.st.appendTransaction(tx)
}

func (v *txView) UpdateTransactionStatus(_ context.Context, id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	return v.st.updateTransactionStatus(id, from, to)
}

func (v *txView) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return v.st.getTransaction(id)
}

func (v *txView) GetTransactionByReference(_ context.Context, ref string) (*ledger.Transaction, error) {
	return v.st.getTransactionByReference(ref)
}

func (v *txView) ListTransactionsByAccount(_ context.Context, id ledger.AccountID, from, to time.Time) ([]ledger.Transaction, error) {
	return v.st.listTransactionsByAccount(id, from, to)
}

func (v *txView) ListChildren(_ context.Context, parent ledger.TransactionID) ([]ledger.Transaction, error) {
	return v.st.listChildren(parent)
}

func (v *txView) AccountSums(_ context.Context, id ledger.AccountID, from, to time.Time) (decimal.Decimal, decimal.Decimal, error) {
	return v.st.accountSums(id, from, to)
}

func (v *txView) SaveRule(_ context.Context, r ledger.AllocationRule) error {
	return v.st.saveRule(r)
}

func (v *txView) UpdateRule(_ context.Context, r ledger.AllocationRule) error {
	return v.st.updateRule(r)
}

func (v *txView) GetRule(_ context.Context, id string) (*ledger.AllocationRule, error) {
	return v.st.getRule(id)
}

func (v *txView) GetRuleByName(_ context.Context, name string) (*ledger.AllocationRule, error) {
	return v.st.getRuleByName(name)
}

func (v *txView) ListRulesBySource(_ context.Context, source ledger.AccountID) ([]ledger.AllocationRule, error) {
	return v.st.listRulesBySource(source)
}

func (v *txView) ListRules(_ context.Context) ([]ledger.AllocationRule, error) {
	return v.st.listRules()
}

func (v *txView) AppendAudit(_ context.Context, e ledger.AuditEntry) error {
	return v.st.appendAudit(e)
}

func (v *txView) QueryAudit(_ context.Context, f ledger.AuditFilter) ([]ledger.AuditEntry, error) {
	return v.st.queryAudit(f)
}

func (v *txView) SaveReconciliation(_ context.Context, r ledger.ReconciliationRecord) error {
	return v.st.saveReconciliation(r)
}

func (v *txView) GetReconciliation(_ context.Context, id string) (*ledger.ReconciliationRecord, error) {
	return v.st.getReconciliation(id)
}

func (v *txView) ListReconciliations(_ context.Context, account *ledger.AccountID, status *ledger.ReconciliationStatus) ([]ledger.ReconciliationRecord, error) {
	return v.st.listReconciliations(account, status)
}

func (v *txView) MarkReconciliationReviewed(_ context.Context, id, reviewer, notes string, at time.Time) error {
	return v.st.markReconciliationReviewed(id, reviewer, notes, at)
}
