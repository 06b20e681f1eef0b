/*
scheduler.go - Automated reconciliation scheduler

PURPOSE:
  Periodically reconciles a configured set of accounts against an external
  balance source and records the outcomes, so discrepancies surface without
  anyone triggering a run by hand.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Pulls the external balance per account from a reconcile.BalanceSource
  - Records every outcome; a mismatch is a persisted result, not an error
  - Runs as the system actor, so the audit trail names the scheduler

CONFIGURATION:
  - CheckInterval: How often to run (default: 1 hour)
  - Accounts: Account codes to reconcile each cycle
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewReconciliationScheduler(engine, source, []string{"cash"})
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunReconciliation endpoint (manual runs)
  - reconcile: the engine this scheduler drives
*/
package api

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/reconcile"
)

// ReconciliationScheduler drives periodic reconciliation runs.
type ReconciliationScheduler struct {
	Engine        *reconcile.Engine
	Source        reconcile.BalanceSource
	Accounts      []string
	CheckInterval time.Duration
	Enabled       bool

	ticker *time.Ticker
	stop   chan bool
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewReconciliationScheduler creates a new scheduler over the given accounts.
func NewReconciliationScheduler(engine *reconcile.Engine, source reconcile.BalanceSource, accounts []string) *ReconciliationScheduler {
	return &ReconciliationScheduler{
		Engine:        engine,
		Source:        source,
		Accounts:      accounts,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (rs *ReconciliationScheduler) Start() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if !rs.Enabled {
		log.Println("[Scheduler] Disabled, not starting")
		return
	}
	if len(rs.Accounts) == 0 {
		log.Println("[Scheduler] No accounts configured, not starting")
		return
	}

	rs.ticker = time.NewTicker(rs.CheckInterval)
	rs.wg.Add(1)

	go rs.run()

	log.Printf("[Scheduler] Started with check interval: %v, accounts: %v", rs.CheckInterval, rs.Accounts)
}

// Stop stops the scheduler.
func (rs *ReconciliationScheduler) Stop() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.ticker != nil {
		rs.ticker.Stop()
		close(rs.stop)
		rs.wg.Wait()
		log.Println("[Scheduler] Stopped")
	}
}

func (rs *ReconciliationScheduler) run() {
	defer rs.wg.Done()

	// Run immediately on start
	rs.reconcileAll()

	for {
		select {
		case <-rs.ticker.C:
			rs.reconcileAll()
		case <-rs.stop:
			return
		}
	}
}

func (rs *ReconciliationScheduler) reconcileAll() {
	ctx := context.Background()
	actor := ledger.Actor{ID: "scheduler", Role: ledger.RoleSystem}

	matched := 0
	unmatched := 0
	for _, code := range rs.Accounts {
		external, err := rs.Source.ExternalBalance(ctx, code)
		if err != nil {
			log.Printf("[Scheduler] External balance unavailable for %s: %v", code, err)
			continue
		}

		record, err := rs.Engine.Reconcile(ctx, actor, reconcile.Input{
			Account:         code,
			ExternalBalance: external,
			Type:            ledger.ReconCumulative,
			Notes:           "scheduled run",
		})
		if err != nil {
			log.Printf("[Scheduler] Reconciliation failed for %s: %v", code, err)
			continue
		}

		if record.Status == ledger.ReconMatched {
			matched++
		} else {
			unmatched++
			log.Printf("[Scheduler] Discrepancy on %s: ledger=%s external=%s diff=%s",
				code, record.LedgerBalance, record.ExternalBalance, record.Discrepancy)
		}
	}

	log.Printf("[Scheduler] Completed: %d matched, %d unmatched", matched, unmatched)
}

// RunNow triggers an immediate cycle (for testing/admin).
func (rs *ReconciliationScheduler) RunNow() {
	rs.reconcileAll()
}

// GetNextRunTime returns when the next scheduled cycle will occur.
func (rs *ReconciliationScheduler) GetNextRunTime() time.Time {
	return time.Now().Add(rs.CheckInterval)
}
