// services/scheduler.go
package services

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// SweepInterval is how often the background sweep scans for sessions past a
// deadline, idle lobbies, parked audit writes, and evictable terminals.
const SweepInterval = 2 * time.Second

// StartSweeper runs the deadline/expiry sweep on a fixed interval. Each
// transition runs in its own goroutine so one session blocked on the ledger
// never stalls the rest; racing an in-flight resolution is safe because
// Resolve and ExpireIdle are idempotent no-ops on busy or terminal sessions.
func (s *DuelService) StartSweeper() {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	_, _ = sched.NewJob(
		gocron.DurationJob(SweepInterval),
		gocron.NewTask(func() {
			s.Sweep(time.Now())
		}),
	)
}

// Sweep performs one pass. Split out from the scheduler so tests can drive
// it with a chosen clock.
func (s *DuelService) Sweep(now time.Time) {
	due, idle, auditRetry := s.Registry.sweepCandidates(now)

	for _, id := range due {
		go s.Resolve(context.Background(), id)
	}
	for _, id := range idle {
		go s.ExpireIdle(context.Background(), id)
	}
	for _, id := range auditRetry {
		go s.RetryAudit(id)
	}

	if evicted := s.Registry.EvictTerminal(now); evicted > 0 {
		log.Printf("🧹 [SWEEP] Evicted %d settled session(s) past retention", evicted)
	}
}
