package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"duel-settlement-engine/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Named shared-cache database so every pooled connection sees the same
	// in-memory store.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.DuelSession{},
		&models.SettlementRecord{},
		&models.EscrowTransferMirror{},
	))
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// memLedger is an in-memory EscrowLedger tracking every call, so tests can
// assert exact-once transfer semantics and lamport reconciliation.
type memLedger struct {
	mu sync.Mutex

	deposits int
	refunds  int
	payouts  int

	// net received per wallet across refunds and payouts
	received map[string]int64
	// total deposited per wallet
	staked map[string]int64

	failDeposit bool
	failPayout  bool
	failRefund  bool
}

func newMemLedger() *memLedger {
	return &memLedger{
		received: make(map[string]int64),
		staked:   make(map[string]int64),
	}
}

func (l *memLedger) Deposit(ctx context.Context, sessionID, wallet string, amount int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failDeposit {
		return "", ErrInsufficientFunds
	}
	l.deposits++
	l.staked[wallet] += amount
	return fmt.Sprintf("receipt-%d", l.deposits), nil
}

func (l *memLedger) Refund(ctx context.Context, sessionID, wallet string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failRefund {
		return ErrTransferFailed
	}
	l.refunds++
	l.received[wallet] += amount
	return nil
}

func (l *memLedger) Payout(ctx context.Context, sessionID, wallet string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failPayout {
		return ErrTransferFailed
	}
	l.payouts++
	l.received[wallet] += amount
	return nil
}

func (l *memLedger) callCounts() (deposits, refunds, payouts int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deposits, l.refunds, l.payouts
}

func (l *memLedger) receivedBy(wallet string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.received[wallet]
}

// slowLedger parks Payout until released, simulating escrow latency. The
// entered channel closes once the first payout is in flight.
type slowLedger struct {
	*memLedger
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newSlowLedger() *slowLedger {
	return &slowLedger{
		memLedger: newMemLedger(),
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
	}
}

func (l *slowLedger) Payout(ctx context.Context, sessionID, wallet string, amount int64) error {
	l.once.Do(func() { close(l.entered) })
	<-l.release
	return l.memLedger.Payout(ctx, sessionID, wallet, amount)
}

// stubRandom pins the target so winner math is deterministic.
type stubRandom struct {
	target    int
	commitErr error
	targetErr error
}

func (r *stubRandom) Commit() (string, string, error) {
	if r.commitErr != nil {
		return "", "", r.commitErr
	}
	return "stub-seed", "stub-seed-hash", nil
}

func (r *stubRandom) Target(seed, sessionID string, resolvedAt time.Time) (int, error) {
	if r.targetErr != nil {
		return 0, r.targetErr
	}
	return r.target, nil
}

const (
	walletAlice    = "A1iceWa11etAddr111111111111111111"
	walletBob      = "BobWa11etAddr22222222222222222222"
	walletPlatform = "P1atformWa11etAddr333333333333333"

	feeScenarioA = int64(20_000_000) // 0.02 SOL
)

func newTestService(t *testing.T, ledger EscrowLedger, random RandomnessSource) *DuelService {
	t.Helper()
	if random == nil {
		random = &stubRandom{target: 45}
	}
	return NewDuelService(testDB(t), ledger, random, walletPlatform)
}

// fullSession creates a session, joins the opponent, and returns it ready
// for picks.
func fullSession(t *testing.T, s *DuelService, fee int64) *models.DuelSession {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), walletAlice, fee, models.ModePublic)
	require.NoError(t, err)
	joined, err := s.JoinSession(context.Background(), walletBob, sess.ID)
	require.NoError(t, err)
	return joined
}

// forceDeadline rewrites a live session's deadline so timeout paths can be
// exercised without sleeping.
func forceDeadline(t *testing.T, s *DuelService, sessionID string, deadline time.Time) {
	t.Helper()
	h, ok := s.Registry.lookup(sessionID)
	require.True(t, ok)
	h.mu.Lock()
	h.session.Deadline = &deadline
	h.mu.Unlock()
}

func sessionState(t *testing.T, s *DuelService, sessionID string) string {
	t.Helper()
	status, err := s.SessionStatus(sessionID)
	require.NoError(t, err)
	return status.State
}

func auditRecords(t *testing.T, s *DuelService, sessionID string) []models.SettlementRecord {
	t.Helper()
	var records []models.SettlementRecord
	require.NoError(t, s.DB.Where("session_id = ?", sessionID).Find(&records).Error)
	return records
}
