package services

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"duel-settlement-engine/models"
	"duel-settlement-engine/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PayoutRateNumerator / PayoutRateDenominator: the winner takes 98% of the
// pool. All math is integer lamports; the division remainder goes to the
// platform fee, never to a player, so every settlement reconciles exactly.
const (
	PayoutRateNumerator   = 98
	PayoutRateDenominator = 100
)

// SplitPool returns (payout, platformFee) with payout+platformFee == pool.
func SplitPool(pool int64) (int64, int64) {
	payout := pool * PayoutRateNumerator / PayoutRateDenominator
	return payout, pool - payout
}

func abs(a int) int {
	if a < 0 {
		return -a
	}
	return a
}

// Resolve drives a full session to its terminal state: draws the target,
// computes the winner, issues the ledger transfers, and writes the audit
// record. It is idempotent per session; calling it on a session that is
// already terminal or mid-resolution is a silent no-op, so the sweeper, a
// late pick, and an early both-picked trigger can all race it safely.
func (s *DuelService) Resolve(ctx context.Context, sessionID string) {
	h, ok := s.Registry.lookup(sessionID)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sess := h.session
	if h.resolving || h.auditPending || sess.IsTerminal() {
		return
	}
	if sess.State != models.StateFull {
		return
	}

	now := time.Now()
	if !sess.BothPicked() && !sess.DeadlinePassed(now) {
		return
	}

	h.resolving = true
	defer func() { h.resolving = false }()

	sess.State = models.StateResolving
	if err := s.DB.Save(sess).Error; err != nil {
		log.Printf("❌ [SETTLE] Failed to persist resolving state for %s: %v — will retry", sess.ID, err)
		sess.State = models.StateFull
		return
	}

	outcome, winner, target, err := s.decideOutcome(sess, h.serverSeed, now)
	if err != nil {
		// Entropy failure: fail closed, nobody's stake is at risk.
		log.Printf("❌ [SETTLE] Entropy unavailable for session %s: %v — cancelling with refunds", sess.ID, err)
		outcome, winner, target = models.OutcomeCancelled, "", nil
	}

	// Idempotency marker goes to the database before any money moves. If the
	// marker cannot be made durable the whole resolution backs off and the
	// sweeper retries; no transfer has happened yet.
	if !sess.PayoutIssued {
		sess.PayoutIssued = true
		if err := s.DB.Save(sess).Error; err != nil {
			log.Printf("❌ [SETTLE] Failed to persist payout marker for %s: %v — backing off", sess.ID, err)
			sess.PayoutIssued = false
			sess.State = models.StateFull
			return
		}

		outcome, winner = s.issueTransfers(ctx, sess, outcome, winner)
	}

	resolvedAt := now
	sess.Target = target
	sess.Winner = winner
	sess.ResolvedAt = &resolvedAt

	var refundTotal int64
	switch outcome {
	case models.OutcomeSettled, models.OutcomeForfeit:
		sess.PayoutAmount, sess.PlatformFee = SplitPool(sess.PrizePool)
	case models.OutcomeDraw, models.OutcomeCancelled:
		refundTotal = sess.PrizePool
	}

	record := s.buildRecord(h, outcome, refundTotal, resolvedAt)
	s.finalize(h, record)
}

// decideOutcome applies the winner rules. The target is only drawn when at
// least one pick exists; a session nobody engaged with needs no entropy.
func (s *DuelService) decideOutcome(sess *models.DuelSession, seed string, now time.Time) (outcome, winner string, target *int, err error) {
	p1, p2 := sess.Player1Pick, sess.Player2Pick

	if p1 == nil && p2 == nil {
		return models.OutcomeCancelled, "", nil, nil
	}

	t, err := s.Random.Target(seed, sess.ID, now)
	if err != nil {
		return "", "", nil, err
	}
	target = &t

	switch {
	case p1 != nil && p2 != nil:
		d1 := abs(*p1 - t)
		d2 := abs(*p2 - t)
		switch {
		case d1 < d2:
			return models.OutcomeSettled, sess.Player1, target, nil
		case d2 < d1:
			return models.OutcomeSettled, sess.Player2, target, nil
		default:
			return models.OutcomeDraw, models.WinnerDraw, target, nil
		}
	case p1 != nil:
		// Opponent forfeited: their stake stays in the pool, winner takes all.
		return models.OutcomeForfeit, sess.Player1, target, nil
	default:
		return models.OutcomeForfeit, sess.Player2, target, nil
	}
}

// issueTransfers moves the money for an outcome. A failed payout flips the
// outcome to cancelled with full refunds; a failed refund is logged loudly
// and left to reconciliation against the escrow transfer mirror — the
// engine never retries a transfer whose fate it does not know.
func (s *DuelService) issueTransfers(ctx context.Context, sess *models.DuelSession, outcome, winner string) (string, string) {
	switch outcome {
	case models.OutcomeSettled, models.OutcomeForfeit:
		payout, fee := SplitPool(sess.PrizePool)
		if err := s.Ledger.Payout(ctx, sess.ID, winner, payout); err != nil {
			log.Printf("❌ [SETTLE] Payout failed for session %s: %v — cancelling with refunds", sess.ID, err)
			s.refundBoth(ctx, sess)
			return models.OutcomeCancelled, ""
		}
		if fee > 0 {
			if err := s.Ledger.Payout(ctx, sess.ID, s.PlatformWallet, fee); err != nil {
				// Winner is already paid; the fee sits in escrow for manual
				// collection. Never cancel a duel the winner has been paid for.
				log.Printf("❌ [SETTLE] Platform fee transfer failed for session %s: %v", sess.ID, err)
			}
		}
		log.Printf("💰 [SETTLE] Session %s: %d lamports to %s, %d fee", sess.ID, payout, winner, fee)
		return outcome, winner

	case models.OutcomeDraw, models.OutcomeCancelled:
		s.refundBoth(ctx, sess)
		return outcome, winner

	default:
		return outcome, winner
	}
}

func (s *DuelService) refundBoth(ctx context.Context, sess *models.DuelSession) {
	if err := s.Ledger.Refund(ctx, sess.ID, sess.Player1, sess.EntryFee); err != nil {
		log.Printf("❌ [SETTLE] Refund to %s failed for session %s: %v — needs reconciliation", sess.Player1, sess.ID, err)
	}
	if sess.Player2 != "" {
		if err := s.Ledger.Refund(ctx, sess.ID, sess.Player2, sess.EntryFee); err != nil {
			log.Printf("❌ [SETTLE] Refund to %s failed for session %s: %v — needs reconciliation", sess.Player2, sess.ID, err)
		}
	}
}

func (s *DuelService) buildRecord(h *sessionHandle, outcome string, refundTotal int64, settledAt time.Time) *models.SettlementRecord {
	sess := h.session
	return &models.SettlementRecord{
		ID:           uuid.NewString(),
		SessionID:    sess.ID,
		Player1:      sess.Player1,
		Player2:      sess.Player2,
		Player1Pick:  sess.Player1Pick,
		Player2Pick:  sess.Player2Pick,
		Target:       sess.Target,
		Winner:       sess.Winner,
		Outcome:      outcome,
		PrizePool:    sess.PrizePool,
		PayoutAmount: sess.PayoutAmount,
		PlatformFee:  sess.PlatformFee,
		RefundAmount: refundTotal,
		ServerSeed:   h.serverSeed,
		SeedHash:     sess.SeedHash,
		SettledAt:    settledAt,
	}
}

// finalize writes the audit record and, only once it is durable, moves the
// session to its terminal state. Payout is already done and is never rolled
// back; if the write fails the session parks in resolving and the sweeper
// retries the write alone.
func (s *DuelService) finalize(h *sessionHandle, record *models.SettlementRecord) {
	sess := h.session

	if err := s.DB.Create(record).Error; err != nil {
		// A unique violation on session_id means a prior attempt already
		// landed the record; anything else owes a retry.
		if !isDuplicate(err) {
			log.Printf("❌ [SETTLE] Audit write failed for session %s: %v — holding in resolving", sess.ID, err)
			h.auditPending = true
			h.pendingRecord = record
			return
		}
	}

	sess.State = terminalState(record.Outcome)
	if err := s.DB.Save(sess).Error; err != nil {
		log.Printf("⚠️ [SETTLE] Audit written but terminal state persist failed for %s: %v", sess.ID, err)
	}
	h.auditPending = false
	h.pendingRecord = nil

	log.Printf("✅ [SETTLE] Session %s -> %s (outcome=%s, winner=%s)", sess.ID, sess.State, record.Outcome, record.Winner)

	if utils.ArchiveReady() {
		rec := *record
		go func() {
			if err := utils.ArchiveSettlementRecord(context.Background(), &rec); err != nil {
				log.Printf("⚠️ [SETTLE] Archive upload failed for session %s: %v", rec.SessionID, err)
			}
		}()
	}
}

// RetryAudit re-attempts a parked settlement record write. Payout flags are
// untouched; only the record write and terminal transition run again.
func (s *DuelService) RetryAudit(sessionID string) {
	h, ok := s.Registry.lookup(sessionID)
	if !ok {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.auditPending || h.pendingRecord == nil {
		return
	}
	log.Printf("🔁 [SETTLE] Retrying audit write for session %s", sessionID)
	s.finalize(h, h.pendingRecord)
}

// ExpireIdle closes an open session nobody joined within the lobby timeout
// and refunds the creator's stake.
func (s *DuelService) ExpireIdle(ctx context.Context, sessionID string) {
	h, ok := s.Registry.lookup(sessionID)
	if !ok {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sess := h.session
	if sess.State != models.StateOpen || h.resolving || h.auditPending {
		return
	}
	now := time.Now()
	if now.Sub(sess.CreatedAt) < models.LobbyIdleTimeout {
		return
	}

	h.resolving = true
	defer func() { h.resolving = false }()

	if !sess.PayoutIssued {
		sess.PayoutIssued = true
		if err := s.DB.Save(sess).Error; err != nil {
			log.Printf("❌ [SETTLE] Failed to persist expiry marker for %s: %v — backing off", sess.ID, err)
			sess.PayoutIssued = false
			return
		}
		if err := s.Ledger.Refund(ctx, sess.ID, sess.Player1, sess.EntryFee); err != nil {
			log.Printf("❌ [SETTLE] Expiry refund to %s failed for session %s: %v — needs reconciliation", sess.Player1, sess.ID, err)
		}
	}

	sess.ResolvedAt = &now
	record := s.buildRecord(h, models.OutcomeExpired, sess.EntryFee, now)
	s.finalize(h, record)
	log.Printf("⏰ [DUEL] Session %s expired — nobody joined within %s", sess.ID, models.LobbyIdleTimeout)
}

func terminalState(outcome string) string {
	switch outcome {
	case models.OutcomeSettled, models.OutcomeDraw, models.OutcomeForfeit:
		return models.StateSettled
	case models.OutcomeExpired:
		return models.StateExpired
	default:
		return models.StateCancelled
	}
}

func isDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique")
}
