package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"duel-settlement-engine/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// DuelService is the settlement engine core: it matches players into
// sessions, collects picks, and drives every session to exactly one terminal
// state with exactly one round of ledger side effects.
type DuelService struct {
	DB       *gorm.DB
	Registry *SessionRegistry
	Ledger   EscrowLedger
	Random   RandomnessSource

	// PlatformWallet receives the 2% platform fee.
	PlatformWallet string
}

func NewDuelService(db *gorm.DB, ledger EscrowLedger, random RandomnessSource, platformWallet string) *DuelService {
	return &DuelService{
		DB:             db,
		Registry:       NewSessionRegistry(),
		Ledger:         ledger,
		Random:         random,
		PlatformWallet: platformWallet,
	}
}

// SessionSummary is the lobby listing shape.
type SessionSummary struct {
	SessionID   string    `json:"session_id"`
	EntryFee    int64     `json:"entry_fee"`
	Mode        string    `json:"mode"`
	PlayerCount int       `json:"player_count"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateSession validates the fee, escrows the creator's stake, and registers
// a new open session. Private sessions get a collision-checked invite code.
func (s *DuelService) CreateSession(ctx context.Context, creator string, entryFee int64, mode string) (*models.DuelSession, error) {
	if creator == "" {
		return nil, validationErrorf("player wallet is required")
	}
	if entryFee < models.MinEntryFee || entryFee > models.MaxEntryFee {
		return nil, validationErrorf("entry fee must be between %d and %d lamports (0.015 - 100 SOL)", models.MinEntryFee, models.MaxEntryFee)
	}
	if mode != models.ModePublic && mode != models.ModePrivate {
		return nil, validationErrorf("mode must be public or private")
	}

	seed, seedHash, err := s.Random.Commit()
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()

	// The code is reserved in the registry before anything else happens, so
	// two concurrent private creates can never end up sharing one.
	inviteCode := ""
	if mode == models.ModePrivate {
		inviteCode, err = s.Registry.ClaimInviteCode(id)
		if err != nil {
			return nil, err
		}
	}

	// Stake is locked before the session exists; a failed deposit means no
	// session at all.
	if _, err := s.Ledger.Deposit(ctx, id, creator, entryFee); err != nil {
		s.Registry.ReleaseInviteCode(inviteCode)
		return nil, err
	}

	session := &models.DuelSession{
		ID:         id,
		Mode:       mode,
		EntryFee:   entryFee,
		Player1:    creator,
		State:      models.StateOpen,
		InviteCode: inviteCode,
		PrizePool:  entryFee,
		SeedHash:   seedHash,
		ServerSeed: seed,
	}

	if err := s.DB.Create(session).Error; err != nil {
		log.Printf("❌ [DUEL] Failed to persist new session %s: %v", id, err)
		if rerr := s.Ledger.Refund(ctx, id, creator, entryFee); rerr != nil {
			log.Printf("❌ [DUEL] Refund after failed create also failed for %s: %v", id, rerr)
		}
		s.Registry.ReleaseInviteCode(inviteCode)
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	s.Registry.Register(session, seed)
	log.Printf("✅ [DUEL] Session %s created by %s (fee=%d lamports, mode=%s)", id, creator, entryFee, mode)

	out := *session
	return &out, nil
}

// ListOpenSessions returns open public sessions with a free slot, newest
// first. Private sessions are never listed.
func (s *DuelService) ListOpenSessions() []SessionSummary {
	sessions := s.Registry.OpenPublicSessions()
	out := make([]SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, SessionSummary{
			SessionID:   sess.ID,
			EntryFee:    sess.EntryFee,
			Mode:        sess.Mode,
			PlayerCount: sess.PlayerCount(),
			CreatedAt:   sess.CreatedAt,
		})
	}
	return out
}

// JoinSession attaches a second player to an open session, escrows their
// stake, and starts the selection clock. The join is a check-and-set under
// the session lock: of N concurrent attempts exactly one succeeds.
func (s *DuelService) JoinSession(ctx context.Context, player, idOrCode string) (*models.DuelSession, error) {
	if player == "" {
		return nil, validationErrorf("player wallet is required")
	}

	h, viaCode := s.findJoinable(idOrCode)
	if h == nil {
		return nil, ErrNotFound
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sess := h.session
	// Private sessions are joinable only through their invite code, never by
	// a leaked session id.
	if sess.Mode == models.ModePrivate && !viaCode {
		return nil, ErrNotFound
	}
	if sess.HasPlayer(player) {
		return nil, ErrSelfJoin
	}
	switch sess.State {
	case models.StateOpen:
		// joinable
	case models.StateFull:
		return nil, ErrFull
	default:
		return nil, ErrNotFound
	}
	if sess.PlayerCount() >= 2 {
		return nil, ErrFull
	}

	if _, err := s.Ledger.Deposit(ctx, sess.ID, player, sess.EntryFee); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(models.SelectionWindow)
	sess.Player2 = player
	sess.Deadline = &deadline
	sess.State = models.StateFull
	sess.PrizePool += sess.EntryFee

	if err := s.DB.Save(sess).Error; err != nil {
		log.Printf("❌ [DUEL] Failed to persist join on session %s: %v", sess.ID, err)
		if rerr := s.Ledger.Refund(ctx, sess.ID, player, sess.EntryFee); rerr != nil {
			log.Printf("❌ [DUEL] Refund after failed join also failed for %s: %v", sess.ID, rerr)
		}
		sess.Player2 = ""
		sess.Deadline = nil
		sess.State = models.StateOpen
		sess.PrizePool -= sess.EntryFee
		return nil, fmt.Errorf("failed to join session: %w", err)
	}

	log.Printf("✅ [DUEL] %s joined session %s — selection window open until %s", player, sess.ID, deadline.Format(time.RFC3339))

	out := *sess
	return &out, nil
}

func (s *DuelService) findJoinable(idOrCode string) (*sessionHandle, bool) {
	if h, ok := s.Registry.lookup(idOrCode); ok {
		return h, false
	}
	if h, ok := s.Registry.lookupByCode(idOrCode); ok {
		return h, true
	}
	return nil, false
}

// SubmitPick records a player's number. Picks are immutable; the first
// submission wins. When the second pick lands the session resolves
// immediately in the background rather than waiting for the deadline.
func (s *DuelService) SubmitPick(ctx context.Context, player, sessionID string, number int) error {
	if number < models.MinPick || number > models.MaxPick {
		return validationErrorf("number must be an integer between %d and %d", models.MinPick, models.MaxPick)
	}

	h, ok := s.Registry.lookup(sessionID)
	if !ok {
		return ErrNotFound
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	sess := h.session
	if !sess.HasPlayer(player) {
		return ErrNotInSession
	}

	switch sess.State {
	case models.StateOpen, models.StateFull:
		// picks accepted; the creator may commit before an opponent joins
	default:
		return ErrTooLate
	}

	if sess.DeadlinePassed(time.Now()) {
		// The deadline is the transition trigger, not just a rejection.
		go s.Resolve(context.Background(), sess.ID)
		return ErrTooLate
	}

	if sess.PickOf(player) != nil {
		return ErrImmutable
	}

	if player == sess.Player1 {
		sess.Player1Pick = &number
	} else {
		sess.Player2Pick = &number
	}

	if err := s.DB.Save(sess).Error; err != nil {
		log.Printf("❌ [DUEL] Failed to persist pick on session %s: %v", sess.ID, err)
		if player == sess.Player1 {
			sess.Player1Pick = nil
		} else {
			sess.Player2Pick = nil
		}
		return fmt.Errorf("failed to record pick: %w", err)
	}

	log.Printf("🎯 [DUEL] %s locked a pick on session %s", player, sess.ID)

	if sess.State == models.StateFull && sess.BothPicked() {
		// Resolution may block on the ledger; never make the submitter wait.
		go s.Resolve(context.Background(), sess.ID)
	}
	return nil
}

// SessionStatus is the polling surface for clients. Target and winner are
// only populated once resolution has begun.
type SessionStatus struct {
	SessionID   string     `json:"session_id"`
	State       string     `json:"state"`
	Mode        string     `json:"mode"`
	EntryFee    int64      `json:"entry_fee"`
	PlayerCount int        `json:"player_count"`
	Deadline    *time.Time `json:"deadline,omitempty"`
	SeedHash    string     `json:"seed_hash,omitempty"`

	Target       *int   `json:"target,omitempty"`
	Winner       string `json:"winner,omitempty"`
	PrizePool    int64  `json:"prize_pool"`
	PayoutAmount int64  `json:"payout_amount,omitempty"`
	PlatformFee  int64  `json:"platform_fee,omitempty"`

	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

func (s *DuelService) SessionStatus(sessionID string) (*SessionStatus, error) {
	var sess models.DuelSession

	if h, ok := s.Registry.lookup(sessionID); ok {
		h.mu.Lock()
		sess = *h.session
		h.mu.Unlock()
	} else {
		// Evicted sessions stay queryable from the database.
		if err := s.DB.First(&sess, "id = ?", sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("failed to load session: %w", err)
		}
	}

	status := &SessionStatus{
		SessionID:   sess.ID,
		State:       sess.State,
		Mode:        sess.Mode,
		EntryFee:    sess.EntryFee,
		PlayerCount: sess.PlayerCount(),
		Deadline:    sess.Deadline,
		SeedHash:    sess.SeedHash,
		PrizePool:   sess.PrizePool,
		ResolvedAt:  sess.ResolvedAt,
	}

	switch sess.State {
	case models.StateResolving, models.StateSettled:
		status.Target = sess.Target
		status.Winner = sess.Winner
		status.PayoutAmount = sess.PayoutAmount
		status.PlatformFee = sess.PlatformFee
	case models.StateCancelled, models.StateExpired:
		status.Winner = sess.Winner
	}
	return status, nil
}

// FairnessProof exposes the randomness commitment, and after settlement the
// revealed seed so either player can recompute the target themselves.
type FairnessProof struct {
	SessionID  string     `json:"session_id"`
	SeedHash   string     `json:"seed_hash"`
	ServerSeed string     `json:"server_seed,omitempty"`
	Target     *int       `json:"target,omitempty"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	Verified   bool       `json:"verified"`
}

func (s *DuelService) Fairness(sessionID string) (*FairnessProof, error) {
	if h, ok := s.Registry.lookup(sessionID); ok {
		h.mu.Lock()
		defer h.mu.Unlock()
		sess := h.session
		proof := &FairnessProof{SessionID: sess.ID, SeedHash: sess.SeedHash}
		if sess.IsTerminal() && sess.Target != nil && sess.ResolvedAt != nil {
			proof.ServerSeed = h.serverSeed
			proof.Target = sess.Target
			proof.ResolvedAt = sess.ResolvedAt
			proof.Verified = VerifyTarget(h.serverSeed, sess.ID, *sess.ResolvedAt, *sess.Target)
		}
		return proof, nil
	}

	// Evicted sessions reveal through their settlement record.
	var rec models.SettlementRecord
	if err := s.DB.First(&rec, "session_id = ?", sessionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load settlement record: %w", err)
	}
	proof := &FairnessProof{
		SessionID:  rec.SessionID,
		SeedHash:   rec.SeedHash,
		ServerSeed: rec.ServerSeed,
		Target:     rec.Target,
	}
	if rec.Target != nil {
		proof.ResolvedAt = &rec.SettledAt
		proof.Verified = VerifyTarget(rec.ServerSeed, rec.SessionID, rec.SettledAt, *rec.Target)
	}
	return proof, nil
}

// RecentSettlements lists the newest audit rows for dispute handling.
func (s *DuelService) RecentSettlements(limit int) ([]models.SettlementRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var records []models.SettlementRecord
	if err := s.DB.Order("settled_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	return records, nil
}
