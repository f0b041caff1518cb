package services

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sort"
	"sync"
	"time"

	"duel-settlement-engine/models"

	"gorm.io/gorm"
)

// sessionHandle pairs a live session with its mutex. Every mutation of a
// session (join, pick, resolution, expiry) happens under this lock, so two
// concurrent joins for the last slot serialize and exactly one wins. The
// lock is per-session; unrelated sessions never wait on each other.
type sessionHandle struct {
	mu      sync.Mutex
	session *models.DuelSession

	// resolving marks an in-flight resolution; together with the session's
	// terminal state and PayoutIssued column it forms the idempotency guard.
	resolving bool

	// auditPending means the payout side effects are done but the settlement
	// record has not been durably written yet. The sweeper retries the write
	// and the session is not evicted until it lands.
	auditPending  bool
	pendingRecord *models.SettlementRecord

	// serverSeed stays in memory until revealed in the settlement record.
	serverSeed string
}

// SessionRegistry is the process-wide store of live sessions plus the
// invite-code index for active private sessions. The registry lock guards
// only the maps and is never held while waiting on a session: scans snapshot
// the handle pointers first and then try each session's own lock, skipping
// sessions that are busy. A session blocked on the escrow ledger therefore
// stalls nothing but itself.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*sessionHandle
	byCode   map[string]string // invite code -> session id
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		sessions: make(map[string]*sessionHandle),
		byCode:   make(map[string]string),
	}
}

// Load restores non-terminal sessions from the database after a restart.
// Sessions caught mid-resolution with a payout already issued cannot be
// safely replayed and are flagged for manual reconciliation.
func (r *SessionRegistry) Load(db *gorm.DB) error {
	var sessions []models.DuelSession
	if err := db.Where("state IN ?", []string{models.StateOpen, models.StateFull, models.StateResolving}).
		Find(&sessions).Error; err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range sessions {
		s := &sessions[i]
		if s.State == models.StateResolving {
			if s.PayoutIssued {
				log.Printf("⚠️ [REGISTRY] Session %s restored mid-settlement (payout already issued) — needs manual reconciliation", s.ID)
			} else {
				// Crashed before any transfer: safe to resolve again.
				s.State = models.StateFull
			}
		}
		h := &sessionHandle{session: s, serverSeed: s.ServerSeed}
		r.sessions[s.ID] = h
		if s.Mode == models.ModePrivate && s.InviteCode != "" {
			r.byCode[s.InviteCode] = s.ID
		}
	}
	log.Printf("📥 [REGISTRY] Restored %d live session(s) from database", len(sessions))
	return nil
}

func (r *SessionRegistry) Register(s *models.DuelSession, serverSeed string) *sessionHandle {
	h := &sessionHandle{session: s, serverSeed: serverSeed}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = h
	if s.Mode == models.ModePrivate && s.InviteCode != "" {
		r.byCode[s.InviteCode] = s.ID
	}
	return h
}

func (r *SessionRegistry) lookup(id string) (*sessionHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[id]
	return h, ok
}

func (r *SessionRegistry) lookupByCode(code string) (*sessionHandle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCode[code]
	if !ok {
		return nil, false
	}
	h, ok := r.sessions[id]
	return h, ok
}

// ClaimInviteCode atomically draws a 6-digit code not held by any live
// session and reserves it for sessionID. Reserving before the session exists
// closes the window where two concurrent creates could draw the same code.
func (r *SessionRegistry) ClaimInviteCode(sessionID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for attempt := 0; attempt < 10; attempt++ {
		n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrEntropyUnavailable, err)
		}
		code := fmt.Sprintf("%06d", n.Int64())
		if _, taken := r.byCode[code]; !taken {
			r.byCode[code] = sessionID
			return code, nil
		}
	}
	return "", errors.New("could not allocate a unique invite code")
}

// ReleaseInviteCode frees a claimed code when session creation fails after
// the claim.
func (r *SessionRegistry) ReleaseInviteCode(code string) {
	if code == "" {
		return
	}
	r.mu.Lock()
	delete(r.byCode, code)
	r.mu.Unlock()
}

// snapshot copies the current handle pointers so callers can walk the
// sessions without holding the registry lock.
func (r *SessionRegistry) snapshot() []*sessionHandle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*sessionHandle, 0, len(r.sessions))
	for _, h := range r.sessions {
		out = append(out, h)
	}
	return out
}

// OpenPublicSessions lists open public sessions with a free slot, most
// recent first, for the lobby listing. Sessions whose lock is busy are
// skipped; mid-join or mid-resolution they have no business in the lobby.
func (r *SessionRegistry) OpenPublicSessions() []models.DuelSession {
	var out []models.DuelSession
	for _, h := range r.snapshot() {
		if !h.mu.TryLock() {
			continue
		}
		s := h.session
		if s.Mode == models.ModePublic && s.State == models.StateOpen && s.PlayerCount() < 2 {
			out = append(out, *s)
		}
		h.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// sweepCandidates returns session ids that may need attention: full sessions
// past deadline, open sessions past the lobby idle timeout, and resolving
// sessions owing an audit write. A busy session is already making progress
// and is skipped; the actual transition re-checks everything under the
// session lock, so this scan is only a cheap filter.
func (r *SessionRegistry) sweepCandidates(now time.Time) (due, idle, auditRetry []string) {
	for _, h := range r.snapshot() {
		if !h.mu.TryLock() {
			continue
		}
		s := h.session
		switch {
		case s.State == models.StateFull && s.DeadlinePassed(now):
			due = append(due, s.ID)
		case s.State == models.StateOpen && now.Sub(s.CreatedAt) >= models.LobbyIdleTimeout:
			idle = append(idle, s.ID)
		case h.auditPending && !h.resolving:
			auditRetry = append(auditRetry, s.ID)
		}
		h.mu.Unlock()
	}
	return due, idle, auditRetry
}

// EvictTerminal drops terminal sessions past the retention window. A session
// owing an audit write is never evicted, whatever its state claims. The
// examination happens outside the registry lock; the map writes re-check the
// handle so a concurrent re-registration is never clobbered.
func (r *SessionRegistry) EvictTerminal(now time.Time) int {
	type victim struct {
		h    *sessionHandle
		id   string
		code string
	}
	var victims []victim

	for _, h := range r.snapshot() {
		if !h.mu.TryLock() {
			continue
		}
		s := h.session
		expired := s.IsTerminal() && !h.auditPending &&
			s.ResolvedAt != nil && now.Sub(*s.ResolvedAt) >= models.RetentionWindow
		id, code := s.ID, s.InviteCode
		h.mu.Unlock()

		if expired {
			victims = append(victims, victim{h: h, id: id, code: code})
		}
	}
	if len(victims) == 0 {
		return 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for _, v := range victims {
		if r.sessions[v.id] != v.h {
			continue
		}
		delete(r.sessions, v.id)
		if v.code != "" {
			delete(r.byCode, v.code)
		}
		evicted++
	}
	return evicted
}

// Len reports the number of live sessions (terminal-but-retained included).
func (r *SessionRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
