package models

import (
	"time"

	"gorm.io/gorm"
)

// Session states. A session is created open, fills when the second player
// joins, resolves once both picks are in (or the deadline passes), and ends
// in exactly one terminal state.
const (
	StateOpen      = "open"
	StateFull      = "full"
	StateResolving = "resolving"
	StateSettled   = "settled"
	StateExpired   = "expired"
	StateCancelled = "cancelled"
)

const (
	ModePublic  = "public"
	ModePrivate = "private"
)

// WinnerDraw marks a session where both picks landed at equal distance
// from the target. Both stakes are refunded in full.
const WinnerDraw = "draw"

// All amounts are integer lamports (1 SOL = 1_000_000_000 lamports).
const (
	MinEntryFee = int64(15_000_000)      // 0.015 SOL
	MaxEntryFee = int64(100_000_000_000) // 100 SOL

	MinPick = 1
	MaxPick = 100
)

const (
	// SelectionWindow starts when the second player joins.
	SelectionWindow = 25 * time.Second
	// LobbyIdleTimeout expires open sessions nobody joined.
	LobbyIdleTimeout = 5 * time.Minute
	// RetentionWindow keeps terminal sessions visible before eviction.
	RetentionWindow = 5 * time.Minute
)

// DuelSession is one wagering match between two players.
// Table name: duel_sessions
type DuelSession struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	Mode     string `gorm:"type:varchar(16);not null;index" json:"mode"`
	EntryFee int64  `gorm:"not null" json:"entry_fee"` // lamports, identical for both players

	Player1 string `gorm:"type:varchar(64);not null;index" json:"player1"` // creator wallet
	Player2 string `gorm:"type:varchar(64);index" json:"player2,omitempty"`

	// Picks are nil until committed and immutable once set.
	Player1Pick *int `json:"player1_pick,omitempty"`
	Player2Pick *int `json:"player2_pick,omitempty"`

	State      string `gorm:"type:varchar(16);not null;index" json:"state"`
	InviteCode string `gorm:"type:varchar(16);index" json:"invite_code,omitempty"` // private sessions only

	// Deadline is fixed at join time (second player) = now + SelectionWindow.
	Deadline *time.Time `json:"deadline,omitempty"`

	// Target is assigned exactly once, when resolution begins.
	Target *int   `json:"target,omitempty"`
	Winner string `gorm:"type:varchar(64)" json:"winner,omitempty"` // wallet | "draw"

	PrizePool    int64 `gorm:"default:0" json:"prize_pool"` // sum of escrowed stakes
	PayoutAmount int64 `gorm:"default:0" json:"payout_amount"`
	PlatformFee  int64 `gorm:"default:0" json:"platform_fee"`

	// PayoutIssued is set before the first ledger transfer of resolution and
	// never cleared. Retries of resolution must not re-issue transfers.
	PayoutIssued bool `gorm:"default:false" json:"-"`

	// SeedHash commits the server seed before any pick is visible; the seed
	// itself is revealed in the settlement record. ServerSeed never leaves
	// the server until then.
	SeedHash   string `gorm:"type:varchar(64)" json:"seed_hash"`
	ServerSeed string `gorm:"type:varchar(64)" json:"-"`

	ResolvedAt *time.Time `json:"resolved_at,omitempty"`

	Timestamps
}

func (s *DuelSession) HasPlayer(wallet string) bool {
	return wallet != "" && (s.Player1 == wallet || s.Player2 == wallet)
}

func (s *DuelSession) PlayerCount() int {
	n := 0
	if s.Player1 != "" {
		n++
	}
	if s.Player2 != "" {
		n++
	}
	return n
}

// PickOf returns the committed pick for wallet, or nil.
func (s *DuelSession) PickOf(wallet string) *int {
	switch wallet {
	case s.Player1:
		return s.Player1Pick
	case s.Player2:
		if s.Player2 == "" {
			return nil
		}
		return s.Player2Pick
	}
	return nil
}

func (s *DuelSession) BothPicked() bool {
	return s.Player1Pick != nil && s.Player2Pick != nil
}

func (s *DuelSession) IsTerminal() bool {
	switch s.State {
	case StateSettled, StateExpired, StateCancelled:
		return true
	}
	return false
}

// DeadlinePassed reports whether the selection window has closed.
// Sessions without a deadline (still open) never time out here.
func (s *DuelSession) DeadlinePassed(now time.Time) bool {
	return s.Deadline != nil && !now.Before(*s.Deadline)
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
