package models

import "time"

// Settlement outcomes recorded in the audit log.
const (
	OutcomeSettled   = "settled"   // closest pick won
	OutcomeDraw      = "draw"      // equal distance, both refunded
	OutcomeForfeit   = "forfeit"   // only one pick by deadline, that player won
	OutcomeCancelled = "cancelled" // nobody picked, or a resolution step failed
	OutcomeExpired   = "expired"   // nobody joined the lobby in time
)

// SettlementRecord is the append-only audit row written as the final step of
// resolution. One row per session that reaches a terminal state; rows are
// never updated or deleted.
// Table name: settlement_records
type SettlementRecord struct {
	ID        string `gorm:"primaryKey;type:uuid" json:"id"`
	SessionID string `gorm:"type:uuid;not null;uniqueIndex" json:"session_id"`

	Player1 string `gorm:"type:varchar(64);not null;index" json:"player1"`
	Player2 string `gorm:"type:varchar(64);index" json:"player2,omitempty"`

	Player1Pick *int `json:"player1_pick,omitempty"`
	Player2Pick *int `json:"player2_pick,omitempty"`
	Target      *int `json:"target,omitempty"`

	Winner  string `gorm:"type:varchar(64)" json:"winner,omitempty"` // wallet | "draw"
	Outcome string `gorm:"type:varchar(16);not null" json:"outcome"`

	PrizePool    int64 `json:"prize_pool"`
	PayoutAmount int64 `json:"payout_amount"`
	PlatformFee  int64 `json:"platform_fee"`
	RefundAmount int64 `json:"refund_amount"` // total refunded across both players

	// Fairness reveal: clients can recompute the target from these.
	ServerSeed string `gorm:"type:varchar(64)" json:"server_seed,omitempty"`
	SeedHash   string `gorm:"type:varchar(64)" json:"seed_hash,omitempty"`

	SettledAt time.Time `gorm:"not null;index" json:"settled_at"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}
