// models/escrow_transfer_mirror.go
package models

import "time"

// EscrowTransferMirror mirrors confirmed transfer receipts from the escrow
// ledger service, so disputes can be worked from a local table instead of
// hitting the ledger API. Upserted by the reconcile worker.
// Table name: escrow_transfer_mirror
type EscrowTransferMirror struct {
	ID        string `gorm:"primaryKey;type:uuid" json:"id"`
	ReceiptID string `gorm:"type:varchar(128);not null;uniqueIndex" json:"receipt_id"`
	SessionID string `gorm:"type:uuid;not null;index" json:"session_id"`
	Wallet    string `gorm:"type:varchar(64);not null;index" json:"wallet"`

	// deposit | refund | payout | fee
	Kind   string `gorm:"type:varchar(16);not null" json:"kind"`
	Amount int64  `gorm:"not null" json:"amount"` // lamports

	ConfirmedAt time.Time `gorm:"not null" json:"confirmed_at"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}
