package models

import "time"

// LedgerCurrency distinguishes the two grant kinds in the ledger.
type LedgerCurrency string

const (
	CurrencyXP    LedgerCurrency = "xp"
	CurrencyBytes LedgerCurrency = "bytes"
)

// RewardTransaction is the immutable, append-only audit record of every XP
// or byte grant/debit. Never updated or deleted.
type RewardTransaction struct {
	ID             string         `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string         `gorm:"index;not null" json:"external_user_id"`
	Currency       LedgerCurrency `gorm:"type:varchar(8);not null" json:"currency"`
	Amount         int64          `gorm:"not null" json:"amount"` // negative = debit
	SourceTag      string         `gorm:"type:varchar(64);not null;index" json:"source_tag"`
	RelatedID      string         `gorm:"type:varchar(64)" json:"related_id,omitempty"`
	CreatedAt      time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}
