package models

import "time"

// Metered features tracked by the quota service.
const (
	FeatureAITherapy = "ai_therapy"
)

// UsageQuota is one row per (user, feature, window). Used only moves via
// guarded updates; the invariant used <= cap + active top-ups holds at all
// times, including under concurrent consumes.
type UsageQuota struct {
	ID             string    `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string    `gorm:"uniqueIndex:idx_quota_user_feature;not null" json:"external_user_id"`
	Feature        string    `gorm:"uniqueIndex:idx_quota_user_feature;type:varchar(32);not null" json:"feature"`
	Cap            int64     `gorm:"not null" json:"cap"`
	Used           int64     `gorm:"default:0" json:"used"`
	ResetsAt       time.Time `gorm:"index" json:"resets_at"`

	Timestamps
}

// QuotaTopUp is an additive, expiring allowance purchased with bytes or
// redeemed via a code. Effective cap = base cap + sum of unexpired top-ups.
type QuotaTopUp struct {
	ID             string    `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string    `gorm:"index;not null" json:"external_user_id"`
	Feature        string    `gorm:"index;type:varchar(32);not null" json:"feature"`
	Amount         int64     `gorm:"not null" json:"amount"`
	Source         string    `gorm:"type:varchar(32);not null" json:"source"` // purchase, redeem
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
}
