package models

import "time"

// NoContactState is the current position of a user's no-contact streak.
type NoContactState string

const (
	StateIdle      NoContactState = "IDLE"
	StateCheckedIn NoContactState = "CHECKED_IN"
	StateShielded  NoContactState = "SHIELDED"
	StateExpired   NoContactState = "EXPIRED"
	StateReset     NoContactState = "RESET"
)

// NoContactStatus is the per-user streak record. StreakCount only moves on a
// valid check-in; EXPIRED halts it without zeroing, RESET zeroes it.
type NoContactStatus struct {
	ID             string         `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string         `gorm:"uniqueIndex;not null" json:"external_user_id"`
	State          NoContactState `gorm:"type:varchar(16);default:'IDLE'" json:"state"`
	StreakCount    int            `gorm:"default:0" json:"streak_count"`
	ShieldExpires  *time.Time     `gorm:"index" json:"shield_expires_at,omitempty"`
	LastCheckinAt  *time.Time     `json:"last_checkin_at,omitempty"`
	// LastAutoShieldAt guards the weekly paid-tier auto-shield against
	// double application within one week.
	LastAutoShieldAt *time.Time `json:"last_auto_shield_at,omitempty"`

	Timestamps
}

// NoContactTransition is the append-only audit record emitted for every state
// change. The state machine never mutates state without writing one.
type NoContactTransition struct {
	ID             string         `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string         `gorm:"index;not null" json:"external_user_id"`
	FromState      NoContactState `gorm:"type:varchar(16);not null" json:"from"`
	ToState        NoContactState `gorm:"type:varchar(16);not null" json:"to"`
	Trigger        string         `gorm:"type:varchar(32);not null" json:"trigger"` // checkin, expiry_sweep, auto_shield, reset
	At             time.Time      `gorm:"autoCreateTime" json:"timestamp"`
}
