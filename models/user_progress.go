package models

import (
	"time"

	"gorm.io/gorm"
)

// Tier is the subscription/access level gating multipliers, pools and caps.
type Tier string

const (
	TierFree         Tier = "free"
	TierPaidBeginner Tier = "paid_beginner"
	TierPaidAdvanced Tier = "paid_advanced"
)

// Paid reports whether the tier carries paid perks (longer shields, auto-shield).
func (t Tier) Paid() bool {
	return t == TierPaidBeginner || t == TierPaidAdvanced
}

// UserProgress tracks gamified progression for each user (denormalized for performance)
type UserProgress struct {
	ID             string `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string `gorm:"uniqueIndex;not null" json:"external_user_id"` // links to profile service

	Tier     Tier   `gorm:"type:varchar(32);default:'free'" json:"tier"`
	Timezone string `gorm:"type:varchar(64);default:'UTC'" json:"timezone"`

	// Core progression. XP is the source of truth; Level is derived
	// (floor(xp/levelSize)+1) and cached here.
	TotalXP      int64 `json:"total_xp" gorm:"default:0"`
	Level        int   `json:"level" gorm:"default:1"`
	BytesBalance int64 `json:"bytes_balance" gorm:"default:0"`

	// Streaks
	RitualStreak        int `json:"ritual_streak" gorm:"default:0"`
	LongestRitualStreak int `json:"longest_ritual_streak" gorm:"default:0"`
	NoContactStreak     int `json:"no_contact_streak" gorm:"default:0"`

	// Activity counters consumed by badge evaluation
	TotalRituals     int64 `json:"total_rituals" gorm:"default:0"`
	TotalCheckins    int64 `json:"total_checkins" gorm:"default:0"`
	WallInteractions int64 `json:"wall_interactions" gorm:"default:0"`
	AISessionsUsed   int64 `json:"ai_sessions_used" gorm:"default:0"`

	LastRitualCompletedAt  *time.Time `json:"last_ritual_completed_at,omitempty"`
	LastNoContactCheckinAt *time.Time `json:"last_no_contact_checkin_at,omitempty"`
	LastRerollAt           *time.Time `json:"last_reroll_at,omitempty"`
	LastLevelUpAt          *time.Time `json:"last_level_up_at,omitempty"`

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
