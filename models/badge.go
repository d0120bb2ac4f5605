package models

import (
	"time"
)

// BadgeType: static catalog (seeded at startup, read-only at runtime)
type BadgeType struct {
	ID          string `gorm:"primaryKey;type:uuid" json:"id"`
	Code        string `gorm:"uniqueIndex;not null" json:"code"` // e.g., "FIREWALL_90", "FIRST_RITUAL"
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	IconURL     string `gorm:"type:text" json:"icon_url"`
	Rarity      string `gorm:"type:varchar(16);default:'common'" json:"rarity"` // common, rare, epic, legendary
	// TierScope restricts the badge to a subscription tier ("" = any).
	TierScope Tier `gorm:"type:varchar(32);default:''" json:"tier_scope,omitempty"`
	// Archetype optionally scopes the badge to a recovery archetype ("" = any).
	Archetype string `gorm:"type:varchar(32);default:''" json:"archetype,omitempty"`
	// BytesReward is granted through the ledger when the badge unlocks.
	BytesReward int64 `gorm:"default:0" json:"bytes_reward"`
	// Threshold is the unlock rule: every key must be met by the user's
	// statistics snapshot. Serialized as JSON so it survives both postgres
	// and the sqlite test driver.
	Threshold map[string]int64 `gorm:"serializer:json" json:"threshold"`
	CreatedAt time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

// UserBadge: awarded instance. The composite unique index is the final
// backstop against concurrent double-awards; inserts race through
// ON CONFLICT DO NOTHING.
type UserBadge struct {
	ID             string    `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string    `gorm:"uniqueIndex:idx_user_badge;not null" json:"external_user_id"`
	BadgeTypeID    string    `gorm:"uniqueIndex:idx_user_badge;not null" json:"badge_type_id"`
	AwardedAt      time.Time `gorm:"autoCreateTime" json:"awarded_at"`
	SourceEvent    string    `gorm:"type:varchar(64)" json:"source_event"` // ritual_complete, checkin, retry_sweep, ...
}

// PendingBadgeEvaluation queues a failed evaluation for the retry worker.
// The triggering action's effects are already committed by the time a row
// lands here; badge evaluation is never rolled back into the user action.
type PendingBadgeEvaluation struct {
	ID             string     `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string     `gorm:"index;not null" json:"external_user_id"`
	SourceEvent    string     `gorm:"type:varchar(64)" json:"source_event"`
	Attempts       int        `gorm:"default:0" json:"attempts"`
	LastError      string     `gorm:"type:text" json:"last_error"`
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	ProcessedAt    *time.Time `gorm:"index" json:"processed_at,omitempty"`
}

// Threshold keys understood by the evaluation engine.
const (
	StatTotalRituals    = "total_rituals"
	StatRitualCats      = "ritual_categories"
	StatMaxRitualStreak = "max_ritual_streak"
	StatNoContactStreak = "no_contact_streak"
	StatLevel           = "level"
	StatWallPosts       = "wall_interactions"
	StatAISessions      = "ai_sessions"
	StatTotalCheckins   = "total_checkins"
	StatPriorTierBadges = "prior_tier_badges"
)

// BadgeRules is the seed rule table. Unlock = all threshold keys satisfied
// by the statistics snapshot.
var BadgeRules = []BadgeType{
	{
		Code:        "FIRST_RITUAL",
		Name:        "First Step",
		Description: "Completed your first healing ritual",
		Rarity:      "common",
		BytesReward: 5,
		Threshold:   map[string]int64{StatTotalRituals: 1},
	},
	{
		Code:        "RITUAL_30",
		Name:        "Creature of Habit",
		Description: "Completed 30 rituals",
		Rarity:      "rare",
		BytesReward: 25,
		Threshold:   map[string]int64{StatTotalRituals: 30},
	},
	{
		Code:        "RITUAL_200",
		Name:        "Fully Rebuilt",
		Description: "Completed 200 rituals across the journey",
		Rarity:      "legendary",
		BytesReward: 200,
		Threshold:   map[string]int64{StatTotalRituals: 200, StatPriorTierBadges: 2},
	},
	{
		Code:        "EXPLORER",
		Name:        "Pattern Breaker",
		Description: "Touched every ritual category at least once",
		Rarity:      "rare",
		BytesReward: 20,
		Threshold:   map[string]int64{StatRitualCats: 5},
	},
	{
		Code:        "STREAK_7",
		Name:        "One Week Clean",
		Description: "7-day ritual streak",
		Rarity:      "common",
		BytesReward: 10,
		Threshold:   map[string]int64{StatMaxRitualStreak: 7},
	},
	{
		Code:        "FIREWALL_30",
		Name:        "Firewall: Holding",
		Description: "30 days of no contact",
		Rarity:      "epic",
		BytesReward: 50,
		Threshold:   map[string]int64{StatNoContactStreak: 30},
	},
	{
		Code:        "FIREWALL_90",
		Name:        "Firewall: Unbreakable",
		Description: "90 days of no contact",
		Rarity:      "legendary",
		BytesReward: 150,
		Threshold:   map[string]int64{StatNoContactStreak: 90},
	},
	{
		Code:        "LEVEL_10",
		Name:        "Version 10.0",
		Description: "Reached level 10",
		Rarity:      "rare",
		BytesReward: 30,
		Threshold:   map[string]int64{StatLevel: 10},
	},
	{
		Code:        "OPEN_BOOK",
		Name:        "Open Book",
		Description: "Shared 10 posts on the wall",
		Rarity:      "common",
		BytesReward: 10,
		Threshold:   map[string]int64{StatWallPosts: 10},
	},
	{
		Code:        "TALKED_IT_OUT",
		Name:        "Talked It Out",
		Description: "Used 25 AI companion sessions",
		Rarity:      "common",
		BytesReward: 10,
		Threshold:   map[string]int64{StatAISessions: 25},
	},
}
