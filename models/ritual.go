package models

import (
	"time"

	"github.com/gosimple/slug"
)

// RitualDifficulty buckets the effort level of a ritual.
type RitualDifficulty string

const (
	DifficultyEasy   RitualDifficulty = "easy"
	DifficultyMedium RitualDifficulty = "medium"
	DifficultyHard   RitualDifficulty = "hard"
)

// Ritual is a catalog entity: one healing exercise users can be assigned.
// Seeded at startup, read-only at runtime. Description is markdown.
type Ritual struct {
	ID          string           `gorm:"primaryKey;type:uuid" json:"id"`
	Key         string           `gorm:"uniqueIndex;not null" json:"key"` // slug of the title
	Title       string           `gorm:"not null" json:"title"`
	Description string           `gorm:"type:text" json:"description"`
	Category    string           `gorm:"type:varchar(32);index" json:"category"` // reflection, physical, social, digital_detox, creative
	Difficulty  RitualDifficulty `gorm:"type:varchar(16);default:'easy'" json:"difficulty"`
	BaseXP      int64            `gorm:"not null" json:"base_xp"`
	BaseBytes   int64            `gorm:"not null" json:"base_bytes"`
	PaidOnly    bool             `gorm:"default:false" json:"paid_only"`
	CreatedAt   time.Time        `gorm:"autoCreateTime" json:"created_at"`
}

// RitualAssignment ties a user to one ritual for a calendar day.
// The composite unique index enforces at most one non-rerolled assignment per
// (user, day) in the store itself; concurrent first requests race through the
// index and the loser re-reads the winning row. The 24h reroll cooldown keeps
// rerolled rows to one per day, so including the flag in the index is safe.
// A reroll marks the old row instead of deleting it so the history stays
// auditable.
type RitualAssignment struct {
	ID             string     `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string     `gorm:"uniqueIndex:idx_assignment_user_day;not null" json:"external_user_id"`
	RitualID       string     `gorm:"index;not null" json:"ritual_id"`
	Ritual         *Ritual    `gorm:"foreignKey:RitualID" json:"ritual,omitempty"`
	Day            string     `gorm:"uniqueIndex:idx_assignment_user_day;type:varchar(10);not null" json:"day"` // YYYY-MM-DD in the user's timezone
	AssignedAt     time.Time  `gorm:"autoCreateTime" json:"assigned_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	Rerolled       bool       `gorm:"uniqueIndex:idx_assignment_user_day;default:false" json:"rerolled"`
	Notes          string     `gorm:"type:text" json:"notes,omitempty"`
	Mood           string     `gorm:"type:varchar(32)" json:"mood,omitempty"`
}

// DayFormat is the calendar-day key used for assignments and windows.
const DayFormat = "2006-01-02"

// RitualCatalog is the seed pool. Free users draw from the non-PaidOnly
// subset; paid tiers draw from the whole pool.
var RitualCatalog = []Ritual{
	{Title: "Unsent Letter", Description: "Write the message you *want* to send. **Do not send it.** Read it aloud, then archive it.", Category: "reflection", Difficulty: DifficultyMedium, BaseXP: 50, BaseBytes: 10},
	{Title: "Photo Purge", Description: "Move every photo of your ex out of your camera roll into a single locked folder.", Category: "digital_detox", Difficulty: DifficultyHard, BaseXP: 80, BaseBytes: 20},
	{Title: "Thirty Minute Walk", Description: "Walk for thirty minutes without your phone. Count things that are *not* about them.", Category: "physical", Difficulty: DifficultyEasy, BaseXP: 30, BaseBytes: 5},
	{Title: "Mute and Move On", Description: "Mute or unfollow one account that keeps them on your feed.", Category: "digital_detox", Difficulty: DifficultyEasy, BaseXP: 30, BaseBytes: 5},
	{Title: "Three Good Things", Description: "Write down three things that went well today and why they happened.", Category: "reflection", Difficulty: DifficultyEasy, BaseXP: 30, BaseBytes: 5},
	{Title: "Call a Friend", Description: "Call someone you have been meaning to catch up with. Not a text — a call.", Category: "social", Difficulty: DifficultyMedium, BaseXP: 50, BaseBytes: 10},
	{Title: "Playlist Reset", Description: "Build a ten-song playlist with zero songs you shared with them.", Category: "creative", Difficulty: DifficultyEasy, BaseXP: 30, BaseBytes: 5},
	{Title: "Future Self Letter", Description: "Write a letter to yourself one year from now. Seal it.", Category: "reflection", Difficulty: DifficultyMedium, BaseXP: 50, BaseBytes: 10, PaidOnly: true},
	{Title: "Room Refresh", Description: "Rearrange or deep-clean one room they spent time in.", Category: "physical", Difficulty: DifficultyHard, BaseXP: 80, BaseBytes: 20, PaidOnly: true},
	{Title: "Guided Cord Cutting", Description: "Follow the guided visualization: picture the cord, thank it, cut it.", Category: "reflection", Difficulty: DifficultyMedium, BaseXP: 50, BaseBytes: 10, PaidOnly: true},
}

// SeedKey derives the stable catalog key for a ritual title.
func SeedKey(title string) string {
	return slug.Make(title)
}
