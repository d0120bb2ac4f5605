package services

import (
	"math"

	"recovery-engine/models"
)

// TierMultipliers scale base rewards by subscription tier. Unknown tiers
// fall back to the free multiplier.
var TierMultipliers = map[models.Tier]float64{
	models.TierFree:         1.0,
	models.TierPaidBeginner: 1.2,
	models.TierPaidAdvanced: 1.5,
}

// RewardResult is the scaled outcome of one reward calculation.
type RewardResult struct {
	XP        int64 `json:"xp"`
	Bytes     int64 `json:"bytes"`
	LeveledUp bool  `json:"leveledUp"`
	NewLevel  int   `json:"newLevel,omitempty"`
}

// MilestoneKind tags the milestone variants a completion can surface.
type MilestoneKind string

const (
	MilestoneFirstRitual MilestoneKind = "first_ritual"
	MilestoneLevelUp     MilestoneKind = "level_up"
	MilestoneStreak      MilestoneKind = "streak"
	MilestoneBadgeUnlock MilestoneKind = "badge_unlock"
)

// MilestoneResult is a tagged milestone record with explicit optional fields
// instead of a loose property bag.
type MilestoneResult struct {
	Kind      MilestoneKind `json:"kind"`
	Level     int           `json:"level,omitempty"`
	Streak    int           `json:"streak,omitempty"`
	BadgeCode string        `json:"badge_code,omitempty"`
	BadgeName string        `json:"badge_name,omitempty"`
}

// CalculateRewards maps (tier, base XP, base bytes) to the scaled reward.
// Pure and deterministic; results are floored to integers.
func CalculateRewards(tier models.Tier, baseXP, baseBytes int64) RewardResult {
	mult, ok := TierMultipliers[tier]
	if !ok {
		mult = TierMultipliers[models.TierFree]
	}
	return RewardResult{
		XP:    int64(math.Floor(float64(baseXP) * mult)),
		Bytes: int64(math.Floor(float64(baseBytes) * mult)),
	}
}

// StreakMilestones are the streak lengths worth celebrating.
var StreakMilestones = []int{3, 7, 14, 30, 60, 90}

// IsStreakMilestone reports whether a streak length crosses a milestone.
func IsStreakMilestone(streak int) bool {
	for _, m := range StreakMilestones {
		if streak == m {
			return true
		}
	}
	return false
}
