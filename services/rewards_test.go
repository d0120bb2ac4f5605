package services

import (
	"testing"

	"recovery-engine/models"
)

func TestCalculateRewardsByTier(t *testing.T) {
	cases := []struct {
		name      string
		tier      models.Tier
		baseXP    int64
		baseBytes int64
		wantXP    int64
		wantBytes int64
	}{
		{"free multiplier 1.0", models.TierFree, 50, 10, 50, 10},
		{"beginner multiplier 1.2", models.TierPaidBeginner, 50, 10, 60, 12},
		{"advanced multiplier 1.5", models.TierPaidAdvanced, 50, 10, 75, 15},
		{"advanced floors fractions", models.TierPaidAdvanced, 33, 7, 49, 10},
		{"unknown tier falls back to free", models.Tier("mystery"), 50, 10, 50, 10},
		{"zero base stays zero", models.TierPaidAdvanced, 0, 0, 0, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := CalculateRewards(tc.tier, tc.baseXP, tc.baseBytes)
			if got.XP != tc.wantXP {
				t.Errorf("xp = %d, want %d", got.XP, tc.wantXP)
			}
			if got.Bytes != tc.wantBytes {
				t.Errorf("bytes = %d, want %d", got.Bytes, tc.wantBytes)
			}
			if got.LeveledUp {
				t.Error("pure calculation must not report a level-up")
			}
		})
	}
}

func TestCalculateRewardsIsDeterministic(t *testing.T) {
	first := CalculateRewards(models.TierPaidBeginner, 123, 45)
	for i := 0; i < 10; i++ {
		if got := CalculateRewards(models.TierPaidBeginner, 123, 45); got != first {
			t.Fatalf("calculation varied between calls: %+v vs %+v", got, first)
		}
	}
}

func TestIsStreakMilestone(t *testing.T) {
	for _, streak := range StreakMilestones {
		if !IsStreakMilestone(streak) {
			t.Errorf("streak %d should be a milestone", streak)
		}
	}
	for _, streak := range []int{0, 1, 2, 8, 91} {
		if IsStreakMilestone(streak) {
			t.Errorf("streak %d should not be a milestone", streak)
		}
	}
}
