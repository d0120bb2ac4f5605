package services

import (
	"errors"
	"fmt"
	"time"

	"recovery-engine/logger"
	"recovery-engine/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrShieldActive rejects a second check-in inside the current shield
	// window. The caller treats it as a benign conflict, not a failure.
	ErrShieldActive = errors.New("invalid transition: shield still active")
)

// Shield durations by tier. The shield protects the streak from expiry
// without requiring another check-in.
const (
	FreeShieldDuration = 24 * time.Hour
	PaidShieldDuration = 48 * time.Hour

	// StreakContinuationWindow is the single continuation policy for both
	// streak kinds: a qualifying action within 48h of the previous one
	// continues the streak, anything later restarts it at 1.
	StreakContinuationWindow = 48 * time.Hour
)

// CheckinResult reports a successful daily check-in.
type CheckinResult struct {
	Streak        int                          `json:"streak"`
	XPEarned      int64                        `json:"xpEarned"`
	BytesEarned   int64                        `json:"bytesEarned"`
	ShieldExpires time.Time                    `json:"shieldExpiresAt"`
	Transitions   []models.NoContactTransition `json:"transitions"`
}

type NoContactService struct {
	DB          *gorm.DB
	progression *ProgressionService
	badges      *BadgeService
}

func NewNoContactService(db *gorm.DB, progression *ProgressionService, badges *BadgeService) *NoContactService {
	return &NoContactService{DB: db, progression: progression, badges: badges}
}

// EnsureStatus ensures a NoContactStatus row exists (idempotent)
func (s *NoContactService) EnsureStatus(externalUserID string) (*models.NoContactStatus, error) {
	var status models.NoContactStatus
	err := s.DB.Where("external_user_id = ?", externalUserID).First(&status).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		status = models.NoContactStatus{
			ID:             uuid.NewString(),
			ExternalUserID: externalUserID,
			State:          models.StateIdle,
		}
		if err := s.DB.Create(&status).Error; err != nil {
			return nil, err
		}
		return &status, nil
	}
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// shieldDuration picks the window for a tier.
func shieldDuration(tier models.Tier) time.Duration {
	if tier.Paid() {
		return PaidShieldDuration
	}
	return FreeShieldDuration
}

// transition writes the audit row for a state change. The state machine
// never mutates state without one of these.
func (s *NoContactService) transition(tx *gorm.DB, userID string, from, to models.NoContactState, trigger string) (models.NoContactTransition, error) {
	rec := models.NoContactTransition{
		ID:             uuid.NewString(),
		ExternalUserID: userID,
		FromState:      from,
		ToState:        to,
		Trigger:        trigger,
		At:             time.Now(),
	}
	return rec, tx.Create(&rec).Error
}

// DailyCheckin moves the streak forward. Valid from IDLE, EXPIRED, RESET or
// a SHIELDED state whose shield has elapsed; a second call inside the shield
// window returns ErrShieldActive so a retried request can never double-count.
func (s *NoContactService) DailyCheckin(externalUserID string) (*CheckinResult, error) {
	status, err := s.EnsureStatus(externalUserID)
	if err != nil {
		return nil, err
	}
	prog, err := s.progression.EnsureProgressRecord(externalUserID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if status.State == models.StateShielded && status.ShieldExpires != nil && now.Before(*status.ShieldExpires) {
		return nil, ErrShieldActive
	}

	var result CheckinResult
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		// Streak continuation: within the 48h window continues, later restarts.
		streak := 1
		if status.LastCheckinAt != nil && now.Sub(*status.LastCheckinAt) <= StreakContinuationWindow {
			streak = status.StreakCount + 1
		}

		from := status.State
		expires := now.Add(shieldDuration(prog.Tier))

		// Guard and write are one statement: of two concurrent check-ins only
		// the one that finds the shield down commits, the other sees zero
		// rows and reports the conflict instead of double-counting.
		res := tx.Model(&models.NoContactStatus{}).
			Where("id = ? AND (state <> ? OR shield_expires IS NULL OR shield_expires <= ?)",
				status.ID, models.StateShielded, now).
			Updates(map[string]interface{}{
				"state":           models.StateShielded,
				"streak_count":    streak,
				"shield_expires":  expires,
				"last_checkin_at": now,
			})
		if res.Error != nil {
			return fmt.Errorf("save status: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrShieldActive
		}
		status.State = models.StateShielded
		status.StreakCount = streak
		status.ShieldExpires = &expires
		status.LastCheckinAt = &now

		// CHECKED_IN is a transient state: the check-in lands and the shield
		// raises immediately. Both hops are audited.
		t1, err := s.transition(tx, externalUserID, from, models.StateCheckedIn, "checkin")
		if err != nil {
			return err
		}
		t2, err := s.transition(tx, externalUserID, models.StateCheckedIn, models.StateShielded, "checkin")
		if err != nil {
			return err
		}

		reward := CalculateRewards(prog.Tier, BaseRewards.CheckinXP, BaseRewards.CheckinBytes)
		if err := s.progression.ApplyReward(tx, prog, &reward, "no_contact_checkin", status.ID); err != nil {
			return err
		}
		if err := tx.Model(&models.UserProgress{}).
			Where("external_user_id = ?", externalUserID).
			Updates(map[string]interface{}{
				"no_contact_streak":          streak,
				"total_checkins":             gorm.Expr("total_checkins + 1"),
				"last_no_contact_checkin_at": now,
			}).Error; err != nil {
			return fmt.Errorf("save counters: %w", err)
		}
		prog.NoContactStreak = streak
		prog.TotalCheckins++
		prog.LastNoContactCheckinAt = &now

		result = CheckinResult{
			Streak:        status.StreakCount,
			XPEarned:      reward.XP,
			BytesEarned:   reward.Bytes,
			ShieldExpires: expires,
			Transitions:   []models.NoContactTransition{t1, t2},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("no-contact check-in",
		zap.String("user", externalUserID),
		zap.Int("streak", result.Streak),
		zap.Int64("xp", result.XPEarned))

	// Badge evaluation is a post-step: the check-in is already committed, a
	// failure here is queued for retry and never surfaced to the user action.
	s.badges.EvaluateAfter(externalUserID, "checkin")

	return &result, nil
}

// ProcessTimeTransitions sweeps SHIELDED rows whose shield has lapsed into
// EXPIRED. Streaks are untouched: expiry signals risk, not failure.
func (s *NoContactService) ProcessTimeTransitions() (int, error) {
	var due []models.NoContactStatus
	now := time.Now()
	if err := s.DB.Where("state = ? AND shield_expires <= ?", models.StateShielded, now).
		Find(&due).Error; err != nil {
		return 0, err
	}

	expired := 0
	for i := range due {
		status := &due[i]
		err := s.DB.Transaction(func(tx *gorm.DB) error {
			// Conditional update so a concurrent check-in wins the race.
			res := tx.Model(&models.NoContactStatus{}).
				Where("id = ? AND state = ?", status.ID, models.StateShielded).
				Update("state", models.StateExpired)
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil
			}
			_, err := s.transition(tx, status.ExternalUserID, models.StateShielded, models.StateExpired, "expiry_sweep")
			if err == nil {
				expired++
			}
			return err
		})
		if err != nil {
			logger.Warn("shield expiry failed", zap.String("user", status.ExternalUserID), zap.Error(err))
		}
	}
	return expired, nil
}

// ProcessWeeklyAutoShield is the paid-tier perk: when the Sunday-00:00
// boundary in the user's timezone has passed with no manual check-in, the
// shield extends once without user action. Never double-applies within a
// week or on top of an active shield.
func (s *NoContactService) ProcessWeeklyAutoShield() (int, error) {
	var paid []models.UserProgress
	if err := s.DB.Where("tier IN ?", []models.Tier{models.TierPaidBeginner, models.TierPaidAdvanced}).
		Find(&paid).Error; err != nil {
		return 0, err
	}

	applied := 0
	for i := range paid {
		prog := &paid[i]
		status, err := s.EnsureStatus(prog.ExternalUserID)
		if err != nil {
			continue
		}

		loc, err := time.LoadLocation(prog.Timezone)
		if err != nil {
			loc = time.UTC
		}
		now := time.Now().In(loc)
		weekStart := lastSundayMidnight(now)

		if status.LastAutoShieldAt != nil && !status.LastAutoShieldAt.Before(weekStart) {
			continue // already applied this week
		}
		if status.LastCheckinAt != nil && !status.LastCheckinAt.Before(weekStart) {
			continue // manual check-in already covered the week
		}
		if status.State == models.StateShielded && status.ShieldExpires != nil && time.Now().Before(*status.ShieldExpires) {
			continue // active shield, nothing to extend
		}

		err = s.DB.Transaction(func(tx *gorm.DB) error {
			from := status.State
			expires := time.Now().Add(shieldDuration(prog.Tier))
			stamp := time.Now()
			status.State = models.StateShielded
			status.ShieldExpires = &expires
			status.LastAutoShieldAt = &stamp
			if err := tx.Save(status).Error; err != nil {
				return err
			}
			_, err := s.transition(tx, prog.ExternalUserID, from, models.StateShielded, "auto_shield")
			return err
		})
		if err != nil {
			logger.Warn("auto-shield failed", zap.String("user", prog.ExternalUserID), zap.Error(err))
			continue
		}
		applied++
	}
	return applied, nil
}

// lastSundayMidnight finds the most recent Sunday 00:00 at or before t.
func lastSundayMidnight(t time.Time) time.Time {
	midnight := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	return midnight.AddDate(0, 0, -int(t.Weekday()))
}

// Reset is the administrative transition: zeroes the streak, clears the
// shield and returns to RESET (check-in eligible). The only operation that
// discards streak_count.
func (s *NoContactService) Reset(externalUserID string) (*models.NoContactTransition, error) {
	status, err := s.EnsureStatus(externalUserID)
	if err != nil {
		return nil, err
	}

	var rec models.NoContactTransition
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		from := status.State
		status.State = models.StateReset
		status.StreakCount = 0
		status.ShieldExpires = nil
		status.LastCheckinAt = nil
		if err := tx.Save(status).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.UserProgress{}).
			Where("external_user_id = ?", externalUserID).
			Update("no_contact_streak", 0).Error; err != nil {
			return err
		}
		rec, err = s.transition(tx, externalUserID, from, models.StateReset, "reset")
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.Info("no-contact reset", zap.String("user", externalUserID))
	return &rec, nil
}
