package services

import (
	"fmt"
	"time"

	"recovery-engine/logger"
	"recovery-engine/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type BadgeService struct {
	DB          *gorm.DB
	progression *ProgressionService
}

func NewBadgeService(db *gorm.DB, progression *ProgressionService) *BadgeService {
	return &BadgeService{DB: db, progression: progression}
}

// SeedCatalog installs the badge rule table as BadgeType rows. Idempotent:
// existing codes are left alone.
func (s *BadgeService) SeedCatalog() error {
	for _, rule := range models.BadgeRules {
		badge := rule
		badge.ID = uuid.NewString()
		err := s.DB.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}},
			DoNothing: true,
		}).Create(&badge).Error
		if err != nil {
			return fmt.Errorf("seed badge %s: %w", rule.Code, err)
		}
	}
	return nil
}

// statsSnapshot is the aggregated view of user behavior the rule table is
// evaluated against. Assembled fresh per evaluation; the engine holds no
// state of its own.
type statsSnapshot map[string]int64

func (s *BadgeService) snapshot(prog *models.UserProgress) (statsSnapshot, error) {
	snap := statsSnapshot{
		models.StatTotalRituals:    prog.TotalRituals,
		models.StatMaxRitualStreak: int64(prog.LongestRitualStreak),
		models.StatNoContactStreak: int64(prog.NoContactStreak),
		models.StatLevel:           int64(prog.Level),
		models.StatWallPosts:       prog.WallInteractions,
		models.StatAISessions:      prog.AISessionsUsed,
		models.StatTotalCheckins:   prog.TotalCheckins,
	}

	var categories int64
	err := s.DB.Model(&models.RitualAssignment{}).
		Joins("JOIN rituals ON rituals.id = ritual_assignments.ritual_id").
		Where("ritual_assignments.external_user_id = ? AND ritual_assignments.completed_at IS NOT NULL", prog.ExternalUserID).
		Distinct("rituals.category").
		Count(&categories).Error
	if err != nil {
		return nil, fmt.Errorf("count categories: %w", err)
	}
	snap[models.StatRitualCats] = categories

	var earned int64
	err = s.DB.Model(&models.UserBadge{}).
		Where("external_user_id = ?", prog.ExternalUserID).
		Count(&earned).Error
	if err != nil {
		return nil, fmt.Errorf("count earned badges: %w", err)
	}
	snap[models.StatPriorTierBadges] = earned

	return snap, nil
}

func meetsThreshold(snap statsSnapshot, threshold map[string]int64) bool {
	if len(threshold) == 0 {
		return false
	}
	for key, required := range threshold {
		if snap[key] < required {
			return false
		}
	}
	return true
}

// Evaluate checks every catalog badge against the user's current statistics
// and awards the newly eligible ones. The insert runs ON CONFLICT DO NOTHING
// against the (user, badge) unique index, so a concurrent evaluation that
// wins the race turns this one into a harmless no-op.
func (s *BadgeService) Evaluate(externalUserID, sourceEvent string) ([]models.BadgeType, error) {
	prog, err := s.progression.EnsureProgressRecord(externalUserID)
	if err != nil {
		return nil, err
	}

	snap, err := s.snapshot(prog)
	if err != nil {
		return nil, err
	}

	var catalog []models.BadgeType
	if err := s.DB.Find(&catalog).Error; err != nil {
		return nil, fmt.Errorf("load badge catalog: %w", err)
	}

	earned := map[string]bool{}
	var existing []models.UserBadge
	if err := s.DB.Where("external_user_id = ?", externalUserID).Find(&existing).Error; err != nil {
		return nil, err
	}
	for _, ub := range existing {
		earned[ub.BadgeTypeID] = true
	}

	var awarded []models.BadgeType
	for _, badge := range catalog {
		if earned[badge.ID] {
			continue
		}
		if badge.TierScope != "" && badge.TierScope != prog.Tier {
			continue
		}
		if !meetsThreshold(snap, badge.Threshold) {
			continue
		}

		badge := badge
		err := s.DB.Transaction(func(tx *gorm.DB) error {
			res := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "external_user_id"}, {Name: "badge_type_id"}},
				DoNothing: true,
			}).Create(&models.UserBadge{
				ID:             uuid.NewString(),
				ExternalUserID: externalUserID,
				BadgeTypeID:    badge.ID,
				SourceEvent:    sourceEvent,
			})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return nil // lost the race, already awarded
			}
			if badge.BytesReward > 0 {
				reward := RewardResult{Bytes: badge.BytesReward}
				if err := s.progression.ApplyReward(tx, prog, &reward, "badge:"+badge.Code, badge.ID); err != nil {
					return err
				}
			}
			awarded = append(awarded, badge)
			return nil
		})
		if err != nil {
			return awarded, fmt.Errorf("award badge %s: %w", badge.Code, err)
		}
	}

	for _, badge := range awarded {
		logger.Info("badge awarded",
			zap.String("user", externalUserID),
			zap.String("code", badge.Code),
			zap.String("source", sourceEvent))
	}
	return awarded, nil
}

// EvaluateAfter is the post-step entry point used by the domain services.
// The triggering action is already committed when this runs; a failure is
// logged and queued for the retry worker, never propagated to the caller.
func (s *BadgeService) EvaluateAfter(externalUserID, sourceEvent string) []models.BadgeType {
	awarded, err := s.Evaluate(externalUserID, sourceEvent)
	if err != nil {
		logger.Error("badge evaluation failed, queued for retry",
			zap.String("user", externalUserID),
			zap.String("source", sourceEvent),
			zap.Error(err))
		pending := models.PendingBadgeEvaluation{
			ID:             uuid.NewString(),
			ExternalUserID: externalUserID,
			SourceEvent:    sourceEvent,
			LastError:      err.Error(),
		}
		if qErr := s.DB.Create(&pending).Error; qErr != nil {
			logger.Error("failed to queue badge retry", zap.Error(qErr))
		}
	}
	return awarded
}

// RetryPending drains the retry queue. Called by the background worker.
func (s *BadgeService) RetryPending(limit int) (int, error) {
	var pending []models.PendingBadgeEvaluation
	if err := s.DB.Where("processed_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&pending).Error; err != nil {
		return 0, err
	}

	done := 0
	for i := range pending {
		p := &pending[i]
		_, err := s.Evaluate(p.ExternalUserID, p.SourceEvent)
		now := time.Now()
		if err != nil {
			p.Attempts++
			p.LastError = err.Error()
			if saveErr := s.DB.Save(p).Error; saveErr != nil {
				logger.Warn("failed to record badge retry attempt", zap.Error(saveErr))
			}
			continue
		}
		p.ProcessedAt = &now
		if err := s.DB.Save(p).Error; err != nil {
			logger.Warn("failed to mark badge retry processed", zap.Error(err))
			continue
		}
		done++
	}
	return done, nil
}

// UserBadgeView joins an awarded badge with its catalog entry for display.
type UserBadgeView struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	IconURL     string    `json:"icon_url"`
	Rarity      string    `json:"rarity"`
	AwardedAt   time.Time `json:"awarded_at"`
	SourceEvent string    `json:"source_event"`
}

// ListUserBadges returns the user's earned badges, newest first.
func (s *BadgeService) ListUserBadges(externalUserID string) ([]UserBadgeView, error) {
	var views []UserBadgeView
	err := s.DB.Model(&models.UserBadge{}).
		Select("user_badges.id, badge_types.code, badge_types.name, badge_types.description, badge_types.icon_url, badge_types.rarity, user_badges.awarded_at, user_badges.source_event").
		Joins("JOIN badge_types ON badge_types.id = user_badges.badge_type_id").
		Where("user_badges.external_user_id = ?", externalUserID).
		Order("user_badges.awarded_at DESC").
		Scan(&views).Error
	return views, err
}
