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

// Base daily caps per tier for the AI companion feature.
var QuotaBaseCaps = map[models.Tier]int64{
	models.TierFree:         5,
	models.TierPaidBeginner: 25,
	models.TierPaidAdvanced: 100,
}

// QuotaWindow is the rolling reset period for the base cap.
const QuotaWindow = 24 * time.Hour

// BytesPerTopUpMessage is the soft-currency price of one purchased message.
const BytesPerTopUpMessage = 2

// QuotaDecision is the outcome of an atomic check-and-decrement.
type QuotaDecision struct {
	Allowed   bool  `json:"allowed"`
	Remaining int64 `json:"remaining"`
}

type QuotaService struct {
	DB          *gorm.DB
	progression *ProgressionService
}

func NewQuotaService(db *gorm.DB, progression *ProgressionService) *QuotaService {
	return &QuotaService{DB: db, progression: progression}
}

// ensureQuota finds or creates the quota row and rolls the window forward
// when it has lapsed.
func (s *QuotaService) ensureQuota(tx *gorm.DB, externalUserID, feature string, tier models.Tier) (*models.UsageQuota, error) {
	cap, ok := QuotaBaseCaps[tier]
	if !ok {
		cap = QuotaBaseCaps[models.TierFree]
	}

	var quota models.UsageQuota
	err := tx.Where("external_user_id = ? AND feature = ?", externalUserID, feature).First(&quota).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		quota = models.UsageQuota{
			ID:             uuid.NewString(),
			ExternalUserID: externalUserID,
			Feature:        feature,
			Cap:            cap,
			ResetsAt:       time.Now().Add(QuotaWindow),
		}
		if err := tx.Create(&quota).Error; err != nil {
			return nil, err
		}
		return &quota, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if !now.Before(quota.ResetsAt) {
		// Window rolled over: conditional reset so concurrent callers
		// reset it exactly once.
		res := tx.Model(&models.UsageQuota{}).
			Where("id = ? AND resets_at = ?", quota.ID, quota.ResetsAt).
			Updates(map[string]interface{}{
				"used":      0,
				"cap":       cap,
				"resets_at": now.Add(QuotaWindow),
			})
		if res.Error != nil {
			return nil, res.Error
		}
		if err := tx.Where("id = ?", quota.ID).First(&quota).Error; err != nil {
			return nil, err
		}
	}
	return &quota, nil
}

// activeTopUps sums the unexpired top-up allowance.
func (s *QuotaService) activeTopUps(tx *gorm.DB, externalUserID, feature string) (int64, error) {
	var total int64
	err := tx.Model(&models.QuotaTopUp{}).
		Where("external_user_id = ? AND feature = ? AND expires_at > ?", externalUserID, feature, time.Now()).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&total).Error
	return total, err
}

// Consume atomically checks and decrements the allowance. The guarded UPDATE
// is the whole race story: two concurrent calls both seeing remaining > 0
// cannot both pass, because only rows still under the effective cap match.
func (s *QuotaService) Consume(externalUserID, feature string, amount int64) (*QuotaDecision, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	prog, err := s.progression.EnsureProgressRecord(externalUserID)
	if err != nil {
		return nil, err
	}

	var decision QuotaDecision
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		quota, err := s.ensureQuota(tx, externalUserID, feature, prog.Tier)
		if err != nil {
			return err
		}
		topUps, err := s.activeTopUps(tx, externalUserID, feature)
		if err != nil {
			return err
		}
		effectiveCap := quota.Cap + topUps

		res := tx.Model(&models.UsageQuota{}).
			Where("id = ? AND used + ? <= ?", quota.ID, amount, effectiveCap).
			Update("used", gorm.Expr("used + ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			decision = QuotaDecision{Allowed: false, Remaining: max64(effectiveCap-quota.Used, 0)}
			return nil
		}

		if err := tx.Where("id = ?", quota.ID).First(quota).Error; err != nil {
			return err
		}
		decision = QuotaDecision{Allowed: true, Remaining: max64(effectiveCap-quota.Used, 0)}

		if feature == models.FeatureAITherapy {
			return tx.Model(&models.UserProgress{}).
				Where("external_user_id = ?", externalUserID).
				Update("ai_sessions_used", gorm.Expr("ai_sessions_used + ?", amount)).Error
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if decision.Allowed {
		logger.Debug("quota consumed",
			zap.String("user", externalUserID),
			zap.String("feature", feature),
			zap.Int64("amount", amount),
			zap.Int64("remaining", decision.Remaining))
	}
	return &decision, nil
}

// Purchase buys a top-up with bytes. The debit and the top-up land together
// or not at all.
func (s *QuotaService) Purchase(externalUserID, feature string, amount int64, durationDays int) (*models.QuotaTopUp, error) {
	if amount <= 0 || durationDays <= 0 {
		return nil, ErrInvalidAmount
	}
	cost := amount * BytesPerTopUpMessage
	topUp := models.QuotaTopUp{
		ID:             uuid.NewString(),
		ExternalUserID: externalUserID,
		Feature:        feature,
		Amount:         amount,
		Source:         "purchase",
		ExpiresAt:      time.Now().AddDate(0, 0, durationDays),
	}
	err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := NewProgressionService(tx).SpendBytes(externalUserID, cost, "quota_purchase:"+feature, topUp.ID); err != nil {
			return err
		}
		return tx.Create(&topUp).Error
	})
	if err != nil {
		return nil, err
	}
	logger.Info("quota top-up purchased",
		zap.String("user", externalUserID),
		zap.String("feature", feature),
		zap.Int64("amount", amount))
	return &topUp, nil
}

// Grant adds a redeemed or promotional top-up with its own expiry.
func (s *QuotaService) Grant(externalUserID, feature string, amount int64, durationDays int, source string) (*models.QuotaTopUp, error) {
	if amount <= 0 || durationDays <= 0 {
		return nil, ErrInvalidAmount
	}
	topUp := models.QuotaTopUp{
		ID:             uuid.NewString(),
		ExternalUserID: externalUserID,
		Feature:        feature,
		Amount:         amount,
		Source:         source,
		ExpiresAt:      time.Now().AddDate(0, 0, durationDays),
	}
	if err := s.DB.Create(&topUp).Error; err != nil {
		return nil, err
	}
	logger.Info("quota top-up granted",
		zap.String("user", externalUserID),
		zap.String("feature", feature),
		zap.Int64("amount", amount),
		zap.String("source", source))
	return &topUp, nil
}

// Snapshot reports the current allowance for display.
func (s *QuotaService) Snapshot(externalUserID, feature string) (map[string]interface{}, error) {
	prog, err := s.progression.EnsureProgressRecord(externalUserID)
	if err != nil {
		return nil, err
	}
	var snapshot map[string]interface{}
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		quota, err := s.ensureQuota(tx, externalUserID, feature, prog.Tier)
		if err != nil {
			return err
		}
		topUps, err := s.activeTopUps(tx, externalUserID, feature)
		if err != nil {
			return err
		}
		snapshot = map[string]interface{}{
			"feature":   feature,
			"cap":       quota.Cap,
			"top_ups":   topUps,
			"used":      quota.Used,
			"remaining": max64(quota.Cap+topUps-quota.Used, 0),
			"resets_at": quota.ResetsAt,
		}
		return nil
	})
	return snapshot, err
}

// SweepExpiredTopUps deletes lapsed top-ups. Run by the scheduler; purely
// hygiene since activeTopUps filters on expiry anyway.
func (s *QuotaService) SweepExpiredTopUps() (int64, error) {
	res := s.DB.Where("expires_at <= ?", time.Now()).Delete(&models.QuotaTopUp{})
	if res.Error != nil {
		return 0, fmt.Errorf("sweep top-ups: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
