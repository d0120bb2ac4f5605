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

// LevelSize is the XP span of one level. Level is always derived:
// floor(totalXP/LevelSize)+1. XP is the source of truth, the Level column
// is a cache.
const LevelSize = 100

// Base rewards per action before tier scaling.
var BaseRewards = struct {
	CheckinXP    int64
	CheckinBytes int64
}{
	CheckinXP:    25,
	CheckinBytes: 5,
}

// LevelForXP derives the level from total XP.
func LevelForXP(totalXP int64) int {
	if totalXP < 0 {
		totalXP = 0
	}
	return int(totalXP/LevelSize) + 1
}

type ProgressionService struct {
	DB *gorm.DB
}

func NewProgressionService(db *gorm.DB) *ProgressionService {
	return &ProgressionService{DB: db}
}

// EnsureProgressRecord ensures a UserProgress row exists (idempotent)
func (s *ProgressionService) EnsureProgressRecord(externalUserID string) (*models.UserProgress, error) {
	var prog models.UserProgress
	err := s.DB.Where("external_user_id = ?", externalUserID).First(&prog).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		prog = models.UserProgress{
			ID:             uuid.NewString(),
			ExternalUserID: externalUserID,
			Tier:           models.TierFree,
			Timezone:       "UTC",
			Level:          1,
		}
		if err := s.DB.Create(&prog).Error; err != nil {
			return nil, err
		}
		return &prog, nil
	}
	if err != nil {
		return nil, err
	}
	return &prog, nil
}

// ApplyReward grants XP and bytes to the progress row inside the caller's
// transaction and appends the ledger entries. The grant is an atomic
// increment: concurrent grants for one user cannot lose each other's update,
// and the UPDATE takes the row lock that serializes the rest of the
// transaction's writes to this row. prog is refreshed to the post-grant row.
// The ledger is the audit trail: no grant happens without its rows.
func (s *ProgressionService) ApplyReward(tx *gorm.DB, prog *models.UserProgress, reward *RewardResult, sourceTag, relatedID string) error {
	res := tx.Model(&models.UserProgress{}).
		Where("external_user_id = ?", prog.ExternalUserID).
		Updates(map[string]interface{}{
			"total_xp":      gorm.Expr("total_xp + ?", reward.XP),
			"bytes_balance": gorm.Expr("bytes_balance + ?", reward.Bytes),
		})
	if res.Error != nil {
		return fmt.Errorf("apply reward: %w", res.Error)
	}

	var fresh models.UserProgress
	if err := tx.Where("external_user_id = ?", prog.ExternalUserID).First(&fresh).Error; err != nil {
		return fmt.Errorf("reload progress: %w", err)
	}

	newLevel := LevelForXP(fresh.TotalXP)
	if newLevel != fresh.Level {
		updates := map[string]interface{}{"level": newLevel}
		if newLevel > fresh.Level {
			now := time.Now()
			updates["last_level_up_at"] = now
			fresh.LastLevelUpAt = &now
			reward.LeveledUp = true
			reward.NewLevel = newLevel
		}
		if err := tx.Model(&models.UserProgress{}).
			Where("external_user_id = ?", prog.ExternalUserID).
			Updates(updates).Error; err != nil {
			return fmt.Errorf("save level: %w", err)
		}
		fresh.Level = newLevel
	}
	*prog = fresh

	entries := []models.RewardTransaction{}
	if reward.XP != 0 {
		entries = append(entries, models.RewardTransaction{
			ID:             uuid.NewString(),
			ExternalUserID: prog.ExternalUserID,
			Currency:       models.CurrencyXP,
			Amount:         reward.XP,
			SourceTag:      sourceTag,
			RelatedID:      relatedID,
		})
	}
	if reward.Bytes != 0 {
		entries = append(entries, models.RewardTransaction{
			ID:             uuid.NewString(),
			ExternalUserID: prog.ExternalUserID,
			Currency:       models.CurrencyBytes,
			Amount:         reward.Bytes,
			SourceTag:      sourceTag,
			RelatedID:      relatedID,
		})
	}
	if len(entries) > 0 {
		if err := tx.Create(&entries).Error; err != nil {
			return fmt.Errorf("append ledger: %w", err)
		}
	}
	return nil
}

// GrantXP is the admin grant path: its own transaction, ledger included.
func (s *ProgressionService) GrantXP(externalUserID string, xp int64, reason string) (*models.UserProgress, error) {
	prog, err := s.EnsureProgressRecord(externalUserID)
	if err != nil {
		return nil, err
	}
	reward := RewardResult{XP: xp}
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		return s.ApplyReward(tx, prog, &reward, reason, "")
	})
	if err != nil {
		return nil, err
	}
	logger.Info("xp granted",
		zap.String("user", externalUserID),
		zap.Int64("xp", xp),
		zap.Int("level", prog.Level),
		zap.String("reason", reason))
	return prog, nil
}

// SpendBytes debits the byte balance, guarding against overdraft with a
// conditional update so concurrent spends cannot drive the balance negative.
func (s *ProgressionService) SpendBytes(externalUserID string, amount int64, sourceTag, relatedID string) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	return s.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.UserProgress{}).
			Where("external_user_id = ? AND bytes_balance >= ?", externalUserID, amount).
			Update("bytes_balance", gorm.Expr("bytes_balance - ?", amount))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrInsufficientBytes
		}
		return tx.Create(&models.RewardTransaction{
			ID:             uuid.NewString(),
			ExternalUserID: externalUserID,
			Currency:       models.CurrencyBytes,
			Amount:         -amount,
			SourceTag:      sourceTag,
			RelatedID:      relatedID,
		}).Error
	})
}

var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInsufficientBytes = errors.New("insufficient byte balance")
)

// History returns the paginated reward ledger, newest first.
func (s *ProgressionService) History(externalUserID string, page, size int) ([]models.RewardTransaction, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}

	var total int64
	if err := s.DB.Model(&models.RewardTransaction{}).
		Where("external_user_id = ?", externalUserID).
		Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []models.RewardTransaction
	err := s.DB.Where("external_user_id = ?", externalUserID).
		Order("created_at DESC").
		Limit(size).Offset((page - 1) * size).
		Find(&entries).Error
	return entries, total, err
}
