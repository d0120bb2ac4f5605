package services

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"recovery-engine/logger"
	"recovery-engine/models"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrAlreadyCompleted guards against duplicate reward grants from
	// retried requests or double-clicks. Balances are untouched.
	ErrAlreadyCompleted = errors.New("ritual already completed today")
	// ErrPoolExhausted is the terminal daily state: every tier-eligible
	// ritual has already been assigned today. Not a failure.
	ErrPoolExhausted     = errors.New("no available rituals for today")
	ErrRitualNotFound    = errors.New("ritual not found")
	ErrNoAssignment      = errors.New("no assignment for this ritual today")
	ErrInvalidDifficulty = errors.New("difficulty does not match the assigned ritual")
)

// RerollCooldownError carries the remaining wait for the once-per-24h reroll.
type RerollCooldownError struct {
	Remaining time.Duration
}

func (e *RerollCooldownError) Error() string {
	return fmt.Sprintf("reroll on cooldown: %.1f hours remaining", e.Remaining.Hours())
}

// RerollCooldown is the minimum gap between rerolls.
const RerollCooldown = 24 * time.Hour

// CompletionResult is what a successful completion returns to the handler.
type CompletionResult struct {
	Rewards    RewardResult      `json:"rewards"`
	Streak     int               `json:"streak"`
	Milestones []MilestoneResult `json:"milestones"`
}

type RitualService struct {
	DB          *gorm.DB
	progression *ProgressionService
	badges      *BadgeService
	sanitizer   *bluemonday.Policy
	markdown    goldmark.Markdown
	// seedFn supplies selection entropy; swapped for a fixed value in tests.
	seedFn func() int64
}

func NewRitualService(db *gorm.DB, progression *ProgressionService, badges *BadgeService) *RitualService {
	return &RitualService{
		DB:          db,
		progression: progression,
		badges:      badges,
		sanitizer:   bluemonday.StrictPolicy(),
		markdown:    goldmark.New(),
		seedFn:      func() int64 { return time.Now().UnixNano() },
	}
}

// SeedCatalog installs the ritual pool with stable slug keys. Idempotent.
func (s *RitualService) SeedCatalog() error {
	for _, r := range models.RitualCatalog {
		ritual := r
		ritual.Key = models.SeedKey(ritual.Title)

		var existing models.Ritual
		err := s.DB.Where("key = ?", ritual.Key).First(&existing).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		ritual.ID = uuid.NewString()
		if err := s.DB.Create(&ritual).Error; err != nil {
			return fmt.Errorf("seed ritual %s: %w", ritual.Key, err)
		}
	}
	return nil
}

// DescriptionHTML renders the catalog markdown for API responses.
func (s *RitualService) DescriptionHTML(r *models.Ritual) string {
	var buf bytes.Buffer
	if err := s.markdown.Convert([]byte(r.Description), &buf); err != nil {
		return r.Description
	}
	return buf.String()
}

// pickRitual is the pure selection function: given the eligible pool, the
// excluded ritual ids and a seed, it returns a deterministic choice. Pool
// order is normalized first so the same seed always picks the same ritual.
func pickRitual(pool []models.Ritual, excluded map[string]bool, seed int64) *models.Ritual {
	eligible := make([]models.Ritual, 0, len(pool))
	for _, r := range pool {
		if !excluded[r.ID] {
			eligible = append(eligible, r)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].Key < eligible[j].Key })
	rng := rand.New(rand.NewSource(seed))
	pick := eligible[rng.Intn(len(eligible))]
	return &pick
}

// userDay resolves the calendar day key in the user's timezone.
func userDay(prog *models.UserProgress, t time.Time) string {
	loc, err := time.LoadLocation(prog.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return t.In(loc).Format(models.DayFormat)
}

// tierPool loads the selectable catalog for a tier (free pool is the
// non-paid subset of the full pool).
func (s *RitualService) tierPool(tier models.Tier) ([]models.Ritual, error) {
	q := s.DB.Model(&models.Ritual{})
	if !tier.Paid() {
		q = q.Where("paid_only = ?", false)
	}
	var pool []models.Ritual
	err := q.Find(&pool).Error
	return pool, err
}

// todayExclusions collects ritual ids already assigned to the user today,
// rerolled or not: a reroll must never hand back the ritual it replaced, and
// a completed ritual is never re-offered the same day.
func (s *RitualService) todayExclusions(externalUserID, day string) (map[string]bool, error) {
	var assignments []models.RitualAssignment
	if err := s.DB.Where("external_user_id = ? AND day = ?", externalUserID, day).
		Find(&assignments).Error; err != nil {
		return nil, err
	}
	excluded := make(map[string]bool, len(assignments))
	for _, a := range assignments {
		excluded[a.RitualID] = true
	}
	return excluded, nil
}

// GetTodayRitual returns the active assignment for the user's calendar day,
// creating one on first request.
func (s *RitualService) GetTodayRitual(externalUserID string) (*models.RitualAssignment, error) {
	prog, err := s.progression.EnsureProgressRecord(externalUserID)
	if err != nil {
		return nil, err
	}
	day := userDay(prog, time.Now())

	var existing models.RitualAssignment
	err = s.DB.Preload("Ritual").
		Where("external_user_id = ? AND day = ? AND rerolled = ?", externalUserID, day, false).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return s.assignNew(prog, day)
}

func (s *RitualService) assignNew(prog *models.UserProgress, day string) (*models.RitualAssignment, error) {
	pool, err := s.tierPool(prog.Tier)
	if err != nil {
		return nil, err
	}
	excluded, err := s.todayExclusions(prog.ExternalUserID, day)
	if err != nil {
		return nil, err
	}

	pick := pickRitual(pool, excluded, s.seedFn())
	if pick == nil {
		return nil, ErrPoolExhausted
	}

	assignment := models.RitualAssignment{
		ID:             uuid.NewString(),
		ExternalUserID: prog.ExternalUserID,
		RitualID:       pick.ID,
		Day:            day,
		AssignedAt:     time.Now(),
	}
	res := s.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_user_id"}, {Name: "day"}, {Name: "rerolled"}},
		DoNothing: true,
	}).Create(&assignment)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		// A concurrent request won the insert race; the unique index makes
		// its row the single assignment of the day. Hand that one back.
		var winner models.RitualAssignment
		err := s.DB.Preload("Ritual").
			Where("external_user_id = ? AND day = ? AND rerolled = ?", prog.ExternalUserID, day, false).
			First(&winner).Error
		if err != nil {
			return nil, err
		}
		return &winner, nil
	}
	assignment.Ritual = pick

	logger.Info("ritual assigned",
		zap.String("user", prog.ExternalUserID),
		zap.String("ritual", pick.Key),
		zap.String("day", day))
	return &assignment, nil
}

// CompleteRitual records a completion exactly once and pays out. The
// conditional update on completed_at is the primary idempotency guard: the
// second call for the same assignment changes nothing and reports conflict.
func (s *RitualService) CompleteRitual(externalUserID, ritualID string, difficulty models.RitualDifficulty, notes, mood string) (*CompletionResult, error) {
	prog, err := s.progression.EnsureProgressRecord(externalUserID)
	if err != nil {
		return nil, err
	}
	day := userDay(prog, time.Now())

	var ritual models.Ritual
	if err := s.DB.Where("id = ?", ritualID).First(&ritual).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRitualNotFound
		}
		return nil, err
	}
	if difficulty != "" && difficulty != ritual.Difficulty {
		return nil, ErrInvalidDifficulty
	}

	var assignment models.RitualAssignment
	err = s.DB.Where("external_user_id = ? AND ritual_id = ? AND day = ?", externalUserID, ritualID, day).
		Order("assigned_at DESC").
		First(&assignment).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoAssignment
		}
		return nil, err
	}
	if assignment.CompletedAt != nil {
		return nil, ErrAlreadyCompleted
	}

	now := time.Now()
	var result CompletionResult
	err = s.DB.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.RitualAssignment{}).
			Where("id = ? AND completed_at IS NULL", assignment.ID).
			Updates(map[string]interface{}{
				"completed_at": now,
				"notes":        s.sanitizer.Sanitize(notes),
				"mood":         s.sanitizer.Sanitize(mood),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrAlreadyCompleted
		}

		// The grant goes first: its atomic increment takes the progress row
		// lock and refreshes prog, so the streak math below runs against
		// current values and writes back without losing a concurrent grant.
		reward := CalculateRewards(prog.Tier, ritual.BaseXP, ritual.BaseBytes)
		if err := s.progression.ApplyReward(tx, prog, &reward, "ritual:"+ritual.Key, assignment.ID); err != nil {
			return err
		}

		// Streak continuation inside the 48h window; later restarts at 1.
		streak := 1
		if prog.LastRitualCompletedAt != nil && now.Sub(*prog.LastRitualCompletedAt) <= StreakContinuationWindow {
			streak = prog.RitualStreak + 1
		}
		longest := prog.LongestRitualStreak
		if streak > longest {
			longest = streak
		}
		if err := tx.Model(&models.UserProgress{}).
			Where("external_user_id = ?", externalUserID).
			Updates(map[string]interface{}{
				"ritual_streak":            streak,
				"longest_ritual_streak":    longest,
				"total_rituals":            gorm.Expr("total_rituals + 1"),
				"last_ritual_completed_at": now,
			}).Error; err != nil {
			return fmt.Errorf("save streak: %w", err)
		}
		prog.RitualStreak = streak
		prog.LongestRitualStreak = longest
		prog.TotalRituals++
		prog.LastRitualCompletedAt = &now

		var milestones []MilestoneResult
		if prog.TotalRituals == 1 {
			milestones = append(milestones, MilestoneResult{Kind: MilestoneFirstRitual})
		}
		if reward.LeveledUp {
			milestones = append(milestones, MilestoneResult{Kind: MilestoneLevelUp, Level: prog.Level})
		}
		if IsStreakMilestone(prog.RitualStreak) {
			milestones = append(milestones, MilestoneResult{Kind: MilestoneStreak, Streak: prog.RitualStreak})
		}

		result = CompletionResult{
			Rewards:    reward,
			Streak:     prog.RitualStreak,
			Milestones: milestones,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("ritual completed",
		zap.String("user", externalUserID),
		zap.String("ritual", ritual.Key),
		zap.Int("streak", result.Streak),
		zap.Int64("xp", result.Rewards.XP))

	// Post-step: the completion is durably committed before badges run.
	for _, badge := range s.badges.EvaluateAfter(externalUserID, "ritual_complete") {
		result.Milestones = append(result.Milestones, MilestoneResult{
			Kind:      MilestoneBadgeUnlock,
			BadgeCode: badge.Code,
			BadgeName: badge.Name,
		})
	}

	return &result, nil
}

// RerollRitual swaps today's assignment for a fresh pick, at most once per
// 24 hours. The replaced assignment stays on record, flagged rerolled.
func (s *RitualService) RerollRitual(externalUserID string) (*models.RitualAssignment, error) {
	prog, err := s.progression.EnsureProgressRecord(externalUserID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if prog.LastRerollAt != nil {
		if elapsed := now.Sub(*prog.LastRerollAt); elapsed < RerollCooldown {
			return nil, &RerollCooldownError{Remaining: RerollCooldown - elapsed}
		}
	}

	day := userDay(prog, now)
	var current models.RitualAssignment
	err = s.DB.Where("external_user_id = ? AND day = ? AND rerolled = ?", externalUserID, day, false).
		First(&current).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	if err == nil {
		if current.CompletedAt != nil {
			return nil, ErrAlreadyCompleted
		}
		if err := s.DB.Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&models.RitualAssignment{}).
				Where("id = ?", current.ID).
				Update("rerolled", true).Error; err != nil {
				return err
			}
			return tx.Model(&models.UserProgress{}).
				Where("external_user_id = ?", externalUserID).
				Update("last_reroll_at", now).Error
		}); err != nil {
			return nil, err
		}
		prog.LastRerollAt = &now
	}

	assignment, err := s.assignNew(prog, day)
	if err != nil {
		return nil, err
	}
	logger.Info("ritual rerolled", zap.String("user", externalUserID), zap.String("ritual", assignment.Ritual.Key))
	return assignment, nil
}
