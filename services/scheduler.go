package services

import (
	"time"

	"recovery-engine/logger"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

// StartSweeps runs the periodic maintenance jobs: shield expiry, the weekly
// paid-tier auto-shield, quota top-up expiry and rate-limit window cleanup.
func StartSweeps(noContact *NoContactService, quota *QuotaService, limiter *StoreLimiter) {
	sched, _ := gocron.NewScheduler()
	sched.Start()

	// Every minute: lapse expired shields into EXPIRED.
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Minute),
		gocron.NewTask(func() {
			expired, err := noContact.ProcessTimeTransitions()
			if err != nil {
				logger.Error("shield expiry sweep failed", zap.Error(err))
				return
			}
			if expired > 0 {
				logger.Info("shields expired", zap.Int("count", expired))
			}
		}),
	)

	// Every hour: apply the weekly auto-shield to paid users whose Sunday
	// boundary has passed. The service itself guards against double-apply,
	// so running hourly just keeps the perk timely across timezones.
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Hour),
		gocron.NewTask(func() {
			applied, err := noContact.ProcessWeeklyAutoShield()
			if err != nil {
				logger.Error("auto-shield sweep failed", zap.Error(err))
				return
			}
			if applied > 0 {
				logger.Info("auto-shields applied", zap.Int("count", applied))
			}
		}),
	)

	// Every hour: drop lapsed quota top-ups and stale rate-limit windows.
	_, _ = sched.NewJob(
		gocron.DurationJob(1*time.Hour),
		gocron.NewTask(func() {
			if n, err := quota.SweepExpiredTopUps(); err != nil {
				logger.Error("top-up sweep failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("expired top-ups removed", zap.Int64("count", n))
			}
			if n, err := limiter.SweepExpired(); err != nil {
				logger.Error("rate-limit sweep failed", zap.Error(err))
			} else if n > 0 {
				logger.Debug("rate-limit windows removed", zap.Int64("count", n))
			}
		}),
	)
}
