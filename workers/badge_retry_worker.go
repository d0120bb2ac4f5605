package workers

import (
	"context"
	"time"

	"recovery-engine/logger"
	"recovery-engine/services"

	"go.uber.org/zap"
)

// BadgeRetryWorker drains the pending badge evaluation queue. Badge
// evaluation is a non-fatal post-step of user actions; when it fails, the
// triggering action's effects are already committed and the evaluation is
// queued here to run again.
type BadgeRetryWorker struct {
	badges    *services.BadgeService
	interval  time.Duration
	batchSize int
}

func NewBadgeRetryWorker(badges *services.BadgeService) *BadgeRetryWorker {
	return &BadgeRetryWorker{
		badges:    badges,
		interval:  30 * time.Second,
		batchSize: 50,
	}
}

func (w *BadgeRetryWorker) Start(ctx context.Context) {
	logger.Info("starting badge retry worker")
	go w.run(ctx)
}

func (w *BadgeRetryWorker) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			done, err := w.badges.RetryPending(w.batchSize)
			if err != nil {
				logger.Error("badge retry sweep failed", zap.Error(err))
				continue
			}
			if done > 0 {
				logger.Info("retried badge evaluations", zap.Int("count", done))
			}
		case <-ctx.Done():
			logger.Info("badge retry worker stopped")
			return
		}
	}
}
