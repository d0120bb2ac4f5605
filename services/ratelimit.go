package services

import (
	"sync"
	"time"

	"recovery-engine/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RateLimitDecision is the outcome of one increment-and-check.
type RateLimitDecision struct {
	OK                bool  `json:"ok"`
	Remaining         int64 `json:"remaining"`
	RetryAfterSeconds int64 `json:"retryAfterSeconds"`
}

// Limiter is a fixed-window counter keyed by an arbitrary string (e.g.
// "checkin:<userID>"). Both implementations are behaviorally identical to
// callers; only their deployment guarantees differ.
type Limiter interface {
	Allow(key string, max int64, window time.Duration) (*RateLimitDecision, error)
}

// windowStart floors an instant to its fixed window, so every instance
// computes the same bucket for the same moment.
func windowStart(now time.Time, window time.Duration) int64 {
	sec := int64(window.Seconds())
	if sec < 1 {
		sec = 1
	}
	return (now.Unix() / sec) * sec
}

// StoreLimiter is the durable backend: one row per (key, window), counted
// via an atomic upsert. Safe across instances because the database is the
// single point of truth.
type StoreLimiter struct {
	DB *gorm.DB
}

func NewStoreLimiter(db *gorm.DB) *StoreLimiter {
	return &StoreLimiter{DB: db}
}

func (l *StoreLimiter) Allow(key string, max int64, window time.Duration) (*RateLimitDecision, error) {
	now := time.Now()
	start := windowStart(now, window)
	windowEnd := time.Unix(start, 0).Add(window)

	row := models.RateLimitWindow{
		Key:         key,
		WindowStart: start,
		Count:       1,
		ExpiresAt:   windowEnd,
	}
	err := l.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "key"}, {Name: "window_start"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"count": gorm.Expr("rate_limit_windows.count + 1"),
		}),
	}).Create(&row).Error
	if err != nil {
		return nil, err
	}

	if err := l.DB.Where("key = ? AND window_start = ?", key, start).First(&row).Error; err != nil {
		return nil, err
	}

	return decide(row.Count, max, windowEnd, now), nil
}

// SweepExpired drops windows past their expiry. Scheduler hygiene.
func (l *StoreLimiter) SweepExpired() (int64, error) {
	res := l.DB.Where("expires_at <= ?", time.Now()).Delete(&models.RateLimitWindow{})
	return res.RowsAffected, res.Error
}

// memorySweepInterval bounds how often the in-process limiter walks its map
// to drop lapsed buckets.
const memorySweepInterval = time.Minute

// MemoryLimiter is the in-process fallback. Correct only for a
// single-instance deployment: counters live in process memory and are not
// shared. An explicit, documented degradation, not a design target.
type MemoryLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*memoryBucket
	lastSweep time.Time
}

type memoryBucket struct {
	windowStart int64
	expires     int64
	count       int64
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{buckets: make(map[string]*memoryBucket), lastSweep: time.Now()}
}

func (l *MemoryLimiter) Allow(key string, max int64, window time.Duration) (*RateLimitDecision, error) {
	now := time.Now()
	start := windowStart(now, window)
	windowEnd := time.Unix(start, 0).Add(window)

	l.mu.Lock()
	l.sweepLocked(now)
	bucket, ok := l.buckets[key]
	if !ok || bucket.windowStart != start {
		bucket = &memoryBucket{windowStart: start, expires: windowEnd.Unix()}
		l.buckets[key] = bucket
	}
	bucket.count++
	count := bucket.count
	l.mu.Unlock()

	return decide(count, max, windowEnd, now), nil
}

// sweepLocked drops buckets whose window has passed so stale keys do not
// accumulate for the process lifetime. Caller holds the mutex.
func (l *MemoryLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < memorySweepInterval {
		return
	}
	for key, bucket := range l.buckets {
		if bucket.expires <= now.Unix() {
			delete(l.buckets, key)
		}
	}
	l.lastSweep = now
}

func decide(count, max int64, windowEnd, now time.Time) *RateLimitDecision {
	if count > max {
		retry := int64(windowEnd.Sub(now).Seconds())
		if retry < 1 {
			retry = 1
		}
		return &RateLimitDecision{OK: false, Remaining: 0, RetryAfterSeconds: retry}
	}
	return &RateLimitDecision{OK: true, Remaining: max - count}
}
