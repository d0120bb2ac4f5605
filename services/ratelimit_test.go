package services

import (
	"testing"
	"time"

	"recovery-engine/models"
)

func TestWindowStartBuckets(t *testing.T) {
	window := time.Minute
	base := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

	start := windowStart(base, window)
	if start != base.Unix() {
		t.Fatalf("windowStart = %d, want %d", start, base.Unix())
	}

	// Every instant inside the window maps to the same bucket.
	for _, offset := range []time.Duration{0, time.Second, 30 * time.Second, 59 * time.Second} {
		if got := windowStart(base.Add(offset), window); got != start {
			t.Fatalf("offset %v bucketed to %d, want %d", offset, got, start)
		}
	}

	// The next window is a fresh bucket.
	if got := windowStart(base.Add(time.Minute), window); got != start+60 {
		t.Fatalf("next window bucketed to %d, want %d", got, start+60)
	}

	// Sub-second windows clamp to one second rather than dividing by zero.
	if got := windowStart(base, 100*time.Millisecond); got != base.Unix() {
		t.Fatalf("clamped windowStart = %d, want %d", got, base.Unix())
	}
}

func TestLimiterBackendsAgree(t *testing.T) {
	db := setupTestDB(t)

	backends := map[string]Limiter{
		"store":  NewStoreLimiter(db),
		"memory": NewMemoryLimiter(),
	}

	for name, limiter := range backends {
		t.Run(name, func(t *testing.T) {
			key := "checkin:user-" + name

			for i := 0; i < 5; i++ {
				decision, err := limiter.Allow(key, 5, time.Hour)
				if err != nil {
					t.Fatalf("Allow #%d returned error: %v", i+1, err)
				}
				if !decision.OK {
					t.Fatalf("Allow #%d denied", i+1)
				}
				if decision.Remaining != int64(4-i) {
					t.Fatalf("Allow #%d remaining = %d, want %d", i+1, decision.Remaining, 4-i)
				}
			}

			decision, err := limiter.Allow(key, 5, time.Hour)
			if err != nil {
				t.Fatalf("Allow over limit returned error: %v", err)
			}
			if decision.OK {
				t.Fatal("sixth call allowed past a limit of 5")
			}
			if decision.Remaining != 0 {
				t.Fatalf("denied remaining = %d, want 0", decision.Remaining)
			}
			if decision.RetryAfterSeconds < 1 || decision.RetryAfterSeconds > 3600 {
				t.Fatalf("retry-after = %d, want within the hour window", decision.RetryAfterSeconds)
			}
		})
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	db := setupTestDB(t)
	limiter := NewStoreLimiter(db)

	if decision, _ := limiter.Allow("checkin:user-1", 1, time.Hour); !decision.OK {
		t.Fatal("first key denied on first call")
	}
	if decision, _ := limiter.Allow("checkin:user-1", 1, time.Hour); decision.OK {
		t.Fatal("first key allowed past its limit")
	}
	if decision, _ := limiter.Allow("checkin:user-2", 1, time.Hour); !decision.OK {
		t.Fatal("second key throttled by the first key's counter")
	}
}

func TestMemoryLimiterEvictsStaleBuckets(t *testing.T) {
	limiter := NewMemoryLimiter()
	limiter.buckets["stale:user-1"] = &memoryBucket{
		windowStart: time.Now().Add(-2 * time.Hour).Unix(),
		expires:     time.Now().Add(-time.Hour).Unix(),
		count:       9,
	}
	limiter.lastSweep = time.Now().Add(-2 * memorySweepInterval)

	if _, err := limiter.Allow("fresh:user-1", 5, time.Hour); err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}

	if _, ok := limiter.buckets["stale:user-1"]; ok {
		t.Fatal("stale bucket survived the sweep")
	}
	if _, ok := limiter.buckets["fresh:user-1"]; !ok {
		t.Fatal("live bucket missing after the sweep")
	}
}

func TestStoreLimiterSweepExpired(t *testing.T) {
	db := setupTestDB(t)
	limiter := NewStoreLimiter(db)

	db.Create(&models.RateLimitWindow{
		Key:         "stale:user-1",
		WindowStart: time.Now().Add(-2 * time.Hour).Unix(),
		Count:       9,
		ExpiresAt:   time.Now().Add(-time.Hour),
	})
	if _, err := limiter.Allow("fresh:user-1", 5, time.Hour); err != nil {
		t.Fatalf("Allow returned error: %v", err)
	}

	swept, err := limiter.SweepExpired()
	if err != nil {
		t.Fatalf("SweepExpired returned error: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1", swept)
	}

	var remaining int64
	db.Model(&models.RateLimitWindow{}).Count(&remaining)
	if remaining != 1 {
		t.Fatalf("rows after sweep = %d, want 1", remaining)
	}
}
