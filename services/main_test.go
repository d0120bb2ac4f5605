package services

import (
	"fmt"
	"sync/atomic"
	"testing"

	"recovery-engine/models"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var testDBCounter int64

// setupTestDB opens a fresh in-memory database per test and migrates the
// full schema.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	n := atomic.AddInt64(&testDBCounter, 1)
	dsn := fmt.Sprintf("file:enginetest%d?mode=memory&cache=shared", n)
	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	if err := gdb.AutoMigrate(
		&models.UserProgress{},
		&models.Ritual{},
		&models.RitualAssignment{},
		&models.NoContactStatus{},
		&models.NoContactTransition{},
		&models.BadgeType{},
		&models.UserBadge{},
		&models.PendingBadgeEvaluation{},
		&models.UsageQuota{},
		&models.QuotaTopUp{},
		&models.RewardTransaction{},
		&models.RateLimitWindow{},
	); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		sqlDB, err := gdb.DB()
		if err == nil {
			sqlDB.Close()
		}
	})
	return gdb
}

// newTestStack wires the usual service graph on one test database.
func newTestStack(t *testing.T) (*gorm.DB, *ProgressionService, *BadgeService, *NoContactService, *RitualService, *QuotaService) {
	t.Helper()
	db := setupTestDB(t)
	progression := NewProgressionService(db)
	badges := NewBadgeService(db, progression)
	noContact := NewNoContactService(db, progression, badges)
	rituals := NewRitualService(db, progression, badges)
	quota := NewQuotaService(db, progression)
	return db, progression, badges, noContact, rituals, quota
}
