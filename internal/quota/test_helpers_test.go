package quota

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func mustVideoID(t *testing.T, value string) VideoID {
	t.Helper()
	id, err := NewVideoID(value)
	if err != nil {
		t.Fatalf("unexpected video id error: %v", err)
	}
	return id
}

func mustViewerID(t *testing.T, value string) ViewerID {
	t.Helper()
	id, err := NewViewerID(value)
	if err != nil {
		t.Fatalf("unexpected viewer id error: %v", err)
	}
	return id
}

func floatPtr(value float64) *float64 {
	return &value
}

func intPtr(value int) *int {
	return &value
}

func newTestLedger(t *testing.T) (*Ledger, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:playguard_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Video{}, &Organization{}, &PlatformSettings{}, &PlayState{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }
	ledger, err := NewLedger(LedgerConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	return ledger, db
}

func seedOrganization(t *testing.T, db *gorm.DB, org Organization) {
	t.Helper()
	if err := db.Create(&org).Error; err != nil {
		t.Fatalf("failed to seed organization: %v", err)
	}
}

func seedVideo(t *testing.T, db *gorm.DB, video Video) {
	t.Helper()
	if video.CreatedAtSeconds == 0 {
		video.CreatedAtSeconds = 1700000000
	}
	if video.UpdatedAtSeconds == 0 {
		video.UpdatedAtSeconds = 1700000000
	}
	if err := db.Create(&video).Error; err != nil {
		t.Fatalf("failed to seed video: %v", err)
	}
}

func seedPlatformSettings(t *testing.T, db *gorm.DB, multiplier float64, watermarkMins int) {
	t.Helper()
	settings := PlatformSettings{
		ID:                            PlatformSettingsID,
		DefaultMaxWatchTimeMultiplier: multiplier,
		DefaultWatermarkIntervalMins:  watermarkMins,
	}
	if err := db.Create(&settings).Error; err != nil {
		t.Fatalf("failed to seed platform settings: %v", err)
	}
}
