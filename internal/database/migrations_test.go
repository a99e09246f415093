package database

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func TestApplyMigrationsConvertsLegacyQueueKeys(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&Item{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	legacy := Item{
		Key:              "offline-teas",
		Value:            datatypes.JSON(`[{"id":1,"name":"Dragonwell","category":1},{"id":2,"name":"Sencha","category":2}]`),
		UpdatedAtSeconds: 1700000000,
	}
	if err := database.Create(&legacy).Error; err != nil {
		testContext.Fatalf("failed to insert legacy queue: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining int64
	if err := database.Model(&Item{}).Where("item_key = ?", "offline-teas").Count(&remaining).Error; err != nil {
		testContext.Fatalf("failed to count legacy keys: %v", err)
	}
	if remaining != 0 {
		testContext.Fatalf("expected legacy key to be removed")
	}

	var converted Item
	if err := database.Where("item_key = ?", "offline-tea").Take(&converted).Error; err != nil {
		testContext.Fatalf("expected converted queue: %v", err)
	}
	var entries []legacyEntry
	if err := json.Unmarshal(converted.Value, &entries); err != nil {
		testContext.Fatalf("failed to decode converted queue: %v", err)
	}
	if len(entries) != 2 {
		testContext.Fatalf("expected 2 entries, got %d", len(entries))
	}
	for _, entry := range entries {
		if !strings.HasPrefix(entry.ID, "off-") {
			testContext.Fatalf("expected offline id, got %s", entry.ID)
		}
		if entry.Kind != "tea" {
			testContext.Fatalf("expected converted entry to carry its kind, got %q", entry.Kind)
		}
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationRenameLegacyQueueKeys).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}
