package database

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const migrationRenameLegacyQueueKeys = "2026-10-01_rename_legacy_queue_keys"

// legacyQueueKeys maps the plural queue keys written by earlier clients, which
// stored bare records, onto the current per-kind queue keys holding entries.
var legacyQueueKeys = map[string]string{
	"offline-teas":     "offline-tea",
	"offline-sessions": "offline-session",
}

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRenameLegacyQueueKeys, apply: renameLegacyQueueKeys},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

type legacyEntry struct {
	Kind      string          `json:"kind,omitempty"`
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedOn time.Time       `json:"created_on"`
}

func renameLegacyQueueKeys(tx *gorm.DB) error {
	now := time.Now().UTC()
	for legacyKey, currentKey := range legacyQueueKeys {
		var legacy Item
		err := tx.Where("item_key = ?", legacyKey).Take(&legacy).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return err
		}

		var records []json.RawMessage
		if err := json.Unmarshal(legacy.Value, &records); err != nil {
			return fmt.Errorf("decode legacy queue %s: %w", legacyKey, err)
		}

		var entries []legacyEntry
		var current Item
		err = tx.Where("item_key = ?", currentKey).Take(&current).Error
		switch {
		case err == nil:
			if err := json.Unmarshal(current.Value, &entries); err != nil {
				return fmt.Errorf("decode queue %s: %w", currentKey, err)
			}
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		for index, record := range records {
			entries = append(entries, legacyEntry{
				Kind: strings.TrimPrefix(currentKey, "offline-"),
				ID:        fmt.Sprintf("off-legacy-%d-%d", now.Unix(), index+1),
				Payload:   record,
				CreatedOn: now,
			})
		}

		encoded, err := json.Marshal(entries)
		if err != nil {
			return err
		}
		if err := tx.Save(&Item{Key: currentKey, Value: datatypes.JSON(encoded), UpdatedAtSeconds: now.Unix()}).Error; err != nil {
			return err
		}
		if err := tx.Where("item_key = ?", legacyKey).Delete(&Item{}).Error; err != nil {
			return err
		}
	}
	return nil
}
