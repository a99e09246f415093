package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrInvalidKey indicates an empty store key.
	ErrInvalidKey = errors.New("database: invalid key")
	errMissingDB  = errors.New("database: gorm handle is required")
)

// Store is the durable key-value mirror used to survive reloads.
type Store interface {
	GetItem(ctx context.Context, key string) ([]byte, bool, error)
	SetItem(ctx context.Context, key string, value []byte) error
	RemoveItem(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}

// Item is one stored key with its JSON value.
type Item struct {
	Key              string         `gorm:"column:item_key;primaryKey;size:190;not null"`
	Value            datatypes.JSON `gorm:"column:item_value;not null"`
	UpdatedAtSeconds int64          `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "kv_items"
}

// SQLStore implements Store on top of GORM.
type SQLStore struct {
	db    *gorm.DB
	clock func() time.Time
	mu    sync.Mutex
}

// NewSQLStore wraps an opened database handle.
func NewSQLStore(db *gorm.DB, clock func() time.Time) (*SQLStore, error) {
	if db == nil {
		return nil, errMissingDB
	}
	if clock == nil {
		clock = time.Now
	}
	return &SQLStore{db: db, clock: clock}, nil
}

func (s *SQLStore) GetItem(ctx context.Context, key string) ([]byte, bool, error) {
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	var item Item
	err := s.db.WithContext(ctx).Where("item_key = ?", key).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("database: get %s: %w", key, err)
	}
	return []byte(item.Value), true, nil
}

func (s *SQLStore) SetItem(ctx context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return fmt.Errorf("database: set %s: value is not valid json", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	item := Item{
		Key:              key,
		Value:            datatypes.JSON(value),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"item_value", "updated_at_s"}),
	}).Create(&item).Error
	if err != nil {
		return fmt.Errorf("database: set %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) RemoveItem(ctx context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.WithContext(ctx).Where("item_key = ?", key).Delete(&Item{}).Error; err != nil {
		return fmt.Errorf("database: remove %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	if err := s.db.WithContext(ctx).Model(&Item{}).Order("item_key ASC").Pluck("item_key", &keys).Error; err != nil {
		return nil, fmt.Errorf("database: list keys: %w", err)
	}
	return keys, nil
}

// LoadJSON decodes the value stored under key into target. It reports false when the key is absent.
func LoadJSON(ctx context.Context, store Store, key string, target any) (bool, error) {
	raw, found, err := store.GetItem(ctx, key)
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return false, fmt.Errorf("database: decode %s: %w", key, err)
	}
	return true, nil
}

// SaveJSON encodes value and stores it under key.
func SaveJSON(ctx context.Context, store Store, key string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("database: encode %s: %w", key, err)
	}
	return store.SetItem(ctx, key, encoded)
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}
