package database

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestSQLStoreSetGetRemove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, found, err := store.GetItem(ctx, "teas"); err != nil || found {
		t.Fatalf("expected missing key, found=%v err=%v", found, err)
	}

	if err := store.SetItem(ctx, "teas", []byte(`[{"id":1}]`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := store.SetItem(ctx, "teas", []byte(`[{"id":2}]`)); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}

	value, found, err := store.GetItem(ctx, "teas")
	if err != nil || !found {
		t.Fatalf("expected stored key, found=%v err=%v", found, err)
	}
	if string(value) != `[{"id":2}]` {
		t.Fatalf("unexpected value %s", value)
	}

	keys, err := store.Keys(ctx)
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 1 || keys[0] != "teas" {
		t.Fatalf("unexpected keys %v", keys)
	}

	if err := store.RemoveItem(ctx, "teas"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, found, _ := store.GetItem(ctx, "teas"); found {
		t.Fatalf("expected key to be removed")
	}
}

func TestSQLStoreRejectsInvalidInput(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.SetItem(ctx, " ", []byte(`{}`)); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("expected invalid key error, got %v", err)
	}
	if err := store.SetItem(ctx, "teas", []byte(`{not json`)); err == nil {
		t.Fatalf("expected invalid json to be rejected")
	}
}

func TestJSONHelpersSurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	ctx := context.Background()

	first := openStoreAt(t, path)
	if err := SaveJSON(ctx, first, "vendors", []map[string]any{{"id": 3, "name": "Yunnan Sourcing"}}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	second := openStoreAt(t, path)
	var vendors []struct {
		ID   int    `json:"id"`
		Name string `json:"name"`
	}
	found, err := LoadJSON(ctx, second, "vendors", &vendors)
	if err != nil || !found {
		t.Fatalf("expected vendors after reopen, found=%v err=%v", found, err)
	}
	if len(vendors) != 1 || vendors[0].Name != "Yunnan Sourcing" {
		t.Fatalf("unexpected vendors %#v", vendors)
	}
}

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	return openStoreAt(t, filepath.Join(t.TempDir(), "store.db"))
}

func openStoreAt(t *testing.T, path string) *SQLStore {
	t.Helper()
	db, err := OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })
	store, err := NewSQLStore(db, func() time.Time { return time.Unix(1700000000, 0) })
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}
