package editor

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/teasync/internal/apitest"
	"github.com/MarcoPoloResearchLab/teasync/internal/cache"
	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
	"github.com/MarcoPoloResearchLab/teasync/internal/database"
	"github.com/MarcoPoloResearchLab/teasync/internal/notify"
	"github.com/MarcoPoloResearchLab/teasync/internal/queue"
	"github.com/MarcoPoloResearchLab/teasync/internal/syncer"
	"go.uber.org/zap"
)

type editorHarness struct {
	api     *apitest.Server
	network *apitest.NetworkSwitch
	store   database.Store
	queue   *queue.Queue
	cache   *cache.Store
	feed    *notify.Feed
	editor  *Editor
}

func newEditorHarness(t *testing.T) *editorHarness {
	t.Helper()
	server := apitest.NewServer(t)
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "editor.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		t.Cleanup(func() { _ = sqlDB.Close() })
	}
	store, err := database.NewSQLStore(db, nil)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	q, err := queue.New(queue.Config{Store: store, IDProvider: queue.NewSequenceProvider()})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	entities := cache.NewStore(nil)
	network := apitest.NewNetworkSwitch(server.Client(t, nil))
	orchestrator, err := syncer.New(syncer.Config{Requester: network, Store: store, Queue: q, Cache: entities})
	if err != nil {
		t.Fatalf("failed to build syncer: %v", err)
	}
	feed := notify.NewFeed(16)
	editor, err := New(Config{
		Requester: network,
		Store:     store,
		Queue:     q,
		Cache:     entities,
		Uploader:  orchestrator,
		Notifier:  feed,
	})
	if err != nil {
		t.Fatalf("failed to build editor: %v", err)
	}
	return &editorHarness{api: server, network: network, store: store, queue: q, cache: entities, feed: feed, editor: editor}
}

// seedTea stores the tea on the fake server and in the cache.
func (h *editorHarness) seedTea(t *testing.T, tea catalog.Tea) {
	t.Helper()
	h.api.Seed(catalog.KindTea, tea)
	if err := h.cache.Teas.Add(tea); err != nil {
		t.Fatalf("cache add failed: %v", err)
	}
}

func (h *editorHarness) lastNotification(t *testing.T) notify.Notification {
	t.Helper()
	notifications := h.feed.Drain()
	if len(notifications) == 0 {
		t.Fatalf("expected a notification")
	}
	return notifications[len(notifications)-1]
}

func TestCreateTeaUploadsImmediately(t *testing.T) {
	h := newEditorHarness(t)
	ctx := context.Background()

	id, err := h.editor.CreateTea(ctx, catalog.Tea{Name: "Dragonwell", Category: 1})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !id.IsServer() {
		t.Fatalf("expected a server id, got %s", id)
	}
	notification := h.lastNotification(t)
	if notification.Type != notify.TypeSuccess || notification.Data != "Tea successfully created." {
		t.Fatalf("unexpected notification %#v", notification)
	}
	pending, _ := queue.Pending[catalog.Tea](ctx, h.queue, catalog.KindTea)
	if len(pending) != 0 {
		t.Fatalf("queue should be empty, got %d", len(pending))
	}
	teas := h.cache.Teas.Items()
	if len(teas) != 1 || teas[0].ID != id {
		t.Fatalf("unexpected cache %#v", teas)
	}
}

func TestCreateTeaOfflineSavesLocally(t *testing.T) {
	h := newEditorHarness(t)
	ctx := context.Background()
	h.network.SetOffline(true)

	id, err := h.editor.CreateTea(ctx, catalog.Tea{Name: "Dragonwell", Category: 1})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if id.String() != "off-1" {
		t.Fatalf("expected off-1, got %s", id)
	}
	notification := h.lastNotification(t)
	if notification.Type != notify.TypeWarning || notification.Data != "Network error, tea saved locally." {
		t.Fatalf("unexpected notification %#v", notification)
	}
	if found, _ := h.queue.Contains(ctx, catalog.KindTea, id); !found {
		t.Fatalf("tea should be queued")
	}
	if tea, ok := h.cache.Teas.Get(id); !ok || tea.Name != "Dragonwell" {
		t.Fatalf("tea should be cached under its offline id")
	}
}

func TestCreateTeaRejectsInvalidRecord(t *testing.T) {
	h := newEditorHarness(t)
	_, err := h.editor.CreateTea(context.Background(), catalog.Tea{Category: 1})
	if !errors.Is(err, catalog.ErrInvalidRecord) {
		t.Fatalf("expected invalid record, got %v", err)
	}
	if notification := h.lastNotification(t); notification.Type != notify.TypeError {
		t.Fatalf("expected ERROR, got %#v", notification)
	}
	if len(h.api.Requests()) != 0 || h.cache.Teas.Len() != 0 {
		t.Fatalf("invalid tea must not be stored or sent")
	}
}

func TestCreateTeaRegistersAdHocVendor(t *testing.T) {
	h := newEditorHarness(t)
	ctx := context.Background()

	id, err := h.editor.CreateTea(ctx, catalog.Tea{
		Name:     "Jingmai",
		Category: 3,
		Vendor:   &catalog.Vendor{Name: "Farmer Leaf"},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if vendors := h.api.Records(catalog.KindVendor); len(vendors) != 1 {
		t.Fatalf("expected one vendor on the server, got %d", len(vendors))
	}
	tea, ok := h.cache.Teas.Get(id)
	if !ok || tea.Vendor == nil || !tea.Vendor.ID.IsServer() {
		t.Fatalf("tea should reference the server vendor, got %#v", tea)
	}
	vendors := h.cache.Vendors.Items()
	if len(vendors) != 1 || vendors[0].ID != tea.Vendor.ID {
		t.Fatalf("cached vendor should be promoted, got %#v", vendors)
	}
}

func TestCreateTeaOfflineQueuesAdHocSubcategory(t *testing.T) {
	h := newEditorHarness(t)
	ctx := context.Background()
	h.network.SetOffline(true)

	id, err := h.editor.CreateTea(ctx, catalog.Tea{
		Name:        "Jingmai",
		Category:    3,
		Subcategory: &catalog.Subcategory{Name: "Sheng Puerh"},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	subcategories, _ := queue.Pending[catalog.Subcategory](ctx, h.queue, catalog.KindSubcategory)
	if len(subcategories) != 1 || subcategories[0].Name != "Sheng Puerh" {
		t.Fatalf("expected queued subcategory, got %#v", subcategories)
	}
	tea, _ := h.cache.Teas.Get(id)
	if tea.Subcategory == nil || tea.Subcategory.ID != subcategories[0].ID {
		t.Fatalf("tea should point at the offline subcategory, got %#v", tea.Subcategory)
	}

	again, err := h.editor.CreateTea(ctx, catalog.Tea{
		Name:        "Bulang",
		Category:    3,
		Subcategory: &catalog.Subcategory{Name: "sheng puerh"},
	})
	if err != nil {
		t.Fatalf("second create failed: %v", err)
	}
	subcategories, _ = queue.Pending[catalog.Subcategory](ctx, h.queue, catalog.KindSubcategory)
	if len(subcategories) != 1 {
		t.Fatalf("known name must not be queued twice, got %d", len(subcategories))
	}
	second, _ := h.cache.Teas.Get(again)
	if second.Subcategory == nil || second.Subcategory.ID != subcategories[0].ID {
		t.Fatalf("second tea should reuse the queued subcategory")
	}
}

func TestRateRevertsOnFailedPut(t *testing.T) {
	h := newEditorHarness(t)
	ctx := context.Background()
	id := mustServerID(t, 42)
	h.seedTea(t, catalog.Tea{ID: id, Name: "Longjing", Category: 2, Rating: 6})
	h.api.Fail(http.MethodPut, "/tea/42/", http.StatusInternalServerError)
	gate := h.api.Hold(http.MethodPut, "/tea/42/")

	done := make(chan error, 1)
	go func() {
		_, err := h.editor.Rate(ctx, id, 4.5)
		done <- err
	}()
	select {
	case <-gate.Arrived():
	case <-time.After(5 * time.Second):
		t.Fatalf("PUT never reached the server")
	}
	if tea, _ := h.cache.Teas.Get(id); tea.Rating != 9 {
		t.Fatalf("expected optimistic rating 9, got %d", tea.Rating)
	}
	gate.Release()

	if err := <-done; err == nil {
		t.Fatalf("expected the failed PUT to surface")
	}
	if tea, _ := h.cache.Teas.Get(id); tea.Rating != 6 {
		t.Fatalf("expected rating reverted to 6, got %d", tea.Rating)
	}
	notification := h.lastNotification(t)
	if notification.Type != notify.TypeError {
		t.Fatalf("expected ERROR notification, got %#v", notification)
	}
	if h.api.RequestCount(http.MethodPut, "/tea/42/") != 1 {
		t.Fatalf("expected one PUT /tea/42/")
	}
}

func TestRateReconcilesWithServer(t *testing.T) {
	h := newEditorHarness(t)
	ctx := context.Background()
	id := mustServerID(t, 42)
	h.seedTea(t, catalog.Tea{ID: id, Name: "Longjing", Category: 2, Rating: 6, Image: "https://img/42.jpg"})

	tea, err := h.editor.Rate(ctx, id, 4.5)
	if err != nil {
		t.Fatalf("rate failed: %v", err)
	}
	if tea.Rating != 9 || tea.Rating.Stars() != 4.5 {
		t.Fatalf("unexpected rating %d", tea.Rating)
	}
	records := h.api.Records(catalog.KindTea)
	if len(records) != 1 || records[0]["rating"] != float64(9) {
		t.Fatalf("server should hold rating 9, got %#v", records)
	}
	if records[0]["image"] != "https://img/42.jpg" {
		t.Fatalf("image must not be overwritten on update")
	}
	var mirrored []catalog.Tea
	if _, err := database.LoadJSON(ctx, h.store, catalog.KindTea.SnapshotKey(), &mirrored); err != nil {
		t.Fatalf("load mirror failed: %v", err)
	}
	if len(mirrored) != 1 || mirrored[0].Rating != 9 {
		t.Fatalf("mirror should hold the new rating, got %#v", mirrored)
	}
}

func TestRateRejectsInvalidStars(t *testing.T) {
	h := newEditorHarness(t)
	id := mustServerID(t, 42)
	h.seedTea(t, catalog.Tea{ID: id, Name: "Longjing", Category: 2, Rating: 6})

	if _, err := h.editor.Rate(context.Background(), id, 4.3); !errors.Is(err, catalog.ErrInvalidRating) {
		t.Fatalf("expected invalid rating, got %v", err)
	}
	if len(h.api.Requests()) != 0 {
		t.Fatalf("invalid rating must not be sent")
	}
}

func TestDeleteOfflineTeaMakesNoRequests(t *testing.T) {
	h := newEditorHarness(t)
	ctx := context.Background()
	h.network.SetOffline(true)
	id, err := h.editor.CreateTea(ctx, catalog.Tea{Name: "Dragonwell", Category: 1})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	h.network.SetOffline(false)
	h.api.ResetRequests()

	if err := h.editor.Delete(ctx, catalog.KindTea, id); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if requests := h.api.Requests(); len(requests) != 0 {
		t.Fatalf("expected no requests, got %#v", requests)
	}
	if found, _ := h.queue.Contains(ctx, catalog.KindTea, id); found {
		t.Fatalf("tea should leave the queue")
	}
	if h.cache.Teas.Len() != 0 {
		t.Fatalf("tea should leave the cache")
	}
}

func TestDeleteServerTeaRestoresOnFailure(t *testing.T) {
	h := newEditorHarness(t)
	ctx := context.Background()
	for index, name := range []string{"Longjing", "Sencha", "Gyokuro"} {
		h.seedTea(t, catalog.Tea{ID: mustServerID(t, int64(index+1)), Name: name, Category: 2})
	}
	h.api.Fail(http.MethodDelete, "/tea/2/", http.StatusInternalServerError)
	gate := h.api.Hold(http.MethodDelete, "/tea/2/")

	done := make(chan error, 1)
	go func() { done <- h.editor.Delete(ctx, catalog.KindTea, mustServerID(t, 2)) }()
	select {
	case <-gate.Arrived():
	case <-time.After(5 * time.Second):
		t.Fatalf("DELETE never reached the server")
	}
	if h.cache.Contains(catalog.KindTea, mustServerID(t, 2)) {
		t.Fatalf("tea should be removed while the request is in flight")
	}
	gate.Release()

	if err := <-done; err == nil {
		t.Fatalf("expected delete failure")
	}
	teas := h.cache.Teas.Items()
	if len(teas) != 3 || teas[1].Name != "Sencha" {
		t.Fatalf("tea should be restored at its position, got %#v", teas)
	}
	if notification := h.lastNotification(t); notification.Type != notify.TypeError {
		t.Fatalf("expected ERROR, got %#v", notification)
	}
}

func TestDeleteServerTeaUpdatesMirror(t *testing.T) {
	h := newEditorHarness(t)
	ctx := context.Background()
	id := mustServerID(t, 7)
	h.seedTea(t, catalog.Tea{ID: id, Name: "Longjing", Category: 2})

	if err := h.editor.Delete(ctx, catalog.KindTea, id); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if len(h.api.Records(catalog.KindTea)) != 0 {
		t.Fatalf("server should no longer hold the tea")
	}
	var mirrored []catalog.Tea
	if _, err := database.LoadJSON(ctx, h.store, catalog.KindTea.SnapshotKey(), &mirrored); err != nil {
		t.Fatalf("load mirror failed: %v", err)
	}
	if len(mirrored) != 0 {
		t.Fatalf("mirror should be empty, got %#v", mirrored)
	}
	if notification := h.lastNotification(t); notification.Type != notify.TypeSuccess {
		t.Fatalf("expected SUCCESS, got %#v", notification)
	}
}

func TestDeleteRejectsCategories(t *testing.T) {
	h := newEditorHarness(t)
	if err := h.editor.Delete(context.Background(), catalog.KindCategory, mustServerID(t, 1)); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestEditOfflineTeaFoldsIntoQueue(t *testing.T) {
	h := newEditorHarness(t)
	ctx := context.Background()
	h.network.SetOffline(true)
	id, err := h.editor.CreateTea(ctx, catalog.Tea{Name: "Dragonwel", Category: 1})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	h.network.SetOffline(false)
	h.api.ResetRequests()

	if _, err := h.editor.EditTea(ctx, id, catalog.Tea{Name: "Dragonwell", Category: 1}, "Tea updated."); err != nil {
		t.Fatalf("edit failed: %v", err)
	}
	if len(h.api.Requests()) != 0 {
		t.Fatalf("offline edit must not reach the network")
	}
	pending, _ := queue.Pending[catalog.Tea](ctx, h.queue, catalog.KindTea)
	if len(pending) != 1 || pending[0].ID != id || pending[0].Name != "Dragonwell" {
		t.Fatalf("queued payload should carry the edit, got %#v", pending)
	}
	if tea, _ := h.cache.Teas.Get(id); tea.Name != "Dragonwell" {
		t.Fatalf("cache should carry the edit, got %q", tea.Name)
	}
}

func TestEditsToSameTeaAreSerialized(t *testing.T) {
	h := newEditorHarness(t)
	ctx := context.Background()
	id := mustServerID(t, 5)
	other := mustServerID(t, 6)
	h.seedTea(t, catalog.Tea{ID: id, Name: "Longjing", Category: 2})
	h.seedTea(t, catalog.Tea{ID: other, Name: "Sencha", Category: 2})
	gate := h.api.Hold(http.MethodPut, "/tea/5/")

	first := make(chan error, 1)
	go func() {
		_, err := h.editor.EditTea(ctx, id, catalog.Tea{Name: "First", Category: 2}, "")
		first <- err
	}()
	select {
	case <-gate.Arrived():
	case <-time.After(5 * time.Second):
		t.Fatalf("first PUT never reached the server")
	}
	second := make(chan error, 1)
	go func() {
		_, err := h.editor.EditTea(ctx, id, catalog.Tea{Name: "Second", Category: 2}, "")
		second <- err
	}()

	if _, err := h.editor.EditTea(ctx, other, catalog.Tea{Name: "Sencha Asamushi", Category: 2}, ""); err != nil {
		t.Fatalf("edit of another tea should not wait: %v", err)
	}
	if count := h.api.RequestCount(http.MethodPut, "/tea/5/"); count != 1 {
		t.Fatalf("second edit must wait for the first, got %d PUTs", count)
	}

	gate.Release()
	if err := <-first; err != nil {
		t.Fatalf("first edit failed: %v", err)
	}
	if err := <-second; err != nil {
		t.Fatalf("second edit failed: %v", err)
	}
	if count := h.api.RequestCount(http.MethodPut, "/tea/5/"); count != 2 {
		t.Fatalf("both PUTs must be issued, got %d", count)
	}
	if tea, _ := h.cache.Teas.Get(id); tea.Name != "Second" {
		t.Fatalf("last edit should win, got %q", tea.Name)
	}
}

func TestKeyedLockReleasesEntries(t *testing.T) {
	locks := newKeyedLock()
	unlock := locks.Lock("tea:1")
	unlockOther := locks.Lock("tea:2")
	unlock()
	unlockOther()
	if len(locks.locks) != 0 {
		t.Fatalf("expected no retained entries, got %d", len(locks.locks))
	}
}

func mustServerID(t *testing.T, value int64) catalog.ID {
	t.Helper()
	id, err := catalog.NewServerID(value)
	if err != nil {
		t.Fatalf("invalid id: %v", err)
	}
	return id
}
