package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
	"github.com/MarcoPoloResearchLab/teasync/internal/database"
)

// Store is the application-owned entity cache: one collection per kind and a
// shared change dispatcher.
type Store struct {
	Teas          *Collection[catalog.Tea]
	Sessions      *Collection[catalog.Session]
	Categories    *Collection[catalog.Category]
	Subcategories *Collection[catalog.Subcategory]
	Vendors       *Collection[catalog.Vendor]

	dispatcher *Dispatcher
}

// NewStore constructs an empty cache.
func NewStore(clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	dispatcher := NewDispatcher()
	return &Store{
		Teas:          newCollection[catalog.Tea](catalog.KindTea, dispatcher, clock),
		Sessions:      newCollection[catalog.Session](catalog.KindSession, dispatcher, clock),
		Categories:    newCollection[catalog.Category](catalog.KindCategory, dispatcher, clock),
		Subcategories: newCollection[catalog.Subcategory](catalog.KindSubcategory, dispatcher, clock),
		Vendors:       newCollection[catalog.Vendor](catalog.KindVendor, dispatcher, clock),
		dispatcher:    dispatcher,
	}
}

func (s *Store) Dispatcher() *Dispatcher {
	return s.dispatcher
}

// Snapshot returns the current list of kind.
func (s *Store) Snapshot(kind catalog.Kind) (any, error) {
	switch kind {
	case catalog.KindTea:
		return s.Teas.Items(), nil
	case catalog.KindSession:
		return s.Sessions.Items(), nil
	case catalog.KindCategory:
		return s.Categories.Items(), nil
	case catalog.KindSubcategory:
		return s.Subcategories.Items(), nil
	case catalog.KindVendor:
		return s.Vendors.Items(), nil
	default:
		return nil, fmt.Errorf("%w: %d", catalog.ErrUnknownKind, int(kind))
	}
}

// Contains reports whether a record of kind with id is cached.
func (s *Store) Contains(kind catalog.Kind, id catalog.ID) bool {
	switch kind {
	case catalog.KindTea:
		return s.Teas.IndexOf(id) >= 0
	case catalog.KindSession:
		return s.Sessions.IndexOf(id) >= 0
	case catalog.KindCategory:
		return s.Categories.IndexOf(id) >= 0
	case catalog.KindSubcategory:
		return s.Subcategories.IndexOf(id) >= 0
	case catalog.KindVendor:
		return s.Vendors.IndexOf(id) >= 0
	default:
		return false
	}
}

// Reset clears every collection, used on logout.
func (s *Store) Reset() error {
	return errors.Join(
		s.Teas.Clear(),
		s.Sessions.Clear(),
		s.Categories.Clear(),
		s.Subcategories.Clear(),
		s.Vendors.Clear(),
	)
}

// Mirror writes the server records of collection to the local store under the
// kind's plural key. Offline records live in the queue, not in the mirror.
func Mirror[T catalog.Record[T]](ctx context.Context, store database.Store, collection *Collection[T]) error {
	items := collection.Items()
	server := make([]T, 0, len(items))
	for _, item := range items {
		if item.EntityID().IsServer() {
			server = append(server, item)
		}
	}
	return database.SaveJSON(ctx, store, collection.Kind().SnapshotKey(), server)
}

// Seed rebuilds collection from the local store: pending records first, then
// mirrored server records not shadowed by a pending one.
func Seed[T catalog.Record[T]](ctx context.Context, store database.Store, collection *Collection[T], pending []T) error {
	mirrored := make([]T, 0)
	if _, err := database.LoadJSON(ctx, store, collection.Kind().SnapshotKey(), &mirrored); err != nil {
		return err
	}
	return collection.Set(Overlay(pending, mirrored))
}
