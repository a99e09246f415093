package cache

import (
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
)

// Collection is the ordered in-memory list of one kind.
type Collection[T catalog.Record[T]] struct {
	kind       catalog.Kind
	dispatcher *Dispatcher
	clock      func() time.Time

	mu    sync.RWMutex
	items []T
}

func newCollection[T catalog.Record[T]](kind catalog.Kind, dispatcher *Dispatcher, clock func() time.Time) *Collection[T] {
	return &Collection[T]{kind: kind, dispatcher: dispatcher, clock: clock, items: []T{}}
}

func (c *Collection[T]) Kind() catalog.Kind {
	return c.kind
}

// Dispatch applies action and publishes the resulting change.
func (c *Collection[T]) Dispatch(action Action[T]) error {
	c.mu.Lock()
	next, err := Reduce(c.items, action)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	ids := action.touched(c.items)
	if action.Type == ActionSet {
		ids = append(ids, action.touched(next)...)
	}
	c.items = next
	c.mu.Unlock()

	c.dispatcher.Publish(Change{
		Kind:   c.kind,
		Action: action.Type,
		IDs:    dedupe(ids),
		At:     c.clock().UTC(),
	})
	return nil
}

func (c *Collection[T]) Clear() error {
	return c.Dispatch(Action[T]{Type: ActionClear})
}

func (c *Collection[T]) Set(items []T) error {
	return c.Dispatch(Action[T]{Type: ActionSet, Items: items})
}

func (c *Collection[T]) Add(item T) error {
	return c.Dispatch(Action[T]{Type: ActionAdd, Item: item})
}

func (c *Collection[T]) Edit(item T) error {
	return c.Dispatch(Action[T]{Type: ActionEdit, Item: item})
}

// EditID moves item to a new identifier in place.
func (c *Collection[T]) EditID(item T, id catalog.ID) error {
	return c.Dispatch(Action[T]{Type: ActionEditID, Item: item, ID: id})
}

func (c *Collection[T]) Delete(id catalog.ID) error {
	return c.Dispatch(Action[T]{Type: ActionDelete, ID: id})
}

// Insert places item at index, used to restore a record at its previous position.
func (c *Collection[T]) Insert(index int, item T) error {
	return c.Dispatch(Action[T]{Type: ActionInsert, Item: item, Index: index})
}

// Items returns a copy of the current list.
func (c *Collection[T]) Items() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]T{}, c.items...)
}

func (c *Collection[T]) Get(id catalog.ID) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, item := range c.items {
		if item.EntityID() == id {
			return item, true
		}
	}
	var zero T
	return zero, false
}

// IndexOf returns the position of id, or -1.
func (c *Collection[T]) IndexOf(id catalog.ID) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for index, item := range c.items {
		if item.EntityID() == id {
			return index
		}
	}
	return -1
}

func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Pending returns the records still carrying offline identifiers.
func (c *Collection[T]) Pending() []T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	pending := make([]T, 0)
	for _, item := range c.items {
		if item.EntityID().IsOffline() {
			pending = append(pending, item)
		}
	}
	return pending
}

func dedupe(ids []catalog.ID) []catalog.ID {
	seen := make(map[catalog.ID]struct{}, len(ids))
	out := make([]catalog.ID, 0, len(ids))
	for _, id := range ids {
		if id.IsZero() {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
