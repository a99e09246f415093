package editor

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/teasync/internal/cache"
	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
)

// command is one optimistic mutation of a cached record: the snapshot taken
// before it, the cache change applied right away and the request confirming it.
type command[T catalog.Record[T]] struct {
	collection *cache.Collection[T]
	id         catalog.ID
	snapshot   T
	existed    bool
	index      int

	apply   func() error
	request func(ctx context.Context) error
}

func newCommand[T catalog.Record[T]](collection *cache.Collection[T], id catalog.ID) *command[T] {
	snapshot, existed := collection.Get(id)
	return &command[T]{
		collection: collection,
		id:         id,
		snapshot:   snapshot,
		existed:    existed,
		index:      collection.IndexOf(id),
	}
}

// execute applies the change and sends the request, replaying the snapshot
// when the request fails.
func (c *command[T]) execute(ctx context.Context) error {
	if err := c.apply(); err != nil {
		return err
	}
	if err := c.request(ctx); err != nil {
		if rollbackErr := c.rollback(); rollbackErr != nil {
			return errors.Join(err, rollbackErr)
		}
		return err
	}
	return nil
}

func (c *command[T]) rollback() error {
	if !c.existed {
		return c.collection.Delete(c.id)
	}
	if c.collection.IndexOf(c.id) >= 0 {
		return c.collection.Edit(c.snapshot)
	}
	return c.collection.Insert(c.index, c.snapshot)
}
