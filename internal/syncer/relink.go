package syncer

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/teasync/internal/cache"
	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
	"github.com/MarcoPoloResearchLab/teasync/internal/database"
	"github.com/MarcoPoloResearchLab/teasync/internal/queue"
)

// teaPromoted points sessions referencing the offline tea at its server id.
func (o *Orchestrator) teaPromoted(ctx context.Context, promotion Promotion) error {
	relink := func(session catalog.Session) (catalog.Session, bool) {
		return session.Relink(promotion.From, promotion.To)
	}
	return errors.Join(
		relinkQueued(ctx, o.queue, catalog.KindSession, relink),
		relinkCached(ctx, o.store, o.cache.Sessions, relink),
	)
}

func (o *Orchestrator) sessionPromoted(ctx context.Context, promotion Promotion) error {
	if o.clocks == nil {
		return nil
	}
	return o.clocks.Rekey(ctx, promotion.From, promotion.To)
}

func (o *Orchestrator) subcategoryPromoted(ctx context.Context, promotion Promotion) error {
	relink := func(tea catalog.Tea) (catalog.Tea, bool) {
		return tea.RelinkSubcategory(promotion.From, promotion.To)
	}
	return errors.Join(
		relinkQueued(ctx, o.queue, catalog.KindTea, relink),
		relinkCached(ctx, o.store, o.cache.Teas, relink),
	)
}

func (o *Orchestrator) vendorPromoted(ctx context.Context, promotion Promotion) error {
	relink := func(tea catalog.Tea) (catalog.Tea, bool) {
		return tea.RelinkVendor(promotion.From, promotion.To)
	}
	return errors.Join(
		relinkQueued(ctx, o.queue, catalog.KindTea, relink),
		relinkCached(ctx, o.store, o.cache.Teas, relink),
	)
}

func relinkQueued[T catalog.Record[T]](ctx context.Context, q *queue.Queue, kind catalog.Kind, relink func(T) (T, bool)) error {
	entries, err := q.Drain(ctx, kind)
	if err != nil {
		return err
	}
	var errs []error
	for _, entry := range entries {
		record, err := queue.Decode[T](entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		relinked, changed := relink(record)
		if !changed {
			continue
		}
		if err := queue.Replace(ctx, q, kind, entry.ID, relinked); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// relinkCached rewrites cached records and mirrors the collection when any changed.
func relinkCached[T catalog.Record[T]](ctx context.Context, store database.Store, collection *cache.Collection[T], relink func(T) (T, bool)) error {
	var errs []error
	edited := false
	for _, record := range collection.Items() {
		relinked, changed := relink(record)
		if !changed {
			continue
		}
		if err := collection.Edit(relinked); err != nil {
			errs = append(errs, err)
			continue
		}
		edited = true
	}
	if edited {
		errs = append(errs, cache.Mirror(ctx, store, collection))
	}
	return errors.Join(errs...)
}
