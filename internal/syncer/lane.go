package syncer

import (
	"context"
	"strings"

	"github.com/MarcoPoloResearchLab/teasync/internal/api"
	"github.com/MarcoPoloResearchLab/teasync/internal/cache"
	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
	"github.com/MarcoPoloResearchLab/teasync/internal/queue"
	"go.uber.org/zap"
)

type laneRunner interface {
	restore(ctx context.Context) error
	uploadOne(ctx context.Context, id catalog.ID) (Promotion, error)
}

// lane performs the per-kind steps of a cycle.
type lane[T catalog.Record[T]] struct {
	o          *Orchestrator
	kind       catalog.Kind
	collection *cache.Collection[T]
	// sameRecord matches a queued record against an existing server record so
	// ad hoc names already known to the server are not created twice.
	sameRecord   func(queued, existing T) bool
	afterPromote func(ctx context.Context, promotion Promotion) error
}

// upload posts every queued entry. Failed entries stay queued and never stop
// their siblings.
func (l *lane[T]) upload(ctx context.Context, out *outcome) {
	entries, err := l.o.queue.Drain(ctx, l.kind)
	if err != nil {
		l.o.logError(opUpload, "queue_read_failed", err, zap.String("kind", l.kind.String()))
		out.fail(l.kind, catalog.ID{}, newServiceError(opUpload, "queue_read_failed", err))
		return
	}
	if len(entries) == 0 {
		return
	}

	var known []T
	if l.sameRecord != nil {
		known, err = api.ListRecords[T](ctx, l.o.requester, l.kind)
		if err != nil {
			l.o.logError(opUpload, "list_failed", err, zap.String("kind", l.kind.String()))
			out.fail(l.kind, catalog.ID{}, newServiceError(opUpload, "list_failed", err))
			return
		}
	}

	for _, entry := range entries {
		if out.sessionExpired() {
			return
		}
		promotion, err := l.uploadEntry(ctx, entry.ID, known)
		if err != nil {
			out.fail(l.kind, entry.ID, err)
			continue
		}
		if promotion.To.IsZero() {
			continue
		}
		out.promotions = append(out.promotions, promotion)
	}
}

func (l *lane[T]) uploadOne(ctx context.Context, id catalog.ID) (Promotion, error) {
	return l.uploadEntry(ctx, id, nil)
}

func (l *lane[T]) uploadEntry(ctx context.Context, id catalog.ID, known []T) (Promotion, error) {
	l.o.uploadMu.Lock()
	defer l.o.uploadMu.Unlock()

	fields := []zap.Field{zap.String("kind", l.kind.String()), zap.String("id", id.String())}

	entries, err := l.o.queue.Drain(ctx, l.kind)
	if err != nil {
		l.o.logError(opUpload, "queue_read_failed", err, fields...)
		return Promotion{}, newServiceError(opUpload, "queue_read_failed", err)
	}
	var entry *queue.Entry
	for index := range entries {
		if entries[index].ID == id {
			entry = &entries[index]
			break
		}
	}
	if entry == nil {
		return Promotion{}, nil
	}

	record, err := queue.Decode[T](*entry)
	if err != nil {
		l.o.logError(opUpload, "decode_failed", err, fields...)
		return Promotion{}, newServiceError(opUpload, "decode_failed", err)
	}

	created, matched := l.match(known, record)
	if !matched {
		outbound, err := record.Outbound()
		if err != nil {
			l.o.logger.Warn("queued record not uploadable yet", append(fields, zap.Error(err))...)
			return Promotion{}, newServiceError(opUpload, "invalid_record", err)
		}
		created, err = api.CreateRecord(ctx, l.o.requester, l.kind, outbound)
		if err != nil {
			l.o.logError(opUpload, "request_failed", err, fields...)
			return Promotion{}, newServiceError(opUpload, "request_failed", err)
		}
	}
	if !created.EntityID().IsServer() {
		l.o.logError(opUpload, "invalid_response", errInvalidResponse, fields...)
		return Promotion{}, newServiceError(opUpload, "invalid_response", errInvalidResponse)
	}

	promotion := Promotion{Kind: l.kind, From: id, To: created.EntityID()}
	if err := l.o.queue.Remove(ctx, l.kind, id); err != nil {
		l.o.logError(opUpload, "queue_remove_failed", err, fields...)
		return Promotion{}, newServiceError(opUpload, "queue_remove_failed", err)
	}
	if err := l.promote(id, created); err != nil {
		l.o.logError(opUpload, "cache_update_failed", err, fields...)
	}
	// The queue entry is gone, so the mirror is now the only durable copy.
	if err := cache.Mirror(ctx, l.o.store, l.collection); err != nil {
		l.o.logError(opUpload, "mirror_failed", err, fields...)
	}
	if l.afterPromote != nil {
		if err := l.afterPromote(ctx, promotion); err != nil {
			l.o.logError(opRelink, "relink_failed", err, fields...)
		}
	}
	l.o.logger.Info("offline record promoted", append(fields, zap.String("server_id", promotion.To.String()))...)
	return promotion, nil
}

// promote swaps the offline record for the canonical server record, keeping its position.
func (l *lane[T]) promote(offline catalog.ID, created T) error {
	index := l.collection.IndexOf(offline)
	if index < 0 {
		return l.collection.Add(created)
	}
	if err := l.collection.Delete(offline); err != nil {
		return err
	}
	return l.collection.Insert(index, created)
}

func (l *lane[T]) match(known []T, record T) (T, bool) {
	if l.sameRecord == nil {
		var zero T
		return zero, false
	}
	for _, existing := range known {
		if existing.EntityID().IsServer() && l.sameRecord(record, existing) {
			return existing, true
		}
	}
	var zero T
	return zero, false
}

// pull replaces the collection with the server list. Records still queued
// offline are kept ahead of it.
func (l *lane[T]) pull(ctx context.Context, out *outcome) {
	fields := []zap.Field{zap.String("kind", l.kind.String())}
	records, err := api.ListRecords[T](ctx, l.o.requester, l.kind)
	if err != nil {
		l.o.logError(opPull, "request_failed", err, fields...)
		out.fail(l.kind, catalog.ID{}, newServiceError(opPull, "request_failed", err))
		return
	}

	pending := []T{}
	if l.kind.SupportsOffline() {
		pending, err = queue.Pending[T](ctx, l.o.queue, l.kind)
		if err != nil {
			l.o.logError(opPull, "queue_read_failed", err, fields...)
			out.fail(l.kind, catalog.ID{}, newServiceError(opPull, "queue_read_failed", err))
			return
		}
	}

	previous := l.collection.Items()
	if err := l.collection.Set(cache.Overlay(pending, records)); err != nil {
		l.o.logError(opPull, "cache_update_failed", err, fields...)
		out.fail(l.kind, catalog.ID{}, newServiceError(opPull, "cache_update_failed", err))
		return
	}

	present := make(map[catalog.ID]struct{}, len(records))
	for _, record := range records {
		present[record.EntityID()] = struct{}{}
	}
	for _, record := range previous {
		id := record.EntityID()
		if !id.IsServer() {
			continue
		}
		if _, ok := present[id]; !ok {
			out.removals = append(out.removals, Removal{Kind: l.kind, ID: id})
		}
	}

	if err := cache.Mirror(ctx, l.o.store, l.collection); err != nil {
		l.o.logError(opPull, "mirror_failed", err, fields...)
		out.fail(l.kind, catalog.ID{}, newServiceError(opPull, "mirror_failed", err))
	}
}

func (l *lane[T]) restore(ctx context.Context) error {
	pending := []T{}
	if l.kind.SupportsOffline() {
		var err error
		pending, err = queue.Pending[T](ctx, l.o.queue, l.kind)
		if err != nil {
			return err
		}
	}
	return cache.Seed(ctx, l.o.store, l.collection, pending)
}

func sameName(left, right string) bool {
	return strings.EqualFold(strings.TrimSpace(left), strings.TrimSpace(right))
}
