// Package editor applies user changes to the cache immediately and confirms
// them against the API, queueing creations that cannot be uploaded yet.
package editor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/teasync/internal/api"
	"github.com/MarcoPoloResearchLab/teasync/internal/cache"
	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
	"github.com/MarcoPoloResearchLab/teasync/internal/database"
	"github.com/MarcoPoloResearchLab/teasync/internal/notify"
	"github.com/MarcoPoloResearchLab/teasync/internal/queue"
	"github.com/MarcoPoloResearchLab/teasync/internal/syncer"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when the edited or deleted record is not cached.
	ErrNotFound = errors.New("editor: record not found")
	// ErrSuperseded is returned when an offline record was uploaded while being changed.
	ErrSuperseded = errors.New("editor: record was synced meanwhile")
	// ErrReadOnly is returned for kinds the user cannot change directly.
	ErrReadOnly = errors.New("editor: kind is read-only")

	errMissingRequester = errors.New("editor: requester required")
	errMissingStore     = errors.New("editor: store required")
	errMissingQueue     = errors.New("editor: queue required")
	errMissingCache     = errors.New("editor: cache required")
	errMissingUploader  = errors.New("editor: uploader required")
)

// Uploader pushes single queued records to the server.
type Uploader interface {
	UploadOne(ctx context.Context, kind catalog.Kind, id catalog.ID) (syncer.Promotion, error)
	Exclusive(fn func() error) error
}

// Config wires the editor.
type Config struct {
	Requester api.Requester
	Store     database.Store
	Queue     *queue.Queue
	Cache     *cache.Store
	Uploader  Uploader
	Notifier  notify.Notifier
	Logger    *zap.Logger
}

// Editor performs optimistic creates, edits and deletes.
type Editor struct {
	requester api.Requester
	store     database.Store
	queue     *queue.Queue
	cache     *cache.Store
	uploader  Uploader
	notifier  notify.Notifier
	logger    *zap.Logger
	locks     *keyedLock

	teas     target[catalog.Tea]
	sessions target[catalog.Session]
}

type target[T catalog.Record[T]] struct {
	kind       catalog.Kind
	collection *cache.Collection[T]
	validate   func(T) error
}

func New(cfg Config) (*Editor, error) {
	switch {
	case cfg.Requester == nil:
		return nil, errMissingRequester
	case cfg.Store == nil:
		return nil, errMissingStore
	case cfg.Queue == nil:
		return nil, errMissingQueue
	case cfg.Cache == nil:
		return nil, errMissingCache
	case cfg.Uploader == nil:
		return nil, errMissingUploader
	}
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = notify.Discard
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Editor{
		requester: cfg.Requester,
		store:     cfg.Store,
		queue:     cfg.Queue,
		cache:     cfg.Cache,
		uploader:  cfg.Uploader,
		notifier:  notifier,
		logger:    logger,
		locks:     newKeyedLock(),
		teas: target[catalog.Tea]{
			kind:       catalog.KindTea,
			collection: cfg.Cache.Teas,
			validate:   catalog.Tea.Validate,
		},
		sessions: target[catalog.Session]{
			kind:       catalog.KindSession,
			collection: cfg.Cache.Sessions,
			validate:   validateSession,
		},
	}, nil
}

// CreateTea queues the tea, registers new subcategory and vendor names and
// tries to upload right away. The returned id is the server id when the
// upload succeeded and the offline id otherwise.
func (e *Editor) CreateTea(ctx context.Context, tea catalog.Tea) (catalog.ID, error) {
	if err := tea.Validate(); err != nil {
		e.notifier.Notify(notify.Failure(err))
		return catalog.ID{}, err
	}
	tea, references, err := e.registerReferences(ctx, tea)
	if err != nil {
		e.notifier.Notify(notify.Failure(err))
		return catalog.ID{}, err
	}
	for _, reference := range references {
		promotion, err := e.uploader.UploadOne(ctx, reference.kind, reference.id)
		if err != nil {
			e.logger.Debug("ad hoc reference stays queued",
				zap.String("kind", reference.kind.String()),
				zap.String("id", reference.id.String()),
				zap.Error(err),
			)
			continue
		}
		if promotion.To.IsServer() {
			tea, _ = tea.RelinkSubcategory(promotion.From, promotion.To)
			tea, _ = tea.RelinkVendor(promotion.From, promotion.To)
		}
	}
	return create(ctx, e, e.teas, tea)
}

func (e *Editor) CreateSession(ctx context.Context, session catalog.Session) (catalog.ID, error) {
	return create(ctx, e, e.sessions, session)
}

// EditTea replaces the tea with id and returns the record left in the cache.
func (e *Editor) EditTea(ctx context.Context, id catalog.ID, tea catalog.Tea, successMessage string) (catalog.Tea, error) {
	unlock := e.locks.Lock(lockKey(catalog.KindTea, id))
	defer unlock()
	tea, _, err := e.registerReferences(ctx, tea)
	if err != nil {
		e.notifier.Notify(notify.Failure(err))
		return catalog.Tea{}, err
	}
	return edit(ctx, e, e.teas, id, tea, successMessage)
}

func (e *Editor) EditSession(ctx context.Context, id catalog.ID, session catalog.Session, successMessage string) (catalog.Session, error) {
	unlock := e.locks.Lock(lockKey(catalog.KindSession, id))
	defer unlock()
	return edit(ctx, e, e.sessions, id, session, successMessage)
}

// Rate sets the rating of a tea from a star value in half-star steps.
func (e *Editor) Rate(ctx context.Context, id catalog.ID, stars float64) (catalog.Tea, error) {
	rating, err := catalog.RatingFromStars(stars)
	if err != nil {
		e.notifier.Notify(notify.Failure(err))
		return catalog.Tea{}, err
	}
	unlock := e.locks.Lock(lockKey(catalog.KindTea, id))
	defer unlock()
	current, ok := e.cache.Teas.Get(id)
	if !ok {
		err := fmt.Errorf("%w: tea %s", ErrNotFound, id)
		e.notifier.Notify(notify.Failure(err))
		return catalog.Tea{}, err
	}
	current.Rating = rating
	return edit(ctx, e, e.teas, id, current, "")
}

// Delete removes a tea or session. Offline records are dropped locally;
// server records are removed right away and restored if the request fails.
func (e *Editor) Delete(ctx context.Context, kind catalog.Kind, id catalog.ID) error {
	unlock := e.locks.Lock(lockKey(kind, id))
	defer unlock()
	switch kind {
	case catalog.KindTea:
		return remove(ctx, e, e.teas, id)
	case catalog.KindSession:
		return remove(ctx, e, e.sessions, id)
	case catalog.KindSubcategory:
		return e.discardReference(ctx, kind, id, e.cache.Subcategories.Delete)
	case catalog.KindVendor:
		return e.discardReference(ctx, kind, id, e.cache.Vendors.Delete)
	case catalog.KindCategory:
		return fmt.Errorf("%w: %s", ErrReadOnly, kind)
	default:
		return fmt.Errorf("%w: %d", catalog.ErrUnknownKind, int(kind))
	}
}

func create[T catalog.Record[T]](ctx context.Context, e *Editor, t target[T], record T) (catalog.ID, error) {
	label := kindLabel(t.kind)
	if err := t.validate(record); err != nil {
		e.notifier.Notify(notify.Failure(err))
		return catalog.ID{}, err
	}
	var id catalog.ID
	err := e.uploader.Exclusive(func() error {
		var err error
		id, err = queue.Enqueue(ctx, e.queue, t.kind, record)
		if err != nil {
			return err
		}
		return t.collection.Insert(0, record.WithID(id))
	})
	if err != nil {
		e.logError("editor.create", "queue_failed", err, t.kind, id)
		e.notifier.Notify(notify.Failure(err))
		return catalog.ID{}, err
	}

	promotion, err := e.uploader.UploadOne(ctx, t.kind, id)
	switch {
	case err == nil && promotion.To.IsServer():
		e.notifier.Notify(notify.Success(fmt.Sprintf("%s successfully created.", label)))
		return promotion.To, nil
	case err == nil:
		// Already uploaded by a concurrent sync cycle.
		e.notifier.Notify(notify.Success(fmt.Sprintf("%s successfully created.", label)))
		return id, nil
	case savedLocally(err):
		e.logger.Info("record saved locally",
			zap.String("kind", t.kind.String()),
			zap.String("id", id.String()),
			zap.Error(err),
		)
		e.notifier.Notify(notify.Warning(fmt.Sprintf("Network error, %s saved locally.", strings.ToLower(label))))
		return id, nil
	default:
		e.logError("editor.create", "upload_rejected", err, t.kind, id)
		e.notifier.Notify(notify.Failure(err))
		return id, err
	}
}

func edit[T catalog.Record[T]](ctx context.Context, e *Editor, t target[T], id catalog.ID, record T, successMessage string) (T, error) {
	var zero T
	record = record.WithID(id)
	if err := t.validate(record); err != nil {
		e.notifier.Notify(notify.Failure(err))
		return zero, err
	}

	if id.IsOffline() {
		err := e.uploader.Exclusive(func() error {
			if err := queue.Replace(ctx, e.queue, t.kind, id, record); err != nil {
				return err
			}
			return t.collection.Edit(record)
		})
		if errors.Is(err, queue.ErrEntryNotFound) {
			err = fmt.Errorf("%w: %s %s", ErrSuperseded, t.kind, id)
			e.notifier.Notify(notify.Warning(fmt.Sprintf("%s was just synced, please retry.", kindLabel(t.kind))))
			return zero, err
		}
		if err != nil {
			e.logError("editor.edit", "queue_failed", err, t.kind, id)
			e.notifier.Notify(notify.Failure(err))
			return zero, err
		}
		if successMessage != "" {
			e.notifier.Notify(notify.Success(successMessage))
		}
		return record, nil
	}

	if t.collection.IndexOf(id) < 0 {
		err := fmt.Errorf("%w: %s %s", ErrNotFound, t.kind, id)
		e.notifier.Notify(notify.Failure(err))
		return zero, err
	}

	canonical := record
	cmd := newCommand(t.collection, id)
	cmd.apply = func() error { return t.collection.Edit(record) }
	cmd.request = func(ctx context.Context) error {
		outbound, err := record.Outbound()
		if err != nil {
			return err
		}
		updated, err := api.UpdateRecord(ctx, e.requester, t.kind, id, outbound)
		if err != nil {
			return err
		}
		if updated.EntityID().IsServer() {
			canonical = updated
		}
		return nil
	}
	if err := cmd.execute(ctx); err != nil {
		e.logError("editor.edit", "request_failed", err, t.kind, id)
		e.notifier.Notify(notify.Failure(err))
		return zero, err
	}

	if err := t.collection.Edit(canonical); err != nil {
		e.logError("editor.edit", "cache_update_failed", err, t.kind, id)
	}
	e.mirror(ctx, t.kind, func(ctx context.Context) error { return cache.Mirror(ctx, e.store, t.collection) })
	if successMessage != "" {
		e.notifier.Notify(notify.Success(successMessage))
	}
	return canonical, nil
}

func remove[T catalog.Record[T]](ctx context.Context, e *Editor, t target[T], id catalog.ID) error {
	label := kindLabel(t.kind)
	if id.IsOffline() {
		err := e.uploader.Exclusive(func() error {
			queued, err := e.queue.Contains(ctx, t.kind, id)
			if err != nil {
				return err
			}
			if !queued && t.collection.IndexOf(id) < 0 {
				return fmt.Errorf("%w: %s %s", ErrNotFound, t.kind, id)
			}
			if !queued {
				return fmt.Errorf("%w: %s %s", ErrSuperseded, t.kind, id)
			}
			if err := e.queue.Remove(ctx, t.kind, id); err != nil {
				return err
			}
			return t.collection.Delete(id)
		})
		if err != nil {
			e.logError("editor.delete", "queue_failed", err, t.kind, id)
			e.notifier.Notify(notify.Failure(err))
			return err
		}
		e.notifier.Notify(notify.Success(fmt.Sprintf("%s successfully deleted.", label)))
		return nil
	}

	if t.collection.IndexOf(id) < 0 {
		err := fmt.Errorf("%w: %s %s", ErrNotFound, t.kind, id)
		e.notifier.Notify(notify.Failure(err))
		return err
	}
	cmd := newCommand(t.collection, id)
	cmd.apply = func() error { return t.collection.Delete(id) }
	cmd.request = func(ctx context.Context) error {
		err := api.DeleteRecord(ctx, e.requester, t.kind, id)
		var statusErr *api.StatusError
		if errors.As(err, &statusErr) && statusErr.Status == http.StatusNotFound {
			return nil
		}
		return err
	}
	if err := cmd.execute(ctx); err != nil {
		e.logError("editor.delete", "request_failed", err, t.kind, id)
		e.notifier.Notify(notify.Failure(err))
		return err
	}
	e.mirror(ctx, t.kind, func(ctx context.Context) error { return cache.Mirror(ctx, e.store, t.collection) })
	e.notifier.Notify(notify.Success(fmt.Sprintf("%s successfully deleted.", label)))
	return nil
}

// discardReference drops an ad hoc subcategory or vendor that never reached the server.
func (e *Editor) discardReference(ctx context.Context, kind catalog.Kind, id catalog.ID, drop func(catalog.ID) error) error {
	if !id.IsOffline() {
		return fmt.Errorf("%w: %s %s", ErrReadOnly, kind, id)
	}
	return e.uploader.Exclusive(func() error {
		if err := e.queue.Remove(ctx, kind, id); err != nil {
			return err
		}
		return drop(id)
	})
}

func (e *Editor) mirror(ctx context.Context, kind catalog.Kind, write func(context.Context) error) {
	if err := write(ctx); err != nil {
		e.logError("editor.mirror", "store_failed", err, kind, catalog.ID{})
	}
}

func (e *Editor) logError(operation, reason string, err error, kind catalog.Kind, id catalog.ID) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("kind", kind.String()),
		zap.Error(err),
	}
	if !id.IsZero() {
		fields = append(fields, zap.String("id", id.String()))
	}
	e.logger.Error("editor error", fields...)
}

// savedLocally reports upload failures that leave the record queued for the next sync.
func savedLocally(err error) bool {
	return errors.Is(err, api.ErrUnreachable) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, catalog.ErrUnresolvedReference) ||
		api.IsTransient(err)
}

func validateSession(session catalog.Session) error {
	if session.CurrentInfusion < 0 {
		return fmt.Errorf("%w: negative infusion", catalog.ErrInvalidRecord)
	}
	return nil
}

func lockKey(kind catalog.Kind, id catalog.ID) string {
	return kind.String() + ":" + id.String()
}

func kindLabel(kind catalog.Kind) string {
	switch kind {
	case catalog.KindTea:
		return "Tea"
	case catalog.KindSession:
		return "Session"
	case catalog.KindCategory:
		return "Category"
	case catalog.KindSubcategory:
		return "Subcategory"
	case catalog.KindVendor:
		return "Vendor"
	default:
		return "Record"
	}
}
