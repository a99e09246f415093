package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
	"github.com/MarcoPoloResearchLab/teasync/internal/database"
	"go.uber.org/zap"
)

var (
	ErrUnsupportedKind = errors.New("queue: kind cannot be queued offline")
	ErrEntryNotFound   = errors.New("queue: entry not found")
	ErrDuplicateID     = errors.New("queue: offline id already queued")
	errMissingStore    = errors.New("queue: store required")
)

// Entry is one queued offline creation.
type Entry struct {
	Kind      catalog.Kind    `json:"kind"`
	ID        catalog.ID      `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	CreatedOn time.Time       `json:"created_on"`
}

// Config wires the queue to its store.
type Config struct {
	Store      database.Store
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Queue is the durable per-kind log of records created offline. Entries are
// only removed after a confirmed upload.
type Queue struct {
	store  database.Store
	ids    IDProvider
	clock  func() time.Time
	logger *zap.Logger

	mu sync.Mutex
}

func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: cfg.Store, ids: ids, clock: clock, logger: logger}, nil
}

// Append stores payload under a fresh offline identifier. Identifiers already
// queued under kind are skipped.
func (q *Queue) Append(ctx context.Context, kind catalog.Kind, build func(id catalog.ID) ([]byte, error)) (catalog.ID, error) {
	if !kind.SupportsOffline() {
		return catalog.ID{}, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.load(ctx, kind)
	if err != nil {
		return catalog.ID{}, err
	}
	id, err := q.freshID(entries)
	if err != nil {
		return catalog.ID{}, fmt.Errorf("%w: %s", err, kind)
	}
	payload, err := build(id)
	if err != nil {
		return catalog.ID{}, err
	}
	entries = append(entries, Entry{Kind: kind, ID: id, Payload: payload, CreatedOn: q.clock().UTC()})
	if err := q.save(ctx, kind, entries); err != nil {
		return catalog.ID{}, err
	}
	q.logger.Debug("queued offline record", zap.String("kind", kind.String()), zap.String("id", id.String()))
	return id, nil
}

// Drain returns the queued entries of kind without removing them.
func (q *Queue) Drain(ctx context.Context, kind catalog.Kind) ([]Entry, error) {
	if !kind.SupportsOffline() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx, kind)
}

// Remove drops one entry. Removing an absent entry is not an error.
func (q *Queue) Remove(ctx context.Context, kind catalog.Kind, id catalog.ID) error {
	if !kind.SupportsOffline() {
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.load(ctx, kind)
	if err != nil {
		return err
	}
	kept := entries[:0]
	for _, entry := range entries {
		if entry.ID != id {
			kept = append(kept, entry)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}
	return q.save(ctx, kind, kept)
}

// ReplacePayload rewrites a queued entry in place, keeping its position and creation time.
func (q *Queue) ReplacePayload(ctx context.Context, kind catalog.Kind, id catalog.ID, payload []byte) error {
	if !kind.SupportsOffline() {
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	entries, err := q.load(ctx, kind)
	if err != nil {
		return err
	}
	for index := range entries {
		if entries[index].ID == id {
			entries[index].Payload = payload
			return q.save(ctx, kind, entries)
		}
	}
	return fmt.Errorf("%w: %s %s", ErrEntryNotFound, kind, id)
}

// Contains reports whether id is queued under kind.
func (q *Queue) Contains(ctx context.Context, kind catalog.Kind, id catalog.ID) (bool, error) {
	entries, err := q.Drain(ctx, kind)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if entry.ID == id {
			return true, nil
		}
	}
	return false, nil
}

// freshID draws identifiers until one is not taken by entries.
func (q *Queue) freshID(entries []Entry) (catalog.ID, error) {
	taken := make(map[catalog.ID]struct{}, len(entries))
	for _, entry := range entries {
		taken[entry.ID] = struct{}{}
	}
	for attempt := 0; attempt <= len(entries); attempt++ {
		id, err := q.ids.NewID()
		if err != nil {
			return catalog.ID{}, err
		}
		if _, ok := taken[id]; !ok {
			return id, nil
		}
		q.logger.Debug("skipping queued offline id", zap.String("id", id.String()))
	}
	return catalog.ID{}, ErrDuplicateID
}

func (q *Queue) load(ctx context.Context, kind catalog.Kind) ([]Entry, error) {
	entries := make([]Entry, 0)
	if _, err := database.LoadJSON(ctx, q.store, kind.QueueKey(), &entries); err != nil {
		return nil, err
	}
	for index := range entries {
		if entries[index].Kind == 0 {
			entries[index].Kind = kind
		}
	}
	return entries, nil
}

func (q *Queue) save(ctx context.Context, kind catalog.Kind, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	return database.SaveJSON(ctx, q.store, kind.QueueKey(), entries)
}

// Enqueue stores record under a fresh offline identifier and returns it.
func Enqueue[T catalog.Record[T]](ctx context.Context, q *Queue, kind catalog.Kind, record T) (catalog.ID, error) {
	return q.Append(ctx, kind, func(id catalog.ID) ([]byte, error) {
		return json.Marshal(record.WithID(id))
	})
}

// Replace rewrites the queued payload of id with record.
func Replace[T catalog.Record[T]](ctx context.Context, q *Queue, kind catalog.Kind, id catalog.ID, record T) error {
	payload, err := json.Marshal(record.WithID(id))
	if err != nil {
		return err
	}
	return q.ReplacePayload(ctx, kind, id, payload)
}

// Decode returns the record held by entry. The entry identifier always wins
// over any id stored in the payload.
func Decode[T catalog.Record[T]](entry Entry) (T, error) {
	var record T
	if err := json.Unmarshal(entry.Payload, &record); err != nil {
		var zero T
		return zero, fmt.Errorf("queue: decode entry %s: %w", entry.ID, err)
	}
	return record.WithID(entry.ID), nil
}

// Pending decodes every queued record of kind, skipping undecodable entries.
func Pending[T catalog.Record[T]](ctx context.Context, q *Queue, kind catalog.Kind) ([]T, error) {
	entries, err := q.Drain(ctx, kind)
	if err != nil {
		return nil, err
	}
	records := make([]T, 0, len(entries))
	for _, entry := range entries {
		record, err := Decode[T](entry)
		if err != nil {
			q.logger.Warn("skipping undecodable queue entry",
				zap.String("kind", kind.String()),
				zap.String("id", entry.ID.String()),
				zap.Error(err),
			)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}
