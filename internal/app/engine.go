// Package app assembles the sync engine: local store, credentials, API client,
// cache, queue, orchestrator and editor.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/teasync/internal/api"
	"github.com/MarcoPoloResearchLab/teasync/internal/auth"
	"github.com/MarcoPoloResearchLab/teasync/internal/cache"
	"github.com/MarcoPoloResearchLab/teasync/internal/clocks"
	"github.com/MarcoPoloResearchLab/teasync/internal/database"
	"github.com/MarcoPoloResearchLab/teasync/internal/editor"
	"github.com/MarcoPoloResearchLab/teasync/internal/notify"
	"github.com/MarcoPoloResearchLab/teasync/internal/queue"
	"github.com/MarcoPoloResearchLab/teasync/internal/syncer"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultFeedCapacity = 64

var errMissingStorePath = errors.New("app: store path required")

// Config describes how to build an Engine.
type Config struct {
	APIBaseURL     string
	StorePath      string
	RequestTimeout time.Duration
	HTTPClient     *http.Client
	IDProvider     queue.IDProvider
	// Requester replaces the API client for requests other than login, e.g. to
	// simulate connectivity loss.
	Requester func(next api.Requester) api.Requester
	Notifier  notify.Notifier
	OnSettled func(syncer.Settlement)
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Engine owns every component and their lifecycle.
type Engine struct {
	Credentials *auth.Credentials
	Client      *api.Client
	Cache       *cache.Store
	Queue       *queue.Queue
	Clocks      *clocks.Service
	Syncer      *syncer.Orchestrator
	Editor      *editor.Editor
	Feed        *notify.Feed

	store    database.Store
	db       *gorm.DB
	notifier notify.Notifier
	logger   *zap.Logger
}

// New opens the local store and wires the components. Call Close when done.
func New(cfg Config) (*Engine, error) {
	if cfg.StorePath == "" {
		return nil, errMissingStorePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	db, err := database.OpenSQLite(cfg.StorePath, logger)
	if err != nil {
		return nil, fmt.Errorf("app: open store: %w", err)
	}
	engine := &Engine{db: db, logger: logger}
	if err := engine.wire(cfg, clock); err != nil {
		_ = engine.Close()
		return nil, err
	}
	return engine, nil
}

func (e *Engine) wire(cfg Config, clock func() time.Time) error {
	store, err := database.NewSQLStore(e.db, clock)
	if err != nil {
		return err
	}
	e.store = store

	e.Feed = notify.NewFeed(defaultFeedCapacity)
	e.notifier = e.Feed
	if cfg.Notifier != nil {
		e.notifier = notify.Fanout(e.Feed, cfg.Notifier)
	}

	e.Credentials, err = auth.NewCredentials(auth.CredentialsConfig{Store: store, Clock: clock})
	if err != nil {
		return err
	}
	e.Client, err = api.NewClient(api.ClientConfig{
		BaseURL:     cfg.APIBaseURL,
		HTTPClient:  cfg.HTTPClient,
		Timeout:     cfg.RequestTimeout,
		Credentials: e.Credentials,
		Logger:      e.logger.Named("api"),
		OnLogout:    e.sessionExpired,
	})
	if err != nil {
		return err
	}
	var requester api.Requester = e.Client
	if cfg.Requester != nil {
		requester = cfg.Requester(e.Client)
	}

	e.Cache = cache.NewStore(clock)
	e.Queue, err = queue.New(queue.Config{
		Store:      store,
		IDProvider: cfg.IDProvider,
		Clock:      clock,
		Logger:     e.logger.Named("queue"),
	})
	if err != nil {
		return err
	}
	e.Clocks, err = clocks.New(clocks.Config{Store: store, Clock: clock, Logger: e.logger.Named("clocks")})
	if err != nil {
		return err
	}
	e.Syncer, err = syncer.New(syncer.Config{
		Requester: requester,
		Store:     store,
		Queue:     e.Queue,
		Cache:     e.Cache,
		Clocks:    e.Clocks,
		OnSettled: cfg.OnSettled,
		Logger:    e.logger.Named("syncer"),
		Clock:     clock,
	})
	if err != nil {
		return err
	}
	e.Editor, err = editor.New(editor.Config{
		Requester: requester,
		Store:     store,
		Queue:     e.Queue,
		Cache:     e.Cache,
		Uploader:  e.Syncer,
		Notifier:  e.notifier,
		Logger:    e.logger.Named("editor"),
	})
	return err
}

// Start loads stored credentials and rebuilds the cache from the local store.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Credentials.Load(ctx); err != nil {
		return fmt.Errorf("app: load credentials: %w", err)
	}
	if err := e.Syncer.Restore(ctx); err != nil {
		e.logger.Warn("cache restored with errors", zap.Error(err))
	}
	return nil
}

// Sync runs one cycle and reports its outcome to the notifier when it failed.
func (e *Engine) Sync(ctx context.Context) syncer.Result {
	result := e.Syncer.Sync(ctx)
	if result.Err != nil && !errors.Is(result.Err, syncer.ErrSyncInProgress) {
		e.notifier.Notify(notify.Failure(result.Err))
	}
	return result
}

// Status reports the state of the last sync cycle.
func (e *Engine) Status() syncer.Status {
	return e.Syncer.Status()
}

// Login exchanges credentials for tokens and stores them.
func (e *Engine) Login(ctx context.Context, email, password string) error {
	if _, err := e.Client.Login(ctx, email, password); err != nil {
		e.notifier.Notify(notify.Failure(err))
		return err
	}
	return nil
}

// Logout forgets the tokens and tears down the cache. Queued creations and the
// local mirror stay on disk for the next login.
func (e *Engine) Logout(ctx context.Context) error {
	err := e.Credentials.Clear(ctx)
	e.resetSession()
	return err
}

// Close releases the local store.
func (e *Engine) Close() error {
	if e.db == nil {
		return nil
	}
	sqlDB, err := e.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (e *Engine) sessionExpired() {
	e.resetSession()
	e.notifier.Notify(notify.Failure(api.ErrSessionExpired))
}

func (e *Engine) resetSession() {
	if err := e.Cache.Reset(); err != nil {
		e.logger.Error("failed to reset cache", zap.Error(err))
	}
	e.Syncer.Reset()
}
