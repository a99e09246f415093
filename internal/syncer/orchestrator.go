package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/teasync/internal/api"
	"github.com/MarcoPoloResearchLab/teasync/internal/cache"
	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
	"github.com/MarcoPoloResearchLab/teasync/internal/clocks"
	"github.com/MarcoPoloResearchLab/teasync/internal/database"
	"github.com/MarcoPoloResearchLab/teasync/internal/queue"
	"go.uber.org/zap"
)

var (
	// ErrSyncInProgress is returned when Sync is called while a cycle is running.
	ErrSyncInProgress = errors.New("syncer: sync already in progress")

	errMissingRequester = errors.New("syncer: requester required")
	errMissingStore     = errors.New("syncer: store required")
	errMissingQueue     = errors.New("syncer: queue required")
	errMissingCache     = errors.New("syncer: cache required")
	errInvalidResponse  = errors.New("syncer: server returned a record without a server id")
)

// ServiceError carries an operation/reason code alongside its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opNew     = "syncer.new"
	opSync    = "syncer.sync"
	opUpload  = "syncer.upload"
	opPull    = "syncer.pull"
	opRestore = "syncer.restore"
	opRelink  = "syncer.relink"
	opPrune   = "syncer.prune"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// State is the position of the orchestrator in its sync state machine.
type State int

const (
	StateIdle State = iota
	StateSyncing
	StateSynced
	StateNotSynced
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSyncing:
		return "SYNCING"
	case StateSynced:
		return "SYNCED"
	case StateNotSynced:
		return "NOT_SYNCED"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Promotion records an offline record that received a server id.
type Promotion struct {
	Kind catalog.Kind
	From catalog.ID
	To   catalog.ID
}

// Removal records a server record that disappeared from the server list.
type Removal struct {
	Kind catalog.Kind
	ID   catalog.ID
}

// Failure is one failed step of a cycle. ID is zero for list pulls.
type Failure struct {
	Kind catalog.Kind
	ID   catalog.ID
	Err  error
}

// Validation reports a payload the server rejected; it is kept until corrected.
func (f Failure) Validation() bool {
	return api.IsValidation(f.Err) || errors.Is(f.Err, catalog.ErrInvalidRecord)
}

// Result summarizes one cycle. Err is the last error encountered.
type Result struct {
	State    State
	Err      error
	Uploaded []Promotion
	Removed  []Removal
	Failed   []Failure
}

func (r Result) OK() bool {
	return r.State == StateSynced
}

// Settlement is handed to OnSettled after every cycle so callers showing a
// record can navigate away from superseded or deleted ones.
type Settlement struct {
	Promoted []Promotion
	Removed  []Removal
}

// Affects reports whether the settlement supersedes or removes id.
func (s Settlement) Affects(kind catalog.Kind, id catalog.ID) bool {
	for _, promotion := range s.Promoted {
		if promotion.Kind == kind && promotion.From == id {
			return true
		}
	}
	for _, removal := range s.Removed {
		if removal.Kind == kind && removal.ID == id {
			return true
		}
	}
	return false
}

// Status is the externally visible sync state.
type Status struct {
	State      State     `json:"state"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Config wires the orchestrator. Clocks and OnSettled are optional.
type Config struct {
	Requester api.Requester
	Store     database.Store
	Queue     *queue.Queue
	Cache     *cache.Store
	Clocks    *clocks.Service
	OnSettled func(Settlement)
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Orchestrator runs sync cycles: upload queued creations, pull server lists,
// reconcile them into the cache and mirror them to the local store.
type Orchestrator struct {
	requester api.Requester
	store     database.Store
	queue     *queue.Queue
	cache     *cache.Store
	clocks    *clocks.Service
	onSettled func(Settlement)
	logger    *zap.Logger
	clock     func() time.Time

	teas          *lane[catalog.Tea]
	sessions      *lane[catalog.Session]
	categories    *lane[catalog.Category]
	subcategories *lane[catalog.Subcategory]
	vendors       *lane[catalog.Vendor]

	// uploadMu serializes uploads of queue entries between sync cycles and
	// immediate uploads requested by the editor.
	uploadMu sync.Mutex

	mu         sync.Mutex
	state      State
	last       Result
	finishedAt time.Time
}

func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Requester == nil:
		return nil, newServiceError(opNew, "missing_requester", errMissingRequester)
	case cfg.Store == nil:
		return nil, newServiceError(opNew, "missing_store", errMissingStore)
	case cfg.Queue == nil:
		return nil, newServiceError(opNew, "missing_queue", errMissingQueue)
	case cfg.Cache == nil:
		return nil, newServiceError(opNew, "missing_cache", errMissingCache)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	o := &Orchestrator{
		requester: cfg.Requester,
		store:     cfg.Store,
		queue:     cfg.Queue,
		cache:     cfg.Cache,
		clocks:    cfg.Clocks,
		onSettled: cfg.OnSettled,
		logger:    logger,
		clock:     clock,
	}
	o.teas = &lane[catalog.Tea]{o: o, kind: catalog.KindTea, collection: cfg.Cache.Teas, afterPromote: o.teaPromoted}
	o.sessions = &lane[catalog.Session]{o: o, kind: catalog.KindSession, collection: cfg.Cache.Sessions, afterPromote: o.sessionPromoted}
	o.categories = &lane[catalog.Category]{o: o, kind: catalog.KindCategory, collection: cfg.Cache.Categories}
	o.subcategories = &lane[catalog.Subcategory]{
		o:            o,
		kind:         catalog.KindSubcategory,
		collection:   cfg.Cache.Subcategories,
		sameRecord:   func(a, b catalog.Subcategory) bool { return sameName(a.Name, b.Name) },
		afterPromote: o.subcategoryPromoted,
	}
	o.vendors = &lane[catalog.Vendor]{
		o:            o,
		kind:         catalog.KindVendor,
		collection:   cfg.Cache.Vendors,
		sameRecord:   func(a, b catalog.Vendor) bool { return sameName(a.Name, b.Name) },
		afterPromote: o.vendorPromoted,
	}
	return o, nil
}

// Sync runs one cycle. A call made while a cycle is running returns
// immediately with ErrSyncInProgress and state Syncing.
func (o *Orchestrator) Sync(ctx context.Context) Result {
	o.mu.Lock()
	if o.state == StateSyncing {
		o.mu.Unlock()
		return Result{State: StateSyncing, Err: ErrSyncInProgress}
	}
	o.state = StateSyncing
	o.mu.Unlock()

	started := o.clock()
	out := &outcome{}

	steps := []func(context.Context, *outcome){
		o.teas.upload,
		o.sessions.upload,
		o.teas.pull,
		o.sessions.pull,
		o.categories.pull,
		o.subcategories.upload,
		o.subcategories.pull,
		o.vendors.upload,
		o.vendors.pull,
		o.pruneClocks,
	}
	for _, step := range steps {
		// A failed token refresh logged the user out; later steps would only
		// be rejected.
		if out.sessionExpired() {
			break
		}
		step(ctx, out)
	}

	result := out.result()

	o.mu.Lock()
	o.state = result.State
	o.last = result
	o.finishedAt = o.clock().UTC()
	o.mu.Unlock()

	fields := []zap.Field{
		zap.String("operation", opSync),
		zap.String("state", result.State.String()),
		zap.Int("uploaded", len(result.Uploaded)),
		zap.Int("removed", len(result.Removed)),
		zap.Int("failed", len(result.Failed)),
		zap.Duration("elapsed", o.clock().Sub(started)),
	}
	if result.Err != nil {
		fields = append(fields, zap.Error(result.Err))
		o.logger.Warn("sync cycle finished with errors", fields...)
	} else {
		o.logger.Info("sync cycle finished", fields...)
	}

	if o.onSettled != nil {
		o.onSettled(Settlement{Promoted: result.Uploaded, Removed: result.Removed})
	}
	return result
}

// Status reports the current state and the outcome of the last cycle.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	status := Status{State: o.state, FinishedAt: o.finishedAt}
	if o.state != StateSyncing && o.last.Err != nil {
		status.Error = o.last.Err.Error()
	}
	return status
}

// LastResult returns the result of the last finished cycle.
func (o *Orchestrator) LastResult() Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.last
}

// Restore rebuilds the cache from the local store after a reload.
func (o *Orchestrator) Restore(ctx context.Context) error {
	var errs []error
	for _, kind := range catalog.Kinds {
		runner, err := o.lane(kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := runner.restore(ctx); err != nil {
			o.logError(opRestore, "seed_failed", err, zap.String("kind", kind.String()))
			errs = append(errs, newServiceError(opRestore, "seed_failed", err))
		}
	}
	return errors.Join(errs...)
}

// UploadOne uploads a single queued record right away. It returns a zero
// Promotion when the record is no longer queued.
func (o *Orchestrator) UploadOne(ctx context.Context, kind catalog.Kind, id catalog.ID) (Promotion, error) {
	runner, err := o.lane(kind)
	if err != nil {
		return Promotion{}, err
	}
	if !kind.SupportsOffline() {
		return Promotion{}, newServiceError(opUpload, "unsupported_kind", queue.ErrUnsupportedKind)
	}
	return runner.uploadOne(ctx, id)
}

// Exclusive runs fn while no queued record is being uploaded.
func (o *Orchestrator) Exclusive(fn func() error) error {
	o.uploadMu.Lock()
	defer o.uploadMu.Unlock()
	return fn()
}

// Reset forgets the last result, used on logout.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateSyncing {
		o.state = StateIdle
	}
	o.last = Result{}
	o.finishedAt = time.Time{}
}

func (o *Orchestrator) lane(kind catalog.Kind) (laneRunner, error) {
	switch kind {
	case catalog.KindTea:
		return o.teas, nil
	case catalog.KindSession:
		return o.sessions, nil
	case catalog.KindCategory:
		return o.categories, nil
	case catalog.KindSubcategory:
		return o.subcategories, nil
	case catalog.KindVendor:
		return o.vendors, nil
	default:
		return nil, fmt.Errorf("%w: %d", catalog.ErrUnknownKind, int(kind))
	}
}

func (o *Orchestrator) pruneClocks(ctx context.Context, out *outcome) {
	if o.clocks == nil {
		return
	}
	if _, err := o.clocks.Prune(ctx, o.cache.Sessions.Items()); err != nil {
		o.logError(opPrune, "prune_failed", err)
		out.fail(catalog.KindSession, catalog.ID{}, newServiceError(opPrune, "prune_failed", err))
	}
}

func (o *Orchestrator) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	o.logger.Error("syncer error", attrs...)
}

type outcome struct {
	promotions []Promotion
	removals   []Removal
	failures   []Failure
}

func (o *outcome) fail(kind catalog.Kind, id catalog.ID, err error) {
	o.failures = append(o.failures, Failure{Kind: kind, ID: id, Err: err})
}

func (o *outcome) sessionExpired() bool {
	for _, failure := range o.failures {
		if errors.Is(failure.Err, api.ErrSessionExpired) {
			return true
		}
	}
	return false
}

func (o *outcome) result() Result {
	result := Result{
		State:    StateSynced,
		Uploaded: o.promotions,
		Removed:  o.removals,
		Failed:   o.failures,
	}
	if len(o.failures) > 0 {
		result.State = StateNotSynced
		result.Err = o.failures[len(o.failures)-1].Err
	}
	return result
}
