package clocks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
	"github.com/MarcoPoloResearchLab/teasync/internal/database"
	"go.uber.org/zap"
)

// StorageKey holds the running brewing clocks. Clocks never leave the device.
const StorageKey = "clocks"

var (
	errMissingStore  = errors.New("clocks: store required")
	ErrInvalidClock  = errors.New("clocks: invalid clock")
	ErrClockNotFound = errors.New("clocks: clock not found")
)

// Clock times one infusion of a brewing session.
type Clock struct {
	ID        catalog.ID `json:"id"`
	StartedOn time.Time  `json:"starting_time"`
	Infusion  int        `json:"infusion"`
}

// FinishesAt returns when the infusion is done for the session's brewing parameters.
func (c Clock) FinishesAt(session catalog.Session) (time.Time, error) {
	infusion := c.Infusion
	if infusion <= 0 {
		infusion = session.CurrentInfusion
	}
	steep, err := session.Brewing.SteepFor(infusion)
	if err != nil {
		return time.Time{}, err
	}
	return c.StartedOn.Add(steep), nil
}

// Config wires the service.
type Config struct {
	Store  database.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service keeps brewing clocks in the local store.
type Service struct {
	store  database.Store
	now    func() time.Time
	logger *zap.Logger

	mu sync.Mutex
}

func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: cfg.Store, now: now, logger: logger}, nil
}

func (s *Service) List(ctx context.Context) ([]Clock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(ctx)
}

// Start begins timing infusion for the session, replacing any clock it already has.
func (s *Service) Start(ctx context.Context, sessionID catalog.ID, infusion int) (Clock, error) {
	if sessionID.IsZero() || infusion <= 0 {
		return Clock{}, fmt.Errorf("%w: session %s infusion %d", ErrInvalidClock, sessionID, infusion)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clocks, err := s.load(ctx)
	if err != nil {
		return Clock{}, err
	}
	clock := Clock{ID: sessionID, StartedOn: s.now().UTC(), Infusion: infusion}
	clocks = append(without(clocks, sessionID), clock)
	if err := s.save(ctx, clocks); err != nil {
		return Clock{}, err
	}
	return clock, nil
}

// Stop removes the clock of a session. Stopping an absent clock is not an error.
func (s *Service) Stop(ctx context.Context, sessionID catalog.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clocks, err := s.load(ctx)
	if err != nil {
		return err
	}
	kept := without(clocks, sessionID)
	if len(kept) == len(clocks) {
		return nil
	}
	return s.save(ctx, kept)
}

// Rekey moves a clock to the promoted identifier of its session.
func (s *Service) Rekey(ctx context.Context, from, to catalog.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clocks, err := s.load(ctx)
	if err != nil {
		return err
	}
	changed := false
	for index := range clocks {
		if clocks[index].ID == from {
			clocks[index].ID = to
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.save(ctx, clocks)
}

// Prune keeps only clocks of existing, unfinished sessions whose infusion is still brewing.
func (s *Service) Prune(ctx context.Context, sessions []catalog.Session) ([]Clock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clocks, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[catalog.ID]catalog.Session, len(sessions))
	for _, session := range sessions {
		byID[session.ID] = session
	}

	now := s.now()
	kept := make([]Clock, 0, len(clocks))
	for _, clock := range clocks {
		session, ok := byID[clock.ID]
		if !ok || session.IsCompleted {
			continue
		}
		finishes, err := clock.FinishesAt(session)
		if err != nil {
			s.logger.Debug("dropping clock without brewing times",
				zap.String("id", clock.ID.String()),
				zap.Error(err),
			)
			continue
		}
		if finishes.After(now) {
			kept = append(kept, clock)
		}
	}
	if len(kept) != len(clocks) {
		if err := s.save(ctx, kept); err != nil {
			return nil, err
		}
	}
	return kept, nil
}

func (s *Service) load(ctx context.Context) ([]Clock, error) {
	clocks := make([]Clock, 0)
	if _, err := database.LoadJSON(ctx, s.store, StorageKey, &clocks); err != nil {
		return nil, err
	}
	return clocks, nil
}

func (s *Service) save(ctx context.Context, clocks []Clock) error {
	return database.SaveJSON(ctx, s.store, StorageKey, clocks)
}

func without(clocks []Clock, id catalog.ID) []Clock {
	kept := make([]Clock, 0, len(clocks))
	for _, clock := range clocks {
		if clock.ID != id {
			kept = append(kept, clock)
		}
	}
	return kept
}
