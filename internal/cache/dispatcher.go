package cache

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
)

const defaultSubscriberBuffer = 16

// Change announces one applied cache action.
type Change struct {
	Kind   catalog.Kind
	Action ActionType
	IDs    []catalog.ID
	At     time.Time
}

// Dispatcher fans cache changes out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the change.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	kinds  map[catalog.Kind]struct{}
	stream chan Change
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[int64]*subscriber),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a subscriber for the given kinds, or every kind when none
// are given. The subscription ends when ctx is done or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, kinds ...catalog.Kind) (<-chan Change, func()) {
	filter := make(map[catalog.Kind]struct{}, len(kinds))
	for _, kind := range kinds {
		filter[kind] = struct{}{}
	}
	sub := &subscriber{
		kinds:  filter,
		stream: make(chan Change, d.bufferSize),
	}
	d.register(sub)

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(sub.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

func (d *Dispatcher) Publish(change Change) {
	if !change.Kind.Valid() || change.Action == "" {
		return
	}
	d.mu.RLock()
	targets := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		if len(sub.kinds) > 0 {
			if _, ok := sub.kinds[change.Kind]; !ok {
				continue
			}
		}
		targets = append(targets, sub)
	}
	d.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.stream <- change:
		default:
		}
	}
}

// Subscribers reports the number of active subscriptions.
func (d *Dispatcher) Subscribers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *Dispatcher) register(sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	sub.id = d.nextID
	d.subscribers[sub.id] = sub
}

func (d *Dispatcher) unregister(id int64) {
	d.mu.Lock()
	delete(d.subscribers, id)
	d.mu.Unlock()
}
