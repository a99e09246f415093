package queue

import (
	"fmt"
	"sync"

	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
	"github.com/google/uuid"
)

// IDProvider issues offline identifiers.
type IDProvider interface {
	NewID() (catalog.ID, error)
}

// NewUUIDProvider returns a provider producing "off-<uuidv7>" identifiers.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

type uuidProvider struct{}

func (uuidProvider) NewID() (catalog.ID, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return catalog.ID{}, err
	}
	return catalog.NewOfflineID(catalog.OfflinePrefix + value.String())
}

// SequenceProvider issues "off-1", "off-2", ... in order. It restarts at 1 on
// every construction; the queue skips numbers still queued from an earlier run.
type SequenceProvider struct {
	mu   sync.Mutex
	next int
}

func NewSequenceProvider() *SequenceProvider {
	return &SequenceProvider{next: 1}
}

func (p *SequenceProvider) NewID() (catalog.ID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, err := catalog.NewOfflineID(fmt.Sprintf("%s%d", catalog.OfflinePrefix, p.next))
	if err != nil {
		return catalog.ID{}, err
	}
	p.next++
	return id, nil
}
