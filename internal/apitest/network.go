package apitest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/teasync/internal/api"
)

// NetworkSwitch wraps a Requester and simulates losing connectivity.
// While offline no request reaches the server or its request log.
type NetworkSwitch struct {
	next api.Requester

	mu      sync.RWMutex
	offline bool
}

// NewNetworkSwitch wraps next. The switch starts online.
func NewNetworkSwitch(next api.Requester) *NetworkSwitch {
	return &NetworkSwitch{next: next}
}

// SetOffline toggles connectivity.
func (n *NetworkSwitch) SetOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *NetworkSwitch) Do(ctx context.Context, method, path string, body any) (*api.Response, error) {
	n.mu.RLock()
	offline := n.offline
	n.mu.RUnlock()
	if offline {
		return nil, fmt.Errorf("%w: %s %s: network is offline", api.ErrUnreachable, method, path)
	}
	return n.next.Do(ctx, method, path, body)
}

// Client returns an api.Client pointed at the fake server.
func (s *Server) Client(t testing.TB, credentials api.CredentialStore) *api.Client {
	t.Helper()
	client, err := api.NewClient(api.ClientConfig{BaseURL: s.URL, Credentials: credentials})
	if err != nil {
		t.Fatalf("failed to build api client: %v", err)
	}
	return client
}
