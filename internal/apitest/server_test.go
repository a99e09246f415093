package apitest

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/MarcoPoloResearchLab/teasync/internal/api"
	"github.com/MarcoPoloResearchLab/teasync/internal/auth"
	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
)

func TestServerResolvesNestedVendorByName(t *testing.T) {
	server := NewServer(t)
	server.Seed(catalog.KindVendor, catalog.Vendor{Name: "Yunnan Sourcing"})
	client := server.Client(t, nil)

	offlineVendor, _ := catalog.NewOfflineID("off-vendor")
	tea := catalog.Tea{Name: "Jingmai", Category: 2, Vendor: &catalog.Vendor{ID: offlineVendor, Name: "Yunnan Sourcing"}}
	outbound, err := tea.Outbound()
	if err != nil {
		t.Fatalf("outbound failed: %v", err)
	}
	created, err := api.CreateRecord(context.Background(), client, catalog.KindTea, outbound)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if !created.ID.IsServer() || created.Vendor == nil || created.Vendor.ID.Server() != 1 {
		t.Fatalf("expected vendor matched by name, got %#v", created.Vendor)
	}
	if vendors := server.Records(catalog.KindVendor); len(vendors) != 1 {
		t.Fatalf("expected no duplicate vendor, got %d", len(vendors))
	}
}

func TestServerInjectsFailures(t *testing.T) {
	server := NewServer(t)
	server.Fail(http.MethodGet, "/tea/", http.StatusInternalServerError)
	client := server.Client(t, nil)

	_, err := api.ListRecords[catalog.Tea](context.Background(), client, catalog.KindTea)
	if !api.IsTransient(err) {
		t.Fatalf("expected transient failure, got %v", err)
	}
	server.Recover(http.MethodGet, "/tea/")
	if _, err := api.ListRecords[catalog.Tea](context.Background(), client, catalog.KindTea); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if count := server.RequestCount(http.MethodGet, "/tea/"); count != 2 {
		t.Fatalf("expected 2 logged requests, got %d", count)
	}
}

func TestNetworkSwitchBlocksRequests(t *testing.T) {
	server := NewServer(t)
	network := NewNetworkSwitch(server.Client(t, nil))
	network.SetOffline(true)

	_, err := network.Do(context.Background(), http.MethodGet, "/vendor/", nil)
	if !errors.Is(err, api.ErrUnreachable) {
		t.Fatalf("expected unreachable, got %v", err)
	}
	if len(server.Requests()) != 0 {
		t.Fatalf("offline requests must not reach the server")
	}
}

func TestServerRefreshesRevokedAccessToken(t *testing.T) {
	server := NewServer(t)
	server.RequireAuth("user@example.com", "secret")
	tokens, err := server.IssueTokens("user@example.com")
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	server.RevokeAccessTokens()

	credentials := &staticCredentials{tokens: tokens}
	client := server.Client(t, credentials)
	response, err := client.Do(context.Background(), http.MethodGet, "/tea/", nil)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if !response.OK() {
		t.Fatalf("expected refreshed request to succeed, got %d", response.Status)
	}
	if credentials.tokens.Access == tokens.Access {
		t.Fatalf("expected a new access token")
	}
	if server.RequestCount(http.MethodPost, "/token/refresh/") != 1 {
		t.Fatalf("expected exactly one refresh")
	}
}

type staticCredentials struct {
	tokens auth.Tokens
}

func (s *staticCredentials) Tokens() auth.Tokens { return s.tokens }

func (s *staticCredentials) AccessExpired() bool { return false }

func (s *staticCredentials) UpdateAccess(_ context.Context, access string) error {
	s.tokens.Access = access
	return nil
}

func (s *staticCredentials) Save(_ context.Context, tokens auth.Tokens) error {
	s.tokens = tokens
	return nil
}

func (s *staticCredentials) Clear(context.Context) error {
	s.tokens = auth.Tokens{}
	return nil
}
