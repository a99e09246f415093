package auth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/teasync/internal/database"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const testSigningSecret = "credentials-secret"

func TestCredentialsPersistAcrossLoad(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Unix(1700000000, 0)

	first := mustCredentials(t, store, now)
	access := mintToken(t, "7", now.Add(time.Hour))
	if err := first.Save(ctx, Tokens{Access: access, Refresh: "refresh-1"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	second := mustCredentials(t, store, now)
	if err := second.Load(ctx); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if second.Tokens().Refresh != "refresh-1" || !second.Authenticated() {
		t.Fatalf("expected persisted tokens, got %#v", second.Tokens())
	}
	claims, err := second.Claims()
	if err != nil {
		t.Fatalf("claims failed: %v", err)
	}
	if claims.User() != "7" {
		t.Fatalf("expected user 7, got %s", claims.User())
	}
}

func TestCredentialsAccessExpired(t *testing.T) {
	store := newTestStore(t)
	now := time.Unix(1700000000, 0)
	credentials := mustCredentials(t, store, now)
	ctx := context.Background()

	if err := credentials.Save(ctx, Tokens{Access: mintToken(t, "1", now.Add(time.Hour)), Refresh: "r"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if credentials.AccessExpired() {
		t.Fatalf("fresh token should not be expired")
	}

	if err := credentials.UpdateAccess(ctx, mintToken(t, "1", now.Add(5*time.Second))); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !credentials.AccessExpired() {
		t.Fatalf("token inside leeway should count as expired")
	}
	if credentials.Tokens().Refresh != "r" {
		t.Fatalf("refresh token should be kept on access update")
	}

	if err := credentials.UpdateAccess(ctx, "not-a-jwt"); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if !credentials.AccessExpired() {
		t.Fatalf("malformed token should be treated as expired")
	}
}

func TestCredentialsClear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	credentials := mustCredentials(t, store, time.Now())
	if err := credentials.Save(ctx, Tokens{Access: "a", Refresh: "b"}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := credentials.Clear(ctx); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	if credentials.Authenticated() {
		t.Fatalf("expected credentials to be cleared")
	}
	if _, found, _ := store.GetItem(ctx, StorageKey); found {
		t.Fatalf("expected stored tokens to be removed")
	}
	if _, err := credentials.Claims(); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected not authenticated, got %v", err)
	}
}

func mintToken(t *testing.T, userID string, expiresAt time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	})
	signed, err := token.SignedString([]byte(testSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func mustCredentials(t *testing.T, store database.Store, now time.Time) *Credentials {
	t.Helper()
	credentials, err := NewCredentials(CredentialsConfig{
		Store: store,
		Clock: func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to build credentials: %v", err)
	}
	return credentials
}

func newTestStore(t *testing.T) database.Store {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "auth.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	store, err := database.NewSQLStore(db, nil)
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	return store
}
