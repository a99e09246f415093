package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/teasync/internal/database"
	"github.com/golang-jwt/jwt/v5"
)

// StorageKey is the local store key holding the token pair.
const StorageKey = "user.auth"

const defaultExpiryLeeway = 10 * time.Second

var (
	ErrMissingStore        = errors.New("credentials: store required")
	ErrNotAuthenticated    = errors.New("credentials: not authenticated")
	ErrMalformedToken      = errors.New("credentials: malformed token")
	ErrMissingRefreshToken = errors.New("credentials: refresh token required")
)

// Tokens is the access/refresh pair issued by the API at login.
type Tokens struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Claims mirrors the access token payload issued by the API.
type Claims struct {
	UserID any    `json:"user_id"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// User returns the user identifier as a string regardless of its JSON type.
func (c Claims) User() string {
	switch value := c.UserID.(type) {
	case nil:
		return c.Subject
	case string:
		return value
	case float64:
		return fmt.Sprintf("%.0f", value)
	default:
		return fmt.Sprint(value)
	}
}

// CredentialsConfig describes how credentials are persisted.
type CredentialsConfig struct {
	Store  database.Store
	Clock  func() time.Time
	Leeway time.Duration
}

// Credentials holds the token pair in memory and mirrors it to the local store.
type Credentials struct {
	store  database.Store
	clock  func() time.Time
	leeway time.Duration

	mu     sync.RWMutex
	tokens Tokens
}

// NewCredentials constructs an empty credential holder. Call Load to restore persisted tokens.
func NewCredentials(cfg CredentialsConfig) (*Credentials, error) {
	if cfg.Store == nil {
		return nil, ErrMissingStore
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultExpiryLeeway
	}
	return &Credentials{store: cfg.Store, clock: clock, leeway: leeway}, nil
}

// Load restores the persisted token pair, if any.
func (c *Credentials) Load(ctx context.Context) error {
	var tokens Tokens
	if _, err := database.LoadJSON(ctx, c.store, StorageKey, &tokens); err != nil {
		return err
	}
	c.mu.Lock()
	c.tokens = tokens
	c.mu.Unlock()
	return nil
}

// Save replaces the token pair.
func (c *Credentials) Save(ctx context.Context, tokens Tokens) error {
	tokens.Access = strings.TrimSpace(tokens.Access)
	tokens.Refresh = strings.TrimSpace(tokens.Refresh)
	if tokens.Access == "" {
		return ErrNotAuthenticated
	}
	if err := database.SaveJSON(ctx, c.store, StorageKey, tokens); err != nil {
		return err
	}
	c.mu.Lock()
	c.tokens = tokens
	c.mu.Unlock()
	return nil
}

// UpdateAccess stores a refreshed access token, keeping the refresh token.
func (c *Credentials) UpdateAccess(ctx context.Context, access string) error {
	tokens := c.Tokens()
	tokens.Access = access
	return c.Save(ctx, tokens)
}

// Clear forgets the token pair (logout).
func (c *Credentials) Clear(ctx context.Context) error {
	c.mu.Lock()
	c.tokens = Tokens{}
	c.mu.Unlock()
	return c.store.RemoveItem(ctx, StorageKey)
}

// Tokens returns the current token pair.
func (c *Credentials) Tokens() Tokens {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tokens
}

// Authenticated reports whether an access token is held.
func (c *Credentials) Authenticated() bool {
	return c.Tokens().Access != ""
}

// Claims decodes the access token payload without verifying its signature;
// the API verifies it on every request.
func (c *Credentials) Claims() (Claims, error) {
	access := c.Tokens().Access
	if access == "" {
		return Claims{}, ErrNotAuthenticated
	}
	claims := Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(access, &claims); err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	return claims, nil
}

// AccessExpired reports whether the access token expires within the leeway.
// Tokens without an expiry never expire locally.
func (c *Credentials) AccessExpired() bool {
	claims, err := c.Claims()
	if err != nil {
		return errors.Is(err, ErrMalformedToken)
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return !c.clock().Add(c.leeway).Before(claims.ExpiresAt.Time)
}
