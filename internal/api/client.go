package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/teasync/internal/auth"
	"go.uber.org/zap"
)

const (
	defaultRequestTimeout = 5 * time.Second
	refreshPath           = "/token/refresh/"
	loginPath             = "/login/"
)

var errMissingBaseURL = errors.New("api: base url required")

// Requester issues one request against the REST API. Non-2xx responses are
// returned, not errors; transport failures are errors wrapping ErrUnreachable.
type Requester interface {
	Do(ctx context.Context, method, path string, body any) (*Response, error)
}

// CredentialStore is the token holder the client reads and refreshes.
type CredentialStore interface {
	Tokens() auth.Tokens
	AccessExpired() bool
	UpdateAccess(ctx context.Context, access string) error
	Save(ctx context.Context, tokens auth.Tokens) error
	Clear(ctx context.Context) error
}

// ClientConfig configures the REST client.
type ClientConfig struct {
	BaseURL     string
	HTTPClient  *http.Client
	Timeout     time.Duration
	Credentials CredentialStore
	Logger      *zap.Logger
	// OnLogout runs after a failed refresh cleared the credentials.
	OnLogout func()
}

// Client talks to the tea API with bearer tokens, refreshing the access token once when rejected.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	timeout     time.Duration
	credentials CredentialStore
	logger      *zap.Logger
	onLogout    func()

	refreshMu sync.Mutex
}

// NewClient constructs a Client.
func NewClient(cfg ClientConfig) (*Client, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:     baseURL,
		httpClient:  httpClient,
		timeout:     timeout,
		credentials: cfg.Credentials,
		logger:      logger,
		onLogout:    cfg.OnLogout,
	}, nil
}

// Do sends the request. An expired access token is refreshed before sending and
// a "token_not_valid" rejection triggers one refresh and one retry.
func (c *Client) Do(ctx context.Context, method, path string, body any) (*Response, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return nil, err
	}

	if c.credentials != nil && c.credentials.Tokens().Access != "" && c.credentials.AccessExpired() {
		if err := c.refresh(ctx, c.credentials.Tokens().Access); err != nil {
			return nil, err
		}
	}

	access := c.accessToken()
	response, err := c.send(ctx, method, path, payload, access)
	if err != nil {
		return nil, err
	}
	if response.Status != http.StatusUnauthorized || response.errorCode() != tokenNotValidCode || c.credentials == nil {
		return response, nil
	}

	c.logger.Debug("access token rejected, refreshing",
		zap.String("method", method),
		zap.String("path", path),
	)
	if err := c.refresh(ctx, access); err != nil {
		return nil, err
	}
	return c.send(ctx, method, path, payload, c.accessToken())
}

// Login exchanges email and password for a token pair and stores it.
func (c *Client) Login(ctx context.Context, email, password string) (auth.Tokens, error) {
	payload, err := encodeBody(map[string]string{"email": email, "password": password})
	if err != nil {
		return auth.Tokens{}, err
	}
	response, err := c.send(ctx, http.MethodPost, loginPath, payload, "")
	if err != nil {
		return auth.Tokens{}, err
	}
	if err := response.Err(http.MethodPost, loginPath); err != nil {
		return auth.Tokens{}, err
	}
	var tokens auth.Tokens
	if err := response.JSON(&tokens); err != nil {
		return auth.Tokens{}, fmt.Errorf("api: decode login response: %w", err)
	}
	if c.credentials != nil {
		if err := c.credentials.Save(ctx, tokens); err != nil {
			return auth.Tokens{}, err
		}
	}
	return tokens, nil
}

func (c *Client) accessToken() string {
	if c.credentials == nil {
		return ""
	}
	return c.credentials.Tokens().Access
}

// refresh obtains a new access token. Concurrent callers that observed the same
// stale token share one refresh.
func (c *Client) refresh(ctx context.Context, staleAccess string) error {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	tokens := c.credentials.Tokens()
	if tokens.Access != "" && tokens.Access != staleAccess {
		return nil
	}
	if tokens.Refresh == "" {
		return c.logout(ctx, auth.ErrMissingRefreshToken)
	}

	payload, err := encodeBody(map[string]string{"refresh": tokens.Refresh})
	if err != nil {
		return err
	}
	response, err := c.send(ctx, http.MethodPost, refreshPath, payload, "")
	if err != nil {
		return err
	}
	if !response.OK() {
		return c.logout(ctx, response.Err(http.MethodPost, refreshPath))
	}

	var refreshed struct {
		Access string `json:"access"`
	}
	if err := response.JSON(&refreshed); err != nil || refreshed.Access == "" {
		return c.logout(ctx, fmt.Errorf("api: malformed refresh response"))
	}
	return c.credentials.UpdateAccess(ctx, refreshed.Access)
}

func (c *Client) logout(ctx context.Context, cause error) error {
	c.logger.Warn("token refresh failed, clearing credentials", zap.Error(cause))
	if err := c.credentials.Clear(ctx); err != nil {
		c.logger.Error("failed to clear credentials", zap.Error(err))
	}
	if c.onLogout != nil {
		c.onLogout()
	}
	return fmt.Errorf("%w: %v", ErrSessionExpired, cause)
}

func (c *Client) send(ctx context.Context, method, path string, payload []byte, access string) (*Response, error) {
	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	request, err := http.NewRequestWithContext(requestCtx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("api: build request: %w", err)
	}
	request.Header.Set("Accept", "application/json")
	if payload != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if access != "" {
		request.Header.Set("Authorization", "Bearer "+access)
	}

	httpResponse, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrUnreachable, method, path, err)
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: read body: %v", ErrUnreachable, method, path, err)
	}
	return &Response{Status: httpResponse.StatusCode, Body: body}, nil
}

func encodeBody(body any) ([]byte, error) {
	switch typed := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return typed, nil
	case json.RawMessage:
		return typed, nil
	default:
		payload, err := json.Marshal(typed)
		if err != nil {
			return nil, fmt.Errorf("api: encode body: %w", err)
		}
		return payload, nil
	}
}
