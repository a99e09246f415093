// Package apitest provides an in-process fake of the tea REST API for tests.
package apitest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/teasync/internal/auth"
	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
	"github.com/gin-gonic/gin"
)

const testSigningSecret = "apitest-signing-secret"

// Request is one request observed by the fake API.
type Request struct {
	Method string
	Path   string
	Body   []byte
}

// Server is a gin backed fake of the tea API with in-memory lists,
// failure injection and a request log.
type Server struct {
	URL string

	httpServer *httptest.Server
	issuer     *tokenIssuer

	mu          sync.Mutex
	records     map[catalog.Kind][]map[string]any
	nextID      int64
	failures    map[string]int
	gates       map[string]*Gate
	requests    []Request
	requireAuth bool
	email       string
	password    string
}

// NewServer starts a fake API that is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	server := &Server{
		issuer:   newTokenIssuer(testSigningSecret, time.Now),
		records:  make(map[catalog.Kind][]map[string]any),
		nextID:   1,
		failures: make(map[string]int),
		gates:    make(map[string]*Gate),
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(server.recordRequest, server.holdRequest, server.injectFailure)
	router.POST("/login/", server.handleLogin)
	router.POST("/token/refresh/", server.handleRefresh)

	for _, kind := range catalog.Kinds {
		group := router.Group(kind.Endpoint(), server.authorize)
		group.GET("", func(c *gin.Context) { server.handleList(c, kind) })
		if kind.SupportsOffline() {
			group.POST("", func(c *gin.Context) { server.handleCreate(c, kind) })
		}
		if kind == catalog.KindTea || kind == catalog.KindSession {
			group.PUT(":id/", func(c *gin.Context) { server.handleUpdate(c, kind) })
			group.DELETE(":id/", func(c *gin.Context) { server.handleDelete(c, kind) })
		}
	}

	server.httpServer = httptest.NewServer(router)
	server.URL = server.httpServer.URL
	t.Cleanup(server.Close)
	return server
}

// Close stops the server. Held requests are released first.
func (s *Server) Close() {
	s.mu.Lock()
	for key, gate := range s.gates {
		gate.Release()
		delete(s.gates, key)
	}
	s.mu.Unlock()
	s.httpServer.Close()
}

// RequireAuth makes every resource route demand a valid bearer token and
// enables POST /login/ for the given account.
func (s *Server) RequireAuth(email, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireAuth = true
	s.email = email
	s.password = password
}

// IssueTokens mints a valid token pair for userID.
func (s *Server) IssueTokens(userID string) (auth.Tokens, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueTokensLocked(userID)
}

// RevokeAccessTokens invalidates all access tokens issued so far. Refresh tokens stay valid.
func (s *Server) RevokeAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issuer.revoke(accessTokenType)
}

// RevokeRefreshTokens invalidates all refresh tokens issued so far.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.issuer.revoke(refreshTokenType)
}

// Seed stores records as if they had been created on the server. Records
// without an id get the next server id.
func (s *Server) Seed(kind catalog.Kind, records ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, record := range records {
		encoded, err := json.Marshal(record)
		if err != nil {
			panic(err)
		}
		fields := map[string]any{}
		if err := json.Unmarshal(encoded, &fields); err != nil {
			panic(err)
		}
		s.insertLocked(kind, fields)
	}
}

// Fail makes every request matching method and path answer with status until Recover.
func (s *Server) Fail(method, path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method+" "+path] = status
}

// Recover removes an injected failure.
func (s *Server) Recover(method, path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failures, method+" "+path)
}

// Hold parks requests matching method and path until the returned gate is released.
func (s *Server) Hold(method, path string) *Gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	gate := &Gate{arrived: make(chan struct{}, 64), release: make(chan struct{})}
	s.gates[method+" "+path] = gate
	return gate
}

// Requests returns a copy of the request log.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// RequestCount counts logged requests matching method and path.
func (s *Server) RequestCount(method, path string) int {
	count := 0
	for _, request := range s.Requests() {
		if request.Method == method && request.Path == path {
			count++
		}
	}
	return count
}

// ResetRequests clears the request log.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

// Records returns a copy of the stored records of kind.
func (s *Server) Records(kind catalog.Kind) []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]any, 0, len(s.records[kind]))
	for _, record := range s.records[kind] {
		out = append(out, cloneFields(record))
	}
	return out
}

// Gate holds matching requests until released.
type Gate struct {
	arrived chan struct{}
	release chan struct{}
	once    sync.Once
}

// Arrived receives once per request parked at the gate.
func (g *Gate) Arrived() <-chan struct{} {
	return g.arrived
}

// Release lets parked and future requests through.
func (g *Gate) Release() {
	g.once.Do(func() { close(g.release) })
}

func (s *Server) recordRequest(c *gin.Context) {
	var body []byte
	if c.Request.Body != nil {
		body, _ = io.ReadAll(c.Request.Body)
		c.Request.Body = io.NopCloser(strings.NewReader(string(body)))
	}
	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: c.Request.Method, Path: c.Request.URL.Path, Body: body})
	s.mu.Unlock()
	c.Next()
}

func (s *Server) holdRequest(c *gin.Context) {
	s.mu.Lock()
	gate := s.gates[c.Request.Method+" "+c.Request.URL.Path]
	s.mu.Unlock()
	if gate == nil {
		c.Next()
		return
	}
	select {
	case gate.arrived <- struct{}{}:
	default:
	}
	select {
	case <-gate.release:
	case <-c.Request.Context().Done():
		c.Abort()
		return
	}
	c.Next()
}

func (s *Server) injectFailure(c *gin.Context) {
	s.mu.Lock()
	status, failing := s.failures[c.Request.Method+" "+c.Request.URL.Path]
	s.mu.Unlock()
	if !failing {
		c.Next()
		return
	}
	body := gin.H{"detail": http.StatusText(status)}
	if status == http.StatusBadRequest {
		body = gin.H{"name": []string{"This field is required."}}
	}
	c.AbortWithStatusJSON(status, body)
}

func (s *Server) authorize(c *gin.Context) {
	s.mu.Lock()
	required := s.requireAuth
	s.mu.Unlock()
	if !required {
		c.Next()
		return
	}
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Authentication credentials were not provided."})
		return
	}
	s.mu.Lock()
	_, err := s.issuer.validate(strings.TrimPrefix(header, "Bearer "), accessTokenType)
	s.mu.Unlock()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"detail": "Given token not valid for any token type",
			"code":   "token_not_valid",
		})
		return
	}
	c.Next()
}

type loginPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(c *gin.Context) {
	var request loginPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"non_field_errors": []string{"Invalid request."}})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if request.Email != s.email || request.Password != s.password {
		c.JSON(http.StatusBadRequest, gin.H{"non_field_errors": []string{"Unable to log in with provided credentials."}})
		return
	}
	tokens, err := s.issueTokensLocked(request.Email)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tokens)
}

func (s *Server) handleRefresh(c *gin.Context) {
	var request struct {
		Refresh string `json:"refresh"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"refresh": []string{"This field is required."}})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, err := s.issuer.validate(request.Refresh, refreshTokenType)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Token is invalid or expired", "code": "token_not_valid"})
		return
	}
	access, err := s.issuer.issue(userID, accessTokenType)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access": access})
}

func (s *Server) handleList(c *gin.Context, kind catalog.Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]map[string]any, 0, len(s.records[kind]))
	list = append(list, s.records[kind]...)
	c.JSON(http.StatusOK, list)
}

func (s *Server) handleCreate(c *gin.Context, kind catalog.Kind) {
	fields := map[string]any{}
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"non_field_errors": []string{"Invalid JSON."}})
		return
	}
	if name, ok := fields["name"].(string); kind != catalog.KindSession && (!ok || strings.TrimSpace(name) == "") {
		c.JSON(http.StatusBadRequest, gin.H{"name": []string{"This field is required."}})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(fields, "id")
	if kind == catalog.KindTea {
		s.resolveNestedLocked(fields, "subcategory", catalog.KindSubcategory)
		s.resolveNestedLocked(fields, "vendor", catalog.KindVendor)
	}
	if _, ok := fields["created_on"]; !ok {
		fields["created_on"] = time.Now().UTC().Format(time.RFC3339)
	}
	record := s.insertLocked(kind, fields)
	c.JSON(http.StatusCreated, record)
}

func (s *Server) handleUpdate(c *gin.Context, kind catalog.Kind) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return
	}
	fields := map[string]any{}
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"non_field_errors": []string{"Invalid JSON."}})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.indexLocked(kind, id)
	if index < 0 {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return
	}
	record := s.records[kind][index]
	for key, value := range fields {
		record[key] = value
	}
	record["id"] = id
	c.JSON(http.StatusOK, cloneFields(record))
}

func (s *Server) handleDelete(c *gin.Context, kind catalog.Kind) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	index := s.indexLocked(kind, id)
	if index < 0 {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Not found."})
		return
	}
	s.records[kind] = append(s.records[kind][:index], s.records[kind][index+1:]...)
	c.Status(http.StatusNoContent)
}

// resolveNestedLocked matches a nested subcategory or vendor by name,
// creating it when unknown.
func (s *Server) resolveNestedLocked(fields map[string]any, field string, kind catalog.Kind) {
	nested, ok := fields[field].(map[string]any)
	if !ok {
		return
	}
	if id, ok := numericID(nested["id"]); ok && s.indexLocked(kind, id) >= 0 {
		return
	}
	name, _ := nested["name"].(string)
	for _, existing := range s.records[kind] {
		if existing["name"] == name {
			fields[field] = cloneFields(existing)
			return
		}
	}
	delete(nested, "id")
	fields[field] = cloneFields(s.insertLocked(kind, nested))
}

func (s *Server) insertLocked(kind catalog.Kind, fields map[string]any) map[string]any {
	id, ok := numericID(fields["id"])
	if !ok {
		id = s.nextID
	}
	if id >= s.nextID {
		s.nextID = id + 1
	}
	fields["id"] = id
	s.records[kind] = append(s.records[kind], fields)
	return cloneFields(fields)
}

func (s *Server) indexLocked(kind catalog.Kind, id int64) int {
	for index, record := range s.records[kind] {
		if existing, ok := numericID(record["id"]); ok && existing == id {
			return index
		}
	}
	return -1
}

func (s *Server) issueTokensLocked(userID string) (auth.Tokens, error) {
	access, err := s.issuer.issue(userID, accessTokenType)
	if err != nil {
		return auth.Tokens{}, err
	}
	refresh, err := s.issuer.issue(userID, refreshTokenType)
	if err != nil {
		return auth.Tokens{}, err
	}
	return auth.Tokens{Access: access, Refresh: refresh}, nil
}

func numericID(value any) (int64, bool) {
	switch typed := value.(type) {
	case float64:
		return int64(typed), typed > 0
	case int64:
		return typed, typed > 0
	case int:
		return int64(typed), typed > 0
	case json.Number:
		parsed, err := typed.Int64()
		return parsed, err == nil && parsed > 0
	default:
		return 0, false
	}
}

func cloneFields(fields map[string]any) map[string]any {
	encoded, err := json.Marshal(fields)
	if err != nil {
		panic(err)
	}
	clone := map[string]any{}
	if err := json.Unmarshal(encoded, &clone); err != nil {
		panic(err)
	}
	return clone
}
