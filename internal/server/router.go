package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/teasync/internal/api"
	"github.com/MarcoPoloResearchLab/teasync/internal/cache"
	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
	"github.com/MarcoPoloResearchLab/teasync/internal/clocks"
	"github.com/MarcoPoloResearchLab/teasync/internal/editor"
	"github.com/MarcoPoloResearchLab/teasync/internal/notify"
	"github.com/MarcoPoloResearchLab/teasync/internal/queue"
	"github.com/MarcoPoloResearchLab/teasync/internal/syncer"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultHeartbeatInterval = 25 * time.Second

var (
	errMissingSyncRunner = errors.New("sync runner dependency required")
	errMissingCache      = errors.New("cache dependency required")
	errMissingEditor     = errors.New("editor dependency required")
	errMissingClocks     = errors.New("clocks dependency required")
	errMissingFeed       = errors.New("notification feed dependency required")
)

// SyncRunner runs sync cycles and reports their state.
type SyncRunner interface {
	Sync(ctx context.Context) syncer.Result
	Status() syncer.Status
}

type Dependencies struct {
	Sync              SyncRunner
	Cache             *cache.Store
	Editor            *editor.Editor
	Clocks            *clocks.Service
	Feed              *notify.Feed
	Logger            *zap.Logger
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
}

// NewHTTPHandler exposes the engine to a local UI process.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sync == nil:
		return nil, errMissingSyncRunner
	case deps.Cache == nil:
		return nil, errMissingCache
	case deps.Editor == nil:
		return nil, errMissingEditor
	case deps.Clocks == nil:
		return nil, errMissingClocks
	case deps.Feed == nil:
		return nil, errMissingFeed
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		sync:      deps.Sync,
		cache:     deps.Cache,
		editor:    deps.Editor,
		clocks:    deps.Clocks,
		feed:      deps.Feed,
		logger:    logger,
		heartbeat: heartbeat,
	}

	router.GET("/status", handler.handleStatus)
	router.GET("/state/:kind", handler.handleState)
	router.GET("/events", handler.handleEvents)
	router.GET("/notifications", handler.handleNotifications)
	router.POST("/sync", handler.handleSync)

	router.GET("/clocks", handler.handleListClocks)
	router.POST("/clocks/:id", handler.handleStartClock)
	router.DELETE("/clocks/:id", handler.handleStopClock)

	router.POST("/:kind", handler.handleCreate)
	router.PUT("/:kind/:id", handler.handleUpdate)
	router.PUT("/:kind/:id/rating", handler.handleRate)
	router.DELETE("/:kind/:id", handler.handleDelete)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Accept", "Cache-Control"},
		MaxAge:       12 * time.Hour,
	}
	if len(allowedOrigins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = allowedOrigins
	}
	return cors.New(config)
}

type httpHandler struct {
	sync      SyncRunner
	cache     *cache.Store
	editor    *editor.Editor
	clocks    *clocks.Service
	feed      *notify.Feed
	logger    *zap.Logger
	heartbeat time.Duration
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.sync.Status())
}

func (h *httpHandler) handleState(c *gin.Context) {
	kind, ok := parseKindParam(c)
	if !ok {
		return
	}
	snapshot, err := h.cache.Snapshot(kind)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_kind"})
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (h *httpHandler) handleNotifications(c *gin.Context) {
	c.JSON(http.StatusOK, h.feed.Drain())
}

type promotionPayload struct {
	Kind string     `json:"kind"`
	From catalog.ID `json:"from"`
	To   catalog.ID `json:"to"`
}

type removalPayload struct {
	Kind string     `json:"kind"`
	ID   catalog.ID `json:"id"`
}

type failurePayload struct {
	Kind       string     `json:"kind"`
	ID         catalog.ID `json:"id"`
	Error      string     `json:"error"`
	Validation bool       `json:"validation"`
}

type syncResponsePayload struct {
	State    syncer.State       `json:"state"`
	Error    string             `json:"error,omitempty"`
	Uploaded []promotionPayload `json:"uploaded"`
	Removed  []removalPayload   `json:"removed"`
	Failed   []failurePayload   `json:"failed"`
}

func (h *httpHandler) handleSync(c *gin.Context) {
	result := h.sync.Sync(c.Request.Context())
	if errors.Is(result.Err, syncer.ErrSyncInProgress) {
		c.JSON(http.StatusConflict, gin.H{"state": result.State, "error": "sync_in_progress"})
		return
	}

	response := syncResponsePayload{
		State:    result.State,
		Uploaded: make([]promotionPayload, 0, len(result.Uploaded)),
		Removed:  make([]removalPayload, 0, len(result.Removed)),
		Failed:   make([]failurePayload, 0, len(result.Failed)),
	}
	if result.Err != nil {
		response.Error = notify.Message(result.Err)
	}
	for _, promotion := range result.Uploaded {
		response.Uploaded = append(response.Uploaded, promotionPayload{Kind: promotion.Kind.String(), From: promotion.From, To: promotion.To})
	}
	for _, removal := range result.Removed {
		response.Removed = append(response.Removed, removalPayload{Kind: removal.Kind.String(), ID: removal.ID})
	}
	for _, failure := range result.Failed {
		response.Failed = append(response.Failed, failurePayload{
			Kind:       failure.Kind.String(),
			ID:         failure.ID,
			Error:      notify.Message(failure.Err),
			Validation: failure.Validation(),
		})
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleCreate(c *gin.Context) {
	kind, ok := parseKindParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var (
		id  catalog.ID
		err error
	)
	switch kind {
	case catalog.KindTea:
		var tea catalog.Tea
		if err := c.ShouldBindJSON(&tea); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		id, err = h.editor.CreateTea(ctx, tea)
	case catalog.KindSession:
		var session catalog.Session
		if err := c.ShouldBindJSON(&session); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		id, err = h.editor.CreateSession(ctx, session)
	default:
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "read_only"})
		return
	}

	switch {
	case err != nil && id.IsZero():
		h.writeError(c, err)
	case err != nil:
		// Queued, but the server refused the immediate upload.
		c.JSON(http.StatusAccepted, gin.H{"id": id, "error": notify.Message(err)})
	default:
		c.JSON(http.StatusCreated, gin.H{"id": id})
	}
}

func (h *httpHandler) handleUpdate(c *gin.Context) {
	kind, ok := parseKindParam(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	switch kind {
	case catalog.KindTea:
		var tea catalog.Tea
		if err := c.ShouldBindJSON(&tea); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		updated, err := h.editor.EditTea(ctx, id, tea, "Tea successfully updated.")
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)
	case catalog.KindSession:
		var session catalog.Session
		if err := c.ShouldBindJSON(&session); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		updated, err := h.editor.EditSession(ctx, id, session, "")
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, updated)
	default:
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": "read_only"})
	}
}

type ratingRequestPayload struct {
	Stars *float64 `json:"stars"`
}

func (h *httpHandler) handleRate(c *gin.Context) {
	kind, ok := parseKindParam(c)
	if !ok {
		return
	}
	if kind != catalog.KindTea {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var request ratingRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Stars == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_rating"})
		return
	}
	updated, err := h.editor.Rate(c.Request.Context(), id, *request.Stars)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	kind, ok := parseKindParam(c)
	if !ok {
		return
	}
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	if err := h.editor.Delete(c.Request.Context(), kind, id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListClocks(c *gin.Context) {
	running, err := h.clocks.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, running)
}

type clockRequestPayload struct {
	Infusion int `json:"infusion"`
}

func (h *httpHandler) handleStartClock(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	var request clockRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	clock, err := h.clocks.Start(c.Request.Context(), id, request.Infusion)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, clock)
}

func (h *httpHandler) handleStopClock(c *gin.Context) {
	id, ok := parseIDParam(c)
	if !ok {
		return
	}
	if err := h.clocks.Stop(c.Request.Context(), id); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": notify.Message(err)})
}

func errorStatus(err error) int {
	var statusErr *api.StatusError
	switch {
	case errors.Is(err, editor.ErrNotFound), errors.Is(err, clocks.ErrClockNotFound):
		return http.StatusNotFound
	case errors.Is(err, editor.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, editor.ErrReadOnly), errors.Is(err, queue.ErrUnsupportedKind):
		return http.StatusMethodNotAllowed
	case errors.Is(err, catalog.ErrInvalidRecord),
		errors.Is(err, catalog.ErrInvalidRating),
		errors.Is(err, catalog.ErrInvalidID),
		errors.Is(err, catalog.ErrUnresolvedReference),
		errors.Is(err, clocks.ErrInvalidClock):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, api.ErrUnreachable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	case errors.As(err, &statusErr):
		if statusErr.Validation() {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func parseKindParam(c *gin.Context) (catalog.Kind, bool) {
	kind, err := catalog.ParseKind(c.Param("kind"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_kind"})
		return 0, false
	}
	return kind, true
}

func parseIDParam(c *gin.Context) (catalog.ID, bool) {
	id, err := catalog.ParseID(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_id"})
		return catalog.ID{}, false
	}
	return id, true
}
