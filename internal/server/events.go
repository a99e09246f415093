package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/teasync/internal/cache"
	"github.com/MarcoPoloResearchLab/teasync/internal/catalog"
	"github.com/gin-gonic/gin"
)

const (
	EventCacheChange = "cache-change"
	eventReady       = "ready"
	eventHeartbeat   = "heartbeat"
)

type changeEventPayload struct {
	Kind   string    `json:"kind"`
	Action string    `json:"action"`
	IDs    []string  `json:"ids"`
	At     time.Time `json:"at"`
}

// handleEvents streams cache changes as server-sent events. The optional
// "kind" query parameter takes a comma separated list of kinds.
func (h *httpHandler) handleEvents(c *gin.Context) {
	kinds, err := parseKinds(c.Query("kind"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_kind"})
		return
	}

	ctx := c.Request.Context()
	stream, cleanup := h.cache.Dispatcher().Subscribe(ctx, kinds...)
	defer cleanup()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.SSEvent(eventReady, gin.H{"at": time.Now().UTC()})
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case change, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(EventCacheChange, newChangeEventPayload(change))
			return true
		case now := <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"at": now.UTC()})
			return true
		}
	})
}

func newChangeEventPayload(change cache.Change) changeEventPayload {
	ids := make([]string, 0, len(change.IDs))
	for _, id := range change.IDs {
		ids = append(ids, id.String())
	}
	return changeEventPayload{
		Kind:   change.Kind.String(),
		Action: string(change.Action),
		IDs:    ids,
		At:     change.At.UTC(),
	}
}

func parseKinds(raw string) ([]catalog.Kind, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var kinds []catalog.Kind
	for _, part := range strings.Split(raw, ",") {
		kind, err := catalog.ParseKind(part)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, kind)
	}
	return kinds, nil
}
