package api

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/platelens/platelens/pkg/events"
)

// stream serves the session event stream over SSE. The gateway drives the
// connection: greeting, history replay, live events, heartbeats. Each event
// is framed as "event: <type>\ndata: <json>\n\n" and flushed immediately.
func (s *Server) stream(c *gin.Context) {
	sessionID := c.Param("session_id")
	if err := events.ValidateSessionID(sessionID); err != nil {
		status, message := mapError(err)
		c.JSON(status, gin.H{"error": message})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	// Serialize writes: the gateway invokes send from its own goroutine only,
	// but the mutex keeps the framing safe if that ever changes.
	var mu sync.Mutex
	send := func(eventType string, payload []byte) error {
		mu.Lock()
		defer mu.Unlock()
		if _, err := fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", eventType, payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	// Stream blocks until the client disconnects or the bus drops the
	// subscription; either way the response is already committed.
	_ = s.gateway.Stream(c.Request.Context(), sessionID, send)
}
