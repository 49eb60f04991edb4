package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/platelens/platelens/pkg/pipeline"
)

// maxImageBytes caps uploaded images at 10 MiB.
const maxImageBytes = 10 << 20

// processNewSession accepts an image upload and starts the pipeline under a
// server-generated session identifier.
func (s *Server) processNewSession(c *gin.Context) {
	s.process(c, uuid.New().String())
}

// processWithSession accepts an image upload for a client-supplied session
// identifier (query parameter or form field "session_id").
func (s *Server) processWithSession(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		sessionID = c.PostForm("session_id")
	}
	s.process(c, sessionID)
}

// processResponse augments the pipeline result with the stream URL the
// client attaches to for live progress.
type processResponse struct {
	*pipeline.Result
	StreamURL string `json:"stream_url"`
}

func (s *Server) process(c *gin.Context, sessionID string) {
	image, filename, err := readImageUpload(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.processor.Process(c.Request.Context(), sessionID, image, filename)
	if err != nil {
		if errorType, ok := submissionErrorType(err); ok {
			s.rejectDuplicate(c, sessionID, errorType, err)
			return
		}
		status, message := mapError(err)
		c.JSON(status, gin.H{"error": message, "session_id": sessionID})
		return
	}
	c.JSON(http.StatusOK, processResponse{
		Result:    result,
		StreamURL: "/sse/stream/" + result.SessionID,
	})
}

// rejectDuplicate answers a guarded re-submission with the error_type and
// the session's existing state.
func (s *Server) rejectDuplicate(c *gin.Context, sessionID, errorType string, err error) {
	body := gin.H{
		"error_type": errorType,
		"error":      err.Error(),
		"session_id": sessionID,
	}
	if session, lookupErr := s.sessions.GetByID(c.Request.Context(), sessionID); lookupErr == nil && session != nil {
		body["status"] = session.Status
		body["current_stage"] = session.CurrentStage
	}
	c.JSON(http.StatusBadRequest, body)
}

// readImageUpload extracts the uploaded image from the multipart form
// field "file", falling back to the raw request body.
func readImageUpload(c *gin.Context) ([]byte, string, error) {
	if file, err := c.FormFile("file"); err == nil {
		if file.Size > maxImageBytes {
			return nil, "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
		}
		f, err := file.Open()
		if err != nil {
			return nil, "", fmt.Errorf("open upload: %w", err)
		}
		defer func() { _ = f.Close() }()
		data, err := io.ReadAll(io.LimitReader(f, maxImageBytes+1))
		if err != nil {
			return nil, "", fmt.Errorf("read upload: %w", err)
		}
		return data, file.Filename, nil
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxImageBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read request body: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	return data, "", nil
}

// sessionStatus returns the session's lifecycle state and stage results.
func (s *Server) sessionStatus(c *gin.Context) {
	sessionID := c.Param("session_id")
	session, err := s.sessions.GetByID(c.Request.Context(), sessionID)
	if err != nil {
		status, message := mapError(err)
		c.JSON(status, gin.H{"error": message})
		return
	}
	if session == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, session)
}

// sessionItems lists every menu item of a session.
func (s *Server) sessionItems(c *gin.Context) {
	sessionID := c.Param("session_id")
	items, err := s.items.ListBySession(c.Request.Context(), sessionID)
	if err != nil {
		status, message := mapError(err)
		c.JSON(status, gin.H{"error": message})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "items": items, "count": len(items)})
}

// menuItem returns one menu item with whatever enrichment has landed so far.
func (s *Server) menuItem(c *gin.Context) {
	itemID := c.Param("item_id")
	item, err := s.items.GetByID(c.Request.Context(), itemID)
	if err != nil {
		status, message := mapError(err)
		c.JSON(status, gin.H{"error": message})
		return
	}
	if item == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "menu item not found"})
		return
	}
	c.JSON(http.StatusOK, item)
}
