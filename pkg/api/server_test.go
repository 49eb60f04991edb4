package api

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platelens/platelens/pkg/bus"
	"github.com/platelens/platelens/pkg/events"
	"github.com/platelens/platelens/pkg/models"
	"github.com/platelens/platelens/pkg/pipeline"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

type fakeProcessor struct {
	lastSessionID string
	lastFilename  string
	err           error
}

func (f *fakeProcessor) Process(_ context.Context, sessionID string, image []byte, filename string) (*pipeline.Result, error) {
	f.lastSessionID = sessionID
	f.lastFilename = filename
	if f.err != nil {
		return nil, f.err
	}
	return &pipeline.Result{
		SessionID: sessionID,
		Status:    string(models.SessionStatusCompleted),
		ItemCount: 3,
	}, nil
}

type fakeSessionGetter struct {
	sessions map[string]*models.Session
}

func (f *fakeSessionGetter) GetByID(_ context.Context, sessionID string) (*models.Session, error) {
	return f.sessions[sessionID], nil
}

type fakeItemGetter struct {
	items map[string]*models.MenuItem
}

func (f *fakeItemGetter) GetByID(_ context.Context, itemID string) (*models.MenuItem, error) {
	return f.items[itemID], nil
}

func (f *fakeItemGetter) ListBySession(_ context.Context, sessionID string) ([]*models.MenuItem, error) {
	var out []*models.MenuItem
	for _, item := range f.items {
		if item.SessionID == sessionID {
			out = append(out, item)
		}
	}
	return out, nil
}

func testBus(t *testing.T) *bus.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return bus.NewClientFromRedis(rdb)
}

func testServer(t *testing.T, processor Processor, sessions SessionGetter, items ItemGetter) *Server {
	t.Helper()
	client := testBus(t)
	gateway := events.NewGateway(events.NewSubscriber(client), sessions, time.Hour)
	return NewServer(":0", processor, sessions, items, gateway, nil, client, nil)
}

func multipartImage(t *testing.T, field string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, "menu.png")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func doRequest(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.http.Handler.ServeHTTP(rec, req)
	return rec
}

func TestProcessNewSessionGeneratesID(t *testing.T) {
	processor := &fakeProcessor{}
	s := testServer(t, processor, &fakeSessionGetter{}, &fakeItemGetter{})

	body, contentType := multipartImage(t, "file", pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/pipeline/process", body)
	req.Header.Set("Content-Type", contentType)

	rec := doRequest(s, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var result processResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, result.SessionID, processor.lastSessionID)
	assert.Equal(t, "menu.png", processor.lastFilename)
	assert.Equal(t, "/sse/stream/"+result.SessionID, result.StreamURL)
}

func TestProcessWithSessionUsesClientID(t *testing.T) {
	processor := &fakeProcessor{}
	s := testServer(t, processor, &fakeSessionGetter{}, &fakeItemGetter{})

	body, contentType := multipartImage(t, "file", pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/pipeline/process-with-session?session_id=client-session-1", body)
	req.Header.Set("Content-Type", contentType)

	rec := doRequest(s, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "client-session-1", processor.lastSessionID)
}

func TestProcessErrorMapping(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		want          int
		wantErrorType string
	}{
		{"duplicate", pipeline.ErrDuplicateProcessing, http.StatusBadRequest, "duplicate_processing"},
		{"completed", pipeline.ErrAlreadyCompleted, http.StatusBadRequest, "already_completed"},
		{"validation", pipeline.NewValidationError("image", "must not be empty"), http.StatusBadRequest, ""},
		{"stage failure", &pipeline.StageError{Stage: models.StageKeyOCR}, http.StatusUnprocessableEntity, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testServer(t, &fakeProcessor{err: tt.err}, &fakeSessionGetter{}, &fakeItemGetter{})

			body, contentType := multipartImage(t, "file", pngHeader)
			req := httptest.NewRequest(http.MethodPost, "/pipeline/process", body)
			req.Header.Set("Content-Type", contentType)

			rec := doRequest(s, req)
			assert.Equal(t, tt.want, rec.Code)

			var resp map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			if tt.wantErrorType == "" {
				assert.NotContains(t, resp, "error_type")
			} else {
				assert.Equal(t, tt.wantErrorType, resp["error_type"])
			}
		})
	}
}

func TestProcessDuplicateReturnsExistingState(t *testing.T) {
	sessions := &fakeSessionGetter{sessions: map[string]*models.Session{
		"client-session-1": {
			ID:           "client-session-1",
			Status:       models.SessionStatusProcessing,
			CurrentStage: models.StageOCRCompleted,
		},
	}}
	s := testServer(t, &fakeProcessor{err: pipeline.ErrDuplicateProcessing}, sessions, &fakeItemGetter{})

	body, contentType := multipartImage(t, "file", pngHeader)
	req := httptest.NewRequest(http.MethodPost, "/pipeline/process-with-session?session_id=client-session-1", body)
	req.Header.Set("Content-Type", contentType)

	rec := doRequest(s, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "duplicate_processing", resp["error_type"])
	assert.Equal(t, string(models.SessionStatusProcessing), resp["status"])
	assert.Equal(t, models.StageOCRCompleted, resp["current_stage"])
}

func TestSessionStatus(t *testing.T) {
	sessions := &fakeSessionGetter{sessions: map[string]*models.Session{
		"session-1": {
			ID:           "session-1",
			Status:       models.SessionStatusProcessing,
			CurrentStage: models.StageOCRCompleted,
		},
	}}
	s := testServer(t, &fakeProcessor{}, sessions, &fakeItemGetter{})

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/pipeline/session/session-1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var session models.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, models.SessionStatusProcessing, session.Status)

	rec = doRequest(s, httptest.NewRequest(http.MethodGet, "/pipeline/session/unknown/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMenuItemLookup(t *testing.T) {
	translation := "sushi"
	items := &fakeItemGetter{items: map[string]*models.MenuItem{
		"item-1": {
			ID:           "item-1",
			SessionID:    "session-1",
			OriginalText: "寿司",
			Category:     "和食",
			Translation:  &translation,
		},
	}}
	s := testServer(t, &fakeProcessor{}, &fakeSessionGetter{}, items)

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/pipeline/menu-item/item-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var item models.MenuItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &item))
	assert.Equal(t, "寿司", item.OriginalText)
	require.NotNil(t, item.Translation)
	assert.Equal(t, "sushi", *item.Translation)

	rec = doRequest(s, httptest.NewRequest(http.MethodGet, "/pipeline/menu-item/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionItems(t *testing.T) {
	items := &fakeItemGetter{items: map[string]*models.MenuItem{
		"item-1": {ID: "item-1", SessionID: "session-1", OriginalText: "寿司"},
		"item-2": {ID: "item-2", SessionID: "session-2", OriginalText: "茶"},
	}}
	s := testServer(t, &fakeProcessor{}, &fakeSessionGetter{}, items)

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/pipeline/session/session-1/items", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Count int                `json:"count"`
		Items []*models.MenuItem `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Count)
}

func TestStreamRejectsShortSessionID(t *testing.T) {
	s := testServer(t, &fakeProcessor{}, &fakeSessionGetter{}, &fakeItemGetter{})

	rec := doRequest(s, httptest.NewRequest(http.MethodGet, "/sse/stream/short", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStreamFramesEvents(t *testing.T) {
	s := testServer(t, &fakeProcessor{}, &fakeSessionGetter{}, &fakeItemGetter{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/sse/stream/session-stream-1", nil).WithContext(ctx)

	rec := doRequest(s, req)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "event: connection_established\n")
	assert.Contains(t, rec.Body.String(), "data: {")
}
