package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platelens/platelens/pkg/events"
	"github.com/platelens/platelens/pkg/models"
	"github.com/platelens/platelens/pkg/providers"
)

// pngHeader is a minimal payload http.DetectContentType reports as image/png.
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0}

type fakeSessions struct {
	sessions map[string]*models.Session
	statuses []models.SessionStatus
	appended []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{sessions: make(map[string]*models.Session)}
}

func (f *fakeSessions) GetByID(_ context.Context, sessionID string) (*models.Session, error) {
	return f.sessions[sessionID], nil
}

func (f *fakeSessions) Upsert(_ context.Context, session *models.Session) error {
	f.sessions[session.ID] = session
	return nil
}

func (f *fakeSessions) UpdateStage(_ context.Context, sessionID, stageKey string, _ any, currentStage string) error {
	f.sessions[sessionID].CurrentStage = currentStage
	return nil
}

func (f *fakeSessions) UpdateStatus(_ context.Context, sessionID string, status models.SessionStatus) error {
	f.sessions[sessionID].Status = status
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeSessions) AppendItemIDs(_ context.Context, sessionID string, itemIDs []string) error {
	f.appended = append(f.appended, itemIDs...)
	f.sessions[sessionID].MenuItemIDs = append(f.sessions[sessionID].MenuItemIDs, itemIDs...)
	return nil
}

type fakeItems struct {
	saved []*models.MenuItem
}

func (f *fakeItems) BulkSave(_ context.Context, items []*models.MenuItem) ([]*models.MenuItem, error) {
	f.saved = append(f.saved, items...)
	return items, nil
}

type recordedEvent struct {
	eventType string
	payload   any
}

type fakeEvents struct {
	broadcast bool
	recorded  []recordedEvent
}

func (f *fakeEvents) PublishProgressUpdate(_ context.Context, _ string, payload events.ProgressUpdatePayload) error {
	f.recorded = append(f.recorded, recordedEvent{events.EventTypeProgressUpdate, payload})
	return nil
}

func (f *fakeEvents) PublishStageCompleted(_ context.Context, _ string, payload events.StageCompletedPayload) (bool, error) {
	f.recorded = append(f.recorded, recordedEvent{events.EventTypeStageCompleted, payload})
	return f.broadcast, nil
}

func (f *fakeEvents) PublishError(_ context.Context, _ string, payload events.ErrorPayload) error {
	f.recorded = append(f.recorded, recordedEvent{events.EventTypeError, payload})
	return nil
}

func (f *fakeEvents) PublishParallelTasksStarted(_ context.Context, _ string, payload events.ParallelTasksStartedPayload) error {
	f.recorded = append(f.recorded, recordedEvent{events.EventTypeParallelTasksStarted, payload})
	return nil
}

func (f *fakeEvents) ofType(eventType string) []recordedEvent {
	var out []recordedEvent
	for _, e := range f.recorded {
		if e.eventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fakeQueue struct {
	jobs []*models.Job
	err  error
}

func (f *fakeQueue) Enqueue(_ context.Context, job *models.Job) error {
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

// cannedMenu yields three unique items across two categories.
func cannedMenu() *models.CategorizedMenu {
	var menu models.CategorizedMenu
	menu.Menu.Categories = []models.MenuCategory{
		{Name: "和食", Items: []models.CategorizedItem{
			{Name: "寿司", Price: "¥500"},
			{Name: "寿司", Price: "¥500"}, // duplicate, dropped
			{Name: "  ", Price: "¥0"},    // empty name, dropped
		}},
		{Name: "麺", Items: []models.CategorizedItem{{Name: "ラーメン", Price: "¥800"}}},
		{Name: "飲み物", Items: []models.CategorizedItem{{Name: "茶", Price: "¥200"}}},
	}
	return &menu
}

func testProviders(menu *models.CategorizedMenu) *providers.Set {
	return providers.StubSet(&providers.StubConfig{
		Elements: []models.OCRElement{
			{Text: "寿司", XCenter: 100, YCenter: 100},
			{Text: "¥500", XCenter: 300, YCenter: 102},
			{Text: "ラーメン", XCenter: 100, YCenter: 200},
			{Text: "¥800", XCenter: 300, YCenter: 198},
			{Text: "茶", XCenter: 100, YCenter: 300},
		},
		Menu: menu,
	})
}

func TestProcessCleanRun(t *testing.T) {
	sessions := newFakeSessions()
	items := &fakeItems{}
	sink := &fakeEvents{broadcast: true}
	queue := &fakeQueue{}
	c := NewCoordinator(sessions, items, sink, queue, testProviders(cannedMenu()))

	result, err := c.Process(context.Background(), "session-clean-1", pngHeader, "menu.png")
	require.NoError(t, err)

	assert.Equal(t, 3, result.ItemCount)
	assert.Equal(t, string(models.SessionStatusCompleted), result.Status)
	assert.Len(t, result.TaskIDs, 5)

	// One stage_completed per frontend stage, in order.
	completed := sink.ofType(events.EventTypeStageCompleted)
	require.Len(t, completed, 3)
	assert.Equal(t, models.StageKeyOCR, completed[0].payload.(events.StageCompletedPayload).Stage)
	assert.Equal(t, models.StageKeyMapping, completed[1].payload.(events.StageCompletedPayload).Stage)
	assert.Equal(t, models.StageKeyCategorize, completed[2].payload.(events.StageCompletedPayload).Stage)

	// Five jobs, one per task, each carrying all three descriptors.
	require.Len(t, queue.jobs, 5)
	seen := make(map[models.Task]bool)
	for _, job := range queue.jobs {
		seen[job.Task] = true
		assert.Equal(t, "session-clean-1", job.SessionID)
		assert.Len(t, job.Items, 3)
	}
	assert.Len(t, seen, 5)

	// Fan-out announced once.
	started := sink.ofType(events.EventTypeParallelTasksStarted)
	require.Len(t, started, 1)
	payload := started[0].payload.(events.ParallelTasksStartedPayload)
	assert.Equal(t, 3, payload.TotalItems)
	assert.Len(t, payload.TaskIDs, 5)

	// Session state: items appended, terminal status completed.
	assert.Len(t, sessions.appended, 3)
	assert.Equal(t, models.SessionStatusCompleted, sessions.sessions["session-clean-1"].Status)
	assert.Equal(t, models.StageCategorizeComplete, sessions.sessions["session-clean-1"].CurrentStage)
	assert.Empty(t, sink.ofType(events.EventTypeError))
}

func TestProcessDeduplicatesItems(t *testing.T) {
	sessions := newFakeSessions()
	items := &fakeItems{}
	c := NewCoordinator(sessions, items, &fakeEvents{broadcast: true}, &fakeQueue{}, testProviders(cannedMenu()))

	_, err := c.Process(context.Background(), "session-dedupe", pngHeader, "menu.png")
	require.NoError(t, err)

	require.Len(t, items.saved, 3)
	names := make(map[string]bool)
	for _, item := range items.saved {
		names[item.OriginalText] = true
		assert.NotEmpty(t, item.ID)
		assert.Equal(t, "session-dedupe", item.SessionID)
	}
	assert.Equal(t, map[string]bool{"寿司": true, "ラーメン": true, "茶": true}, names)
}

func TestProcessDuplicateGuard(t *testing.T) {
	sessions := newFakeSessions()
	sessions.sessions["busy"] = &models.Session{ID: "busy", Status: models.SessionStatusProcessing}
	sessions.sessions["done"] = &models.Session{ID: "done", Status: models.SessionStatusCompleted}
	c := NewCoordinator(sessions, &fakeItems{}, &fakeEvents{broadcast: true}, &fakeQueue{}, testProviders(cannedMenu()))

	_, err := c.Process(context.Background(), "busy", pngHeader, "menu.png")
	assert.ErrorIs(t, err, ErrDuplicateProcessing)

	_, err = c.Process(context.Background(), "done", pngHeader, "menu.png")
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}

func TestProcessRestartsFailedSession(t *testing.T) {
	sessions := newFakeSessions()
	sessions.sessions["retry"] = &models.Session{ID: "retry", Status: models.SessionStatusFailed}
	c := NewCoordinator(sessions, &fakeItems{}, &fakeEvents{broadcast: true}, &fakeQueue{}, testProviders(cannedMenu()))

	result, err := c.Process(context.Background(), "retry", pngHeader, "menu.png")
	require.NoError(t, err)
	assert.Equal(t, string(models.SessionStatusCompleted), result.Status)
}

func TestProcessBroadcastGate(t *testing.T) {
	sessions := newFakeSessions()
	sink := &fakeEvents{broadcast: false}
	queue := &fakeQueue{}
	c := NewCoordinator(sessions, &fakeItems{}, sink, queue, testProviders(cannedMenu()))

	result, err := c.Process(context.Background(), "session-gated", pngHeader, "menu.png")
	require.NoError(t, err)

	// Items persisted, but no fan-out and an sse_broadcast_failed event.
	assert.Equal(t, 3, result.ItemCount)
	assert.Empty(t, result.TaskIDs)
	assert.Empty(t, queue.jobs)
	assert.Empty(t, sink.ofType(events.EventTypeParallelTasksStarted))

	errs := sink.ofType(events.EventTypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, events.ErrorKindSSEBroadcastFailed, errs[0].payload.(events.ErrorPayload).ErrorType)

	// The session still completes.
	assert.Equal(t, models.SessionStatusCompleted, sessions.sessions["session-gated"].Status)
}

func TestProcessEmptyMenuSkipsFanOut(t *testing.T) {
	sessions := newFakeSessions()
	queue := &fakeQueue{}
	sink := &fakeEvents{broadcast: true}
	empty := &models.CategorizedMenu{}
	c := NewCoordinator(sessions, &fakeItems{}, sink, queue, testProviders(empty))

	result, err := c.Process(context.Background(), "session-empty", pngHeader, "menu.png")
	require.NoError(t, err)
	assert.Equal(t, 0, result.ItemCount)
	assert.Empty(t, queue.jobs)
	assert.Equal(t, models.SessionStatusCompleted, sessions.sessions["session-empty"].Status)
}

type failingOCR struct{}

func (failingOCR) Extract(context.Context, []byte, string) ([]models.OCRElement, error) {
	return nil, errors.New("vision backend unavailable")
}

func TestProcessStageFailure(t *testing.T) {
	sessions := newFakeSessions()
	sink := &fakeEvents{broadcast: true}
	set := testProviders(cannedMenu())
	set.OCR = failingOCR{}
	c := NewCoordinator(sessions, &fakeItems{}, sink, &fakeQueue{}, set)

	_, err := c.Process(context.Background(), "session-fail", pngHeader, "menu.png")

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, models.StageKeyOCR, stageErr.Stage)

	errs := sink.ofType(events.EventTypeError)
	require.Len(t, errs, 1)
	assert.Equal(t, events.ErrorKindStageFailed, errs[0].payload.(events.ErrorPayload).ErrorType)
	assert.Equal(t, models.SessionStatusFailed, sessions.sessions["session-fail"].Status)
}

func TestProcessValidation(t *testing.T) {
	c := NewCoordinator(newFakeSessions(), &fakeItems{}, &fakeEvents{}, &fakeQueue{}, testProviders(cannedMenu()))

	var validErr *ValidationError

	_, err := c.Process(context.Background(), "", pngHeader, "menu.png")
	require.ErrorAs(t, err, &validErr)
	assert.Equal(t, "session_id", validErr.Field)

	_, err = c.Process(context.Background(), "session-x", nil, "menu.png")
	require.ErrorAs(t, err, &validErr)
	assert.Equal(t, "image", validErr.Field)

	_, err = c.Process(context.Background(), "session-x", []byte("plain text, not an image"), "menu.txt")
	require.ErrorAs(t, err, &validErr)
	assert.Equal(t, "image", validErr.Field)
}
