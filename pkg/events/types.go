// Package events provides real-time event delivery for processing sessions:
// typed payloads, a Redis pub/sub publisher and subscriber, and the SSE
// stream gateway that bridges subscriptions to connected observers.
//
// Every message on a session channel is an Envelope:
//
//	{"type": "...", "session_id": "...", "data": {...}, "timestamp": "..."}
//
// The frontend stages publish progress_update / stage_completed pairs in a
// fixed order; the enrichment workers publish menu_update events with no
// ordering guarantees between items or tasks. Late-joining observers catch
// up via synthesized historical events (is_history: true) built from the
// session's stages blob, not from an event buffer.
package events

import "github.com/platelens/platelens/pkg/models"

// Event types published on session channels.
const (
	EventTypeStageCompleted        = "stage_completed"
	EventTypeProgressUpdate        = "progress_update"
	EventTypeMenuUpdate            = "menu_update"
	EventTypeError                 = "error"
	EventTypeParallelTasksStarted  = "parallel_tasks_started"
	EventTypeConnectionEstablished = "connection_established"
	EventTypeHeartbeat             = "heartbeat"
)

// Error kinds carried in ErrorPayload.ErrorType.
const (
	ErrorKindStageFailed        = "stage_failed"
	ErrorKindSSEBroadcastFailed = "sse_broadcast_failed"
	ErrorKindTaskItemFailed     = "task_item_failed"
	ErrorKindStreamClosed       = "stream_closed"
)

// Progress status values carried in ProgressUpdatePayload.Status.
const (
	ProgressStatusStarted    = "started"
	ProgressStatusProcessing = "processing"
	ProgressStatusCompleted  = "completed"
)

// BatchCompletedType returns the terminal event type for a task's batch
// summary, e.g. "translation_batch_completed".
func BatchCompletedType(task models.Task) string {
	return string(task) + "_batch_completed"
}

// SessionChannel returns the bus channel name for a session's events.
// Format: "sse:{session_id}"
func SessionChannel(sessionID string) string {
	return "sse:" + sessionID
}
