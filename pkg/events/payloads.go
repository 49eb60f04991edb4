package events

import (
	"encoding/json"
	"time"
)

// Envelope is the wire format for every message on a session channel.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"` // RFC3339Nano
}

// NewEnvelope wraps a marshaled payload with routing metadata.
func NewEnvelope(sessionID, messageType string, data json.RawMessage) Envelope {
	return Envelope{
		Type:      messageType,
		SessionID: sessionID,
		Data:      data,
		Timestamp: time.Now().Format(time.RFC3339Nano),
	}
}

// StageCompletedPayload is the payload for stage_completed events.
// Published at each frontend stage boundary and synthesized (with
// IsHistory set) during observer catch-up.
type StageCompletedPayload struct {
	Stage          string         `json:"stage"`
	CompletionData map[string]any `json:"completion_data"`
	UIAction       string         `json:"ui_action,omitempty"`
	IsHistory      bool           `json:"is_history,omitempty"`
}

// ProgressUpdatePayload is the payload for progress_update events.
type ProgressUpdatePayload struct {
	TaskName     string         `json:"task_name"`
	Status       string         `json:"status"` // started, processing, completed
	ProgressData map[string]any `json:"progress_data,omitempty"`
	IsHistory    bool           `json:"is_history,omitempty"`
}

// MenuUpdatePayload is the payload for menu_update events. MenuData carries
// task-specific keys (e.g. "translation", "allergen_info").
type MenuUpdatePayload struct {
	MenuID   string         `json:"menu_id"`
	MenuData map[string]any `json:"menu_data"`
}

// ErrorPayload is the payload for error events.
type ErrorPayload struct {
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
	TaskName     string `json:"task_name,omitempty"`
}

// ParallelTasksStartedPayload announces the enrichment fan-out.
type ParallelTasksStartedPayload struct {
	ParallelTasks []string          `json:"parallel_tasks"`
	TaskIDs       map[string]string `json:"task_ids"`
	TotalItems    int               `json:"total_items"`
	ExecutionMode string            `json:"execution_mode"`
}

// BatchCompletedPayload is the payload for <task>_batch_completed events.
type BatchCompletedPayload struct {
	TaskType          string         `json:"task_type"`
	CompletedItems    int            `json:"completed_items"`
	TotalItems        int            `json:"total_items"`
	SuccessRate       float64        `json:"success_rate"`
	ProcessingSummary map[string]any `json:"processing_summary,omitempty"`
}

// ConnectionEstablishedPayload greets a newly connected observer.
type ConnectionEstablishedPayload struct {
	Status            string `json:"status"`
	ConnectionID      string `json:"connection_id"`
	ActiveConnections int    `json:"active_connections"`
}

// HeartbeatPayload keeps idle SSE connections open through intermediaries.
type HeartbeatPayload struct {
	Uptime  float64 `json:"uptime"` // seconds since the gateway started
	Message string  `json:"message,omitempty"`
}
