// Package models defines the domain types shared across the pipeline,
// stores, queue, and API layers.
package models

import (
	"encoding/json"
	"time"
)

// SessionStatus represents the lifecycle state of a processing session.
type SessionStatus string

// Session lifecycle states. Transitions are one-way:
// pending → processing → (completed | failed).
const (
	SessionStatusPending    SessionStatus = "pending"
	SessionStatusProcessing SessionStatus = "processing"
	SessionStatusCompleted  SessionStatus = "completed"
	SessionStatusFailed     SessionStatus = "failed"
)

// Frontend stage markers stored in Session.CurrentStage.
const (
	StageInitialized        = "initialized"
	StageOCRCompleted       = "ocr_completed"
	StageMappingCompleted   = "mapping_completed"
	StageCategorizeComplete = "categorize_completed"
)

// Stage keys under which per-stage results are stored in the stages blob.
const (
	StageKeyOCR        = "ocr"
	StageKeyMapping    = "mapping"
	StageKeyCategorize = "categorize"
)

// FrontendStageKeys lists the stage blob keys in canonical pipeline order.
// The SSE gateway replays history in this order.
var FrontendStageKeys = []string{StageKeyOCR, StageKeyMapping, StageKeyCategorize}

// Session is one pipeline execution for one uploaded menu image.
type Session struct {
	ID           string                     `json:"session_id"`
	Status       SessionStatus              `json:"status"`
	CurrentStage string                     `json:"current_stage"`
	Stages       map[string]json.RawMessage `json:"stages"`
	MenuItemIDs  []string                   `json:"menu_item_ids"`
	CreatedAt    time.Time                  `json:"created_at"`
	UpdatedAt    time.Time                  `json:"updated_at"`
}

// IsTerminal reports whether the session is in a terminal state.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// CanTransitionTo reports whether moving from s to next respects the
// pending → processing → (completed | failed) order. Self-transitions are
// allowed (idempotent status writes).
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case SessionStatusPending:
		return next == SessionStatusProcessing || next == SessionStatusCompleted || next == SessionStatusFailed
	case SessionStatusProcessing:
		return next == SessionStatusCompleted || next == SessionStatusFailed
	default:
		return false
	}
}

// StageResult decodes the stored result for a stage key into out.
// Returns false if the stage has no stored result.
func (s *Session) StageResult(key string, out any) (bool, error) {
	raw, ok := s.Stages[key]
	if !ok || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}
	return true, nil
}
