// Package store provides the durable PostgreSQL stores for sessions and
// menu items.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/platelens/platelens/pkg/models"
)

// Sentinel errors for store operations.
var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIllegalTransition is returned when a status update would move a
	// session backwards in its lifecycle.
	ErrIllegalTransition = errors.New("illegal session status transition")
)

// SessionStore owns the sessions table.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a SessionStore on the shared pool.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

const sessionColumns = `session_id, status, current_stage, stages, menu_item_ids, created_at, updated_at`

// Upsert creates the session row or overwrites its mutable fields.
// created_at is preserved on update.
func (s *SessionStore) Upsert(ctx context.Context, session *models.Session) error {
	stages := session.Stages
	if stages == nil {
		stages = map[string]json.RawMessage{}
	}
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return fmt.Errorf("marshal stages for session %s: %w", session.ID, err)
	}
	itemIDs := session.MenuItemIDs
	if itemIDs == nil {
		itemIDs = []string{}
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (session_id, status, current_stage, stages, menu_item_ids, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now(), now())
		ON CONFLICT (session_id) DO UPDATE SET
			status        = EXCLUDED.status,
			current_stage = EXCLUDED.current_stage,
			stages        = EXCLUDED.stages,
			menu_item_ids = EXCLUDED.menu_item_ids,
			updated_at    = now()`,
		session.ID, session.Status, session.CurrentStage, stagesJSON, itemIDs)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", session.ID, err)
	}
	return nil
}

// GetByID fetches a session, returning (nil, nil) when it does not exist.
func (s *SessionStore) GetByID(ctx context.Context, sessionID string) (*models.Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, sessionID)
	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return session, nil
}

// UpdateStage atomically merges the stage payload into the stages blob and
// advances current_stage.
func (s *SessionStore) UpdateStage(ctx context.Context, sessionID, stageKey string, payload any, currentStage string) error {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal stage %s payload: %w", stageKey, err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET stages        = stages || jsonb_build_object($2::text, $3::jsonb),
		    current_stage = $4,
		    updated_at    = now()
		WHERE session_id = $1`,
		sessionID, stageKey, payloadJSON, currentStage)
	if err != nil {
		return fmt.Errorf("update stage %s for session %s: %w", stageKey, sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update stage %s for session %s: %w", stageKey, sessionID, ErrNotFound)
	}
	return nil
}

// UpdateStatus moves the session to a new status, enforcing the one-way
// pending → processing → (completed | failed) order at the database so
// racing writers cannot move a session backwards.
func (s *SessionStore) UpdateStatus(ctx context.Context, sessionID string, status models.SessionStatus) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET status = $2, updated_at = now()
		WHERE session_id = $1
		  AND (status = $2
		       OR status = 'pending'
		       OR (status = 'processing' AND $2 IN ('completed', 'failed')))`,
		sessionID, status)
	if err != nil {
		return fmt.Errorf("update status for session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		existing, getErr := s.GetByID(ctx, sessionID)
		if getErr != nil {
			return getErr
		}
		if existing == nil {
			return fmt.Errorf("update status for session %s: %w", sessionID, ErrNotFound)
		}
		return fmt.Errorf("session %s: %s → %s: %w", sessionID, existing.Status, status, ErrIllegalTransition)
	}
	return nil
}

// AppendItemIDs appends newly discovered item identifiers to the session's
// ordered list. The list only ever grows.
func (s *SessionStore) AppendItemIDs(ctx context.Context, sessionID string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions
		SET menu_item_ids = menu_item_ids || $2::text[],
		    updated_at    = now()
		WHERE session_id = $1`,
		sessionID, itemIDs)
	if err != nil {
		return fmt.Errorf("append item ids for session %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("append item ids for session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

// scanSession reads one session row.
func scanSession(row pgx.Row) (*models.Session, error) {
	var (
		session    models.Session
		stagesJSON []byte
		createdAt  time.Time
		updatedAt  time.Time
	)
	if err := row.Scan(&session.ID, &session.Status, &session.CurrentStage,
		&stagesJSON, &session.MenuItemIDs, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(stagesJSON, &session.Stages); err != nil {
		return nil, fmt.Errorf("decode stages blob: %w", err)
	}
	session.CreatedAt = createdAt
	session.UpdatedAt = updatedAt
	return &session, nil
}
