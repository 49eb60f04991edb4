package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/platelens/platelens/pkg/models"
)

// enrichmentColumns whitelists the columns UpdatePartial may touch.
var enrichmentColumns = map[string]bool{
	"translation":          true,
	"category_translation": true,
	"description":          true,
	"allergy":              true,
	"ingredient":           true,
	"search_engine":        true,
}

// ItemStore owns the menu_items table.
type ItemStore struct {
	pool *pgxpool.Pool
}

// NewItemStore creates an ItemStore on the shared pool.
func NewItemStore(pool *pgxpool.Pool) *ItemStore {
	return &ItemStore{pool: pool}
}

const itemColumns = `menu_item_id, session_id, original_text, category, price,
	translation, category_translation, description, allergy, ingredient, search_engine,
	created_at, updated_at`

// BulkSave inserts all items in a single transaction, skipping rows that
// collide with the per-session (original_text, category) uniqueness
// constraint. Returns the items actually inserted, in input order.
func (s *ItemStore) BulkSave(ctx context.Context, items []*models.MenuItem) ([]*models.MenuItem, error) {
	if len(items) == 0 {
		return nil, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin bulk save: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, item := range items {
		batch.Queue(`
			INSERT INTO menu_items (menu_item_id, session_id, original_text, category, price, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, now(), now())
			ON CONFLICT ON CONSTRAINT menu_items_session_text_category_key DO NOTHING`,
			item.ID, item.SessionID, item.OriginalText, item.Category, item.Price)
	}

	br := tx.SendBatch(ctx, batch)
	inserted := make([]*models.MenuItem, 0, len(items))
	for _, item := range items {
		tag, execErr := br.Exec()
		if execErr != nil {
			_ = br.Close()
			return nil, fmt.Errorf("bulk save item %s: %w", item.ID, execErr)
		}
		if tag.RowsAffected() == 1 {
			inserted = append(inserted, item)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("close bulk save batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit bulk save: %w", err)
	}
	return inserted, nil
}

// GetByID fetches a menu item, returning (nil, nil) when it does not exist.
func (s *ItemStore) GetByID(ctx context.Context, itemID string) (*models.MenuItem, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM menu_items WHERE menu_item_id = $1`, itemID)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get item %s: %w", itemID, err)
	}
	return item, nil
}

// ListBySession returns all items for a session in creation order.
func (s *ItemStore) ListBySession(ctx context.Context, sessionID string) ([]*models.MenuItem, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM menu_items WHERE session_id = $1 ORDER BY created_at, menu_item_id`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("list items for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var items []*models.MenuItem
	for rows.Next() {
		item, scanErr := scanItem(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("scan item for session %s: %w", sessionID, scanErr)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list items for session %s: %w", sessionID, err)
	}
	return items, nil
}

// UpdatePartial updates exactly the named enrichment fields (plus
// updated_at), leaving every other column untouched. Returns (nil, nil)
// when the item does not exist; the worker retry loop keys off this soft
// failure rather than an error.
func (s *ItemStore) UpdatePartial(ctx context.Context, itemID string, fields map[string]string) (*models.MenuItem, error) {
	if len(fields) == 0 {
		return s.GetByID(ctx, itemID)
	}

	// Deterministic column order keeps the generated SQL stable.
	columns := make([]string, 0, len(fields))
	for col := range fields {
		if !enrichmentColumns[col] {
			return nil, fmt.Errorf("update item %s: column %q is not an enrichment field", itemID, col)
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)

	setClauses := make([]string, 0, len(columns)+1)
	args := make([]any, 0, len(columns)+1)
	args = append(args, itemID)
	for i, col := range columns {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, i+2))
		args = append(args, fields[col])
	}
	setClauses = append(setClauses, "updated_at = now()")

	query := fmt.Sprintf(
		`UPDATE menu_items SET %s WHERE menu_item_id = $1 RETURNING %s`,
		strings.Join(setClauses, ", "), itemColumns)

	row := s.pool.QueryRow(ctx, query, args...)
	item, err := scanItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("update item %s: %w", itemID, err)
	}
	return item, nil
}

// scanItem reads one menu item row.
func scanItem(row pgx.Row) (*models.MenuItem, error) {
	var item models.MenuItem
	if err := row.Scan(
		&item.ID, &item.SessionID, &item.OriginalText, &item.Category, &item.Price,
		&item.Translation, &item.CategoryTranslation, &item.Description,
		&item.Allergy, &item.Ingredient, &item.SearchEngine,
		&item.CreatedAt, &item.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &item, nil
}
