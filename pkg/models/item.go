package models

import "time"

// MenuItem is one structured row extracted from the categorization stage.
// The five enrichment fields start out nil and are populated independently
// by the worker tasks; each partial update touches only the fields it names.
type MenuItem struct {
	ID           string `json:"menu_item_id"`
	SessionID    string `json:"session_id"`
	OriginalText string `json:"original_text"`
	Category     string `json:"category"`
	Price        string `json:"price"`

	Translation         *string `json:"translation"`
	CategoryTranslation *string `json:"category_translation"`
	Description         *string `json:"description"`
	Allergy             *string `json:"allergy"`
	Ingredient          *string `json:"ingredient"`
	// SearchEngine holds a JSON-encoded array of image URL strings.
	SearchEngine *string `json:"search_engine"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ItemDescriptor is the compact per-item view carried inside enrichment jobs.
type ItemDescriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Price       string `json:"price,omitempty"`
	Translation string `json:"translation,omitempty"`
}

// Descriptor returns the job-payload view of the item.
func (m *MenuItem) Descriptor() ItemDescriptor {
	d := ItemDescriptor{
		ID:       m.ID,
		Name:     m.OriginalText,
		Category: m.Category,
		Price:    m.Price,
	}
	if m.Translation != nil {
		d.Translation = *m.Translation
	}
	return d
}
