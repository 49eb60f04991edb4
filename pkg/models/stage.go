package models

// OCRElement is a single positioned text fragment returned by the OCR
// capability.
type OCRElement struct {
	Text    string  `json:"text"`
	XCenter float64 `json:"x_center"`
	YCenter float64 `json:"y_center"`
}

// Text density buckets stored with the stage-1 result.
const (
	DensityHigh   = "high"
	DensityMedium = "medium"
	DensityLow    = "low"
)

// DensityCategory buckets an element count: high > 20, medium > 10, else low.
func DensityCategory(count int) string {
	switch {
	case count > 20:
		return DensityHigh
	case count > 10:
		return DensityMedium
	default:
		return DensityLow
	}
}

// OCRStageResult is the persisted result of stage 1.
type OCRStageResult struct {
	Elements []OCRElement `json:"elements"`
	Count    int          `json:"count"`
	Density  string       `json:"density"`
}

// MappingStageResult is the persisted result of stage 2: the deterministic
// formatted string stage 3 consumes, plus row accounting.
type MappingStageResult struct {
	FormattedText string `json:"formatted_text"`
	RowCount      int    `json:"row_count"`
	ElementCount  int    `json:"element_count"`
}

// CategorizedItem is one menu entry inside a category, as returned by the
// categorization capability.
type CategorizedItem struct {
	Name        string `json:"name"`
	Price       string `json:"price"`
	Description string `json:"description,omitempty"`
}

// MenuCategory groups categorized items under a source-language name.
type MenuCategory struct {
	Name         string            `json:"name"`
	JapaneseName string            `json:"japanese_name,omitempty"`
	Items        []CategorizedItem `json:"items"`
}

// CategorizedMenu is the nested structure returned by stage 3's capability.
type CategorizedMenu struct {
	Menu struct {
		Categories []MenuCategory `json:"categories"`
	} `json:"menu"`
}

// CategorizeStageResult is the persisted result of stage 3.
type CategorizeStageResult struct {
	Menu          CategorizedMenu `json:"menu_structure"`
	CategoryCount int             `json:"category_count"`
	ItemCount     int             `json:"item_count"`
	MenuItemIDs   []string        `json:"menu_item_ids"`
}
