// Package providers defines the pluggable enrichment capability interfaces
// the pipeline and worker tasks depend on. Concrete adapters (cloud OCR,
// LLMs, translation APIs, image search) live outside the core; the stubs in
// this package serve tests and local development.
package providers

import (
	"context"

	"github.com/platelens/platelens/pkg/models"
)

// GranularityParagraph is the OCR granularity the pipeline requests.
const GranularityParagraph = "paragraph"

// OCR extracts positioned text fragments from a menu image.
type OCR interface {
	Extract(ctx context.Context, image []byte, granularity string) ([]models.OCRElement, error)
}

// Categorizer turns the spatially formatted text into a nested menu
// structure of categories and items.
type Categorizer interface {
	Categorize(ctx context.Context, formattedText, granularity string) (*models.CategorizedMenu, error)
}

// Translator translates a single text into the target language.
type Translator interface {
	Translate(ctx context.Context, text, targetLang string) (string, error)
}

// Description is the result of the description capability.
type Description struct {
	Description string `json:"description"`
}

// Describer produces a natural-language description for a menu item.
type Describer interface {
	Describe(ctx context.Context, name, category string) (*Description, error)
}

// AllergenInfo is the result of the allergen capability.
type AllergenInfo struct {
	Allergens    []string `json:"allergens"`
	AllergenFree bool     `json:"allergen_free"`
	Notes        string   `json:"notes,omitempty"`
}

// AllergenExtractor identifies likely allergens for a menu item.
type AllergenExtractor interface {
	ExtractAllergens(ctx context.Context, name, category string) (*AllergenInfo, error)
}

// IngredientInfo is the result of the ingredient capability.
type IngredientInfo struct {
	MainIngredients []string `json:"main_ingredients"`
	CookingMethod   []string `json:"cooking_method"`
	CuisineCategory string   `json:"cuisine_category,omitempty"`
	DietaryInfo     string   `json:"dietary_info,omitempty"`
}

// IngredientExtractor breaks a menu item down into its main ingredients.
type IngredientExtractor interface {
	ExtractIngredients(ctx context.Context, name, category string) (*IngredientInfo, error)
}

// ImageResult is one hit from the image search capability.
type ImageResult struct {
	Link      string `json:"link"`
	Title     string `json:"title,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

// ImageSearcher finds representative imagery for a menu item.
type ImageSearcher interface {
	SearchImages(ctx context.Context, name, category string, count int) ([]ImageResult, error)
}

// Set bundles every capability for dependency injection into the pipeline
// and worker tasks.
type Set struct {
	OCR         OCR
	Categorizer Categorizer
	Translator  Translator
	Describer   Describer
	Allergens   AllergenExtractor
	Ingredients IngredientExtractor
	ImageSearch ImageSearcher
}
