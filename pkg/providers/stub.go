package providers

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/platelens/platelens/pkg/models"
)

// StubConfig configures the deterministic stub providers.
type StubConfig struct {
	// ProcessingDelay simulates provider latency.
	ProcessingDelay time.Duration
	// Elements is the canned OCR output. If nil, a small fixed menu is used.
	Elements []models.OCRElement
	// Menu is the canned categorization output. If nil, every non-empty
	// line of the formatted text becomes one item under a single category.
	Menu *models.CategorizedMenu
}

// DefaultStubConfig returns sensible defaults for local development.
func DefaultStubConfig() *StubConfig {
	return &StubConfig{
		ProcessingDelay: 20 * time.Millisecond,
		Elements: []models.OCRElement{
			{Text: "寿司", XCenter: 100, YCenter: 100},
			{Text: "¥500", XCenter: 300, YCenter: 102},
			{Text: "ラーメン", XCenter: 100, YCenter: 200},
			{Text: "¥800", XCenter: 300, YCenter: 198},
			{Text: "茶", XCenter: 100, YCenter: 300},
		},
	}
}

// StubSet returns a complete provider Set backed by the stubs.
func StubSet(cfg *StubConfig) *Set {
	if cfg == nil {
		cfg = DefaultStubConfig()
	}
	return &Set{
		OCR:         &StubOCR{cfg: cfg},
		Categorizer: &StubCategorizer{cfg: cfg},
		Translator:  &StubTranslator{cfg: cfg},
		Describer:   &StubDescriber{cfg: cfg},
		Allergens:   &StubAllergenExtractor{cfg: cfg},
		Ingredients: &StubIngredientExtractor{cfg: cfg},
		ImageSearch: &StubImageSearcher{cfg: cfg},
	}
}

func (cfg *StubConfig) delay(ctx context.Context) error {
	if cfg.ProcessingDelay <= 0 {
		return nil
	}
	select {
	case <-time.After(cfg.ProcessingDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StubOCR returns canned positioned text fragments.
type StubOCR struct {
	cfg *StubConfig
}

// Extract implements OCR.
func (s *StubOCR) Extract(ctx context.Context, image []byte, granularity string) ([]models.OCRElement, error) {
	if err := s.cfg.delay(ctx); err != nil {
		return nil, err
	}
	return s.cfg.Elements, nil
}

// StubCategorizer produces a single-category menu from the formatted text
// unless a canned menu is configured.
type StubCategorizer struct {
	cfg *StubConfig
}

// Categorize implements Categorizer.
func (s *StubCategorizer) Categorize(ctx context.Context, formattedText, granularity string) (*models.CategorizedMenu, error) {
	if err := s.cfg.delay(ctx); err != nil {
		return nil, err
	}
	if s.cfg.Menu != nil {
		return s.cfg.Menu, nil
	}

	var menu models.CategorizedMenu
	category := models.MenuCategory{Name: "メニュー"}
	for _, line := range strings.Split(formattedText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		category.Items = append(category.Items, models.CategorizedItem{Name: line})
	}
	menu.Menu.Categories = []models.MenuCategory{category}
	return &menu, nil
}

// StubTranslator prefixes text with the target language code.
type StubTranslator struct {
	cfg *StubConfig
}

// Translate implements Translator.
func (s *StubTranslator) Translate(ctx context.Context, text, targetLang string) (string, error) {
	if err := s.cfg.delay(ctx); err != nil {
		return "", err
	}
	return "[" + targetLang + "] " + text, nil
}

// StubDescriber produces a templated description.
type StubDescriber struct {
	cfg *StubConfig
}

// Describe implements Describer.
func (s *StubDescriber) Describe(ctx context.Context, name, category string) (*Description, error) {
	if err := s.cfg.delay(ctx); err != nil {
		return nil, err
	}
	return &Description{
		Description: fmt.Sprintf("%s is a popular %s dish.", name, category),
	}, nil
}

// StubAllergenExtractor reports every item as allergen-free.
type StubAllergenExtractor struct {
	cfg *StubConfig
}

// ExtractAllergens implements AllergenExtractor.
func (s *StubAllergenExtractor) ExtractAllergens(ctx context.Context, name, category string) (*AllergenInfo, error) {
	if err := s.cfg.delay(ctx); err != nil {
		return nil, err
	}
	return &AllergenInfo{AllergenFree: true, Notes: "stub analysis"}, nil
}

// StubIngredientExtractor returns a fixed ingredient breakdown.
type StubIngredientExtractor struct {
	cfg *StubConfig
}

// ExtractIngredients implements IngredientExtractor.
func (s *StubIngredientExtractor) ExtractIngredients(ctx context.Context, name, category string) (*IngredientInfo, error) {
	if err := s.cfg.delay(ctx); err != nil {
		return nil, err
	}
	return &IngredientInfo{
		MainIngredients: []string{"米", "野菜"},
		CookingMethod:   []string{"蒸し"},
		CuisineCategory: category,
	}, nil
}

// StubImageSearcher returns deterministic placeholder URLs.
type StubImageSearcher struct {
	cfg *StubConfig
}

// SearchImages implements ImageSearcher.
func (s *StubImageSearcher) SearchImages(ctx context.Context, name, category string, count int) ([]ImageResult, error) {
	if err := s.cfg.delay(ctx); err != nil {
		return nil, err
	}
	results := make([]ImageResult, 0, count)
	for i := 0; i < count; i++ {
		results = append(results, ImageResult{
			Link:      fmt.Sprintf("https://images.example.com/%s/%d.jpg", name, i+1),
			Title:     name,
			Thumbnail: fmt.Sprintf("https://images.example.com/%s/%d_thumb.jpg", name, i+1),
		})
	}
	return results, nil
}
