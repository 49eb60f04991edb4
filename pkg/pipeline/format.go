package pipeline

import (
	"fmt"
	"sort"
	"strings"

	"github.com/platelens/platelens/pkg/models"
)

// rowTolerance is the maximum Y-distance between an element and its row
// anchor for the element to join the row.
const rowTolerance = 20.0

// FormatElements converts positioned OCR fragments into the deterministic
// text the categorization stage consumes: elements are clustered into rows
// by Y-coordinate (within rowTolerance of the row anchor), each row is
// sorted left to right, and the output lists a header, the per-row
// summaries, then a raw coordinate-sorted listing.
func FormatElements(elements []models.OCRElement) models.MappingStageResult {
	rows := clusterRows(elements)

	var b strings.Builder
	fmt.Fprintf(&b, "=== MENU LAYOUT: %d elements in %d rows ===\n", len(elements), len(rows))
	for i, row := range rows {
		texts := make([]string, 0, len(row))
		for _, el := range row {
			texts = append(texts, el.Text)
		}
		fmt.Fprintf(&b, "Row %d (y=%.0f): %s\n", i+1, row[0].YCenter, strings.Join(texts, " | "))
	}

	b.WriteString("=== RAW ELEMENTS ===\n")
	raw := make([]models.OCRElement, len(elements))
	copy(raw, elements)
	sort.SliceStable(raw, func(i, j int) bool {
		if raw[i].YCenter != raw[j].YCenter {
			return raw[i].YCenter < raw[j].YCenter
		}
		return raw[i].XCenter < raw[j].XCenter
	})
	for _, el := range raw {
		fmt.Fprintf(&b, "%s (x=%.0f, y=%.0f)\n", el.Text, el.XCenter, el.YCenter)
	}

	return models.MappingStageResult{
		FormattedText: b.String(),
		RowCount:      len(rows),
		ElementCount:  len(elements),
	}
}

// clusterRows groups elements into visual rows. Elements are walked in
// Y order; a new row starts whenever an element is further than
// rowTolerance from the current row's anchor. Each row is then sorted by
// X-coordinate.
func clusterRows(elements []models.OCRElement) [][]models.OCRElement {
	if len(elements) == 0 {
		return nil
	}

	sorted := make([]models.OCRElement, len(elements))
	copy(sorted, elements)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].YCenter < sorted[j].YCenter
	})

	var rows [][]models.OCRElement
	current := []models.OCRElement{sorted[0]}
	anchor := sorted[0].YCenter
	for _, el := range sorted[1:] {
		if el.YCenter-anchor > rowTolerance {
			rows = append(rows, current)
			current = nil
			anchor = el.YCenter
		}
		current = append(current, el)
	}
	rows = append(rows, current)

	for _, row := range rows {
		sort.SliceStable(row, func(i, j int) bool {
			return row[i].XCenter < row[j].XCenter
		})
	}
	return rows
}
