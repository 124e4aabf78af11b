package model

import "strings"

// Category is the purchase-intent judgment assigned to a candidate.
type Category string

const (
	CategoryHigh   Category = "High"
	CategoryMedium Category = "Medium"
	CategoryLow    Category = "Low"
)

// Scores for each intent category. Both the real-time heuristic and the
// batch classifier resolve scores through ScoreFor.
const (
	ScoreHigh   = 0.95
	ScoreMedium = 0.75
	ScoreLow    = 0.45
)

// AllCategories returns the intent categories from strongest to weakest.
func AllCategories() []Category {
	return []Category{CategoryHigh, CategoryMedium, CategoryLow}
}

// ScoreFor maps a category to its fixed match score. Unknown categories
// score as Low.
func ScoreFor(c Category) float64 {
	switch c {
	case CategoryHigh:
		return ScoreHigh
	case CategoryMedium:
		return ScoreMedium
	default:
		return ScoreLow
	}
}

// ParseCategory matches a category name case-insensitively.
func ParseCategory(s string) (Category, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return CategoryHigh, true
	case "medium":
		return CategoryMedium, true
	case "low":
		return CategoryLow, true
	default:
		return "", false
	}
}
