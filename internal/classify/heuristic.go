// Package classify assigns purchase-intent categories to candidates: a
// deterministic keyword heuristic for real-time scans and a batched
// completion call for the digest.
package classify

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/sells-group/leadscan/internal/model"
)

// intentPhrases signal that the poster is shopping for something.
var intentPhrases = []string{
	"looking for",
	"recommend",
	"recommendation",
	"suggestion",
	"alternative to",
	"alternatives",
	"switching from",
	"anyone use",
	"anyone using",
	"what do you use",
	"what tool",
	"which tool",
	"best tool",
	"best app",
	"best software",
	"best way to",
	"need a",
	"need help",
	"is there a",
	"worth it",
	"pricing",
	"tool for",
	"software for",
	"app for",
	"help me find",
	"vs",
}

// Signals are the raw overlap features the heuristic works from.
type Signals struct {
	TitleKeywords int
	BodyKeywords  int
	TitleIntent   bool
	BodyIntent    bool
}

// Intent reports whether either field carries an intent phrase.
func (s Signals) Intent() bool { return s.TitleIntent || s.BodyIntent }

// Extract computes overlap signals between a candidate and a profile.
func Extract(c model.Candidate, profile model.BusinessProfile) Signals {
	title := strings.ToLower(c.Title)
	body := strings.ToLower(c.Body)

	var s Signals
	for _, kw := range profile.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" {
			continue
		}
		if containsPhrase(title, kw) {
			s.TitleKeywords++
		} else if containsPhrase(body, kw) {
			s.BodyKeywords++
		}
	}
	for _, p := range intentPhrases {
		if !s.TitleIntent && containsPhrase(title, p) {
			s.TitleIntent = true
		}
		if !s.BodyIntent && containsPhrase(body, p) {
			s.BodyIntent = true
		}
	}
	return s
}

// Classify assigns a category and its fixed score without a completion call:
// keyword in title with an intent phrase is High; keyword in title, or
// keyword in body with an intent phrase, is Medium; anything else is Low.
func Classify(c model.Candidate, profile model.BusinessProfile) (model.Category, float64) {
	s := Extract(c, profile)
	var cat model.Category
	switch {
	case s.TitleKeywords > 0 && s.Intent():
		cat = model.CategoryHigh
	case s.TitleKeywords > 0, s.BodyKeywords > 0 && s.Intent():
		cat = model.CategoryMedium
	default:
		cat = model.CategoryLow
	}
	return cat, model.ScoreFor(cat)
}

// KeywordScore ranks candidates by profile overlap. Higher is more relevant;
// the value only has meaning relative to other candidates for the same
// profile.
func KeywordScore(c model.Candidate, profile model.BusinessProfile) int {
	s := Extract(c, profile)
	score := 3*s.TitleKeywords + s.BodyKeywords
	if s.TitleIntent {
		score += 2
	}
	if s.BodyIntent {
		score++
	}
	return score
}

// containsPhrase reports whether phrase occurs in text on word boundaries.
// Both must already be lower case.
func containsPhrase(text, phrase string) bool {
	for from := 0; from <= len(text)-len(phrase); {
		i := strings.Index(text[from:], phrase)
		if i < 0 {
			return false
		}
		start := from + i
		end := start + len(phrase)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return true
		}
		from = start + 1
	}
	return false
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

// boundaryAfter also accepts a plural "s" so "crm" matches "crms".
func boundaryAfter(text string, i int) bool {
	if i < len(text) && text[i] == 's' {
		i++
	}
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
