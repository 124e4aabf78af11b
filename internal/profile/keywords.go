package profile

import (
	"net/url"
	"strings"
	"unicode"
)

// DefaultKeywordCount and MaxKeywordCount bound the profile keyword set.
const (
	DefaultKeywordCount = 5
	MaxKeywordCount     = 6
	maxKeywordWords     = 2
)

// leadingVerbs are stripped from the front of a keyword phrase.
var leadingVerbs = map[string]bool{
	"buy": true, "find": true, "get": true, "hire": true, "use": true,
	"try": true, "need": true, "want": true, "compare": true, "choose": true,
	"manage": true, "automate": true, "build": true, "track": true, "improve": true,
	"grow": true, "boost": true, "create": true, "make": true, "start": true,
	"learn": true, "search": true, "looking": true, "seeking": true, "book": true,
	"sell": true, "sells": true, "offer": true, "offers": true, "provide": true,
	"provides": true, "builds": true, "makes": true,
}

// leadingPronouns open descriptions like "we sell ..." and hide the verb
// behind them.
var leadingPronouns = map[string]bool{
	"we": true, "i": true, "you": true,
}

// stopWords never count toward the two-word budget.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "for": true, "of": true, "to": true,
	"and": true, "or": true, "with": true, "in": true, "on": true, "your": true,
	"our": true, "best": true,
}

// ClampKeywordCount bounds n to 1..6, mapping unset to the default.
func ClampKeywordCount(n int) int {
	switch {
	case n <= 0:
		return DefaultKeywordCount
	case n > MaxKeywordCount:
		return MaxKeywordCount
	default:
		return n
	}
}

// NormalizeKeywords lower-cases, trims punctuation, drops stop words and
// leading pronouns or verbs, truncates to two words, dedupes and caps to limit. Order is preserved.
func NormalizeKeywords(raw []string, limit int) []string {
	limit = ClampKeywordCount(limit)
	seen := make(map[string]bool, len(raw))
	out := make([]string, 0, limit)
	for _, k := range raw {
		k = normalizeKeyword(k)
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
		if len(out) == limit {
			break
		}
	}
	return out
}

func normalizeKeyword(k string) string {
	fields := strings.FieldsFunc(strings.ToLower(k), func(r rune) bool {
		return unicode.IsSpace(r) || r == '_' || r == '/'
	})

	words := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '+' && r != '#'
		})
		if f != "" && !stopWords[f] {
			words = append(words, f)
		}
	}
	for len(words) > 0 && (leadingPronouns[words[0]] || leadingVerbs[words[0]]) {
		words = words[1:]
	}
	if len(words) > maxKeywordWords {
		words = words[:maxKeywordWords]
	}
	return strings.Join(words, " ")
}

// PlaceholderKeywords derives a deterministic keyword set from the domain
// name: acme-crm.com → ["acme crm", "acme crm alternative"] truncated to
// two words each, then deduplicated.
func PlaceholderKeywords(u *url.URL) []string {
	if u == nil {
		return nil
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	label := host
	if i := strings.Index(host, "."); i > 0 {
		label = host[:i]
	}
	label = strings.NewReplacer("-", " ", "_", " ").Replace(label)
	label = strings.Join(strings.Fields(label), " ")
	if label == "" {
		return nil
	}
	return NormalizeKeywords([]string{label, label + " alternative"}, MaxKeywordCount)
}
