package retrieve

import (
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/leadscan/pkg/reddit"
)

// Rules configure the candidate pre-filter.
type Rules struct {
	MinTitleLength     int      `yaml:"min_title_length"`
	MaxAgeDays         int      `yaml:"max_age_days"`
	BlockedCommunities []string `yaml:"blocked_communities"`
	BlockedPhrases     []string `yaml:"blocked_phrases"`
	AllowNSFW          bool     `yaml:"allow_nsfw"`
}

// DefaultRules returns the built-in filter rules.
func DefaultRules() Rules {
	return Rules{
		MinTitleLength: 12,
		MaxAgeDays:     30,
	}
}

// LoadRules reads rules from a YAML file, layered over DefaultRules. An
// empty path returns the defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return rules, eris.Wrapf(err, "retrieve: read filter rules %s", path)
	}
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return rules, eris.Wrapf(err, "retrieve: parse filter rules %s", path)
	}
	return rules, nil
}

var tombstones = []string{"[removed]", "[deleted]"}

// Filter applies Rules to raw posts.
type Filter struct {
	rules   Rules
	blocked map[string]bool
	phrases []string
	now     func() time.Time
}

// NewFilter compiles rules.
func NewFilter(rules Rules) *Filter {
	f := &Filter{
		rules:   rules,
		blocked: make(map[string]bool, len(rules.BlockedCommunities)),
		now:     time.Now,
	}
	for _, c := range rules.BlockedCommunities {
		f.blocked[normalizeCommunity(c)] = true
	}
	for _, p := range rules.BlockedPhrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			f.phrases = append(f.phrases, p)
		}
	}
	return f
}

// Keep reports whether a post survives the pre-filter, and why not.
func (f *Filter) Keep(p reddit.Post) (bool, string) {
	title := strings.TrimSpace(p.Title)
	if len([]rune(title)) < f.rules.MinTitleLength {
		return false, "short_title"
	}
	for _, t := range tombstones {
		if strings.EqualFold(title, t) || strings.EqualFold(strings.TrimSpace(p.Selftext), t) {
			return false, "tombstone"
		}
	}
	if p.Removed() {
		return false, "removed"
	}
	if p.Over18 && !f.rules.AllowNSFW {
		return false, "nsfw"
	}
	if f.blocked[normalizeCommunity(p.Subreddit)] {
		return false, "blocked_community"
	}
	if f.rules.MaxAgeDays > 0 && p.CreatedUTC > 0 {
		if f.now().Sub(p.CreatedAt()) > time.Duration(f.rules.MaxAgeDays)*24*time.Hour {
			return false, "too_old"
		}
	}
	if len(f.phrases) > 0 {
		lower := strings.ToLower(title)
		for _, ph := range f.phrases {
			if strings.Contains(lower, ph) {
				return false, "blocked_phrase"
			}
		}
	}
	return true, ""
}

func normalizeCommunity(c string) string {
	c = strings.ToLower(strings.TrimSpace(c))
	return strings.TrimPrefix(c, "r/")
}
