// Package profile derives a normalized business profile (description plus
// search keywords) from a website URL and/or a short description.
package profile

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadscan/internal/model"
	"github.com/sells-group/leadscan/internal/resilience"
	"github.com/sells-group/leadscan/pkg/anthropic"
)

// Degradation notes recorded on a Result.
const (
	DegradedFetch       = "fetch"
	DegradedCompletion  = "completion"
	DegradedPlaceholder = "placeholder"
)

// ErrNoInput is returned when neither a URL nor a description is given.
var ErrNoInput = eris.New("profile: url or description required")

// Config tunes the builder.
type Config struct {
	Model             string
	Temperature       float64
	KeywordCount      int
	CompletionTimeout time.Duration
}

// Result is a derived profile plus what had to be degraded to produce it.
type Result struct {
	Profile  model.BusinessProfile
	Degraded []string
}

// Builder derives business profiles. Fetch and completion failures degrade
// the result; only unsafe or empty input fails.
type Builder struct {
	ai      anthropic.Client
	fetcher PageFetcher
	cache   Cache
	cfg     Config
	log     *zap.Logger
}

// NewBuilder creates a Builder. cache may be nil.
func NewBuilder(ai anthropic.Client, fetcher PageFetcher, cache Cache, cfg Config) *Builder {
	cfg.KeywordCount = ClampKeywordCount(cfg.KeywordCount)
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = 15 * time.Second
	}
	return &Builder{
		ai:      ai,
		fetcher: fetcher,
		cache:   cache,
		cfg:     cfg,
		log:     zap.L().With(zap.String("component", "profile")),
	}
}

// CheckInput rejects a missing input or an unsafe URL without touching the
// network. The URL is nil when only a description is given.
func CheckInput(rawURL, description string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		if strings.TrimSpace(description) == "" {
			return nil, ErrNoInput
		}
		return nil, nil
	}
	return CheckURL(rawURL)
}

// Build derives a profile from rawURL and description.
func (b *Builder) Build(ctx context.Context, rawURL, description string) (*Result, error) {
	description = strings.TrimSpace(description)
	u, err := CheckInput(rawURL, description)
	if err != nil {
		return nil, err
	}

	key := CacheKey(urlString(u), description)
	if b.cache != nil {
		cached, err := b.cache.Get(ctx, key)
		if err != nil {
			b.log.Warn("profile cache read failed", zap.Error(err))
		} else if cached != nil {
			return &Result{Profile: *cached}, nil
		}
	}

	res := &Result{}
	page := &Page{}
	if u != nil {
		p, err := b.fetcher.Fetch(ctx, u)
		if err != nil {
			b.log.Info("page fetch degraded to url-only context",
				zap.String("host", u.Host), zap.Error(err))
			res.Degraded = append(res.Degraded, DegradedFetch)
		} else {
			page = p
		}
	}

	derived, err := b.complete(ctx, u, page, description)
	if err != nil {
		b.log.Warn("profile completion failed, using fallback", zap.Error(err))
		res.Degraded = append(res.Degraded, DegradedCompletion)
		derived = fallbackProfile(page, description, b.cfg.KeywordCount)
	}

	if len(derived.Keywords) == 0 {
		derived.Keywords = PlaceholderKeywords(u)
		res.Degraded = append(res.Degraded, DegradedPlaceholder)
	}
	if len(derived.Keywords) == 0 {
		return nil, eris.Errorf("profile: no keywords derivable from %q", description)
	}
	derived.SourceURL = urlString(u)
	res.Profile = derived

	if b.cache != nil && len(res.Degraded) == 0 {
		if err := b.cache.Set(ctx, key, res.Profile); err != nil {
			b.log.Warn("profile cache write failed", zap.Error(err))
		}
	}
	return res, nil
}

const profileSystemPrompt = `You build search profiles for a lead monitoring tool that watches public discussion forums for people who might buy from a business.
Respond with a single JSON object and nothing else: {"description": "<one sentence>", "keywords": ["..."]}.
Keyword rules:
- exactly %d keywords
- at most 2 words each, lower case
- no leading verbs (write "crm software", not "buy crm software")
- orient them toward the platform, niche, problem solved, or named competitors people would mention when asking for recommendations`

type completionOutput struct {
	Description string   `json:"description"`
	Keywords    []string `json:"keywords"`
}

func (b *Builder) complete(ctx context.Context, u *url.URL, page *Page, description string) (model.BusinessProfile, error) {
	if b.ai == nil {
		return model.BusinessProfile{}, eris.New("profile: no completion client")
	}

	var sb strings.Builder
	if u != nil {
		fmt.Fprintf(&sb, "Website: %s\n", u.String())
	}
	if page.Title != "" {
		fmt.Fprintf(&sb, "Page title: %s\n", page.Title)
	}
	if page.Description != "" {
		fmt.Fprintf(&sb, "Page description: %s\n", page.Description)
	}
	if description != "" {
		fmt.Fprintf(&sb, "Owner's description: %s\n", description)
	}

	cctx, cancel := context.WithTimeout(ctx, b.cfg.CompletionTimeout)
	defer cancel()

	resp, err := b.ai.CreateMessage(cctx, anthropic.MessageRequest{
		Model:       b.cfg.Model,
		MaxTokens:   512,
		System:      fmt.Sprintf(profileSystemPrompt, b.cfg.KeywordCount),
		Messages:    []anthropic.Message{{Role: "user", Content: sb.String()}},
		Temperature: anthropic.Temperature(b.cfg.Temperature),
	})
	if err != nil {
		if resilience.IsTimeout(err) {
			return model.BusinessProfile{}, &model.UpstreamTimeoutError{Provider: "anthropic", Err: err}
		}
		return model.BusinessProfile{}, eris.Wrap(err, "profile: completion")
	}
	resp.Usage.LogCost(b.cfg.Model, "profile")

	var out completionOutput
	if err := json.Unmarshal([]byte(anthropic.CleanJSON(anthropic.Text(resp))), &out); err != nil {
		return model.BusinessProfile{}, eris.Wrap(err, "profile: parse completion")
	}
	keywords := NormalizeKeywords(out.Keywords, b.cfg.KeywordCount)
	if len(keywords) == 0 {
		return model.BusinessProfile{}, eris.New("profile: completion returned no usable keywords")
	}

	desc := strings.TrimSpace(out.Description)
	if desc == "" {
		desc = firstNonEmpty(description, page.Description, page.Title)
	}
	return model.BusinessProfile{Description: desc, Keywords: keywords}, nil
}

// fallbackProfile builds a profile without the completion service from the
// caller's description and the page title.
func fallbackProfile(page *Page, description string, limit int) model.BusinessProfile {
	var phrases []string
	phrases = append(phrases, splitPhrases(page.Title, "|–—-:·•")...)
	phrases = append(phrases, splitPhrases(description, ",.;:!?")...)
	return model.BusinessProfile{
		Description: firstNonEmpty(description, page.Description, page.Title),
		Keywords:    NormalizeKeywords(phrases, limit),
	}
}

func splitPhrases(s, seps string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool { return strings.ContainsRune(seps, r) })
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func urlString(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.String()
}
