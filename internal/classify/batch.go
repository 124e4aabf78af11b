package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadscan/internal/model"
	"github.com/sells-group/leadscan/internal/resilience"
	"github.com/sells-group/leadscan/pkg/anthropic"
)

const (
	// MaxBatchItems is the most candidates sent in one completion call.
	MaxBatchItems = 30
	// DefaultTopN is the selection size when the caller passes zero.
	DefaultTopN = 10

	maxBodyRunes = 200
)

// ClassificationError records why the batch path fell back to keyword
// ranking. It is carried on the result, never returned.
type ClassificationError struct {
	Reason string
	Err    error
}

func (e *ClassificationError) Error() string {
	if e.Err == nil {
		return "classify: " + e.Reason
	}
	return fmt.Sprintf("classify: %s: %v", e.Reason, e.Err)
}

func (e *ClassificationError) Unwrap() error { return e.Err }

// Item is one candidate offered to the batch classifier under a stable id.
type Item struct {
	ID        string
	Candidate model.Candidate
}

// Ranked is a selected item with its category and score.
type Ranked struct {
	Item
	Category model.Category
	Score    float64
	// Padded is set when the item was added by keyword ranking rather than
	// chosen by the completion call.
	Padded bool
}

// BatchResult is the selected subset in rank order.
type BatchResult struct {
	Ranked   []Ranked
	Fallback bool
	Err      *ClassificationError
}

// Config tunes the batch classifier.
type Config struct {
	Model       string
	Temperature float64
	Timeout     time.Duration
}

// Classifier runs the batch path against the completion service.
type Classifier struct {
	ai  anthropic.Client
	cfg Config
	log *zap.Logger
}

// NewClassifier creates a Classifier. ai may be nil, in which case every
// batch uses the keyword fallback.
func NewClassifier(ai anthropic.Client, cfg Config) *Classifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Classifier{
		ai:  ai,
		cfg: cfg,
		log: zap.L().With(zap.String("component", "classify")),
	}
}

// RankByKeywordScore orders items by KeywordScore descending. Ties keep
// input order.
func RankByKeywordScore(items []Item, profile model.BusinessProfile) []Item {
	scores := make(map[string]int, len(items))
	for _, it := range items {
		scores[it.ID] = KeywordScore(it.Candidate, profile)
	}
	out := append([]Item(nil), items...)
	sort.SliceStable(out, func(i, j int) bool {
		return scores[out[i].ID] > scores[out[j].ID]
	})
	return out
}

// ClassifyBatch selects up to topN items with one completion call. Items
// beyond MaxBatchItems are cut by keyword score first. When the call fails
// or returns fewer than topN usable ids, the selection is padded with the
// next best keyword-ranked items as Medium.
func (c *Classifier) ClassifyBatch(ctx context.Context, items []Item, profile model.BusinessProfile, topN int) *BatchResult {
	if topN <= 0 {
		topN = DefaultTopN
	}
	ranked := RankByKeywordScore(items, profile)
	if len(ranked) > MaxBatchItems {
		ranked = ranked[:MaxBatchItems]
	}
	if len(ranked) == 0 {
		return &BatchResult{}
	}

	res := &BatchResult{}
	picks, err := c.complete(ctx, ranked, profile, topN)
	if err != nil {
		res.Err = toClassificationError(err)
		c.log.Warn("batch classification failed, using keyword ranking",
			zap.Int("items", len(ranked)), zap.Error(err))
	}

	byID := make(map[string]Item, len(ranked))
	for _, it := range ranked {
		byID[it.ID] = it
	}
	taken := make(map[string]bool, topN)
	for _, p := range picks {
		if len(res.Ranked) >= topN {
			break
		}
		it, ok := byID[p.id]
		if !ok || taken[p.id] {
			continue
		}
		taken[p.id] = true
		res.Ranked = append(res.Ranked, Ranked{Item: it, Category: p.category, Score: model.ScoreFor(p.category)})
	}

	if len(res.Ranked) < topN {
		for _, it := range ranked {
			if len(res.Ranked) >= topN {
				break
			}
			if taken[it.ID] {
				continue
			}
			taken[it.ID] = true
			res.Ranked = append(res.Ranked, Ranked{
				Item:     it,
				Category: model.CategoryMedium,
				Score:    model.ScoreFor(model.CategoryMedium),
				Padded:   true,
			})
			res.Fallback = true
		}
		if res.Fallback && res.Err == nil {
			res.Err = &ClassificationError{Reason: fmt.Sprintf("completion returned %d of %d ids", len(picks), topN)}
		}
	}
	if res.Err != nil {
		res.Fallback = true
	}
	return res
}

const batchSystemPrompt = `You review public forum posts for a business and pick the ones most likely to come from a potential buyer.
Respond with a single JSON object and nothing else: {"top_ids": ["..."], "categories": {"<id>": "High|Medium|Low"}}.
- top_ids: the %d best post ids, best first, chosen only from the ids given
- categories: purchase intent for every id in top_ids
High means the poster is actively asking for a product like this one. Medium means a related need or pain point. Low means a loose topical match.`

type batchPost struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	CommunityID string `json:"community_id"`
	Body        string `json:"body"`
}

type batchInput struct {
	Business string      `json:"business"`
	Keywords []string    `json:"keywords,omitempty"`
	Posts    []batchPost `json:"posts"`
}

type batchOutput struct {
	TopIDs     []string          `json:"top_ids"`
	Categories map[string]string `json:"categories"`
}

type pick struct {
	id       string
	category model.Category
}

func (c *Classifier) complete(ctx context.Context, items []Item, profile model.BusinessProfile, topN int) ([]pick, error) {
	if c.ai == nil {
		return nil, eris.New("classify: no completion client")
	}

	in := batchInput{Business: profile.Description, Keywords: profile.Keywords}
	for _, it := range items {
		in.Posts = append(in.Posts, batchPost{
			ID:          it.ID,
			Title:       it.Candidate.Title,
			CommunityID: it.Candidate.CommunityID,
			Body:        truncateRunes(it.Candidate.Body, maxBodyRunes),
		})
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, eris.Wrap(err, "classify: marshal batch")
	}

	cctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.ai.CreateMessage(cctx, anthropic.MessageRequest{
		Model:       c.cfg.Model,
		MaxTokens:   1024,
		System:      fmt.Sprintf(batchSystemPrompt, topN),
		Messages:    []anthropic.Message{{Role: "user", Content: string(payload)}},
		Temperature: anthropic.Temperature(c.cfg.Temperature),
	})
	if err != nil {
		if resilience.IsTimeout(err) {
			return nil, &model.UpstreamTimeoutError{Provider: "anthropic", Err: err}
		}
		return nil, eris.Wrap(err, "classify: completion")
	}
	resp.Usage.LogCost(c.cfg.Model, "rank")

	var out batchOutput
	if err := json.Unmarshal([]byte(anthropic.CleanJSON(anthropic.Text(resp))), &out); err != nil {
		return nil, eris.Wrap(err, "classify: parse completion")
	}

	picks := make([]pick, 0, len(out.TopIDs))
	for _, id := range out.TopIDs {
		cat, ok := model.ParseCategory(out.Categories[id])
		if !ok {
			cat = model.CategoryMedium
		}
		picks = append(picks, pick{id: id, category: cat})
	}
	return picks, nil
}

func toClassificationError(err error) *ClassificationError {
	var te *model.UpstreamTimeoutError
	if errors.As(err, &te) {
		return &ClassificationError{Reason: "timeout", Err: err}
	}
	return &ClassificationError{Reason: "completion failed", Err: err}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
