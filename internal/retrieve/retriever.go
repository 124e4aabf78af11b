// Package retrieve fans profile keywords out to the search provider and
// merges the hits into a deterministic, pre-filtered candidate list.
package retrieve

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadscan/internal/model"
	"github.com/sells-group/leadscan/internal/resilience"
	"github.com/sells-group/leadscan/pkg/reddit"
)

// Config tunes the retriever.
type Config struct {
	Concurrency int
	Budget      time.Duration
	Limit       int
	TimeWindow  string
	Retry       resilience.RetryConfig
}

// Result is the merged candidate list plus the keywords whose search failed.
type Result struct {
	Candidates     []model.Candidate
	FailedKeywords []string
	TimedOut       bool
}

// Retriever searches one query per keyword. It never fails a scan: failed
// keywords are recorded and skipped.
type Retriever struct {
	search reddit.Client
	filter *Filter
	cfg    Config
	log    *zap.Logger
}

// New creates a Retriever. A nil filter uses DefaultRules.
func New(search reddit.Client, filter *Filter, cfg Config) *Retriever {
	if filter == nil {
		filter = NewFilter(DefaultRules())
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 20 * time.Second
	}
	if cfg.Limit <= 0 {
		cfg.Limit = 25
	}
	if cfg.TimeWindow == "" {
		cfg.TimeWindow = "week"
	}
	return &Retriever{
		search: search,
		filter: filter,
		cfg:    cfg,
		log:    zap.L().With(zap.String("component", "retrieve")),
	}
}

// Retrieve runs the keyword searches and merges the results.
func (r *Retriever) Retrieve(ctx context.Context, profile model.BusinessProfile) *Result {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Budget)
	defer cancel()

	keywords := profile.Keywords
	hits := make([][]reddit.Post, len(keywords))
	errs := make([]error, len(keywords))

	retry := r.cfg.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("reddit", "search")
	}

	var g errgroup.Group
	g.SetLimit(r.cfg.Concurrency)
	for i, kw := range keywords {
		g.Go(func() error {
			posts, err := resilience.DoVal(ctx, retry, func(ctx context.Context) ([]reddit.Post, error) {
				return r.search.Search(ctx, kw,
					reddit.WithLimit(r.cfg.Limit),
					reddit.WithTimeWindow(r.cfg.TimeWindow),
				)
			})
			if err != nil {
				if resilience.IsTimeout(err) || ctx.Err() != nil {
					err = &model.UpstreamTimeoutError{Provider: "reddit", Err: err}
				}
				errs[i] = err
				return nil
			}
			hits[i] = posts
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{}
	seen := make(map[string]bool)
	dropped := make(map[string]int)
	for i, kw := range keywords {
		if errs[i] != nil {
			res.FailedKeywords = append(res.FailedKeywords, kw)
			var te *model.UpstreamTimeoutError
			if errors.As(errs[i], &te) {
				res.TimedOut = true
			}
			r.log.Warn("keyword search failed", zap.String("keyword", kw), zap.Error(errs[i]))
			continue
		}
		for _, p := range hits[i] {
			c := toCandidate(p)
			if c.URL == "" || seen[c.URL] {
				continue
			}
			seen[c.URL] = true
			if ok, reason := r.filter.Keep(p); !ok {
				dropped[reason]++
				continue
			}
			res.Candidates = append(res.Candidates, c)
		}
	}

	r.log.Debug("retrieval complete",
		zap.Int("keywords", len(keywords)),
		zap.Int("failed", len(res.FailedKeywords)),
		zap.Int("candidates", len(res.Candidates)),
		zap.Any("dropped", dropped),
	)
	return res
}

func toCandidate(p reddit.Post) model.Candidate {
	link := p.Permalink
	if link == "" {
		link = p.URL
	}
	return model.Candidate{
		Title:       p.Title,
		CommunityID: p.Subreddit,
		URL:         link,
		Body:        p.Selftext,
		PostedAt:    p.CreatedAt(),
	}
}
