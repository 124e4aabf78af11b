// Package digest builds and sends the daily lead digest and feeds its
// backlog from the background collector.
package digest

import (
	"context"

	"github.com/sells-group/leadscan/internal/classify"
	"github.com/sells-group/leadscan/internal/model"
	"github.com/sells-group/leadscan/internal/scan"
)

// BatchRanker is the batch path of the intent classifier.
type BatchRanker interface {
	ClassifyBatch(ctx context.Context, items []classify.Item, profile model.BusinessProfile, topN int) *classify.BatchResult
}

// RerankConfig sizes the digest selection.
type RerankConfig struct {
	// Threshold is the backlog size at or below which every lead is kept
	// without a completion call.
	Threshold       int
	TopN            int
	BatchCandidates int
}

// Selection is the set of leads chosen for one account's digest.
type Selection struct {
	Leads     []model.Lead
	Completed bool
	Fallback  bool
	Err       error
	// padded holds the IDs the classifier added by keyword rank. Their
	// categories are placeholders and never written back.
	padded map[string]bool
}

// Classified returns the selected leads whose category came from the
// completion call.
func (s *Selection) Classified() []model.Lead {
	if !s.Completed {
		return nil
	}
	out := make([]model.Lead, 0, len(s.Leads))
	for _, l := range s.Leads {
		if !s.padded[l.ID] {
			out = append(out, l)
		}
	}
	return out
}

// Reranker picks the leads that go into a digest.
type Reranker struct {
	ranker BatchRanker
	cfg    RerankConfig
}

// NewReranker creates a Reranker.
func NewReranker(ranker BatchRanker, cfg RerankConfig) *Reranker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 10
	}
	if cfg.TopN <= 0 {
		cfg.TopN = classify.DefaultTopN
	}
	if cfg.BatchCandidates <= 0 {
		cfg.BatchCandidates = classify.MaxBatchItems
	}
	return &Reranker{ranker: ranker, cfg: cfg}
}

// RerankBacklog selects the digest leads from an account's unprocessed
// backlog. Small backlogs are kept whole and ordered by score. Larger ones
// are cut to the best BatchCandidates by keyword score and handed to the
// batch classifier, whose categories replace the stored ones. Leads padded
// in after a classifier failure are listed but keep their stored category.
func (r *Reranker) RerankBacklog(ctx context.Context, acct model.Account, leads []model.Lead) *Selection {
	if len(leads) <= r.cfg.Threshold {
		kept := append([]model.Lead(nil), leads...)
		scan.SortLeads(kept)
		return &Selection{Leads: kept}
	}

	prof := accountProfile(acct)
	byID := make(map[string]model.Lead, len(leads))
	items := make([]classify.Item, 0, len(leads))
	for _, l := range leads {
		byID[l.ID] = l
		items = append(items, classify.Item{ID: l.ID, Candidate: l.Candidate()})
	}
	items = classify.RankByKeywordScore(items, prof)
	if len(items) > r.cfg.BatchCandidates {
		items = items[:r.cfg.BatchCandidates]
	}

	res := r.ranker.ClassifyBatch(ctx, items, prof, r.cfg.TopN)
	sel := &Selection{Completed: true, Fallback: res.Fallback, padded: map[string]bool{}}
	if res.Err != nil {
		sel.Err = res.Err
	}
	for _, rk := range res.Ranked {
		l := byID[rk.ID]
		if rk.Padded {
			sel.padded[rk.ID] = true
		}
		l.MatchCategory = rk.Category
		l.MatchScore = rk.Score
		sel.Leads = append(sel.Leads, l)
	}
	return sel
}

func accountProfile(acct model.Account) model.BusinessProfile {
	if p, ok := acct.Profile(); ok {
		return p
	}
	return model.BusinessProfile{Description: acct.Description, SourceURL: acct.WebsiteURL}
}
