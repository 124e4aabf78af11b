// Package dedupe drops candidates an account has already seen.
package dedupe

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadscan/internal/model"
)

// TitleLister returns the titles of an account's existing leads.
type TitleLister interface {
	ListLeadTitles(ctx context.Context, accountID string) ([]string, error)
}

// Deduper filters candidates by exact trimmed title.
type Deduper struct {
	titles TitleLister
}

// New creates a Deduper backed by the lead store.
func New(titles TitleLister) *Deduper {
	return &Deduper{titles: titles}
}

// Dedupe returns candidates whose title is neither already stored for the
// account nor repeated earlier in the same batch. Order is preserved. An
// empty accountID returns the input unchanged.
func (d *Deduper) Dedupe(ctx context.Context, candidates []model.Candidate, accountID string) ([]model.Candidate, error) {
	if accountID == "" || len(candidates) == 0 {
		return candidates, nil
	}

	existing, err := d.titles.ListLeadTitles(ctx, accountID)
	if err != nil {
		return nil, eris.Wrap(err, "dedupe: list lead titles")
	}

	seen := make(map[string]struct{}, len(existing)+len(candidates))
	for _, t := range existing {
		seen[model.Candidate{Title: t}.NormalizedTitle()] = struct{}{}
	}

	out := make([]model.Candidate, 0, len(candidates))
	for _, c := range candidates {
		key := c.NormalizedTitle()
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out, nil
}
