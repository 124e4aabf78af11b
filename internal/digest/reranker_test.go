package digest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadscan/internal/classify"
	"github.com/sells-group/leadscan/internal/model"
)

var acct = model.Account{
	ID:          "acct-1",
	Email:       "owner@acme.com",
	Description: "Field service CRM for plumbers",
	Keywords:    []string{"crm", "dispatch software"},
}

type fakeRanker struct {
	calls int
	items []classify.Item
	topN  int
	res   func(items []classify.Item, topN int) *classify.BatchResult
}

func (f *fakeRanker) ClassifyBatch(_ context.Context, items []classify.Item, _ model.BusinessProfile, topN int) *classify.BatchResult {
	f.calls++
	f.items = items
	f.topN = topN
	return f.res(items, topN)
}

// backlog builds n leads; indexes listed in hot mention the account's keyword.
func backlog(n int, hot ...int) []model.Lead {
	isHot := map[int]bool{}
	for _, h := range hot {
		isHot[h] = true
	}
	out := make([]model.Lead, n)
	for i := range out {
		title := fmt.Sprintf("Gardening question number %d", i)
		cat := model.CategoryLow
		if isHot[i] {
			title = fmt.Sprintf("Looking for a CRM, post %d", i)
			cat = model.CategoryHigh
		}
		out[i] = model.NewLead(acct.ID, model.Candidate{Title: title, CommunityID: "smallbusiness"}, cat, model.LeadStatusNew)
		out[i].ID = fmt.Sprintf("l%02d", i)
	}
	return out
}

func leadIDs(leads []model.Lead) []string {
	out := make([]string, len(leads))
	for i, l := range leads {
		out[i] = l.ID
	}
	return out
}

func TestRerank_SmallBacklogKeepsAll(t *testing.T) {
	f := &fakeRanker{}
	r := NewReranker(f, RerankConfig{Threshold: 10, TopN: 10, BatchCandidates: 30})

	sel := r.RerankBacklog(context.Background(), acct, backlog(10, 7))
	assert.Zero(t, f.calls, "no completion call at or below the threshold")
	require.Len(t, sel.Leads, 10)
	assert.Equal(t, "l07", sel.Leads[0].ID)
	assert.False(t, sel.Completed)
	assert.False(t, sel.Fallback)
}

func TestRerank_LargeBacklogUsesBatch(t *testing.T) {
	f := &fakeRanker{res: func(items []classify.Item, _ int) *classify.BatchResult {
		return &classify.BatchResult{Ranked: []classify.Ranked{
			{Item: items[1], Category: model.CategoryHigh, Score: model.ScoreFor(model.CategoryHigh)},
			{Item: items[0], Category: model.CategoryLow, Score: model.ScoreFor(model.CategoryLow)},
		}}
	}}
	r := NewReranker(f, RerankConfig{Threshold: 10, TopN: 2, BatchCandidates: 12})

	sel := r.RerankBacklog(context.Background(), acct, backlog(20, 15, 3))

	assert.Equal(t, 1, f.calls)
	assert.Equal(t, 2, f.topN)
	require.Len(t, f.items, 12)
	assert.Equal(t, "l03", f.items[0].ID)
	assert.Equal(t, "l15", f.items[1].ID)
	assert.Equal(t, "l00", f.items[2].ID)

	require.Len(t, sel.Leads, 2)
	assert.Equal(t, []string{"l15", "l03"}, leadIDs(sel.Leads))
	assert.Equal(t, model.CategoryHigh, sel.Leads[0].MatchCategory)
	assert.Equal(t, model.ScoreHigh, sel.Leads[0].MatchScore)
	assert.Equal(t, model.CategoryLow, sel.Leads[1].MatchCategory)
	assert.Equal(t, model.ScoreLow, sel.Leads[1].MatchScore)
	assert.Equal(t, "Looking for a CRM, post 15", sel.Leads[0].Title)
	assert.True(t, sel.Completed)
	assert.Equal(t, []string{"l15", "l03"}, leadIDs(sel.Classified()))
}

func TestRerank_FallbackFillsTopN(t *testing.T) {
	r := NewReranker(classify.NewClassifier(nil, classify.Config{}), RerankConfig{Threshold: 10, TopN: 10, BatchCandidates: 30})

	sel := r.RerankBacklog(context.Background(), acct, backlog(15, 12))
	require.Len(t, sel.Leads, 10)
	assert.True(t, sel.Fallback)
	assert.Error(t, sel.Err)
	assert.Equal(t, "l12", sel.Leads[0].ID)
	for _, l := range sel.Leads {
		assert.Equal(t, model.CategoryMedium, l.MatchCategory)
		assert.Equal(t, model.ScoreMedium, l.MatchScore)
	}
	assert.Empty(t, sel.Classified())
}

func TestRerank_PaddedPicksNotWrittenBack(t *testing.T) {
	f := &fakeRanker{res: func(items []classify.Item, _ int) *classify.BatchResult {
		return &classify.BatchResult{
			Fallback: true,
			Err:      &classify.ClassificationError{Reason: "completion returned 1 of 2 ids"},
			Ranked: []classify.Ranked{
				{Item: items[0], Category: model.CategoryHigh, Score: model.ScoreHigh},
				{Item: items[1], Category: model.CategoryMedium, Score: model.ScoreMedium, Padded: true},
			},
		}
	}}
	r := NewReranker(f, RerankConfig{Threshold: 10, TopN: 2, BatchCandidates: 12})

	sel := r.RerankBacklog(context.Background(), acct, backlog(20, 15, 3))
	require.Len(t, sel.Leads, 2)
	assert.True(t, sel.Fallback)
	assert.Equal(t, []string{"l03"}, leadIDs(sel.Classified()))
}
