package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadscan/internal/model"
	"github.com/sells-group/leadscan/pkg/anthropic"
	anthropicmocks "github.com/sells-group/leadscan/pkg/anthropic/mocks"
)

func textResponse(s string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: s}},
		Usage:   anthropic.TokenUsage{InputTokens: 900, OutputTokens: 80},
	}
}

// makeItems builds n items p01..pNN. Items listed in hot get a title that
// matches crmProfile; the rest score zero.
func makeItems(n int, hot ...int) []Item {
	isHot := map[int]bool{}
	for _, h := range hot {
		isHot[h] = true
	}
	items := make([]Item, n)
	for i := range items {
		title := fmt.Sprintf("Gardening question number %d", i+1)
		if isHot[i+1] {
			title = fmt.Sprintf("Looking for a CRM, post %d", i+1)
		}
		items[i] = Item{
			ID:        fmt.Sprintf("p%02d", i+1),
			Candidate: model.Candidate{Title: title, CommunityID: "smallbusiness"},
		}
	}
	return items
}

func ids(rs []Ranked) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ID
	}
	return out
}

func decodeInput(t *testing.T, req anthropic.MessageRequest) batchInput {
	t.Helper()
	require.Len(t, req.Messages, 1)
	var in batchInput
	require.NoError(t, json.Unmarshal([]byte(req.Messages[0].Content), &in))
	return in
}

func TestClassifyBatch_Selection(t *testing.T) {
	ai := anthropicmocks.NewMockClient(t)
	var sent anthropic.MessageRequest
	ai.EXPECT().CreateMessage(mock.Anything, mock.Anything).
		Run(func(_ context.Context, req anthropic.MessageRequest) { sent = req }).
		Return(textResponse("```json\n"+`{"top_ids":["p03","p01","p07"],"categories":{"p03":"High","p01":"low","p07":"Medium"}}`+"\n```"), nil).
		Once()

	c := NewClassifier(ai, Config{Model: "claude-sonnet-4-5-20250929", Temperature: 0.2})
	res := c.ClassifyBatch(context.Background(), makeItems(8), crmProfile, 3)

	assert.Equal(t, []string{"p03", "p01", "p07"}, ids(res.Ranked))
	assert.False(t, res.Fallback)
	assert.Nil(t, res.Err)

	assert.Equal(t, model.CategoryHigh, res.Ranked[0].Category)
	assert.Equal(t, model.CategoryLow, res.Ranked[1].Category)

	in := decodeInput(t, sent)
	assert.Equal(t, "Field service CRM for plumbers", in.Business)
	assert.Len(t, in.Posts, 8)
	assert.Contains(t, sent.System, "the 3 best post ids")
	require.NotNil(t, sent.Temperature)
	assert.Equal(t, 0.2, *sent.Temperature)
}

func TestClassifyBatch_ScoreTable(t *testing.T) {
	ai := anthropicmocks.NewMockClient(t)
	ai.EXPECT().CreateMessage(mock.Anything, mock.Anything).
		Return(textResponse(`{"top_ids":["p01","p02","p03"],"categories":{"p01":"High","p02":"Medium","p03":"Low"}}`), nil).
		Once()

	res := NewClassifier(ai, Config{}).ClassifyBatch(context.Background(), makeItems(3), crmProfile, 3)
	require.Len(t, res.Ranked, 3)
	for _, r := range res.Ranked {
		assert.Equal(t, model.ScoreFor(r.Category), r.Score)
	}
	assert.Equal(t, 0.95, res.Ranked[0].Score)
	assert.Equal(t, 0.75, res.Ranked[1].Score)
	assert.Equal(t, 0.45, res.Ranked[2].Score)
}

func TestClassifyBatch_ErrorPadsByKeywordScore(t *testing.T) {
	ai := anthropicmocks.NewMockClient(t)
	ai.EXPECT().CreateMessage(mock.Anything, mock.Anything).
		Return(nil, errors.New("overloaded")).
		Once()

	res := NewClassifier(ai, Config{}).ClassifyBatch(context.Background(), makeItems(12, 5, 9), crmProfile, 10)

	assert.Equal(t,
		[]string{"p05", "p09", "p01", "p02", "p03", "p04", "p06", "p07", "p08", "p10"},
		ids(res.Ranked))
	assert.True(t, res.Fallback)
	require.NotNil(t, res.Err)
	assert.Equal(t, "completion failed", res.Err.Reason)
	for _, r := range res.Ranked {
		assert.Equal(t, model.CategoryMedium, r.Category)
		assert.Equal(t, model.ScoreMedium, r.Score)
		assert.True(t, r.Padded)
	}
}

func TestClassifyBatch_Timeout(t *testing.T) {
	ai := anthropicmocks.NewMockClient(t)
	ai.EXPECT().CreateMessage(mock.Anything, mock.Anything).
		Return(nil, context.DeadlineExceeded).
		Once()

	res := NewClassifier(ai, Config{}).ClassifyBatch(context.Background(), makeItems(4), crmProfile, 2)
	assert.Len(t, res.Ranked, 2)
	assert.True(t, res.Fallback)
	require.NotNil(t, res.Err)
	assert.Equal(t, "timeout", res.Err.Reason)

	var te *model.UpstreamTimeoutError
	assert.True(t, errors.As(res.Err, &te))
}

func TestClassifyBatch_ShortSelectionPadded(t *testing.T) {
	ai := anthropicmocks.NewMockClient(t)
	ai.EXPECT().CreateMessage(mock.Anything, mock.Anything).
		Return(textResponse(`{"top_ids":["p11","nope","p11","p02"],"categories":{"p11":"High","p02":"bogus"}}`), nil).
		Once()

	res := NewClassifier(ai, Config{}).ClassifyBatch(context.Background(), makeItems(12, 5), crmProfile, 5)

	assert.Equal(t, []string{"p11", "p02", "p05", "p01", "p03"}, ids(res.Ranked))
	assert.Equal(t, model.CategoryHigh, res.Ranked[0].Category)
	assert.Equal(t, model.CategoryMedium, res.Ranked[1].Category, "unparseable category defaults to Medium")
	assert.False(t, res.Ranked[1].Padded)
	assert.True(t, res.Ranked[2].Padded)
	assert.True(t, res.Fallback)
	require.NotNil(t, res.Err)
	assert.Contains(t, res.Err.Error(), "completion returned 4 of 5 ids")
}

func TestClassifyBatch_MalformedOutput(t *testing.T) {
	ai := anthropicmocks.NewMockClient(t)
	ai.EXPECT().CreateMessage(mock.Anything, mock.Anything).
		Return(textResponse("Sorry, I can't do that."), nil).
		Once()

	res := NewClassifier(ai, Config{}).ClassifyBatch(context.Background(), makeItems(3), crmProfile, 10)
	assert.Len(t, res.Ranked, 3, "padding stops when candidates run out")
	assert.True(t, res.Fallback)
	require.NotNil(t, res.Err)
	assert.Contains(t, res.Err.Error(), "classify: parse completion")
}

func TestClassifyBatch_CapsAtMaxItems(t *testing.T) {
	ai := anthropicmocks.NewMockClient(t)
	var sent anthropic.MessageRequest
	ai.EXPECT().CreateMessage(mock.Anything, mock.Anything).
		Run(func(_ context.Context, req anthropic.MessageRequest) { sent = req }).
		Return(textResponse(`{"top_ids":["p40"],"categories":{"p40":"High"}}`), nil).
		Once()

	items := makeItems(40, 35, 40)
	items[0].Candidate.Body = strings.Repeat("é", 500)

	res := NewClassifier(ai, Config{}).ClassifyBatch(context.Background(), items, crmProfile, 1)
	require.Len(t, res.Ranked, 1)
	assert.Equal(t, "p40", res.Ranked[0].ID)
	assert.False(t, res.Fallback)

	in := decodeInput(t, sent)
	require.Len(t, in.Posts, MaxBatchItems)
	assert.Equal(t, "p35", in.Posts[0].ID)
	assert.Equal(t, "p40", in.Posts[1].ID)
	for _, p := range in.Posts {
		assert.LessOrEqual(t, utf8.RuneCountInString(p.Body), 200)
	}
}

func TestClassifyBatch_FewerItemsThanTopN(t *testing.T) {
	ai := anthropicmocks.NewMockClient(t)
	ai.EXPECT().CreateMessage(mock.Anything, mock.Anything).
		Return(textResponse(`{"top_ids":["p02","p01"],"categories":{"p01":"Low","p02":"High"}}`), nil).
		Once()

	res := NewClassifier(ai, Config{}).ClassifyBatch(context.Background(), makeItems(2), crmProfile, 10)
	assert.Equal(t, []string{"p02", "p01"}, ids(res.Ranked))
	assert.False(t, res.Fallback)
	assert.Nil(t, res.Err)
}

func TestClassifyBatch_NoClient(t *testing.T) {
	res := NewClassifier(nil, Config{}).ClassifyBatch(context.Background(), makeItems(4, 3), crmProfile, 2)
	assert.Equal(t, []string{"p03", "p01"}, ids(res.Ranked))
	assert.True(t, res.Fallback)
	require.NotNil(t, res.Err)
}

func TestClassifyBatch_Empty(t *testing.T) {
	ai := anthropicmocks.NewMockClient(t)
	res := NewClassifier(ai, Config{}).ClassifyBatch(context.Background(), nil, crmProfile, 10)
	assert.Empty(t, res.Ranked)
	assert.False(t, res.Fallback)
}

func TestClassifyBatch_DefaultTopN(t *testing.T) {
	res := NewClassifier(nil, Config{}).ClassifyBatch(context.Background(), makeItems(15), crmProfile, 0)
	assert.Len(t, res.Ranked, DefaultTopN)
}

func TestRankByKeywordScore_Stable(t *testing.T) {
	items := makeItems(6, 4, 2)
	ranked := RankByKeywordScore(items, crmProfile)
	var got []string
	for _, it := range ranked {
		got = append(got, it.ID)
	}
	assert.Equal(t, []string{"p02", "p04", "p01", "p03", "p05", "p06"}, got)
	assert.Equal(t, "p01", items[0].ID, "input is not reordered")
}
