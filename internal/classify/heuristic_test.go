package classify

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/leadscan/internal/model"
)

var crmProfile = model.BusinessProfile{
	Description: "Field service CRM for plumbers",
	Keywords:    []string{"crm", "dispatch software"},
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		title string
		body  string
		want  model.Category
	}{
		{"keyword and intent in title", "Looking for a CRM for my plumbing business", "", model.CategoryHigh},
		{"keyword in title, intent in body", "CRM question", "Can anyone recommend one?", model.CategoryHigh},
		{"keyword in title only", "Our CRM keeps crashing today", "", model.CategoryMedium},
		{"plural keyword", "Comparing CRMs for small teams", "", model.CategoryMedium},
		{"keyword and intent in body", "Plumbing business question", "Any recommendations on dispatch software?", model.CategoryMedium},
		{"keyword in body without intent", "Plumbing business question", "We run dispatch software already.", model.CategoryLow},
		{"no overlap", "Weekend plans thread", "nothing to see", model.CategoryLow},
		{"substring is not a match", "Using scrm tools daily", "", model.CategoryLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat, score := Classify(model.Candidate{Title: tt.title, Body: tt.body}, crmProfile)
			assert.Equal(t, tt.want, cat)
			assert.Equal(t, model.ScoreFor(tt.want), score)
		})
	}
}

func TestClassify_Deterministic(t *testing.T) {
	c := model.Candidate{Title: "Looking for a CRM", Body: "dispatch software too"}
	cat1, s1 := Classify(c, crmProfile)
	for range 10 {
		cat, s := Classify(c, crmProfile)
		assert.Equal(t, cat1, cat)
		assert.Equal(t, s1, s)
	}
}

func TestKeywordScore_Ordering(t *testing.T) {
	strong := model.Candidate{Title: "Looking for a CRM with dispatch software", Body: "any suggestions?"}
	titleOnly := model.Candidate{Title: "Our CRM is fine"}
	bodyOnly := model.Candidate{Title: "Random question", Body: "we use a crm"}
	none := model.Candidate{Title: "Random question"}

	s := []int{
		KeywordScore(strong, crmProfile),
		KeywordScore(titleOnly, crmProfile),
		KeywordScore(bodyOnly, crmProfile),
		KeywordScore(none, crmProfile),
	}
	assert.Greater(t, s[0], s[1])
	assert.Greater(t, s[1], s[2])
	assert.Greater(t, s[2], s[3])
	assert.Zero(t, s[3])
}

func TestContainsPhrase(t *testing.T) {
	assert.True(t, containsPhrase("best crm?", "crm"))
	assert.True(t, containsPhrase("crm", "crm"))
	assert.True(t, containsPhrase("two crms here", "crm"))
	assert.False(t, containsPhrase("scrm", "crm"))
	assert.False(t, containsPhrase("crmsoft", "crm"))
	assert.True(t, containsPhrase("a scrm and a crm", "crm"))
	assert.False(t, containsPhrase("", "crm"))
}

func TestScoreTable_BothPaths(t *testing.T) {
	want := map[model.Category]float64{
		model.CategoryHigh:   0.95,
		model.CategoryMedium: 0.75,
		model.CategoryLow:    0.45,
	}

	// Real-time path.
	samples := map[model.Category]model.Candidate{
		model.CategoryHigh:   {Title: "Looking for a CRM"},
		model.CategoryMedium: {Title: "Our CRM"},
		model.CategoryLow:    {Title: "Unrelated"},
	}
	for cat, c := range samples {
		got, score := Classify(c, crmProfile)
		assert.Equal(t, cat, got)
		assert.Equal(t, want[cat], score, "heuristic score for %s", cat)
	}

	// Batch path: asserted against the same table in batch_test.go via
	// ClassifyBatch; here the shared table itself.
	for cat, score := range want {
		assert.Equal(t, score, model.ScoreFor(cat))
	}
}
