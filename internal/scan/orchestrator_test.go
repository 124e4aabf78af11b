package scan

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadscan/internal/dedupe"
	"github.com/sells-group/leadscan/internal/model"
	"github.com/sells-group/leadscan/internal/profile"
	"github.com/sells-group/leadscan/internal/quota"
	"github.com/sells-group/leadscan/internal/retrieve"
	"github.com/sells-group/leadscan/internal/store"
)

var crmKeywords = []string{"crm", "dispatch software"}

type fixedRetriever struct {
	res   *retrieve.Result
	delay time.Duration
	calls atomic.Int32
}

func (r *fixedRetriever) Retrieve(ctx context.Context, _ model.BusinessProfile) *retrieve.Result {
	r.calls.Add(1)
	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
			time.Sleep(20 * time.Millisecond)
		}
	}
	return r.res
}

type stubGate struct {
	d     quota.Decision
	err   error
	calls int
}

func (g *stubGate) CheckAndIncrement(_ context.Context, _ string) (quota.Decision, error) {
	g.calls++
	return g.d, g.err
}

type stubBuilder struct {
	res *profile.Result
	err error
}

func (b *stubBuilder) Build(_ context.Context, _, _ string) (*profile.Result, error) {
	return b.res, b.err
}

type passDeduper struct{ err error }

func (d passDeduper) Dedupe(_ context.Context, c []model.Candidate, _ string) ([]model.Candidate, error) {
	if d.err != nil {
		return nil, d.err
	}
	return c, nil
}

type recordingWriter struct {
	err   error
	calls int
	got   []model.Lead
}

func (w *recordingWriter) InsertLeads(_ context.Context, leads []model.Lead) (int, error) {
	w.calls++
	w.got = append(w.got, leads...)
	return len(leads), w.err
}

func allowed() *stubGate { return &stubGate{d: quota.Decision{Code: quota.Allowed}} }

func candidates(titles ...string) []model.Candidate {
	out := make([]model.Candidate, len(titles))
	for i, t := range titles {
		out[i] = model.Candidate{
			Title:       t,
			CommunityID: "smallbusiness",
			URL:         fmt.Sprintf("https://www.reddit.com/r/smallbusiness/comments/c%02d/", i+1),
		}
	}
	return out
}

func titles(leads []model.Lead) []string {
	out := make([]string, len(leads))
	for i, l := range leads {
		out[i] = l.Title
	}
	return out
}

// Twelve candidates: the second and seventh were already surfaced to the
// account. Of the rest, two are High, four Medium and four Low intent.
var scenarioTitles = []string{
	"Weekend thread for owners",
	"Looking for a CRM for HVAC",
	"Our CRM broke again today",
	"Can anyone recommend a CRM?",
	"Pricing my plumbing services",
	"CRM migration went fine",
	"Random gardening chat here",
	"Best software for dispatch? Need a CRM",
	"Tax season thoughts again",
	"Dispatch software rollout notes",
	"Hiring a second plumber soon",
	"The CRM we picked last year",
}

func TestScan_EndToEnd(t *testing.T) {
	ctx := context.Background()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "scan.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(ctx))

	require.NoError(t, s.UpsertAccount(ctx, model.Account{
		ID:               "acct-1",
		Email:            "owner@acme.com",
		CreatedAt:        time.Now().Add(-24 * time.Hour),
		SubscriptionTier: model.TierPro,
		Timezone:         "UTC",
	}))
	seen := candidates(scenarioTitles...)
	_, err = s.InsertLeads(ctx, []model.Lead{
		model.NewLead("acct-1", seen[1], model.CategoryHigh, model.LeadStatusNew),
		model.NewLead("acct-1", seen[6], model.CategoryLow, model.LeadStatusNew),
	})
	require.NoError(t, err)

	o := New(
		quota.New(s, quota.Config{}),
		nil,
		&fixedRetriever{res: &retrieve.Result{Candidates: candidates(scenarioTitles...)}},
		dedupe.New(s),
		s,
		Config{Timeout: 5 * time.Second},
	)

	res, err := o.Scan(ctx, Request{AccountID: "acct-1", Description: "Field service CRM", Keywords: crmKeywords})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Can anyone recommend a CRM?",
		"Best software for dispatch? Need a CRM",
		"Our CRM broke again today",
		"CRM migration went fine",
		"Dispatch software rollout notes",
		"The CRM we picked last year",
		"Weekend thread for owners",
		"Pricing my plumbing services",
		"Tax season thoughts again",
		"Hiring a second plumber soon",
	}, titles(res.Leads))
	assert.Zero(t, res.Remaining)
	assert.Empty(t, res.Degraded)

	for i, l := range res.Leads {
		assert.Equal(t, model.ScoreFor(l.MatchCategory), l.MatchScore)
		assert.Equal(t, model.LeadStatusScanner, l.Status)
		assert.NotEmpty(t, l.ID)
		if i > 0 {
			assert.GreaterOrEqual(t, res.Leads[i-1].MatchScore, l.MatchScore)
		}
	}

	stored, err := s.ListLeads(ctx, "acct-1", model.LeadStatusScanner, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Len(t, stored, 10)

	acct, err := s.GetAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 1, acct.ScanCount)

	// A second identical scan finds nothing new.
	res, err = o.Scan(ctx, Request{AccountID: "acct-1", Keywords: crmKeywords})
	require.NoError(t, err)
	assert.Empty(t, res.Leads)
}

func TestScan_Teaser(t *testing.T) {
	gate := allowed()
	w := &recordingWriter{}
	o := New(gate, nil,
		&fixedRetriever{res: &retrieve.Result{Candidates: candidates(scenarioTitles...)}},
		dedupe.New(nil), w, Config{})

	res, err := o.Scan(context.Background(), Request{Keywords: crmKeywords})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"Looking for a CRM for HVAC",
		"Can anyone recommend a CRM?",
		"Best software for dispatch? Need a CRM",
	}, titles(res.Leads))
	assert.Equal(t, 9, res.Remaining)
	assert.Zero(t, gate.calls, "teaser scans skip the quota gate")
	assert.Zero(t, w.calls, "teaser scans are not persisted")
}

func TestScan_MaxResults(t *testing.T) {
	var many []string
	for i := range 30 {
		many = append(many, fmt.Sprintf("Our CRM question number %d", i))
	}
	o := New(allowed(), nil,
		&fixedRetriever{res: &retrieve.Result{Candidates: candidates(many...)}},
		passDeduper{}, &recordingWriter{}, Config{MaxResults: 25})

	res, err := o.Scan(context.Background(), Request{AccountID: "a", Keywords: crmKeywords})
	require.NoError(t, err)
	assert.Len(t, res.Leads, 25)
	assert.Equal(t, "Our CRM question number 0", res.Leads[0].Title)
}

func TestScan_QuotaDenied(t *testing.T) {
	r := &fixedRetriever{res: &retrieve.Result{}}
	o := New(&stubGate{d: quota.Decision{Code: quota.DailyLimitReached}}, nil, r, passDeduper{}, &recordingWriter{}, Config{})

	_, err := o.Scan(context.Background(), Request{AccountID: "a", Keywords: crmKeywords})
	require.Error(t, err)

	var qe *QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, quota.DailyLimitReached, qe.Code())
	assert.Zero(t, r.calls.Load())
}

func TestScan_QuotaError(t *testing.T) {
	o := New(&stubGate{err: errors.New("db down")}, nil, &fixedRetriever{res: &retrieve.Result{}}, passDeduper{}, &recordingWriter{}, Config{})

	_, err := o.Scan(context.Background(), Request{AccountID: "a", Keywords: crmKeywords})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan: quota")
}

func TestScan_Timeout(t *testing.T) {
	w := &recordingWriter{}
	r := &fixedRetriever{
		res:   &retrieve.Result{Candidates: candidates("Looking for a CRM today")},
		delay: time.Second,
	}
	o := New(allowed(), nil, r, passDeduper{}, w, Config{Timeout: 50 * time.Millisecond})

	start := time.Now()
	res, err := o.Scan(context.Background(), Request{AccountID: "a", Keywords: crmKeywords})
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, ErrScanTimeout))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// Let the abandoned pipeline finish; its result must not be written.
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, w.calls)
}

func TestScan_BuilderUsedWithoutKeywords(t *testing.T) {
	b := &stubBuilder{res: &profile.Result{
		Profile:  model.BusinessProfile{Description: "CRM", Keywords: []string{"crm"}},
		Degraded: []string{profile.DegradedFetch},
	}}
	o := New(allowed(), b,
		&fixedRetriever{res: &retrieve.Result{Candidates: candidates("Looking for a CRM today")}},
		passDeduper{}, &recordingWriter{}, Config{})

	res, err := o.Scan(context.Background(), Request{AccountID: "a", URL: "https://acme.com"})
	require.NoError(t, err)
	require.Len(t, res.Leads, 1)
	assert.Equal(t, model.CategoryHigh, res.Leads[0].MatchCategory)
	assert.Equal(t, []string{profile.DegradedFetch}, res.Degraded)
}

func TestScan_BadInputSpendsNoQuota(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"loopback url", Request{AccountID: "a", URL: "http://127.0.0.1"}, profile.ErrUnsafeURL},
		{"metadata host", Request{AccountID: "a", URL: "http://169.254.169.254/latest"}, profile.ErrUnsafeURL},
		{"no url or description", Request{AccountID: "a", Description: "  "}, profile.ErrNoInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := allowed()
			b := &stubBuilder{err: errors.New("builder must not run")}
			o := New(gate, b, &fixedRetriever{res: &retrieve.Result{}}, passDeduper{}, &recordingWriter{}, Config{})

			_, err := o.Scan(context.Background(), tt.req)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want))
			assert.Zero(t, gate.calls)
		})
	}
}

func TestScan_PartialRetrieval(t *testing.T) {
	r := &fixedRetriever{res: &retrieve.Result{
		Candidates:     candidates("Looking for a CRM today"),
		FailedKeywords: []string{"dispatch software"},
		TimedOut:       true,
	}}
	o := New(allowed(), nil, r, passDeduper{}, &recordingWriter{}, Config{})

	res, err := o.Scan(context.Background(), Request{AccountID: "a", Keywords: crmKeywords})
	require.NoError(t, err)
	assert.Len(t, res.Leads, 1)
	assert.Equal(t, []string{DegradedRetrieve, DegradedTimeout}, res.Degraded)
}

func TestScan_DedupeFailureDegrades(t *testing.T) {
	o := New(allowed(), nil,
		&fixedRetriever{res: &retrieve.Result{Candidates: candidates("Looking for a CRM today")}},
		passDeduper{err: errors.New("db down")}, &recordingWriter{}, Config{})

	res, err := o.Scan(context.Background(), Request{AccountID: "a", Keywords: crmKeywords})
	require.NoError(t, err)
	assert.Len(t, res.Leads, 1)
	assert.Equal(t, []string{DegradedDedupe}, res.Degraded)
}

func TestScan_PersistenceFailureStillReturns(t *testing.T) {
	w := &recordingWriter{err: &store.PersistenceError{Op: "insert leads", Count: 1, Err: errors.New("disk full")}}
	o := New(allowed(), nil,
		&fixedRetriever{res: &retrieve.Result{Candidates: candidates("Looking for a CRM today")}},
		passDeduper{}, w, Config{})

	res, err := o.Scan(context.Background(), Request{AccountID: "a", Keywords: crmKeywords})
	require.NoError(t, err)
	assert.Len(t, res.Leads, 1)
	assert.Equal(t, 1, w.calls)
	assert.Equal(t, []string{DegradedPersist}, res.Degraded)
}

func TestSortLeads_Stable(t *testing.T) {
	leads := []model.Lead{
		{Title: "a", MatchScore: model.ScoreLow},
		{Title: "b", MatchScore: model.ScoreHigh},
		{Title: "c", MatchScore: model.ScoreLow},
		{Title: "d", MatchScore: model.ScoreHigh},
	}
	SortLeads(leads)
	assert.Equal(t, []string{"b", "d", "a", "c"}, titles(leads))
}
