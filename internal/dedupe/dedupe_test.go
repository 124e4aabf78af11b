package dedupe

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/leadscan/internal/model"
)

type fakeTitles struct {
	titles []string
	err    error
	calls  int
}

func (f *fakeTitles) ListLeadTitles(_ context.Context, _ string) ([]string, error) {
	f.calls++
	return f.titles, f.err
}

func cands(titles ...string) []model.Candidate {
	out := make([]model.Candidate, len(titles))
	for i, t := range titles {
		out[i] = model.Candidate{Title: t, URL: "https://example.com/" + t}
	}
	return out
}

func titlesOf(cs []model.Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Title
	}
	return out
}

func TestDedupe_DropsSeenTitles(t *testing.T) {
	d := New(&fakeTitles{titles: []string{"Best CRM for plumbers?", "  Need a dispatch app "}})

	got, err := d.Dedupe(context.Background(), cands("Best CRM for plumbers?", "Need a dispatch app", "Invoicing tools"), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Invoicing tools"}, titlesOf(got))
}

func TestDedupe_InBatchDuplicates(t *testing.T) {
	d := New(&fakeTitles{})

	got, err := d.Dedupe(context.Background(), cands("A question", " A question", "Another"), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"A question", "Another"}, titlesOf(got))
}

func TestDedupe_CaseSensitive(t *testing.T) {
	d := New(&fakeTitles{titles: []string{"best crm"}})

	got, err := d.Dedupe(context.Background(), cands("Best CRM"), "acct-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestDedupe_Idempotent(t *testing.T) {
	d := New(&fakeTitles{titles: []string{"seen"}})
	in := cands("seen", "fresh", "fresh", "also fresh")

	once, err := d.Dedupe(context.Background(), in, "acct-1")
	require.NoError(t, err)
	twice, err := d.Dedupe(context.Background(), once, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}

func TestDedupe_NoAccountIsNoop(t *testing.T) {
	f := &fakeTitles{titles: []string{"seen"}}
	d := New(f)
	in := cands("seen", "seen")

	got, err := d.Dedupe(context.Background(), in, "")
	require.NoError(t, err)
	assert.Equal(t, in, got)
	assert.Zero(t, f.calls)
}

func TestDedupe_StoreError(t *testing.T) {
	d := New(&fakeTitles{err: errors.New("connection refused")})

	_, err := d.Dedupe(context.Background(), cands("x"), "acct-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dedupe: list lead titles")
}
