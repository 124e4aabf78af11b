package reddit

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/sells-group/leadscan/internal/resilience"
)

func listingJSON(posts ...map[string]any) map[string]any {
	children := make([]map[string]any, 0, len(posts))
	for _, p := range posts {
		children = append(children, map[string]any{"kind": "t3", "data": p})
	}
	return map[string]any{"kind": "Listing", "data": map[string]any{"children": children}}
}

func TestSearch_Success(t *testing.T) {
	removed := "moderator"
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search.json", r.URL.Path)
		assert.Equal(t, "crm alternative", r.URL.Query().Get("q"))
		assert.Equal(t, "new", r.URL.Query().Get("sort"))
		assert.Equal(t, "week", r.URL.Query().Get("t"))
		assert.Equal(t, "10", r.URL.Query().Get("limit"))
		assert.Equal(t, "test-agent", r.Header.Get("User-Agent"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(listingJSON( //nolint:errcheck
			map[string]any{
				"id": "a1", "title": "Looking for a CRM alternative", "subreddit": "smallbusiness",
				"permalink": "/r/smallbusiness/comments/a1/x/", "selftext": "body",
				"created_utc": 1.7e9, "over_18": false,
			},
			map[string]any{
				"id": "a2", "title": "Gone", "subreddit": "sales",
				"permalink": "/r/sales/comments/a2/y/", "removed_by_category": removed,
			},
		))
	}))
	defer ts.Close()

	c := NewClient(WithBaseURL(ts.URL), WithToken("tok"), WithUserAgent("test-agent"))
	posts, err := c.Search(context.Background(), "crm alternative", WithLimit(10))
	require.NoError(t, err)
	require.Len(t, posts, 2)

	assert.Equal(t, "Looking for a CRM alternative", posts[0].Title)
	assert.Equal(t, "smallbusiness", posts[0].Subreddit)
	assert.Equal(t, ts.URL+"/r/smallbusiness/comments/a1/x/", posts[0].Permalink)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), posts[0].CreatedAt())
	assert.False(t, posts[0].Removed())
	assert.True(t, posts[1].Removed())
}

func TestSearch_TransientStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := NewClient(WithBaseURL(ts.URL))
	_, err := c.Search(context.Background(), "crm")
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
}

func TestSearch_ClientError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("forbidden"))
	}))
	defer ts.Close()

	c := NewClient(WithBaseURL(ts.URL))
	_, err := c.Search(context.Background(), "crm")
	require.Error(t, err)
	assert.False(t, resilience.IsTransient(err))
	assert.Contains(t, err.Error(), "unexpected status 403")
}

func TestSearch_MalformedBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>nope</html>"))
	}))
	defer ts.Close()

	c := NewClient(WithBaseURL(ts.URL))
	_, err := c.Search(context.Background(), "crm")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reddit: decode response")
}

func TestSearch_RateLimitedSlowsLimiter(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	l := NewAdaptiveLimiter(rate.Limit(100), 5)
	c := NewClient(WithBaseURL(ts.URL), WithLimiter(l))
	_, err := c.Search(context.Background(), "crm")
	require.Error(t, err)
	assert.InDelta(t, 50.0, float64(l.Limit()), 0.001)
}

func TestAdaptiveLimiter_Bounds(t *testing.T) {
	l := NewAdaptiveLimiter(rate.Limit(4), 1)
	for range 20 {
		l.OnSuccess()
	}
	assert.InDelta(t, 8.0, float64(l.Limit()), 0.001)
	for range 20 {
		l.OnRateLimit()
	}
	assert.InDelta(t, 1.0, float64(l.Limit()), 0.001)
}

func TestAdaptiveLimiter_Unlimited(t *testing.T) {
	l := NewAdaptiveLimiter(0, 0)
	l.OnRateLimit()
	l.OnSuccess()
	assert.Equal(t, rate.Inf, l.Limit())
	require.NoError(t, l.Wait(context.Background()))
}
