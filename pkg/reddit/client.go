// Package reddit provides a client for the public discussion search API.
package reddit

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/leadscan/internal/resilience"
)

// Client searches public posts.
type Client interface {
	Search(ctx context.Context, query string, opts ...SearchOption) ([]Post, error)
}

// Post is a single search hit, flattened from the listing envelope.
type Post struct {
	ID                string  `json:"id"`
	Title             string  `json:"title"`
	Subreddit         string  `json:"subreddit"`
	Permalink         string  `json:"permalink"`
	URL               string  `json:"url"`
	Selftext          string  `json:"selftext"`
	CreatedUTC        float64 `json:"created_utc"`
	Over18            bool    `json:"over_18"`
	RemovedByCategory *string `json:"removed_by_category"`
}

// CreatedAt converts the epoch seconds field.
func (p Post) CreatedAt() time.Time {
	sec := int64(p.CreatedUTC)
	return time.Unix(sec, 0).UTC()
}

// Removed reports whether the provider flagged the post as removed.
func (p Post) Removed() bool {
	return p.RemovedByCategory != nil && *p.RemovedByCategory != ""
}

type listing struct {
	Data struct {
		Children []struct {
			Data Post `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

// SearchOption configures a search request.
type SearchOption func(*searchOpts)

type searchOpts struct {
	limit      int
	timeWindow string
	sort       string
}

// WithLimit caps the number of posts returned.
func WithLimit(n int) SearchOption {
	return func(o *searchOpts) { o.limit = n }
}

// WithTimeWindow sets the recency window ("day", "week", "month").
func WithTimeWindow(w string) SearchOption {
	return func(o *searchOpts) { o.timeWindow = w }
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) Option {
	return func(c *httpClient) { c.baseURL = strings.TrimSuffix(u, "/") }
}

// WithToken sets an OAuth bearer token.
func WithToken(token string) Option {
	return func(c *httpClient) { c.token = token }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *httpClient) { c.userAgent = ua }
}

// WithLimiter throttles outgoing requests.
func WithLimiter(l *AdaptiveLimiter) Option {
	return func(c *httpClient) { c.limiter = l }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) { c.http = hc }
}

type httpClient struct {
	baseURL   string
	token     string
	userAgent string
	limiter   *AdaptiveLimiter
	http      *http.Client
}

// NewClient creates a search client.
func NewClient(opts ...Option) Client {
	c := &httpClient{
		baseURL:   "https://www.reddit.com",
		userAgent: "leadscan/1.0",
		http: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, query string, opts ...SearchOption) ([]Post, error) {
	o := searchOpts{limit: 25, timeWindow: "week", sort: "new"}
	for _, opt := range opts {
		opt(&o)
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("sort", o.sort)
	params.Set("t", o.timeWindow)
	params.Set("limit", strconv.Itoa(o.limit))
	params.Set("raw_json", "1")
	reqURL := c.baseURL + "/search.json?" + params.Encode()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "reddit: rate limit wait")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "reddit: create request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "reddit: request failed")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, eris.Wrap(err, "reddit: read response body")
	}

	if resp.StatusCode == http.StatusTooManyRequests && c.limiter != nil {
		c.limiter.OnRateLimit()
	}
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return nil, resilience.NewTransientError(
			eris.Errorf("reddit: status %d", resp.StatusCode), resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("reddit: unexpected status %d: %s", resp.StatusCode, truncate(string(body), 200))
	}
	if c.limiter != nil {
		c.limiter.OnSuccess()
	}

	var l listing
	if err := json.Unmarshal(body, &l); err != nil {
		return nil, eris.Wrap(err, "reddit: decode response")
	}

	posts := make([]Post, 0, len(l.Data.Children))
	for _, child := range l.Data.Children {
		p := child.Data
		if p.Permalink != "" && !strings.HasPrefix(p.Permalink, "http") {
			p.Permalink = c.baseURL + p.Permalink
		}
		posts = append(posts, p)
	}
	return posts, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
