package profile

import (
	"bytes"
	"context"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/leadscan/internal/model"
	"github.com/sells-group/leadscan/internal/resilience"
)

const (
	maxFetchBytes   = 512 << 10
	maxFetchTimeout = 5 * time.Second
	maxRedirects    = 3
)

// Page is the text extracted from a fetched homepage.
type Page struct {
	Title       string
	Description string
}

// PageFetcher retrieves a page for profile derivation.
type PageFetcher interface {
	Fetch(ctx context.Context, u *url.URL) (*Page, error)
}

// HTTPFetcher fetches pages through a transport that refuses non-public
// addresses at dial time.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
}

// NewHTTPFetcher creates a fetcher. timeout is clamped to 5s.
func NewHTTPFetcher(userAgent string, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 || timeout > maxFetchTimeout {
		timeout = maxFetchTimeout
	}
	transport := &http.Transport{
		DialContext:           guardedDialer(&net.Dialer{Timeout: timeout}),
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		MaxIdleConnsPerHost:   2,
		IdleConnTimeout:       30 * time.Second,
	}
	return newHTTPFetcher(&http.Client{Transport: transport}, userAgent, timeout)
}

func newHTTPFetcher(client *http.Client, userAgent string, timeout time.Duration) *HTTPFetcher {
	client.Timeout = timeout
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return eris.New("profile: too many redirects")
		}
		_, err := CheckURL(req.URL.String())
		return err
	}
	return &HTTPFetcher{client: client, userAgent: userAgent, timeout: timeout}
}

// Fetch performs a single GET and extracts title and description.
func (f *HTTPFetcher) Fetch(ctx context.Context, u *url.URL) (*Page, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "profile: create request")
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		if resilience.IsTimeout(err) {
			return nil, &model.UpstreamTimeoutError{Provider: "fetch", Err: err}
		}
		return nil, eris.Wrapf(err, "profile: fetch %s", u.Host)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, eris.Errorf("profile: fetch %s: status %d", u.Host, resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		if resilience.IsTimeout(err) {
			return nil, &model.UpstreamTimeoutError{Provider: "fetch", Err: err}
		}
		return nil, eris.Wrapf(err, "profile: read %s", u.Host)
	}

	body := decodeCharset(raw, resp.Header.Get("Content-Type"))
	return ExtractPage(body), nil
}

var metaCharsetRe = regexp.MustCompile(`(?i)<meta[^>]+charset=["']?\s*([a-zA-Z0-9_\-]+)`)

// decodeCharset converts body to UTF-8 using the header charset, then a
// <meta charset> hint. Unknown charsets pass through unchanged.
func decodeCharset(body []byte, contentType string) string {
	name := ""
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		name = params["charset"]
	}
	if name == "" {
		head := body
		if len(head) > 2048 {
			head = head[:2048]
		}
		if m := metaCharsetRe.FindSubmatch(head); m != nil {
			name = string(m[1])
		}
	}
	if name == "" || strings.EqualFold(name, "utf-8") || strings.EqualFold(name, "utf8") {
		return string(body)
	}

	enc, err := htmlindex.Get(name)
	if err != nil {
		return string(body)
	}
	out, err := io.ReadAll(enc.NewDecoder().Reader(bytes.NewReader(body)))
	if err != nil {
		return string(body)
	}
	return string(out)
}
