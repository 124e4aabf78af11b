package profile

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

// ErrUnsafeURL is the sentinel every UnsafeURLError matches with errors.Is.
var ErrUnsafeURL = errors.New("profile: unsafe url")

// UnsafeURLError rejects a URL before any network access.
type UnsafeURLError struct {
	URL    string
	Reason string
}

func (e *UnsafeURLError) Error() string {
	return fmt.Sprintf("profile: unsafe url %q: %s", e.URL, e.Reason)
}

func (e *UnsafeURLError) Is(target error) bool {
	return target == ErrUnsafeURL
}

var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata":                 true,
	"instance-data":            true,
}

var privatePrefixes = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("fc00::/7"),
}

// CheckURL normalizes raw and rejects anything that could reach internal
// infrastructure. Bare hosts get an https scheme.
func CheckURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, &UnsafeURLError{URL: raw, Reason: "empty"}
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "https://" + trimmed
	}

	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, &UnsafeURLError{URL: raw, Reason: "malformed"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &UnsafeURLError{URL: raw, Reason: "scheme " + u.Scheme + " not allowed"}
	}
	if u.User != nil {
		return nil, &UnsafeURLError{URL: raw, Reason: "credentials in url"}
	}

	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return nil, &UnsafeURLError{URL: raw, Reason: "missing host"}
	}
	if blockedHosts[host] || strings.HasSuffix(host, ".localhost") || strings.HasSuffix(host, ".internal") {
		return nil, &UnsafeURLError{URL: raw, Reason: "blocked host " + host}
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		if reason := blockedAddr(addr); reason != "" {
			return nil, &UnsafeURLError{URL: raw, Reason: reason}
		}
	} else if !strings.Contains(host, ".") {
		return nil, &UnsafeURLError{URL: raw, Reason: "single-label host " + host}
	}
	return u, nil
}

// blockedAddr returns a non-empty reason when addr is not publicly routable.
func blockedAddr(addr netip.Addr) string {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback():
		return "loopback address"
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return "link-local address"
	case addr.IsUnspecified():
		return "unspecified address"
	case addr.IsMulticast():
		return "multicast address"
	}
	for _, p := range privatePrefixes {
		if p.Contains(addr) {
			return "private address"
		}
	}
	return ""
}

// guardedControl refuses connections to non-public addresses after DNS
// resolution, covering names that resolve into private ranges.
func guardedControl(_, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return &UnsafeURLError{URL: address, Reason: "malformed dial address"}
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return &UnsafeURLError{URL: address, Reason: "unresolved dial address"}
	}
	if reason := blockedAddr(addr); reason != "" {
		return &UnsafeURLError{URL: address, Reason: reason}
	}
	return nil
}

// guardedDialer returns a DialContext that applies guardedControl.
func guardedDialer(d *net.Dialer) func(ctx context.Context, network, address string) (net.Conn, error) {
	d.Control = guardedControl
	return d.DialContext
}
