// Package netpolicy enforces the outbound network policy of an assessment
// session. Hosts route page traffic through an Interceptor instead of
// replacing global fetch or WebSocket constructors.
package netpolicy

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"examguard/internal/logging"
	"examguard/internal/violation"
)

var (
	ErrBlockedDomain   = errors.New("netpolicy: access to external resources is not allowed")
	ErrWebSocketDenied = errors.New("netpolicy: websocket connections are not allowed")
)

// DefaultDenylist returns the domains blocked when no list is configured.
func DefaultDenylist() []string {
	return []string{
		"chatgpt.com",
		"openai.com",
		"claude.ai",
		"bard.google.com",
		"stackoverflow.com",
		"github.com",
		"codepen.io",
		"w3schools.com",
		"tutorialspoint.com",
		"geeksforgeeks.org",
	}
}

// Policy is the session's network policy.
type Policy struct {
	// Denylist entries match the exact host and any subdomain of it.
	Denylist []string
	// BlockWebSockets turns websocket reports into refusals.
	BlockWebSockets bool
}

// ReportFunc receives policy violations.
type ReportFunc func(t violation.Type, message string)

// Interceptor is an http.RoundTripper that applies a Policy.
type Interceptor struct {
	next    http.RoundTripper
	deny    []string
	blockWS bool
	report  ReportFunc
	logger  *slog.Logger
}

// NewInterceptor wraps next (http.DefaultTransport when nil). A nil
// Denylist selects DefaultDenylist; an empty non-nil one blocks nothing.
func NewInterceptor(next http.RoundTripper, p Policy, report ReportFunc, logger *slog.Logger) *Interceptor {
	if next == nil {
		next = http.DefaultTransport
	}
	if report == nil {
		report = func(violation.Type, string) {}
	}
	if logger == nil {
		logger = logging.Default().Logger
	}
	deny := p.Denylist
	if deny == nil {
		deny = DefaultDenylist()
	}
	norm := make([]string, 0, len(deny))
	for _, d := range deny {
		d = strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
		if d != "" {
			norm = append(norm, d)
		}
	}
	return &Interceptor{next: next, deny: norm, blockWS: p.BlockWebSockets, report: report, logger: logger}
}

// Blocked reports whether host falls under the denylist.
func (i *Interceptor) Blocked(host string) bool {
	host = strings.ToLower(strings.TrimSuffix(hostOnly(host), "."))
	if host == "" {
		return false
	}
	for _, d := range i.deny {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL != nil && i.Blocked(req.URL.Host) {
		target := req.URL.String()
		i.logger.Info("request blocked", "host", req.URL.Host)
		i.report(violation.BlockedDomain, fmt.Sprintf("Blocked access to %s", target))
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, fmt.Errorf("%w: %s", ErrBlockedDomain, req.URL.Host)
	}
	return i.next.RoundTrip(req)
}

// Client returns an http.Client using the interceptor.
func (i *Interceptor) Client() *http.Client {
	return &http.Client{Transport: i}
}

// GuardWebSocket is called before a websocket dial. Every attempt is
// reported; an error is returned only when websockets are blocked or the
// target is on the denylist.
func (i *Interceptor) GuardWebSocket(rawURL string) error {
	i.report(violation.WebSocket, fmt.Sprintf("WebSocket connection attempted to %s", rawURL))
	if u, err := url.Parse(rawURL); err == nil && i.Blocked(u.Host) {
		return fmt.Errorf("%w: %s", ErrBlockedDomain, u.Host)
	}
	if i.blockWS {
		return ErrWebSocketDenied
	}
	return nil
}

func hostOnly(hostport string) string {
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		return h
	}
	return hostport
}
