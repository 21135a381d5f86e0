// Package forwardauth implements internal/proxy's Authenticator against
// an external identity service over HTTP, the side-channel forward-auth
// collaborator spec.md §6 treats as external: a side-channel check to
// an identity service that returns success / redirect / forbidden for
// a given session cookie.
//
// The central proxy's forward-auth call is closed-on-failure (any
// error, timeout, or non-2xx response denies the request); only the
// agent-side edge proxy (internal/edgeproxy) fails open, per spec.md
// §4.8's explicit split.
package forwardauth

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Options configures a Client.
type Options struct {
	// Endpoint is the identity service's forward-auth check URL, e.g.
	// "https://auth.home.example.com/verify".
	Endpoint string
	Timeout  time.Duration
	HTTP     *http.Client
}

// Client calls an external identity service to validate a caller's
// forward-auth session cookie.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.HTTP == nil {
		opts.HTTP = &http.Client{}
	}
	return &Client{endpoint: opts.Endpoint, timeout: opts.Timeout, http: opts.HTTP}
}

// Authenticate implements internal/proxy.Authenticator. It forwards the
// caller's cookies and Authorization header to the identity service and
// interprets a 2xx response as success, reading the authenticated
// identity back from X-Forwarded-User/X-Forwarded-Groups response
// headers; anything else (including a timeout) denies the request.
func (c *Client) Authenticate(r *http.Request) (user string, groups []string, ok bool) {
	if c.endpoint == "" {
		return "", nil, false
	}
	ctx, cancel := context.WithTimeout(r.Context(), c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return "", nil, false
	}
	for _, ck := range r.Cookies() {
		req.AddCookie(ck)
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		req.Header.Set("Authorization", auth)
	}
	req.Header.Set("X-Forwarded-Host", r.Host)
	req.Header.Set("X-Forwarded-Uri", r.URL.RequestURI())
	req.Header.Set("X-Forwarded-Method", r.Method)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", nil, false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, false
	}
	user = resp.Header.Get("X-Forwarded-User")
	if g := resp.Header.Get("X-Forwarded-Groups"); g != "" {
		groups = splitGroups(g)
	}
	return user, groups, true
}

func splitGroups(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
