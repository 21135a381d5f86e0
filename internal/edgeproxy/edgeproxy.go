// Package edgeproxy implements spec.md §4.8's agent edge proxy: the
// TLS listener that runs inside every application container on
// [::]:443, terminating the production frontend domain and, in
// development containers, the code-server domain.
//
// It is adapted from internal/proxy's central Proxy (same Director/
// ErrorHandler/ModifyResponse httputil.ReverseProxy shape, same
// statusRecorder Hijack passthrough for WebSocket upgrades) but swaps
// the central proxy's closed-on-failure forward-auth for a cached,
// fail-open check against the central registry, and resolves against a
// small fixed route table instead of a domain-wide resolver.
package edgeproxy

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"sync"
	"time"
)

// RouteEntry is one entry in an agent's fixed route table: the
// production frontend route or, in development containers, the
// code-server route (spec.md §4.8: "{slug}.{base} -> frontend port"
// and "code.{slug}.{base} -> 13337").
type RouteEntry struct {
	Domain        string
	TargetPort    int
	AuthRequired  bool
	AllowedGroups []string
}

// RouteTable resolves an inbound Host header to a RouteEntry.
type RouteTable interface {
	Resolve(domain string) (RouteEntry, bool)
}

// StaticRoutes is a small in-memory RouteTable built once at agent
// startup from the application's published frontend endpoint and,
// when enabled, its code-server endpoint.
type StaticRoutes struct {
	mu     sync.RWMutex
	routes map[string]RouteEntry
}

func NewStaticRoutes() *StaticRoutes {
	return &StaticRoutes{routes: map[string]RouteEntry{}}
}

// Set installs or replaces the route for domain.
func (s *StaticRoutes) Set(domain string, e RouteEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Domain = domain
	s.routes[strings.ToLower(domain)] = e
}

func (s *StaticRoutes) Resolve(domain string) (RouteEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.routes[strings.ToLower(domain)]
	return e, ok
}

// FrontendRoute builds the production frontend entry "{slug}.{base}"
// (spec.md §4.8).
func FrontendRoute(slug, base string, port int, authRequired bool, allowedGroups []string) (string, RouteEntry) {
	domain := slug + "." + base
	return domain, RouteEntry{Domain: domain, TargetPort: port, AuthRequired: authRequired, AllowedGroups: allowedGroups}
}

// CodeServerRoute builds the development-only "code.{slug}.{base}"
// entry, fixed to port 13337 per spec.md §4.8.
func CodeServerRoute(slug, base string, allowedGroups []string) (string, RouteEntry) {
	domain := "code." + slug + "." + base
	return domain, RouteEntry{Domain: domain, TargetPort: 13337, AuthRequired: true, AllowedGroups: allowedGroups}
}

// sessionResult is one cached forward-auth outcome.
type sessionResult struct {
	user    string
	groups  []string
	allow   bool
	expires time.Time
}

// CentralAuth checks a caller's auth_session cookie against the
// central registry's forward-auth endpoint, caching each outcome for
// 30 seconds keyed by the cookie value. Unlike internal/forwardauth's
// central-side client, a failed or unreachable central call fails
// OPEN (spec.md §4.8 step 2): "the architecture deliberately prefers
// availability over strict auth when the control plane is
// unreachable, because the edge proxy is itself behind the central
// proxy which also enforces auth."
type CentralAuth struct {
	Endpoint   string
	CookieName string
	TTL        time.Duration
	HTTP       *http.Client

	mu    sync.Mutex
	cache map[string]sessionResult
}

func NewCentralAuth(endpoint string) *CentralAuth {
	return &CentralAuth{
		Endpoint:   endpoint,
		CookieName: "auth_session",
		TTL:        30 * time.Second,
		HTTP:       &http.Client{Timeout: 2 * time.Second},
		cache:      map[string]sessionResult{},
	}
}

// Authenticate implements the forward-auth check described by
// internal/proxy.Authenticator's shape, but returns allow=true on any
// central-side failure instead of denying.
func (c *CentralAuth) Authenticate(r *http.Request) (user string, groups []string, allow bool) {
	cookie, err := r.Cookie(c.CookieName)
	if err != nil || cookie.Value == "" {
		// No session at all still fails open: the edge proxy trusts
		// the central proxy's own auth gate in front of it.
		return "", nil, true
	}

	c.mu.Lock()
	if res, ok := c.cache[cookie.Value]; ok && time.Now().Before(res.expires) {
		c.mu.Unlock()
		return res.user, res.groups, res.allow
	}
	c.mu.Unlock()

	user, groups, allow = c.checkCentral(r.Context(), cookie.Value, r)

	c.mu.Lock()
	c.cache[cookie.Value] = sessionResult{user: user, groups: groups, allow: allow, expires: time.Now().Add(c.TTL)}
	c.mu.Unlock()
	return user, groups, allow
}

func (c *CentralAuth) checkCentral(ctx context.Context, sessionCookie string, orig *http.Request) (string, []string, bool) {
	if c.Endpoint == "" {
		return "", nil, true
	}
	ctx, cancel := context.WithTimeout(ctx, c.httpTimeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Endpoint, nil)
	if err != nil {
		return "", nil, true
	}
	req.AddCookie(&http.Cookie{Name: c.CookieName, Value: sessionCookie})
	req.Header.Set("X-Forwarded-Host", orig.Host)
	req.Header.Set("X-Forwarded-Uri", orig.URL.RequestURI())

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", nil, true // central unreachable: fail open
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.Header.Get("X-Forwarded-User"), splitGroups(resp.Header.Get("X-Forwarded-Groups")), true
	case resp.StatusCode == http.StatusForbidden:
		return "", nil, false
	default:
		return "", nil, true // anything else (5xx, timeout-adjacent) fails open too
	}
}

func (c *CentralAuth) httpTimeout() time.Duration {
	if c.HTTP != nil && c.HTTP.Timeout > 0 {
		return c.HTTP.Timeout
	}
	return 2 * time.Second
}

func splitGroups(s string) []string {
	if s == "" {
		return nil
	}
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

// Options configures a Proxy.
type Options struct {
	Routes RouteTable
	Auth   *CentralAuth
	Logger *log.Logger
}

// Proxy is the agent-local HTTPS listener spec.md §4.8 describes.
type Proxy struct {
	opts Options
}

func New(opts Options) *Proxy { return &Proxy{opts: opts} }

func hostOnly(hostHeader string) string {
	if h, _, err := net.SplitHostPort(hostHeader); err == nil {
		return h
	}
	return hostHeader
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Alt-Svc", "clear")
	domain := strings.ToLower(hostOnly(r.Host))

	route, ok := p.opts.Routes.Resolve(domain)
	if !ok {
		http.NotFound(w, r)
		return
	}

	var user string
	var groups []string
	if route.AuthRequired && p.opts.Auth != nil {
		user, groups, ok = p.opts.Auth.Authenticate(r)
		if !ok {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		if len(route.AllowedGroups) > 0 && !groupsIntersect(groups, route.AllowedGroups) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	r.Header.Set("X-Forwarded-Host", domain)
	r.Header.Set("X-Real-IP", clientIP(r.RemoteAddr))
	if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
		r.Header.Set("X-Forwarded-For", prior+", "+clientIP(r.RemoteAddr))
	} else {
		r.Header.Set("X-Forwarded-For", clientIP(r.RemoteAddr))
	}
	r.Header.Set("X-Forwarded-Proto", "https")
	if user != "" {
		r.Header.Set("X-Forwarded-User", user)
	}
	if len(groups) > 0 {
		r.Header.Set("X-Forwarded-Groups", strings.Join(groups, ","))
	}

	p.reverseProxyFor(route).ServeHTTP(w, r)
}

func clientIP(remoteAddr string) string {
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		return host
	}
	return remoteAddr
}

func groupsIntersect(have, want []string) bool {
	set := make(map[string]struct{}, len(have))
	for _, g := range have {
		set[g] = struct{}{}
	}
	for _, g := range want {
		if _, ok := set[g]; ok {
			return true
		}
	}
	return false
}

// reverseProxyFor proxies to 127.0.0.1:{target_port} (spec.md §4.8
// step 4). WebSocket upgrades ride the same net/http Hijack passthrough
// httputil.ReverseProxy already performs for a 101 response.
func (p *Proxy) reverseProxyFor(route RouteEntry) *httputil.ReverseProxy {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		DialContext:       dialer.DialContext,
		ForceAttemptHTTP2: false,
	}
	return &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = fmt.Sprintf("127.0.0.1:%d", route.TargetPort)
			req.Host = req.URL.Host
			req.Header.Del("Connection")
			req.Header.Del("Upgrade")
			if isWebSocketUpgrade(req.Header) {
				req.Header.Set("Connection", "Upgrade")
				req.Header.Set("Upgrade", "websocket")
			}
		},
		Transport: transport,
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
			if p.opts.Logger != nil {
				p.opts.Logger.Printf("edgeproxy error domain=%s port=%d err=%v", route.Domain, route.TargetPort, err)
			}
			http.Error(rw, fmt.Sprintf("upstream error: %v", err), http.StatusBadGateway)
		},
	}
}

func isWebSocketUpgrade(h http.Header) bool {
	return strings.EqualFold(h.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(h.Get("Connection")), "upgrade")
}
