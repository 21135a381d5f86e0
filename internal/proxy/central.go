// Package proxy implements HomeRoute's central reverse proxy: the
// single TLS-terminating entry point that routes by SNI/Host to either
// a statically configured Route or a dynamically published AppRoute,
// enforces forward-auth, and bridges WebSocket upgrades end to end.
//
// It is adapted from reverse_proxy.go's httputil.ReverseProxy-based
// Director/ModifyResponse/ErrorHandler/Transport pattern: the teacher
// resolves a logical "server ID" to a hostport via a query-param or
// path-based scheme meant for an admin UI; HomeRoute instead resolves
// by request Host against a routing table built from hosts.json /
// routes.json and agent-published routes, since the central proxy is
// the public-facing surface, not an authenticated admin tool.
package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/homeroute/homeroute/internal/eventbus"
)

// Target is what a Resolver returns for one request's Host header.
type Target struct {
	Domain          string
	Scheme          string
	HostPort        string
	AuthRequired    bool
	AllowedGroups   []string
	LocalOnly       bool
	WakePageEnabled bool
	HostID          string
	AppID           string
}

// Resolver maps an inbound Host header to a backend Target. Both the
// static route table and the dynamic application-route table implement
// this from the same lookup surface.
type Resolver interface {
	Resolve(domain string) (Target, bool)
}

// ChainResolver tries each Resolver in order, returning the first hit.
// Constructed with the dynamic AppRoute table first and the static
// route table second, it implements spec.md §4.4 steps 3-4: a
// published AppRoute always wins over a statically configured Route
// for the same domain (Testable Property 5).
type ChainResolver []Resolver

func (c ChainResolver) Resolve(domain string) (Target, bool) {
	for _, r := range c {
		if t, ok := r.Resolve(domain); ok {
			return t, ok
		}
	}
	return Target{}, false
}

// Authenticator validates the caller's forward-auth session, returning
// the authenticated identity and its groups.
type Authenticator interface {
	// Authenticate inspects r (cookie/header) and returns the caller's
	// identity. ok is false when no valid session is present; the
	// caller should redirect to the login surface in that case.
	Authenticate(r *http.Request) (user string, groups []string, ok bool)
}

// HostWaker triggers Wake-on-LAN for a host backing a WakePageEnabled
// application and reports whether the host already appears online.
type HostWaker interface {
	EnsureAwake(ctx context.Context, hostID string) (alreadyOnline bool, err error)
}

// AccessRecorder receives one entry per proxied request.
type AccessRecorder interface {
	RecordAccess(domain, method, path, remoteAddr, appID, authResult string, status int, dur time.Duration)
}

// Options configures a Proxy.
type Options struct {
	Resolver Resolver
	Auth     Authenticator
	Waker    HostWaker // may be nil; wake-on-demand is then skipped
	Access   AccessRecorder
	Logger   *log.Logger
	// DialTimeout bounds the dial to the resolved backend.
	DialTimeout time.Duration

	// BaseDomain and ManagementAddr implement spec.md §4.4 step 2: the
	// built-in "proxy.{base}" and "auth.{base}" domains route to the
	// in-process HTTP admin surface at loopback:management-port rather
	// than through Resolver at all.
	BaseDomain     string
	ManagementAddr string

	// Power, Bus, and Services implement spec.md §4.5's Wake-on-Demand
	// decision table and its "/__hr/wod" SSE feedback channel. All
	// three are optional: a nil Power skips WOD branching entirely and
	// falls back to the plain Waker.EnsureAwake probe-or-wake behavior.
	Power    PowerStater
	Bus      *eventbus.Bus
	Services ServiceStarter
}

// Proxy is HomeRoute's central reverse proxy.
type Proxy struct {
	opts Options
}

func New(opts Options) *Proxy {
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return &Proxy{opts: opts}
}

// isAgentEdgeTarget reports whether target's backend is an agent edge
// proxy (spec.md §4.8, always listening on :443) rather than a plain
// HTTP backend. AppRoute targets published by agents always carry
// port 443, since the central proxy never talks to an application's
// own localhost port directly — it always goes through the agent's
// own TLS-terminating edge listener.
func isAgentEdgeTarget(target Target) bool {
	_, port, err := net.SplitHostPort(target.HostPort)
	return err == nil && port == "443"
}

func hostOnly(hostHeader string) string {
	if h, _, err := net.SplitHostPort(hostHeader); err == nil {
		return h
	}
	return hostHeader
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	domain := strings.ToLower(hostOnly(r.Host))

	// spec.md §4.4 step 10: every response, regardless of outcome,
	// cancels any cached h3 offer that wouldn't apply on this LAN.
	w.Header().Set("Alt-Svc", "clear")

	if p.opts.BaseDomain != "" && p.opts.ManagementAddr != "" {
		if domain == "proxy."+p.opts.BaseDomain || domain == "auth."+p.opts.BaseDomain {
			p.reverseProxyFor(Target{Domain: domain, Scheme: "http", HostPort: p.opts.ManagementAddr}).ServeHTTP(w, r)
			p.record(domain, r, http.StatusOK, start, "", "management")
			return
		}
	}

	target, ok := p.opts.Resolver.Resolve(domain)
	if !ok {
		http.NotFound(w, r)
		p.record(domain, r, http.StatusNotFound, start, "", "")
		return
	}

	// Open Question decision (SPEC_FULL.md §12.1): local_only routes
	// always reject, regardless of caller source address.
	if target.LocalOnly {
		http.Error(w, "forbidden", http.StatusForbidden)
		p.record(domain, r, http.StatusForbidden, start, target.AppID, "local_only")
		return
	}

	authResult := "not_required"
	// spec.md §4.4 step 5: a target whose backend port is 443 is an
	// agent edge proxy, which enforces its own (fail-open) forward-auth
	// per spec.md §4.8; the central proxy does not duplicate the check.
	if target.AuthRequired && !isAgentEdgeTarget(target) {
		user, groups, ok := p.opts.Auth.Authenticate(r)
		if !ok {
			http.Redirect(w, r, authLoginURL(r), http.StatusFound)
			p.record(domain, r, http.StatusFound, start, target.AppID, "challenge")
			return
		}
		if len(target.AllowedGroups) > 0 && !groupsIntersect(groups, target.AllowedGroups) {
			http.Error(w, "forbidden", http.StatusForbidden)
			p.record(domain, r, http.StatusForbidden, start, target.AppID, "denied:"+user)
			return
		}
		authResult = "ok:" + user
	}

	// spec.md §4.4 step 6: the WOD SSE feedback channel is only ever
	// reachable for a domain that resolved to an AppRoute target.
	if r.URL.Path == WODPath && target.AppID != "" {
		p.ServeWOD(w, r, target)
		p.record(domain, r, http.StatusOK, start, target.AppID, authResult+":wod-sse")
		return
	}

	if target.AppID != "" && p.opts.Power != nil {
		if d := p.decideWOD(r.Context(), target); d != wodProceed {
			if !target.WakePageEnabled {
				transparentWait(r.Context(), w, target.HostPort)
				p.record(domain, r, http.StatusServiceUnavailable, start, target.AppID, authResult+":transparent-wait")
				return
			}
			p.serveWODDecision(w, target, d)
			p.record(domain, r, http.StatusOK, start, target.AppID, authResult+":wod")
			return
		}
	} else if target.WakePageEnabled && p.opts.Waker != nil {
		online, err := p.opts.Waker.EnsureAwake(r.Context(), target.HostID)
		if err != nil && p.opts.Logger != nil {
			p.opts.Logger.Printf("proxy wake-error domain=%s host=%s err=%v", domain, target.HostID, err)
		}
		if !online {
			serveWakePage(w, target)
			p.record(domain, r, http.StatusOK, start, target.AppID, authResult+":waking")
			return
		}
	}

	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	p.reverseProxyFor(target).ServeHTTP(rec, r)
	p.record(domain, r, rec.status, start, target.AppID, authResult)
}

func (p *Proxy) reverseProxyFor(target Target) *httputil.ReverseProxy {
	dialer := &net.Dialer{Timeout: p.opts.DialTimeout}
	scheme := target.Scheme
	if scheme == "" {
		scheme = "http"
	}
	agentEdge := isAgentEdgeTarget(target)
	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     false, // HTTP/1.1 only: spec.md's TLS front-end pins ALPN to http/1.1
		ResponseHeaderTimeout: 30 * time.Second,
	}
	if agentEdge {
		// spec.md §4.4 step 8: "For TLS targets (agent edge), use a
		// fresh client that verifies no certificates (trusted LAN) and
		// uses the original Host header as SNI". The agent's edge
		// listener routes internally by SNI/Host, so both must carry
		// the original domain, never the dialed host:port.
		scheme = "https"
		transport.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: true, //nolint:gosec // trusted LAN, spec.md §4.4 step 8
			ServerName:         target.Domain,
		}
	}
	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = scheme
			req.URL.Host = target.HostPort
			if agentEdge {
				req.Host = target.Domain
			} else {
				req.Host = target.HostPort
			}
			if req.Header.Get("X-Forwarded-Proto") == "" {
				if req.TLS != nil {
					req.Header.Set("X-Forwarded-Proto", "https")
				} else {
					req.Header.Set("X-Forwarded-Proto", "http")
				}
			}
			req.Header.Set("X-Forwarded-Host", target.Domain)
		},
		Transport: transport,
		ErrorHandler: func(rw http.ResponseWriter, req *http.Request, err error) {
			if p.opts.Logger != nil {
				p.opts.Logger.Printf("proxy error domain=%s target=%s err=%v", target.Domain, target.HostPort, err)
			}
			// spec.md §4.4 step 9 / §4.5 "Online (service down)": a
			// refused/reset/connect-error against an AppRoute backend
			// whose host is already Online asks the agent to start the
			// service instead of just surfacing a 502.
			if target.AppID != "" && isConnectError(err) {
				p.onBackendRefused(req.Context(), target)
				if target.WakePageEnabled {
					p.serveWODDecision(rw, target, wodStarting)
					return
				}
			}
			http.Error(rw, fmt.Sprintf("upstream error: %v", err), http.StatusBadGateway)
		},
		ModifyResponse: func(resp *http.Response) error {
			// Hop-by-hop headers never belong on the client-facing
			// response; Go's ReverseProxy already strips the standard
			// set, this clears anything a backend added beyond it. A 101
			// keeps its Upgrade header, which the WebSocket switch needs.
			if resp.StatusCode != http.StatusSwitchingProtocols {
				resp.Header.Del("Upgrade")
			}
			return nil
		},
		FlushInterval: 100 * time.Millisecond,
	}
	return rp
}

func (p *Proxy) record(domain string, r *http.Request, status int, start time.Time, appID, authResult string) {
	if p.opts.Access == nil {
		return
	}
	p.opts.Access.RecordAccess(domain, r.Method, r.URL.Path, r.RemoteAddr, appID, authResult, status, time.Since(start))
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

func authLoginURL(r *http.Request) string {
	u := &url.URL{Scheme: "https", Host: r.Host, Path: "/_auth/login"}
	q := u.Query()
	q.Set("return_to", r.URL.String())
	u.RawQuery = q.Encode()
	return u.String()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// Flush, Hijack, Push, and ReadFrom pass-throughs keep WebSocket
// upgrades and SSE streaming working through statusRecorder, mirroring
// internal/httpx/middleware.go's respWriter wrapper.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := s.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacker not supported")
}

func (s *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := s.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func (s *statusRecorder) ReadFrom(r io.Reader) (int64, error) {
	if rf, ok := s.ResponseWriter.(io.ReaderFrom); ok {
		return rf.ReadFrom(r)
	}
	return io.Copy(s.ResponseWriter, r)
}
