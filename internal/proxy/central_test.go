package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

type fakeResolver map[string]Target

func (f fakeResolver) Resolve(domain string) (Target, bool) {
	t, ok := f[domain]
	return t, ok
}

type fakeAuth struct {
	user   string
	groups []string
	ok     bool
}

func (f fakeAuth) Authenticate(r *http.Request) (string, []string, bool) {
	return f.user, f.groups, f.ok
}

type fakeAccess struct{ calls int }

func (f *fakeAccess) RecordAccess(domain, method, path, remoteAddr, appID, authResult string, status int, dur time.Duration) {
	f.calls++
}

func TestServeHTTPUnknownDomain(t *testing.T) {
	p := New(Options{Resolver: fakeResolver{}, Auth: fakeAuth{ok: true}})
	req := httptest.NewRequest(http.MethodGet, "http://missing.home.example.com/", nil)
	rw := httptest.NewRecorder()
	p.ServeHTTP(rw, req)
	if rw.Code != http.StatusNotFound {
		t.Fatalf("got %d want 404", rw.Code)
	}
}

func TestServeHTTPLocalOnlyAlwaysForbidden(t *testing.T) {
	access := &fakeAccess{}
	p := New(Options{
		Resolver: fakeResolver{"admin.home.example.com": Target{Domain: "admin.home.example.com", LocalOnly: true}},
		Auth:     fakeAuth{ok: true},
		Access:   access,
	})
	req := httptest.NewRequest(http.MethodGet, "http://admin.home.example.com/", nil)
	rw := httptest.NewRecorder()
	p.ServeHTTP(rw, req)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("got %d want 403", rw.Code)
	}
	if access.calls != 1 {
		t.Fatalf("expected one access-log call, got %d", access.calls)
	}
}

func TestServeHTTPAuthRequiredRedirectsWhenUnauthenticated(t *testing.T) {
	p := New(Options{
		Resolver: fakeResolver{"app.home.example.com": Target{Domain: "app.home.example.com", AuthRequired: true, Scheme: "http", HostPort: "127.0.0.1:1"}},
		Auth:     fakeAuth{ok: false},
	})
	req := httptest.NewRequest(http.MethodGet, "http://app.home.example.com/", nil)
	rw := httptest.NewRecorder()
	p.ServeHTTP(rw, req)
	if rw.Code != http.StatusFound {
		t.Fatalf("got %d want 302", rw.Code)
	}
}

func TestServeHTTPAuthRequiredDeniesWrongGroup(t *testing.T) {
	p := New(Options{
		Resolver: fakeResolver{"app.home.example.com": Target{
			Domain: "app.home.example.com", AuthRequired: true,
			AllowedGroups: []string{"admins"}, Scheme: "http", HostPort: "127.0.0.1:1",
		}},
		Auth: fakeAuth{ok: true, user: "alice", groups: []string{"users"}},
	})
	req := httptest.NewRequest(http.MethodGet, "http://app.home.example.com/", nil)
	rw := httptest.NewRecorder()
	p.ServeHTTP(rw, req)
	if rw.Code != http.StatusForbidden {
		t.Fatalf("got %d want 403", rw.Code)
	}
}

type fakeWaker struct{ online bool }

func (f fakeWaker) EnsureAwake(ctx context.Context, hostID string) (bool, error) {
	return f.online, nil
}

func TestServeHTTPWakePageWhenOffline(t *testing.T) {
	p := New(Options{
		Resolver: fakeResolver{"lazy.home.example.com": Target{
			Domain: "lazy.home.example.com", WakePageEnabled: true, HostID: "host-1",
			Scheme: "http", HostPort: "127.0.0.1:1",
		}},
		Auth:  fakeAuth{ok: true},
		Waker: fakeWaker{online: false},
	})
	req := httptest.NewRequest(http.MethodGet, "http://lazy.home.example.com/", nil)
	rw := httptest.NewRecorder()
	p.ServeHTTP(rw, req)
	if rw.Code != http.StatusOK {
		t.Fatalf("got %d want 200 (wake page)", rw.Code)
	}
	if ct := rw.Header().Get("Content-Type"); ct == "" {
		t.Fatalf("expected a content-type on the wake page")
	}
}

// wsEchoHandler accepts a WebSocket and echoes a single message back.
func wsEchoHandler(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "bye")

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	_, data, err := c.Read(ctx)
	if err != nil {
		return
	}
	_ = c.Write(ctx, websocket.MessageText, data)
}

// TestServeHTTPBridgesWebSocket proves the Director/statusRecorder pair
// in reverseProxyFor carries a WebSocket upgrade end to end: it never
// wraps the upgraded connection itself, it relies on
// httputil.ReverseProxy detecting "Connection: Upgrade" and hijacking
// through statusRecorder's Hijack pass-through.
func TestServeHTTPBridgesWebSocket(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsEchoHandler)
	upstream := httptest.NewServer(mux)
	defer upstream.Close()

	upstreamHostPort := upstream.Listener.Addr().String()

	p := New(Options{
		Resolver: fakeResolver{"ws.home.example.com": Target{
			Domain: "ws.home.example.com", Scheme: "http", HostPort: upstreamHostPort,
		}},
		Auth: fakeAuth{ok: true},
	})
	front := httptest.NewServer(p)
	defer front.Close()

	frontHostPort := front.Listener.Addr().String()
	dialer := net.Dialer{}
	url := "ws://ws.home.example.com/ws"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return dialer.DialContext(ctx, network, frontHostPort)
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("dial via central proxy failed: %v", err)
	}
	defer c.Close(websocket.StatusNormalClosure, "bye")

	msg := []byte("hello")
	if err := c.Write(ctx, websocket.MessageText, msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_, got, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if string(got) != string(msg) {
		t.Fatalf("echo mismatch: got %q want %q", got, msg)
	}
}

func TestIsAgentEdgeTarget(t *testing.T) {
	cases := []struct {
		hostPort string
		want     bool
	}{
		{"10.0.0.5:443", true},
		{"10.0.0.5:8080", false},
		{"not-a-hostport", false},
	}
	for _, c := range cases {
		if got := isAgentEdgeTarget(Target{HostPort: c.hostPort}); got != c.want {
			t.Errorf("isAgentEdgeTarget(%q) = %v, want %v", c.hostPort, got, c.want)
		}
	}
}

// TestServeHTTPSkipsAuthForAgentEdgeTarget proves spec.md §4.4 step 5:
// a target whose backend port is 443 (an agent edge listener) never
// goes through the central proxy's own forward-auth, since the edge
// proxy already enforces its own (fail-open) check.
func TestServeHTTPSkipsAuthForAgentEdgeTarget(t *testing.T) {
	authCalled := false
	p := New(Options{
		Resolver: fakeResolver{"app.home.example.com": Target{
			Domain: "app.home.example.com", AppID: "app-1", AuthRequired: true,
			HostPort: "127.0.0.1:443",
		}},
		Auth: authFunc(func(r *http.Request) (string, []string, bool) {
			authCalled = true
			return "", nil, false
		}),
	})
	req := httptest.NewRequest(http.MethodGet, "http://app.home.example.com/", nil)
	rw := httptest.NewRecorder()
	p.ServeHTTP(rw, req)
	if authCalled {
		t.Fatalf("forward-auth must not be invoked for an agent edge (port 443) target")
	}
	if rw.Code == http.StatusFound {
		t.Fatalf("should not redirect to login for an agent edge target, got %d", rw.Code)
	}
}

type authFunc func(r *http.Request) (string, []string, bool)

func (f authFunc) Authenticate(r *http.Request) (string, []string, bool) { return f(r) }
