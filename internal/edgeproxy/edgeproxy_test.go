package edgeproxy

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStaticRoutesResolve(t *testing.T) {
	routes := NewStaticRoutes()
	domain, entry := FrontendRoute("myapp", "home.example.com", 8080, true, []string{"family"})
	routes.Set(domain, entry)

	got, ok := routes.Resolve("myapp.home.example.com")
	if !ok {
		t.Fatalf("expected route to resolve")
	}
	if got.TargetPort != 8080 || !got.AuthRequired {
		t.Fatalf("unexpected route entry: %+v", got)
	}

	if _, ok := routes.Resolve("unknown.home.example.com"); ok {
		t.Fatalf("expected unknown domain to miss")
	}
}

func TestCodeServerRouteFixedPort(t *testing.T) {
	domain, entry := CodeServerRoute("myapp", "home.example.com", nil)
	if domain != "code.myapp.home.example.com" {
		t.Fatalf("unexpected domain: %s", domain)
	}
	if entry.TargetPort != 13337 {
		t.Fatalf("expected fixed code-server port 13337, got %d", entry.TargetPort)
	}
}

func TestCentralAuthFailsOpenOnUnreachableCentral(t *testing.T) {
	auth := NewCentralAuth("http://127.0.0.1:1/unreachable")
	auth.HTTP.Timeout = 50 * time.Millisecond

	req := httptest.NewRequest(http.MethodGet, "https://myapp.home.example.com/", nil)
	req.AddCookie(&http.Cookie{Name: "auth_session", Value: "abc123"})

	_, _, allow := auth.Authenticate(req)
	if !allow {
		t.Fatalf("expected fail-open on unreachable central registry")
	}
}

func TestCentralAuthNoCookieFailsOpen(t *testing.T) {
	auth := NewCentralAuth("http://127.0.0.1:1/unreachable")
	req := httptest.NewRequest(http.MethodGet, "https://myapp.home.example.com/", nil)

	_, _, allow := auth.Authenticate(req)
	if !allow {
		t.Fatalf("expected fail-open when no session cookie present")
	}
}

func TestCentralAuthCachesResult(t *testing.T) {
	var hits int
	mux := http.NewServeMux()
	mux.HandleFunc("/verify", func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("X-Forwarded-User", "alice")
		w.Header().Set("X-Forwarded-Groups", "family")
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	auth := NewCentralAuth(srv.URL + "/verify")
	req := httptest.NewRequest(http.MethodGet, "https://myapp.home.example.com/", nil)
	req.AddCookie(&http.Cookie{Name: "auth_session", Value: "abc123"})

	user, groups, allow := auth.Authenticate(req)
	if !allow || user != "alice" || len(groups) != 1 || groups[0] != "family" {
		t.Fatalf("unexpected first result: user=%s groups=%v allow=%v", user, groups, allow)
	}

	if _, _, allow := auth.Authenticate(req); !allow {
		t.Fatalf("expected cached allow")
	}
	if hits != 1 {
		t.Fatalf("expected central to be hit exactly once, got %d", hits)
	}
}
