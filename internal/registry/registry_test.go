package registry

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/homeroute/homeroute/internal/model"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := Open(Options{DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return r
}

func TestRegisterPersistsAndReopens(t *testing.T) {
	dir := t.TempDir()
	r1, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("open 1: %v", err)
	}
	app := model.Application{ID: uuid.NewString(), Slug: "plex", Name: "Plex"}
	saved, token, err := r1.Register(app)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if token == "" {
		t.Fatalf("expected a non-empty cleartext token")
	}
	if saved.TokenHash == "" || saved.TokenHash == token {
		t.Fatalf("expected the stored record to carry a hash, not the cleartext token")
	}

	r2, err := Open(Options{DataDir: dir})
	if err != nil {
		t.Fatalf("open 2: %v", err)
	}
	got, ok := r2.Get(app.ID)
	if !ok {
		t.Fatalf("expected application to survive reopen")
	}
	if got.Slug != "plex" {
		t.Fatalf("got slug %q want plex", got.Slug)
	}
}

func TestRegisterRejectsDuplicateSlug(t *testing.T) {
	r := newTestRegistry(t)
	if _, _, err := r.Register(model.Application{ID: uuid.NewString(), Slug: "plex"}); err != nil {
		t.Fatalf("register 1: %v", err)
	}
	if _, _, err := r.Register(model.Application{ID: uuid.NewString(), Slug: "plex"}); err == nil {
		t.Fatalf("expected an error for a duplicate slug")
	}
}

func TestAuthenticate(t *testing.T) {
	r := newTestRegistry(t)
	app := model.Application{ID: uuid.NewString(), Slug: "plex"}
	_, token, err := r.Register(app)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, ok := r.Authenticate(app.ID, token); !ok {
		t.Fatalf("expected authentication to succeed with the correct token")
	}
	if _, ok := r.Authenticate(app.ID, "wrong"); ok {
		t.Fatalf("expected authentication to fail with the wrong token")
	}
	if _, ok := r.Authenticate("missing-app", token); ok {
		t.Fatalf("expected authentication to fail for an unknown application")
	}
}

func TestAttachDetachAndResolve(t *testing.T) {
	r := newTestRegistry(t)
	app := model.Application{ID: uuid.NewString(), Slug: "plex"}
	if _, _, err := r.Register(app); err != nil {
		t.Fatalf("register: %v", err)
	}

	closed := false
	r.Attach(&Conn{AppID: app.ID, Close: func() { closed = true }})
	r.PublishRoutes(app.ID, []model.AppRoute{{
		Domain: "plex.home.example.com", TargetIPv4: "10.0.0.5", TargetPort: 32400,
	}})

	target, ok := r.Resolve("plex.home.example.com")
	if !ok {
		t.Fatalf("expected a route to resolve")
	}
	if target.HostPort != "10.0.0.5:443" {
		t.Fatalf("got hostport %q", target.HostPort)
	}

	r.Detach(app.ID)
	if _, ok := r.Resolve("plex.home.example.com"); ok {
		t.Fatalf("expected route to be removed after detach")
	}
	if closed {
		t.Fatalf("Detach should not itself invoke Close (that's the caller's transport teardown)")
	}

	got, ok := r.Get(app.ID)
	if !ok || got.Status != model.StatusDisconnected {
		t.Fatalf("expected application status to be disconnected, got %+v ok=%v", got, ok)
	}
}

func TestSweepStaleDetachesAndClosesIdleConnections(t *testing.T) {
	r := newTestRegistry(t)
	app := model.Application{ID: uuid.NewString(), Slug: "plex"}
	if _, _, err := r.Register(app); err != nil {
		t.Fatalf("register: %v", err)
	}
	closed := false
	r.Attach(&Conn{AppID: app.ID, Close: func() { closed = true }})

	// Force the heartbeat into the past by sweeping with a zero window.
	time.Sleep(time.Millisecond)
	n := r.SweepStale(0)
	if n != 1 {
		t.Fatalf("expected 1 swept connection, got %d", n)
	}
	if !closed {
		t.Fatalf("expected the stale connection's Close to be invoked")
	}
}

func TestPushConfigVersionNoopWithoutConnection(t *testing.T) {
	r := newTestRegistry(t)
	app := model.Application{ID: uuid.NewString(), Slug: "plex"}
	if _, _, err := r.Register(app); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.PushConfigVersion(context.Background(), app.ID); err != nil {
		t.Fatalf("push config version: %v", err)
	}
}
