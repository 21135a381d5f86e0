package hoststore

import (
	"testing"

	"github.com/homeroute/homeroute/internal/model"
	"github.com/homeroute/homeroute/internal/secrets"
)

func TestSetSSHCredentialRoundTrips(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mgr, err := secrets.New("a test master key")
	if err != nil {
		t.Fatalf("secrets.New: %v", err)
	}
	s.SetSecretsManager(mgr)

	if err := s.Upsert(model.Host{ID: "nas", Name: "nas", SSHHost: "10.0.0.5"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.SetSSHCredential("nas", "hunter2"); err != nil {
		t.Fatalf("set credential: %v", err)
	}

	h, ok := s.Get("nas")
	if !ok {
		t.Fatalf("expected host to exist")
	}
	if h.SSHCredentialEnc == "" || h.SSHCredentialEnc == "hunter2" {
		t.Fatalf("expected the persisted record to carry ciphertext, not cleartext")
	}

	got, err := s.SSHCredential("nas")
	if err != nil {
		t.Fatalf("ssh credential: %v", err)
	}
	if got != "hunter2" {
		t.Fatalf("got %q want hunter2", got)
	}
}

func TestSSHCredentialEmptyWithoutSet(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mgr, _ := secrets.New("k")
	s.SetSecretsManager(mgr)
	if err := s.Upsert(model.Host{ID: "nas", Name: "nas"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := s.SSHCredential("nas")
	if err != nil {
		t.Fatalf("ssh credential: %v", err)
	}
	if got != "" {
		t.Fatalf("expected empty credential, got %q", got)
	}
}
