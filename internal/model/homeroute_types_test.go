package model

import "testing"

func TestContainerName(t *testing.T) {
	app := &Application{Slug: "plex"}
	if got, want := app.ContainerName(), "hr-plex"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestCertificateNeedsRenewal(t *testing.T) {
	now := NowUTC()
	fresh := &Certificate{ExpiresAt: now.AddDate(0, 0, 31)}
	if fresh.NeedsRenewal(now) {
		t.Fatalf("cert expiring in 31 days should not need renewal yet")
	}
	expiring := &Certificate{ExpiresAt: now.AddDate(0, 0, 10)}
	if !expiring.NeedsRenewal(now) {
		t.Fatalf("cert expiring in 10 days should need renewal")
	}
}
