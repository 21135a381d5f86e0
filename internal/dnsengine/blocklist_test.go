package dnsengine

import "testing"

// TestBlocklistWhitelistOverride is scenario S1: blocklist =
// {"ads.example"}, whitelist = {"safe.ads.example"}.
func TestBlocklistWhitelistOverride(t *testing.T) {
	b := NewBlocklist()
	b.Block("ads.example")
	b.Whitelist("safe.ads.example")

	if !b.Matches("ads.example") {
		t.Error("ads.example should be blocked")
	}
	if !b.Matches("tracker.ads.example") {
		t.Error("subdomain of a blocked domain should be blocked")
	}
	if b.Matches("safe.ads.example") {
		t.Error("whitelisted domain should not be blocked")
	}
	if b.Matches("other.example") {
		t.Error("unrelated domain should not be blocked")
	}
}
