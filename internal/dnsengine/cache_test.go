package dnsengine

import (
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestCacheCoherence(t *testing.T) {
	c := NewCache(10)
	t0 := time.Now()
	rrs := []dns.RR{&dns.A{Hdr: dns.RR_Header{Name: "foo.test.", Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60}}}
	c.Insert("foo.test.", dns.TypeA, dns.ClassINET, rrs, 60, t0)

	if _, ttl, ok := c.Lookup("foo.test.", dns.TypeA, dns.ClassINET, t0.Add(30*time.Second)); !ok {
		t.Fatal("expected hit within TTL")
	} else if ttl > 31*time.Second || ttl < 29*time.Second {
		t.Errorf("remaining ttl = %v, want ~30s", ttl)
	}

	if _, _, ok := c.Lookup("foo.test.", dns.TypeA, dns.ClassINET, t0.Add(60*time.Second)); ok {
		t.Fatal("expected miss at/after expiry")
	}
}

func TestCacheSizeCapEvictsOldest(t *testing.T) {
	c := NewCache(2)
	now := time.Now()
	c.Insert("a.test.", dns.TypeA, dns.ClassINET, nil, 60, now)
	c.Insert("b.test.", dns.TypeA, dns.ClassINET, nil, 60, now)
	c.Insert("c.test.", dns.TypeA, dns.ClassINET, nil, 60, now)

	if _, _, ok := c.Lookup("a.test.", dns.TypeA, dns.ClassINET, now); ok {
		t.Error("oldest entry should have been evicted")
	}
	if _, _, ok := c.Lookup("c.test.", dns.TypeA, dns.ClassINET, now); !ok {
		t.Error("newest entry should still be present")
	}
}

func TestCacheSweepRemovesExpired(t *testing.T) {
	c := NewCache(10)
	now := time.Now()
	c.Insert("a.test.", dns.TypeA, dns.ClassINET, nil, 1, now)
	if n := c.Sweep(now.Add(2 * time.Second)); n != 1 {
		t.Errorf("swept %d entries, want 1", n)
	}
	if c.Len() != 0 {
		t.Errorf("cache len = %d, want 0", c.Len())
	}
}
