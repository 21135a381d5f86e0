package auditlog

import (
	"testing"
	"time"

	"github.com/homeroute/homeroute/internal/localdb"
)

func openTestDB(t *testing.T) *localdb.DB {
	t.Helper()
	db, err := localdb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open localdb: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAccessLogAppendAndRecent(t *testing.T) {
	db := openTestDB(t)
	log := NewAccessLog(db, 0)

	for i := 0; i < 3; i++ {
		e := AccessEntry{Time: time.Now().UTC(), Method: "GET", Host: "app.example.com", Status: 200}
		if err := log.AppendAccess(e); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	entries, err := log.RecentAccess()
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
}

func TestAccessLogTrimsToMax(t *testing.T) {
	db := openTestDB(t)
	log := NewAccessLog(db, 5)

	for i := 0; i < 20; i++ {
		if err := log.AppendAccess(AccessEntry{Method: "GET", Path: "/x"}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	entries, err := log.RecentAccess()
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("got %d entries, want 5 (ring should trim)", len(entries))
	}
}

func TestDNSLogAppendAndRecent(t *testing.T) {
	db := openTestDB(t)
	log := NewDNSLog(db, 0)

	if err := log.AppendDNS(DNSEntry{Name: "host.home.example.com.", QType: "A", Result: "ok", CacheHit: false}); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := log.RecentDNS()
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Name != "host.home.example.com." {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
