package dnsengine

import (
	"strings"
	"sync"
)

// Blocklist is a fast suffix-matching block set with a whitelist that
// overrides it at any ancestor label (spec.md §4.2 step 3, scenario
// S1). Both sets are exact domain strings; matching walks a query name
// up through its parent labels.
type Blocklist struct {
	mu        sync.RWMutex
	blocked   map[string]struct{}
	whitelist map[string]struct{}

	// Response controls what a blocked query gets back: "nxdomain"
	// (default), "zero" (0.0.0.0), or "sinkhole" (SinkholeIP).
	Response   string
	SinkholeIP string
}

func NewBlocklist() *Blocklist {
	return &Blocklist{
		blocked:   map[string]struct{}{},
		whitelist: map[string]struct{}{},
		Response:  "nxdomain",
	}
}

func normalizeDomain(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// Block adds domain (and everything under it) to the blocklist.
func (b *Blocklist) Block(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blocked[normalizeDomain(domain)] = struct{}{}
}

// Whitelist adds domain (and everything under it) as an override.
func (b *Blocklist) Whitelist(domain string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.whitelist[normalizeDomain(domain)] = struct{}{}
}

// ancestors returns name followed by each of its parent labels, e.g.
// "a.b.example" -> ["a.b.example", "b.example", "example"].
func ancestors(name string) []string {
	var out []string
	cur := name
	for {
		out = append(out, cur)
		idx := strings.Index(cur, ".")
		if idx < 0 {
			return out
		}
		cur = cur[idx+1:]
	}
}

// Matches reports whether name (or any parent label of it) is blocked
// and not overridden by a more general whitelist entry.
func (b *Blocklist) Matches(name string) bool {
	n := normalizeDomain(name)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, cur := range ancestors(n) {
		if _, ok := b.whitelist[cur]; ok {
			return false
		}
	}
	for _, cur := range ancestors(n) {
		if _, ok := b.blocked[cur]; ok {
			return true
		}
	}
	return false
}
