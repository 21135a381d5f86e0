// Package dnsengine's resolver (this file) implements spec.md §4.2's
// per-query algorithm: local LAN-name answers from the DHCP lease map,
// blocklist short-circuit, cache lookup, upstream forward with
// per-query timeout, and SERVFAIL when every upstream times out.
//
// Grounded in orbstack's vnet/services/dns/dns.go dnsHandler, which
// wraps github.com/miekg/dns the same way — a ServeDNS-shaped entry
// point building a reply *dns.Msg from the parsed question — but where
// orbstack always delegates to the OS resolver, HomeRoute's version
// interposes its own cache/blocklist/lease layers in front of the
// upstream dns.Client.Exchange call.
package dnsengine

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// LeaseLookup resolves a LAN hostname to its DHCP-leased IPv4 address.
// internal/dnsengine depends on this narrow interface rather than a
// concrete DHCP lease table so the two subsystems stay decoupled.
type LeaseLookup interface {
	LookupA(hostname string) (net.IP, bool)
}

// QueryLogger optionally records a resolved query for diagnostics
// (SPEC_FULL.md §11's DNS query-log sampling, mirrored off
// internal/auditlog's ring buffer).
type QueryLogger interface {
	LogQuery(name string, qtype uint16, result string, cacheHit bool)
}

// Options configures a Resolver.
type Options struct {
	Upstreams       []string
	UpstreamTimeout time.Duration
	LocalDomain     string // e.g. "lan." — names under this are answered from Leases
	Leases          LeaseLookup
	Block           *Blocklist
	BlockEnabled    bool
	CacheSize       int
	Logger          *log.Logger
	QueryLog        QueryLogger
}

// Resolver is HomeRoute's recursive DNS core (spec.md §4.2). It holds
// no listener of its own; server.go drives it from UDP/TCP sockets.
type Resolver struct {
	cache           *Cache
	upstreams       []string
	upstreamTimeout time.Duration
	localDomain     string
	leases          LeaseLookup
	block           *Blocklist
	blockEnabled    bool
	logger          *log.Logger
	qlog            QueryLogger
	client          *dns.Client
}

func New(opts Options) *Resolver {
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Resolver{
		cache:           NewCache(opts.CacheSize),
		upstreams:       opts.Upstreams,
		upstreamTimeout: opts.UpstreamTimeout,
		localDomain:     strings.ToLower(strings.TrimSuffix(opts.LocalDomain, ".")),
		leases:          opts.Leases,
		block:           opts.Block,
		blockEnabled:    opts.BlockEnabled,
		logger:          opts.Logger,
		qlog:            opts.QueryLog,
		client:          &dns.Client{Timeout: opts.UpstreamTimeout},
	}
}

// Cache exposes the resolver's cache for reload/clear and diagnostics.
func (r *Resolver) Cache() *Cache { return r.cache }

// StartSweeper runs Cache.Sweep every 30s until ctx is done (spec.md §4.2).
func (r *Resolver) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				if n := r.cache.Sweep(now); n > 0 && r.logger != nil {
					r.logger.Printf("dnsengine: swept %d expired cache entries", n)
				}
			}
		}
	}()
}

func stripOPT(rrs []dns.RR) []dns.RR {
	out := make([]dns.RR, 0, len(rrs))
	for _, rr := range rrs {
		if rr.Header().Rrtype == dns.TypeOPT {
			continue
		}
		out = append(out, rr)
	}
	return out
}

func minTTL(rrs []dns.RR, def uint32) uint32 {
	min := uint32(0)
	for i, rr := range rrs {
		ttl := rr.Header().Ttl
		if i == 0 || ttl < min {
			min = ttl
		}
	}
	if len(rrs) == 0 {
		return def
	}
	return min
}

// Resolve answers req per spec.md §4.2's six-step algorithm. It never
// returns an error for a malformed or unanswerable query — every
// outcome is expressed as an RCODE on the returned message, per
// spec.md §4.2 step 1 ("on parse error return FORMERR, never crash").
func (r *Resolver) Resolve(ctx context.Context, req *dns.Msg) *dns.Msg {
	reply := new(dns.Msg)
	reply.SetReply(req)
	reply.RecursionAvailable = true

	if len(req.Question) != 1 {
		reply.Rcode = dns.RcodeFormatError
		return reply
	}
	q := req.Question[0]
	name := q.Name
	if err := ValidateName(name); err != nil {
		reply.Rcode = dns.RcodeFormatError
		return reply
	}

	// Step 2: local LAN-name answers from the DHCP lease map.
	if r.localDomain != "" && q.Qtype == dns.TypeA && r.isLocalName(name) {
		if ip, ok := r.leases.LookupA(strings.TrimSuffix(strings.ToLower(name), ".")); ok {
			reply.Answer = []dns.RR{&dns.A{
				Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   ip,
			}}
			r.logQuery(name, q.Qtype, "local", false)
			return reply
		}
		reply.Rcode = dns.RcodeNameError
		r.logQuery(name, q.Qtype, "nxdomain-local", false)
		return reply
	}

	// Step 3: blocklist.
	if r.blockEnabled && r.block != nil && r.block.Matches(name) {
		r.logQuery(name, q.Qtype, "blocked", false)
		return r.blockedReply(reply, q)
	}

	// Step 4: cache.
	if rrs, remaining, ok := r.cache.Lookup(name, q.Qtype, q.Qclass, time.Now()); ok {
		ttl := uint32(remaining / time.Second)
		answer := make([]dns.RR, len(rrs))
		for i, rr := range rrs {
			answer[i] = dns.Copy(rr)
			answer[i].Header().Ttl = ttl
		}
		reply.Answer = answer
		r.logQuery(name, q.Qtype, "cache-hit", true)
		return reply
	}

	// Step 5: forward to the first responsive upstream.
	upReply, err := r.forward(ctx, req)
	if err != nil {
		reply.Rcode = dns.RcodeServerFailure
		r.logQuery(name, q.Qtype, "servfail", false)
		return reply
	}

	answer := stripOPT(upReply.Answer)
	reply.Rcode = upReply.Rcode
	reply.Answer = answer
	reply.Ns = stripOPT(upReply.Ns)
	reply.Extra = nil // OPT dropped per spec.md's open-question decision not to re-synthesize

	if upReply.Rcode == dns.RcodeSuccess && len(answer) > 0 {
		r.cache.Insert(name, q.Qtype, q.Qclass, answer, minTTL(answer, 60), time.Now())
	}
	r.logQuery(name, q.Qtype, "forwarded", false)
	return reply
}

func (r *Resolver) isLocalName(name string) bool {
	n := strings.TrimSuffix(strings.ToLower(name), ".")
	return n == r.localDomain || strings.HasSuffix(n, "."+r.localDomain)
}

func (r *Resolver) blockedReply(reply *dns.Msg, q dns.Question) *dns.Msg {
	if r.block.Response == "zero" || r.block.Response == "sinkhole" {
		ip := net.IPv4zero
		if r.block.Response == "sinkhole" && r.block.SinkholeIP != "" {
			if parsed := net.ParseIP(r.block.SinkholeIP); parsed != nil {
				ip = parsed
			}
		}
		if q.Qtype == dns.TypeA {
			reply.Answer = []dns.RR{&dns.A{
				Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
				A:   ip,
			}}
			return reply
		}
	}
	reply.Rcode = dns.RcodeNameError
	return reply
}

// forward tries each configured upstream in order, using the first
// that responds within the resolver's per-query timeout.
func (r *Resolver) forward(ctx context.Context, req *dns.Msg) (*dns.Msg, error) {
	if len(r.upstreams) == 0 {
		return nil, fmt.Errorf("dnsengine: no upstream servers configured")
	}
	var lastErr error
	for _, up := range r.upstreams {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		resp, _, err := r.client.ExchangeContext(ctx, req.Copy(), up)
		if err != nil {
			lastErr = err
			continue
		}
		return resp, nil
	}
	return nil, fmt.Errorf("dnsengine: all upstreams failed: %w", lastErr)
}

func (r *Resolver) logQuery(name string, qtype uint16, result string, cacheHit bool) {
	if r.qlog != nil {
		r.qlog.LogQuery(name, qtype, result, cacheHit)
	}
}
