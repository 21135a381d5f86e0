package dnsengine

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/miekg/dns"
)

// fakeLeases implements LeaseLookup for a single fixed hostname.
type fakeLeases struct {
	ip net.IP
}

func (f fakeLeases) LookupA(hostname string) (net.IP, bool) {
	if hostname == "box.lan" {
		return f.ip, true
	}
	return nil, false
}

// startFakeUpstream runs a minimal UDP DNS server that always answers
// "foo.test A 1.2.3.4" with the given TTL, and counts how many queries
// it actually received (scenario S2: a cache hit must not touch it).
func startFakeUpstream(t *testing.T, ttl uint32) (addr string, hits *int32) {
	t.Helper()
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var count int32
	go func() {
		buf := make([]byte, 512)
		for {
			n, raddr, err := conn.ReadFrom(buf)
			if err != nil {
				return
			}
			atomic.AddInt32(&count, 1)
			req := new(dns.Msg)
			if err := req.Unpack(buf[:n]); err != nil {
				continue
			}
			resp := new(dns.Msg)
			resp.SetReply(req)
			resp.Answer = []dns.RR{&dns.A{
				Hdr: dns.RR_Header{Name: req.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
				A:   net.ParseIP("1.2.3.4"),
			}}
			out, _ := resp.Pack()
			conn.WriteTo(out, raddr)
		}
	}()
	t.Cleanup(func() { conn.Close() })
	return conn.LocalAddr().String(), &count
}

func TestResolveCacheHitSkipsUpstream(t *testing.T) {
	upstream, hits := startFakeUpstream(t, 60)
	r := New(Options{Upstreams: []string{upstream}, UpstreamTimeout: time.Second})

	q := new(dns.Msg)
	q.SetQuestion("foo.test.", dns.TypeA)

	r.Resolve(context.Background(), q)
	r.Resolve(context.Background(), q)

	if got := atomic.LoadInt32(hits); got != 1 {
		t.Errorf("upstream hit count = %d, want 1 (second query should be served from cache)", got)
	}
}

func TestResolveBlocklistReturnsNXDOMAIN(t *testing.T) {
	bl := NewBlocklist()
	bl.Block("ads.example")
	r := New(Options{Block: bl, BlockEnabled: true})

	q := new(dns.Msg)
	q.SetQuestion("ads.example.", dns.TypeA)
	reply := r.Resolve(context.Background(), q)
	if reply.Rcode != dns.RcodeNameError {
		t.Errorf("rcode = %d, want NXDOMAIN", reply.Rcode)
	}
}

func TestResolveLocalLeaseAnswer(t *testing.T) {
	r := New(Options{LocalDomain: "lan.", Leases: fakeLeases{ip: net.ParseIP("10.0.0.5")}})
	q := new(dns.Msg)
	q.SetQuestion("box.lan.", dns.TypeA)
	reply := r.Resolve(context.Background(), q)
	if len(reply.Answer) != 1 {
		t.Fatalf("expected one answer, got %d", len(reply.Answer))
	}
	a, ok := reply.Answer[0].(*dns.A)
	if !ok || !a.A.Equal(net.ParseIP("10.0.0.5")) {
		t.Errorf("answer = %v, want 10.0.0.5", reply.Answer[0])
	}
	if a.Hdr.Ttl != 60 {
		t.Errorf("ttl = %d, want 60", a.Hdr.Ttl)
	}
}
