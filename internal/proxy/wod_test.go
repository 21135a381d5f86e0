package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/homeroute/homeroute/internal/power"
)

type fakePowerStater struct{ state power.State }

func (f fakePowerStater) Get(hostID string) power.State { return f.state }

type countingWaker struct{ calls int }

func (c *countingWaker) EnsureAwake(ctx context.Context, hostID string) (bool, error) {
	c.calls++
	return false, nil
}

func TestDecideWODOfflineWakesHost(t *testing.T) {
	waker := &countingWaker{}
	p := New(Options{Power: fakePowerStater{state: power.StateOffline}, Waker: waker})
	d := p.decideWOD(context.Background(), Target{HostID: "host-1"})
	if d != wodWakePage {
		t.Fatalf("got %v want wodWakePage", d)
	}
	if waker.calls != 1 {
		t.Fatalf("expected EnsureAwake to be called once, got %d", waker.calls)
	}
}

func TestDecideWODWakingUpNeverResendsWOL(t *testing.T) {
	waker := &countingWaker{}
	p := New(Options{Power: fakePowerStater{state: power.StateWakingUp}, Waker: waker})
	d := p.decideWOD(context.Background(), Target{HostID: "host-1"})
	if d != wodWakePage {
		t.Fatalf("got %v want wodWakePage", d)
	}
	if waker.calls != 0 {
		t.Fatalf("expected no WOL resend while already waking, got %d calls", waker.calls)
	}
}

func TestDecideWODRebootingShowsRebootPage(t *testing.T) {
	p := New(Options{Power: fakePowerStater{state: power.StateRebooting}})
	if d := p.decideWOD(context.Background(), Target{HostID: "host-1"}); d != wodRebooting {
		t.Fatalf("got %v want wodRebooting", d)
	}
}

func TestDecideWODShuttingDownIsBusy(t *testing.T) {
	p := New(Options{Power: fakePowerStater{state: power.StateShuttingDown}})
	if d := p.decideWOD(context.Background(), Target{HostID: "host-1"}); d != wodBusy {
		t.Fatalf("got %v want wodBusy", d)
	}
}

func TestDecideWODOnlineProceeds(t *testing.T) {
	p := New(Options{Power: fakePowerStater{state: power.StateOnline}})
	if d := p.decideWOD(context.Background(), Target{HostID: "host-1"}); d != wodProceed {
		t.Fatalf("got %v want wodProceed: a healthy backend must never be preempted", d)
	}
}

type fakeServiceStarter struct{ calls int }

func (f *fakeServiceStarter) SendServiceCommand(ctx context.Context, appID, svcType, action string) error {
	f.calls++
	return nil
}

func TestOnBackendRefusedSendsStartOnlyWhenOnline(t *testing.T) {
	svc := &fakeServiceStarter{}
	p := New(Options{Power: fakePowerStater{state: power.StateOffline}, Services: svc})
	p.onBackendRefused(context.Background(), Target{AppID: "app-1", HostID: "host-1"})
	if svc.calls != 0 {
		t.Fatalf("expected no ServiceCommand while host is offline, got %d calls", svc.calls)
	}

	p = New(Options{Power: fakePowerStater{state: power.StateOnline}, Services: svc})
	p.onBackendRefused(context.Background(), Target{AppID: "app-1", HostID: "host-1"})
	if svc.calls != 1 {
		t.Fatalf("expected one ServiceCommand when host is online but backend refused, got %d", svc.calls)
	}
}

func TestServeWODRespondsReadyWhenBackendUp(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	p := New(Options{})
	req := httptest.NewRequest(http.MethodGet, "http://app.home.example.com"+WODPath, nil)
	rw := httptest.NewRecorder()
	p.ServeWOD(rw, req, Target{Domain: "app.home.example.com", HostPort: ln.Addr().String()})

	if rw.Header().Get("Content-Type") != "text/event-stream" {
		t.Fatalf("expected an SSE content-type, got %q", rw.Header().Get("Content-Type"))
	}
	if body := rw.Body.String(); !contains(body, "event: ready") {
		t.Fatalf("expected a ready event, got %q", body)
	}
}

func contains(haystack, needle string) bool {
	return len(haystack) >= len(needle) && (func() bool {
		for i := 0; i+len(needle) <= len(haystack); i++ {
			if haystack[i:i+len(needle)] == needle {
				return true
			}
		}
		return false
	})()
}
