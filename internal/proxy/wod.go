// Wake-on-Demand: spec.md §4.5's power-state-driven decision table and
// its SSE feedback channel at "/__hr/wod".
//
// Grounded on internal/eventbus's non-blocking pub-sub (the SSE
// handler here is exactly the "task owning an mpsc sender that the
// handler returns as a streaming response body" shape spec.md §9
// prescribes) and internal/power.Machine's state machine, which
// publishes a HostPowerEvent to eventbus.TopicHostPower on every
// transition once wired with Machine.SetBus.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/homeroute/homeroute/internal/eventbus"
	"github.com/homeroute/homeroute/internal/model"
	"github.com/homeroute/homeroute/internal/power"
)

// WODPath is the well-known SSE endpoint spec.md §4.4 step 6 reserves
// for Wake-on-Demand feedback; it is only ever reachable for a domain
// that resolves to an AppRoute target.
const WODPath = "/__hr/wod"

// PowerStater reports a host's current power state for WOD branching.
// internal/power.Machine implements this directly.
type PowerStater interface {
	Get(hostID string) power.State
}

// ServiceStarter asks the owning agent to start a managed service that
// is down while its host is already Online (spec.md §4.5's "Online
// (service down)" branch). internal/registry.Registry implements this.
type ServiceStarter interface {
	SendServiceCommand(ctx context.Context, appID, svcType, action string) error
}

// wodDecision is what ServeHTTP's pre-dial power check resolves to for
// a WakePageEnabled AppRoute target.
type wodDecision int

const (
	wodProceed    wodDecision = iota // host believed online; attempt the real proxy
	wodWakePage                      // show the generic "waking up" page
	wodRebooting                     // show the "rebooting" page
	wodBusy                          // 503 Retry-After: 10, no page
	wodStarting                      // host online, service down; ServiceCommand::Start + "starting" page
)

// decideWOD implements spec.md §4.5's table for an AppRoute target
// whose host is not already confirmed reachable.
func (p *Proxy) decideWOD(ctx context.Context, target Target) wodDecision {
	if p.opts.Power == nil {
		return wodProceed
	}
	state := p.opts.Power.Get(target.HostID)
	switch state {
	case power.StateOffline, power.StateSuspended:
		if target.HostID != model.LocalHostID && p.opts.Waker != nil {
			_, _ = p.opts.Waker.EnsureAwake(ctx, target.HostID)
		}
		return wodWakePage
	case power.StateWakingUp:
		return wodWakePage // already waking; never re-send the WOL packet
	case power.StateRebooting:
		return wodRebooting
	case power.StateShuttingDown, power.StateSuspending:
		return wodBusy
	default:
		// Online (or never-observed): attempt the real proxy. The
		// "Online (service down)" branch of spec.md §4.5 only fires
		// once an actual dial to the backend is refused (see
		// reverseProxyFor's ErrorHandler), not preemptively — a
		// healthy, already-serving backend must never be short
		// circuited into a "starting…" page.
		return wodProceed
	}
}

// onBackendRefused implements spec.md §4.5's "Online (service down)"
// branch: reached only once a real dial to an AppRoute's backend has
// actually failed, so a healthy backend is never preempted.
func (p *Proxy) onBackendRefused(ctx context.Context, target Target) {
	if p.opts.Power == nil || target.AppID == "" {
		return
	}
	if p.opts.Power.Get(target.HostID) != power.StateOnline {
		return // already handled by the pre-dial decideWOD branch
	}
	if p.opts.Services != nil {
		_ = p.opts.Services.SendServiceCommand(ctx, target.AppID, "app", "start")
	}
}

func (p *Proxy) serveWODDecision(w http.ResponseWriter, target Target, d wodDecision) {
	switch d {
	case wodRebooting:
		servePowerPage(w, target, "Rebooting…", "This host is rebooting. This page will retry automatically.", 5)
	case wodBusy:
		w.Header().Set("Retry-After", "10")
		http.Error(w, "host is shutting down or suspending", http.StatusServiceUnavailable)
	case wodStarting:
		servePowerPage(w, target, "Starting…", "The service is starting on an already-running host.", 3)
	default:
		servePowerPage(w, target, "Waking up…", "This host is powering on. This page will retry automatically.", 5)
	}
}

func serveWakePage(w http.ResponseWriter, target Target) {
	servePowerPage(w, target, "Waking up…", "This host is powering on. This page will retry automatically.", 5)
}

// servePowerPage serves the static HTML wake/rebooting/starting page.
// It opens a one-way EventSource against WODPath (spec.md §4.5: "a
// static HTML that opens a one-way SSE to /__hr/wod") as its primary
// feedback mechanism, with a meta-refresh fallback for browsers or
// intermediaries that strip SSE.
func servePowerPage(w http.ResponseWriter, target Target, title, body string, retryAfter int) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `<!doctype html><html><head><meta http-equiv="refresh" content="%d"><title>%s</title></head>
<body><h1>%s %s</h1><p>%s</p>
<script>
try {
  var es = new EventSource(%q);
  es.addEventListener("ready", function(){ location.reload(); });
  es.addEventListener("error", function(){ es.close(); });
} catch (e) {}
</script>
</body></html>`, retryAfter, title, title, target.Domain, body, WODPath)
}

// transparentWait implements spec.md §4.5's wake_page_enabled=false
// path: hold the connection, poll the backend every 1.5s up to a 180s
// deadline, and reply 503 Retry-After:0 the instant it becomes
// reachable so the browser retries immediately instead of rendering a
// page at all.
func transparentWait(ctx context.Context, w http.ResponseWriter, hostPort string) {
	deadline := time.NewTimer(180 * time.Second)
	defer deadline.Stop()
	ticker := time.NewTicker(1500 * time.Millisecond)
	defer ticker.Stop()
waitLoop:
	for {
		if probeTCP(hostPort, 500*time.Millisecond) {
			break waitLoop
		}
		select {
		case <-ctx.Done():
			break waitLoop
		case <-deadline.C:
			break waitLoop
		case <-ticker.C:
			continue
		}
	}
	w.Header().Set("Retry-After", "0")
	http.Error(w, "backend waking up", http.StatusServiceUnavailable)
}

// isConnectError classifies a reverse-proxy transport failure as
// "refused/reset/connect-error" per spec.md §4.4 step 9, as opposed to
// e.g. a context-cancellation from the client hanging up first.
func isConnectError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

func probeTCP(hostPort string, timeout time.Duration) bool {
	conn, err := net.DialTimeout("tcp", hostPort, timeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// ServeWOD handles GET /__hr/wod: an SSE stream that emits "power",
// "waking", "ready", and "error" events for the host backing domain,
// driven by internal/power.Machine's TopicHostPower events plus a
// 1.5s TCP-reachability poll of the backend, up to a 180s deadline
// (spec.md §4.5).
func (p *Proxy) ServeWOD(w http.ResponseWriter, r *http.Request, target Target) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithTimeout(r.Context(), 180*time.Second)
	defer cancel()

	var sub *eventbus.Subscription
	var events <-chan eventbus.Event
	if p.opts.Bus != nil {
		sub = p.opts.Bus.Subscribe(ctx, eventbus.TopicHostPower)
		events = sub.Events
		defer sub.Close()
	}

	poll := time.NewTicker(1500 * time.Millisecond)
	defer poll.Stop()

	writeEvent := func(event, data string) bool {
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	if probeTCP(target.HostPort, 500*time.Millisecond) {
		writeEvent("ready", target.Domain)
		return
	}

	for {
		select {
		case <-ctx.Done():
			writeEvent("error", "timeout")
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			hp, ok := ev.Payload.(power.HostPowerEvent)
			if !ok || hp.HostID != target.HostID {
				continue
			}
			switch hp.State {
			case power.StateWakingUp:
				if !writeEvent("power", "waking_up") {
					return
				}
				if !writeEvent("waking", string(hp.State)) {
					return
				}
			case power.StateOnline:
				if !writeEvent("power", "online") {
					return
				}
				if probeTCP(target.HostPort, 500*time.Millisecond) {
					writeEvent("ready", target.Domain)
					return
				}
			default:
				writeEvent("power", string(hp.State))
			}
		case <-poll.C:
			if probeTCP(target.HostPort, 500*time.Millisecond) {
				writeEvent("ready", target.Domain)
				return
			}
		}
	}
}
