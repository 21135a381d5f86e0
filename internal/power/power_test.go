package power

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestTransitionRejectsIllegalMove(t *testing.T) {
	m := New(nil)
	if err := m.Transition("host-1", StateOnline); err == nil {
		t.Fatalf("expected offline -> online to be rejected")
	}
	if err := m.Transition("host-1", StateWakingUp); err != nil {
		t.Fatalf("offline -> waking_up should be legal: %v", err)
	}
	if err := m.Transition("host-1", StateOnline); err != nil {
		t.Fatalf("waking_up -> online should be legal: %v", err)
	}
}

func TestTransitionTableMatchesSpec(t *testing.T) {
	m := New(nil)
	if err := m.Transition("host-1", StateWakingUp); err != nil {
		t.Fatalf("offline -> waking_up: %v", err)
	}
	if err := m.Transition("host-1", StateOffline); err == nil {
		t.Fatalf("waking_up -> offline must be rejected (not in spec.md's table)")
	}
	if err := m.Transition("host-1", StateOnline); err != nil {
		t.Fatalf("waking_up -> online: %v", err)
	}
	if err := m.Transition("host-1", StateRebooting); err != nil {
		t.Fatalf("online -> rebooting: %v", err)
	}
	if err := m.Transition("host-1", StateOffline); err == nil {
		t.Fatalf("rebooting -> offline must be rejected (not in spec.md's table)")
	}
	if err := m.Transition("host-1", StateOnline); err != nil {
		t.Fatalf("rebooting -> online: %v", err)
	}
}

func TestMarkOnlineFastTracksThroughWakingUp(t *testing.T) {
	m := New(nil)
	m.MarkOnline("host-1")
	if got := m.Get("host-1"); got != StateOnline {
		t.Fatalf("got %q want online", got)
	}
}

func TestMarkOnlineFromRebooting(t *testing.T) {
	m := New(nil)
	if err := m.Transition("host-1", StateWakingUp); err != nil {
		t.Fatalf("offline -> waking_up: %v", err)
	}
	if err := m.Transition("host-1", StateOnline); err != nil {
		t.Fatalf("waking_up -> online: %v", err)
	}
	if err := m.Transition("host-1", StateRebooting); err != nil {
		t.Fatalf("online -> rebooting: %v", err)
	}
	m.MarkOnline("host-1")
	if got := m.Get("host-1"); got != StateOnline {
		t.Fatalf("got %q want online after reboot recovery", got)
	}
}

func TestGetDefaultsToOffline(t *testing.T) {
	m := New(nil)
	if got := m.Get("never-seen"); got != StateOffline {
		t.Fatalf("got %q want offline", got)
	}
}

// fakeUDPTarget listens on a loopback UDP socket so WakeOnLAN has
// somewhere to actually send its magic packet during the test.
func fakeUDPTarget(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn.LocalAddr().String()
}

func TestWakeOnLANDedupesWithinCooldown(t *testing.T) {
	m := New(nil)
	m.WakeCooldown = time.Minute
	addr := fakeUDPTarget(t)

	if err := m.WakeOnLAN("host-1", "AA:BB:CC:DD:EE:FF", addr); err != nil {
		t.Fatalf("first wake: %v", err)
	}
	if got := m.Get("host-1"); got != StateWakingUp {
		t.Fatalf("got %q want waking_up", got)
	}
	if err := m.WakeOnLAN("host-1", "AA:BB:CC:DD:EE:FF", addr); err != nil {
		t.Fatalf("deduped wake should not error: %v", err)
	}
}

func TestWakeOnLANRejectsInvalidMAC(t *testing.T) {
	m := New(nil)
	if err := m.WakeOnLAN("host-1", "not-a-mac", fakeUDPTarget(t)); err == nil {
		t.Fatalf("expected an error for an invalid MAC address")
	}
}

type fakeProber struct{ online bool }

func (f fakeProber) Probe(ctx context.Context, hostID string) (bool, time.Duration, error) {
	return f.online, 0, nil
}

func TestEnsureAwakeSkipsWakeWhenAlreadyOnline(t *testing.T) {
	m := New(fakeProber{online: true})
	online, err := m.EnsureAwake(context.Background(), "host-1", "AA:BB:CC:DD:EE:FF", fakeUDPTarget(t))
	if err != nil {
		t.Fatalf("ensure awake: %v", err)
	}
	if !online {
		t.Fatalf("expected already-online host to report online=true")
	}
	if got := m.Get("host-1"); got != StateOnline {
		t.Fatalf("got %q want online", got)
	}
}

func TestEnsureAwakeWakesWhenOffline(t *testing.T) {
	m := New(fakeProber{online: false})
	online, err := m.EnsureAwake(context.Background(), "host-1", "AA:BB:CC:DD:EE:FF", fakeUDPTarget(t))
	if err != nil {
		t.Fatalf("ensure awake: %v", err)
	}
	if online {
		t.Fatalf("expected offline host to report online=false")
	}
	if got := m.Get("host-1"); got != StateWakingUp {
		t.Fatalf("got %q want waking_up", got)
	}
}
