// Package power implements HomeRoute's host power-state machine:
// Offline/WakingUp/Online/Rebooting/ShuttingDown/Suspending/Suspended,
// and Wake-on-LAN dispatch with in-flight deduplication. Host schedule
// tags (model.Host.Schedules) are not read here; nothing wakes a host
// ahead of a scheduled window.
//
// Grounded in internal/cluster/registry.go's per-instance state-machine
// shape (a guarded map of live Instances, a background monitor
// goroutine per entry) generalized from "cluster connection lifecycle"
// to "host power lifecycle", and in the teacher pack's WOL dependency
// (github.com/kortschak/wol, pulled in transitively via tailscale.com)
// for the magic-packet send itself.
package power

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/kortschak/wol"

	"github.com/homeroute/homeroute/internal/eventbus"
)

// State is one point in a host's power lifecycle.
type State string

const (
	StateOffline      State = "offline"
	StateWakingUp     State = "waking_up"
	StateOnline       State = "online"
	StateRebooting    State = "rebooting"
	StateShuttingDown State = "shutting_down"
	StateSuspending   State = "suspending"
	StateSuspended    State = "suspended"
)

// transitions enumerates the legal next-states for each current state.
// A request for a transition not listed here is rejected as a conflict
// (spec.md's "conflicting power transitions are rejected" invariant).
var transitions = map[State]map[State]bool{
	StateOffline:      {StateWakingUp: true},
	StateWakingUp:     {StateOnline: true},
	StateOnline:       {StateRebooting: true, StateShuttingDown: true, StateSuspending: true},
	StateRebooting:    {StateOnline: true},
	StateShuttingDown: {StateOffline: true},
	StateSuspending:   {StateSuspended: true},
	StateSuspended:    {StateWakingUp: true},
}

// Prober checks whether a host currently responds (e.g. a TCP dial or
// ICMP probe against its management address). Implementations live
// outside this package since the exact reachability check is
// host/transport specific.
type Prober interface {
	Probe(ctx context.Context, hostID string) (online bool, latency time.Duration, err error)
}

type hostState struct {
	mu         sync.Mutex
	state      State
	waking     bool
	lastWakeAt time.Time
}

// Machine tracks power state for a fixed set of hosts, keyed by host
// ID, and dedupes concurrent wake requests for the same host.
type Machine struct {
	mu     sync.RWMutex
	hosts  map[string]*hostState
	prober Prober
	bus    *eventbus.Bus

	// WakeCooldown bounds how often a duplicate wake request is
	// allowed to actually send another magic packet for the same host.
	WakeCooldown time.Duration
}

func New(prober Prober) *Machine {
	return &Machine{hosts: map[string]*hostState{}, prober: prober, WakeCooldown: 30 * time.Second}
}

// SetBus attaches the event bus that power-state transitions are
// published to (TopicHostPower), so the central proxy's Wake-on-Demand
// SSE handler (spec.md §4.5) can react to them without polling the
// machine directly. Optional: a nil bus just skips publishing.
func (m *Machine) SetBus(bus *eventbus.Bus) { m.bus = bus }

// HostPowerEvent is the TopicHostPower payload: a host's ID and its
// new state, so SSE subscribers can filter on the host they care about.
type HostPowerEvent struct {
	HostID string `json:"host_id"`
	State  State  `json:"state"`
}

func (m *Machine) publish(hostID string, state State) {
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Topic: eventbus.TopicHostPower, Payload: HostPowerEvent{HostID: hostID, State: state}})
	}
}

func (m *Machine) entry(hostID string) *hostState {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs, ok := m.hosts[hostID]
	if !ok {
		hs = &hostState{state: StateOffline}
		m.hosts[hostID] = hs
	}
	return hs
}

// Get returns the last known state for hostID (StateOffline if never observed).
func (m *Machine) Get(hostID string) State {
	hs := m.entry(hostID)
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.state
}

// Transition attempts to move hostID to next, rejecting the request if
// it is not a legal transition from the current state.
func (m *Machine) Transition(hostID string, next State) error {
	hs := m.entry(hostID)
	hs.mu.Lock()
	if !transitions[hs.state][next] {
		hs.mu.Unlock()
		return fmt.Errorf("power: illegal transition for host %s: %s -> %s", hostID, hs.state, next)
	}
	hs.state = next
	hs.mu.Unlock()
	m.publish(hostID, next)
	return nil
}

// WakeOnLAN sends a magic packet to mac via the broadcast address
// broadcastAddr (e.g. "255.255.255.255:9"), deduplicating repeat
// requests within WakeCooldown.
func (m *Machine) WakeOnLAN(hostID, mac, broadcastAddr string) error {
	hs := m.entry(hostID)
	hs.mu.Lock()
	if time.Since(hs.lastWakeAt) < m.WakeCooldown && hs.waking {
		hs.mu.Unlock()
		return nil // already in flight; dedup
	}
	if !transitions[hs.state][StateWakingUp] && hs.state != StateWakingUp {
		hs.mu.Unlock()
		return fmt.Errorf("power: cannot wake host %s from state %s", hostID, hs.state)
	}
	hs.state = StateWakingUp
	hs.waking = true
	hs.lastWakeAt = time.Now()
	hs.mu.Unlock()
	m.publish(hostID, StateWakingUp)

	hwAddr, err := net.ParseMAC(mac)
	if err != nil {
		return fmt.Errorf("power: invalid MAC %q: %w", mac, err)
	}
	conn, err := net.Dial("udp", broadcastAddr)
	if err != nil {
		return fmt.Errorf("power: dial broadcast %s: %w", broadcastAddr, err)
	}
	defer conn.Close()
	if err := wol.Wake(conn, hwAddr); err != nil {
		return fmt.Errorf("power: send magic packet: %w", err)
	}
	return nil
}

// EnsureAwake reports whether hostID is already reachable and, if not,
// triggers a Wake-on-LAN send. It does not block for the host to
// actually come online; callers serve a retry page in the meantime.
// cmd/homerouted adapts this into a proxy.HostWaker closure that looks
// up mac/broadcastAddr from the host table before calling it.
func (m *Machine) EnsureAwake(ctx context.Context, hostID string, mac, broadcastAddr string) (bool, error) {
	if m.prober != nil {
		online, _, err := m.prober.Probe(ctx, hostID)
		if err == nil && online {
			m.MarkOnline(hostID)
			return true, nil
		}
	}
	if err := m.WakeOnLAN(hostID, mac, broadcastAddr); err != nil {
		return false, err
	}
	return false, nil
}

// MarkOnline transitions a host to Online once a liveness probe
// confirms it, used when a probe finds it already up without having
// gone through WakeOnLAN. spec.md §4.5 lists only WakingUp -> Online
// and Rebooting -> Online as legal paths to Online, so a host observed
// online from any other state is fast-tracked through the legal
// Offline/Suspended -> WakingUp hop first; Testable Property 8 forbids
// inventing a direct edge instead.
func (m *Machine) MarkOnline(hostID string) {
	hs := m.entry(hostID)
	hs.mu.Lock()
	state := hs.state
	hs.mu.Unlock()

	if state == StateOnline {
		return
	}
	if state != StateWakingUp && state != StateRebooting {
		if err := m.Transition(hostID, StateWakingUp); err != nil {
			return
		}
	}
	if err := m.Transition(hostID, StateOnline); err != nil {
		return
	}
	hs.mu.Lock()
	hs.waking = false
	hs.mu.Unlock()
}
