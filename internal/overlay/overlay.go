// Package overlay wires internal/ts/connector's tsnet client into a
// single process-wide dial path for hosts that are not reachable on
// the local LAN segment: DialContext is the only method that matters.
// internal/migration does not dial through it; cmd/homerouted's only
// HostResolver configures no remote runtime.
package overlay

import (
	"context"
	"fmt"
	"net"

	"github.com/homeroute/homeroute/internal/ts/connector"
)

// Dialer is the minimal capability internal/migration's remote-host
// transports need.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Overlay holds an optional tsnet connector. A nil *Overlay (or one
// never started) means "no overlay configured"; callers fall back to
// net.Dial for same-LAN hosts.
type Overlay struct {
	conn *connector.Connector
}

// New builds an Overlay from HomeRoute's config fields. If loginServer
// is empty, the overlay is disabled and Dial always returns an error
// telling the caller to use a direct dial instead.
func New(loginServer, authKey, hostname, stateDir string) (*Overlay, error) {
	if loginServer == "" {
		return &Overlay{}, nil
	}
	c, err := connector.New(connector.Config{
		OverlayID:     "homeroute",
		LoginServer:   loginServer,
		ClientAuthKey: authKey,
		Hostname:      hostname,
		StateDir:      stateDir,
	})
	if err != nil {
		return nil, fmt.Errorf("overlay: %w", err)
	}
	return &Overlay{conn: c}, nil
}

// Enabled reports whether an overlay login server was configured.
func (o *Overlay) Enabled() bool { return o != nil && o.conn != nil }

// Start brings the tsnet client up; a no-op if the overlay is disabled.
func (o *Overlay) Start(ctx context.Context) error {
	if !o.Enabled() {
		return nil
	}
	return o.conn.Start(ctx)
}

// Stop tears the tsnet client down; a no-op if the overlay is disabled.
func (o *Overlay) Stop(ctx context.Context) error {
	if !o.Enabled() {
		return nil
	}
	return o.conn.Stop(ctx)
}

// DialContext dials addr over the overlay network.
func (o *Overlay) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	if !o.Enabled() {
		return nil, fmt.Errorf("overlay: not configured, use a direct dial for %s", addr)
	}
	return o.conn.DialContext(ctx, network, addr)
}

// Health reports the underlying connector's state for the admin API's
// host-overlay diagnostics endpoint.
func (o *Overlay) Health(ctx context.Context) (string, map[string]any) {
	if !o.Enabled() {
		return "disabled", map[string]any{}
	}
	return o.conn.Health(ctx)
}
