// Package registry is HomeRoute's application registry and WebSocket
// control plane: it owns the persisted Application records, the live
// agent connection map, and the dynamic route table the central proxy
// resolves against.
//
// Its shape follows a lazy-connect registry pattern (a map guarded by
// a RWMutex, double-checked locking on Get, a per-instance background
// monitor goroutine) paired with non-blocking pub-sub via
// internal/eventbus. Unlike a registry that lazily dials an external
// cluster, HomeRoute's registry is the dial *target*: agents connect
// in to it over a WebSocket control plane, authenticating with an
// Argon2-hashed bearer token (internal/secrets) rather than a
// kubeconfig.
package registry

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/homeroute/homeroute/internal/eventbus"
	"github.com/homeroute/homeroute/internal/model"
	"github.com/homeroute/homeroute/internal/persist"
	"github.com/homeroute/homeroute/internal/proxy"
	"github.com/homeroute/homeroute/internal/secrets"
)

const appsFile = "applications.json"

// Conn is the live, per-application control-plane connection. It is
// intentionally transport-agnostic here: cmd/homerouted's WebSocket
// handler constructs one from an accepted nhooyr.io/websocket.Conn and
// hands it to Registry.Attach.
type Conn struct {
	AppID string
	// Send writes one tagged control-plane frame (kind + payload) down
	// the agent's socket; PushConfig and the ServiceCommand/
	// PowerPolicyUpdate/ActivityPing/UpdateAvailable/Shutdown helpers on
	// Registry all funnel through this single closure so the transport
	// (internal/ws.Handler) only has to implement one write path.
	Send          func(ctx context.Context, kind string, payload any) error
	Close         func()
	connectedAt   time.Time
	lastHeartbeat time.Time
}

// PushConfig is kept as a thin wrapper over Send for callers that only
// know about the config_push frame kind.
func (c *Conn) PushConfig(ctx context.Context, cfg ConfigPush) error {
	return c.Send(ctx, "config_push", cfg)
}

// ConfigPush is what PushConfigVersion sends down an agent's control
// connection; no Registry method calls PushConfigVersion on its own
// when an Application record changes. Version is a
// monotonic per-application counter so the agent can detect and log a
// missed or out-of-order push (SPEC_FULL.md §11).
type ConfigPush struct {
	Version int64              `json:"config_version"`
	App     model.Application  `json:"app"`
}

// Registry owns application state, live connections, and the dynamic
// route table.
type Registry struct {
	mu       sync.RWMutex
	dataDir  string
	apps     map[string]*model.Application // by ID
	bySlug   map[string]string             // slug -> ID
	conns    map[string]*Conn               // by AppID
	routes   map[string]model.AppRoute       // by domain
	versions map[string]int64                // by AppID
	bus      *eventbus.Bus
	logger   *log.Logger
	lastUpdate UpdateResult
}

// Options configures a Registry.
type Options struct {
	DataDir string
	Bus     *eventbus.Bus
	Logger  *log.Logger
}

// Open loads the persisted application set (if any) from dataDir.
func Open(opts Options) (*Registry, error) {
	r := &Registry{
		dataDir:  opts.DataDir,
		apps:     map[string]*model.Application{},
		bySlug:   map[string]string{},
		conns:    map[string]*Conn{},
		routes:   map[string]model.AppRoute{},
		versions: map[string]int64{},
		bus:      opts.Bus,
		logger:   opts.Logger,
	}
	var saved []model.Application
	if err := persist.ReadJSON(r.appsPath(), &saved); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("registry: load applications: %w", err)
		}
	}
	for i := range saved {
		a := saved[i]
		r.apps[a.ID] = &a
		r.bySlug[a.Slug] = a.ID
	}
	return r, nil
}

func (r *Registry) appsPath() string { return filepath.Join(r.dataDir, appsFile) }

// persistLocked snapshots the current application set to disk
// atomically. Callers must hold r.mu (read or write); the disk write
// happens while that lock is still held.
func (r *Registry) persistLocked() error {
	list := make([]model.Application, 0, len(r.apps))
	for _, a := range r.apps {
		list = append(list, *a)
	}
	return persist.WriteJSON(r.appsPath(), list)
}

// Register creates a new Application, generating and hashing its
// bearer token. The cleartext token is returned exactly once to the
// caller (spec.md §3: never persisted, never logged).
func (r *Registry) Register(app model.Application) (*model.Application, string, error) {
	token, err := secrets.NewAppToken()
	if err != nil {
		return nil, "", fmt.Errorf("registry: generate token: %w", err)
	}
	hash, err := secrets.HashToken(token)
	if err != nil {
		return nil, "", fmt.Errorf("registry: hash token: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.bySlug[app.Slug]; exists {
		return nil, "", fmt.Errorf("registry: slug %q already in use", app.Slug)
	}
	app.TokenHash = hash
	app.CreatedAt = model.NowUTC()
	app.UpdatedAt = app.CreatedAt
	app.Status = model.StatusPending
	r.apps[app.ID] = &app
	r.bySlug[app.Slug] = app.ID
	if err := r.persistLocked(); err != nil {
		delete(r.apps, app.ID)
		delete(r.bySlug, app.Slug)
		return nil, "", err
	}
	out := app
	return &out, token, nil
}

// Authenticate verifies a connecting agent's bearer token against the
// stored application hash.
func (r *Registry) Authenticate(appID, token string) (*model.Application, bool) {
	r.mu.RLock()
	app, ok := r.apps[appID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !secrets.VerifyToken(token, app.TokenHash) {
		return nil, false
	}
	cpy := *app
	return &cpy, true
}

// Attach registers a live control-plane connection for appID,
// replacing any prior connection: an agent reconnect supersedes its
// predecessor rather than stacking alongside it.
func (r *Registry) Attach(c *Conn) {
	c.connectedAt = time.Now()
	c.lastHeartbeat = c.connectedAt

	r.mu.Lock()
	if old, ok := r.conns[c.AppID]; ok && old.Close != nil {
		old.Close()
	}
	r.conns[c.AppID] = c
	if app, ok := r.apps[c.AppID]; ok {
		app.Status = model.StatusConnected
		app.LastHeartbeat = c.connectedAt
	}
	r.mu.Unlock()

	r.publish(eventbus.TopicAppStatus, c.AppID)
}

// Detach removes the live connection and any routes it published, and
// marks the application disconnected.
func (r *Registry) Detach(appID string) {
	r.mu.Lock()
	delete(r.conns, appID)
	for domain, rt := range r.routes {
		if rt.AppID == appID {
			delete(r.routes, domain)
		}
	}
	if app, ok := r.apps[appID]; ok {
		app.Status = model.StatusDisconnected
	}
	r.mu.Unlock()

	r.publish(eventbus.TopicAppStatus, appID)
}

// Heartbeat records a liveness ping and refreshed metrics/IP from an
// agent, keyed by AppID.
func (r *Registry) Heartbeat(appID, ipv4, agentVersion string, metrics model.AppMetrics) {
	r.mu.Lock()
	if c, ok := r.conns[appID]; ok {
		c.lastHeartbeat = time.Now()
	}
	if app, ok := r.apps[appID]; ok {
		app.IPv4Address = ipv4
		app.AgentVersion = agentVersion
		app.Metrics = metrics
		app.LastHeartbeat = time.Now()
	}
	r.mu.Unlock()
}

// PublishRoutes replaces the set of domains an application's agent
// serves. Called whenever an agent (re)connects.
func (r *Registry) PublishRoutes(appID string, routes []model.AppRoute) {
	r.mu.Lock()
	for domain, rt := range r.routes {
		if rt.AppID == appID {
			delete(r.routes, domain)
		}
	}
	for _, rt := range routes {
		rt.AppID = appID
		r.routes[rt.Domain] = rt
	}
	r.mu.Unlock()
}

// Resolve implements proxy.Resolver against the dynamic route table.
func (r *Registry) Resolve(domain string) (proxy.Target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.routes[domain]
	if !ok {
		return proxy.Target{}, false
	}
	// spec.md §4.4 step 8: the central proxy never talks to an
	// application's own localhost port directly; it always dials the
	// owning agent's TLS edge listener on :443 and lets the agent route
	// internally by SNI/Host (spec.md §4.8). rt.TargetPort is still
	// carried for non-HTTP service types (e.g. a Db backend) that the
	// central proxy's HTTP routing table never resolves into.
	return proxy.Target{
		Domain:          rt.Domain,
		Scheme:          "https",
		HostPort:        fmt.Sprintf("%s:443", rt.TargetIPv4),
		AuthRequired:    rt.AuthRequired,
		AllowedGroups:   rt.AllowedGroups,
		LocalOnly:       rt.LocalOnly,
		WakePageEnabled: rt.WakePageEnabled,
		HostID:          rt.HostID,
		AppID:           rt.AppID,
	}, true
}

// PushConfigVersion bumps and returns the config-version counter for
// an application, then pushes it down the live connection if attached.
func (r *Registry) PushConfigVersion(ctx context.Context, appID string) error {
	r.mu.Lock()
	r.versions[appID]++
	version := r.versions[appID]
	app, okApp := r.apps[appID]
	conn, okConn := r.conns[appID]
	r.mu.Unlock()

	if !okApp {
		return fmt.Errorf("registry: unknown application %q", appID)
	}
	if !okConn || conn.Send == nil {
		return nil // agent not connected; it will pull current config on reconnect
	}
	return conn.PushConfig(ctx, ConfigPush{Version: version, App: *app})
}

// ServiceCommandPayload mirrors internal/ws.serviceCommandPayload / the
// agent's own serviceCommandPayload: {type, action} where action is
// "start" or "stop" and type names the managed service ("app",
// "code_server", ...).
type ServiceCommandPayload struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

// SendServiceCommand asks the connected agent for appID to start or
// stop one of its managed services (spec.md §4.6's R→A ServiceCommand
// frame), used both by the admin
// /api/applications/{id}/services/{svc}/{start|stop} surface and by
// Wake-on-Demand's "Online but service down" branch (§4.5).
func (r *Registry) SendServiceCommand(ctx context.Context, appID, svcType, action string) error {
	conn, ok := r.connFor(appID)
	if !ok {
		return fmt.Errorf("registry: application %q is not connected", appID)
	}
	return conn.Send(ctx, "service_command", ServiceCommandPayload{Type: svcType, Action: action})
}

// SendPowerPolicyUpdate replaces the power policy the agent enforces
// for its own idle-suspend behavior.
func (r *Registry) SendPowerPolicyUpdate(ctx context.Context, appID string, policy any) error {
	conn, ok := r.connFor(appID)
	if !ok {
		return fmt.Errorf("registry: application %q is not connected", appID)
	}
	return conn.Send(ctx, "power_policy_update", policy)
}

// SendActivityPing resets the agent's idle timer for one of its
// services, keeping a just-woken service from auto-suspending again
// before a client finishes using it. Nothing outside this package
// calls it.
func (r *Registry) SendActivityPing(ctx context.Context, appID, svcType string) error {
	conn, ok := r.connFor(appID)
	if !ok {
		return nil // best-effort; no connected agent to ping
	}
	return conn.Send(ctx, "activity_ping", map[string]string{"type": svcType})
}

// SendShutdown asks the connected agent to close gracefully.
// internal/orchestrator's Teardown does not call it; nothing outside
// this package does.
func (r *Registry) SendShutdown(ctx context.Context, appID string) error {
	conn, ok := r.connFor(appID)
	if !ok {
		return nil // nothing to shut down; already disconnected
	}
	return conn.Send(ctx, "shutdown", struct{}{})
}

func (r *Registry) connFor(appID string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[appID]
	if !ok || conn.Send == nil {
		return nil, false
	}
	return conn, true
}

// Get returns a copy of the application record, if present.
func (r *Registry) Get(appID string) (model.Application, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	app, ok := r.apps[appID]
	if !ok {
		return model.Application{}, false
	}
	return *app, true
}

// FindBySlug resolves the application claiming a given slug, the way
// an agent's control-plane Auth frame identifies itself ("service_name"
// on the wire, spec.md §4.6).
func (r *Registry) FindBySlug(slug string) (model.Application, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySlug[slug]
	if !ok {
		return model.Application{}, false
	}
	app, ok := r.apps[id]
	if !ok {
		return model.Application{}, false
	}
	return *app, true
}

// SetAppHost implements internal/migration.RegistryUpdater: it flips an
// application's recorded host-id once a migration's Starting phase has
// deployed the container on its new host.
func (r *Registry) SetAppHost(appID, hostID string) error {
	r.mu.Lock()
	app, ok := r.apps[appID]
	if ok {
		app.HostID = hostID
		app.UpdatedAt = model.NowUTC()
	}
	err := func() error {
		if !ok {
			return fmt.Errorf("registry: unknown application %q", appID)
		}
		return r.persistLocked()
	}()
	r.mu.Unlock()
	return err
}

// WaitForReconnect implements internal/migration.RegistryUpdater's
// Verifying-phase check: it polls until the application's agent has
// attached a fresh control-plane connection (Status == Connected) or
// timeout elapses.
func (r *Registry) WaitForReconnect(ctx context.Context, appID string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	const interval = 250 * time.Millisecond
	for {
		r.mu.RLock()
		app, ok := r.apps[appID]
		connected := ok && app.Status == model.StatusConnected
		r.mu.RUnlock()
		if connected {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(interval):
		}
	}
}

// List returns a snapshot of every registered application.
func (r *Registry) List() []model.Application {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Application, 0, len(r.apps))
	for _, a := range r.apps {
		out = append(out, *a)
	}
	return out
}

// SweepStale marks connections disconnected (and frees their routes)
// if no heartbeat has been seen within staleAfter, mirroring
// store.Store.PruneAgents' staleness-based eviction.
func (r *Registry) SweepStale(staleAfter time.Duration) int {
	cutoff := time.Now().Add(-staleAfter)
	var stale []string
	r.mu.RLock()
	for id, c := range r.conns {
		if c.lastHeartbeat.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range stale {
		r.mu.Lock()
		if c, ok := r.conns[id]; ok && c.Close != nil {
			c.Close()
		}
		r.mu.Unlock()
		r.Detach(id)
		if r.logger != nil {
			r.logger.Printf("registry: swept stale connection app_id=%s", id)
		}
	}
	return len(stale)
}

func (r *Registry) publish(topic eventbus.Topic, payload any) {
	if r.bus != nil {
		r.bus.Publish(eventbus.Event{Topic: topic, Payload: payload})
	}
}
