// Command agent is the process that runs inside every HomeRoute
// application container: it dials the registry's control-plane
// WebSocket, performs the auth handshake, publishes its routes,
// answers service/power/update commands, and terminates HTTPS locally
// via internal/edgeproxy for the frontend (and, in development
// containers, a code-server) domain.
//
// It is adapted from cmd/homerouted's shape (env-driven config,
// signal.NotifyContext shutdown) but speaks the agent side of
// internal/ws/controlplane.go's wire protocol instead of serving it,
// and drives internal/edgeproxy instead of internal/proxy.
package main

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"nhooyr.io/websocket"

	"github.com/homeroute/homeroute/internal/edgeproxy"
	"github.com/homeroute/homeroute/internal/tlsfront"
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// agentConfig is read once at startup from the environment the
// orchestrator's deploy pipeline writes into the container
// (spec.md §4.9: "write agent config (token, service-name, registry
// address, interface)").
type agentConfig struct {
	RegistryWSURL   string
	Token           string
	ServiceName     string
	IPv4Address     string
	BaseDomain      string
	FrontendPort    int
	AuthRequired    bool
	AllowedGroups   []string
	DevCodeServer   bool
	CentralAuthURL  string
	SelfBinaryPath  string
}

func loadAgentConfig() (agentConfig, error) {
	c := agentConfig{
		RegistryWSURL:  getenv("HOMEROUTE_REGISTRY_WS", "wss://127.0.0.1:8443/api/applications/agents/ws"),
		Token:          os.Getenv("HOMEROUTE_TOKEN"),
		ServiceName:    os.Getenv("HOMEROUTE_SERVICE_NAME"),
		IPv4Address:    getenv("HOMEROUTE_IPV4", localIPv4()),
		BaseDomain:     os.Getenv("HOMEROUTE_BASE_DOMAIN"),
		FrontendPort:   getenvInt("HOMEROUTE_FRONTEND_PORT", 8080),
		AuthRequired:   getenvBool("HOMEROUTE_AUTH_REQUIRED", true),
		AllowedGroups:  getenvList("HOMEROUTE_ALLOWED_GROUPS"),
		DevCodeServer:  getenvBool("HOMEROUTE_DEV_CODE_SERVER", false),
		CentralAuthURL: getenv("HOMEROUTE_CENTRAL_AUTH_URL", ""),
		SelfBinaryPath: getenv("HOMEROUTE_AGENT_BINARY", "/usr/local/bin/homeroute-agent"),
	}
	if c.Token == "" || c.ServiceName == "" || c.BaseDomain == "" {
		return c, fmt.Errorf("HOMEROUTE_TOKEN, HOMEROUTE_SERVICE_NAME, and HOMEROUTE_BASE_DOMAIN are required")
	}
	return c, nil
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func localIPv4() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func main() {
	log.SetFlags(0)
	logger := log.New(os.Stderr, "agent: ", log.LstdFlags)

	cfg, err := loadAgentConfig()
	if err != nil {
		log.Fatalf("agent: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &agentProcess{cfg: cfg, logger: logger, version: binaryVersion(cfg.SelfBinaryPath)}
	a.routes = edgeproxy.NewStaticRoutes()
	a.installRoutes()

	go a.serveEdge(ctx)

	for ctx.Err() == nil {
		if err := a.runOnce(ctx); err != nil {
			logger.Printf("control-plane connection ended: %v", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}
}

func binaryVersion(path string) string {
	fi, err := os.Stat(path)
	if err != nil {
		return "dev"
	}
	return fi.ModTime().UTC().Format("20060102150405")
}

// agentProcess holds the long-lived state shared between the
// control-plane connection loop and the edge proxy listener.
type agentProcess struct {
	cfg     agentConfig
	logger  *log.Logger
	version string

	routes   *edgeproxy.StaticRoutes
	tls      *tlsfront.Store
}

func (a *agentProcess) installRoutes() {
	domain, entry := edgeproxy.FrontendRoute(a.cfg.ServiceName, a.cfg.BaseDomain, a.cfg.FrontendPort, a.cfg.AuthRequired, a.cfg.AllowedGroups)
	a.routes.Set(domain, entry)
	if a.cfg.DevCodeServer {
		domain, entry := edgeproxy.CodeServerRoute(a.cfg.ServiceName, a.cfg.BaseDomain, a.cfg.AllowedGroups)
		a.routes.Set(domain, entry)
	}
}

func (a *agentProcess) serveEdge(ctx context.Context) {
	a.tls = tlsfront.NewStore()
	srv := &http.Server{
		Addr: ":443",
		Handler: edgeproxy.New(edgeproxy.Options{
			Routes: a.routes,
			Auth:   edgeproxy.NewCentralAuth(a.cfg.CentralAuthURL),
			Logger: a.logger,
		}),
		TLSConfig: a.tls.Config(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
		a.logger.Printf("edge proxy stopped: %v", err)
	}
}

// --- control-plane wire types, mirroring internal/ws/controlplane.go's
// envelope shape from the agent side. ---

type envelope struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type authPayload struct {
	Token       string `json:"token"`
	ServiceName string `json:"service_name"`
	Version     string `json:"version"`
	IPv4Address string `json:"ipv4_address"`
}

type authResultPayload struct {
	Success bool `json:"success"`
}

type heartbeatPayload struct {
	IPv4Address  string       `json:"ipv4_address"`
	AgentVersion string       `json:"agent_version"`
	Metrics      agentMetrics `json:"metrics"`
}

type agentMetrics struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes int64   `json:"memory_bytes"`
}

type routePublish struct {
	Domain        string   `json:"domain"`
	TargetIPv4    string   `json:"target_ipv4"`
	TargetPort    int      `json:"target_port"`
	AuthRequired  bool     `json:"auth_required"`
	AllowedGroups []string `json:"allowed_groups,omitempty"`
	ServiceType   string   `json:"service_type"`
}

type publishRoutesPayload struct {
	Routes []routePublish `json:"routes"`
}

type serviceCommandPayload struct {
	Type   string `json:"type"`
	Action string `json:"action"`
}

type updateAvailablePayload struct {
	Version string `json:"version"`
	URL     string `json:"url"`
	SHA256  string `json:"sha256"`
}

func (a *agentProcess) runOnce(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, _, err := websocket.Dial(dialCtx, a.cfg.RegistryWSURL, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("dial registry: %w", err)
	}
	defer c.Close(websocket.StatusInternalError, "closing")
	c.SetReadLimit(1 << 20)

	var writeMu sync.Mutex
	write := func(ctx context.Context, v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		return c.Write(ctx, websocket.MessageText, b)
	}

	authCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	authBody, _ := json.Marshal(authPayload{
		Token:       a.cfg.Token,
		ServiceName: a.cfg.ServiceName,
		Version:     a.version,
		IPv4Address: a.cfg.IPv4Address,
	})
	err = write(authCtx, envelope{Kind: "auth", Payload: authBody})
	cancel()
	if err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	authCtx2, cancel2 := context.WithTimeout(ctx, 5*time.Second)
	_, data, err := c.Read(authCtx2)
	cancel2()
	if err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Kind != "auth_result" {
		return fmt.Errorf("unexpected frame while awaiting auth result")
	}
	var ar authResultPayload
	if err := json.Unmarshal(env.Payload, &ar); err != nil || !ar.Success {
		c.Close(websocket.StatusPolicyViolation, "auth rejected")
		return fmt.Errorf("registry rejected auth")
	}
	a.logger.Printf("connected and authenticated as %s", a.cfg.ServiceName)

	if err := a.publishRoutes(ctx, write); err != nil {
		a.logger.Printf("publish routes: %v", err)
	}

	readErrCh := make(chan error, 1)
	go func() {
		readErrCh <- a.readLoop(ctx, c, write)
	}()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "shutting down")
			<-readErrCh
			return ctx.Err()
		case err := <-readErrCh:
			return err
		case <-ticker.C:
			hb, _ := json.Marshal(heartbeatPayload{
				IPv4Address:  a.cfg.IPv4Address,
				AgentVersion: a.version,
				Metrics:      sampleMetrics(),
			})
			hbCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := write(hbCtx, envelope{Kind: "heartbeat", Payload: hb})
			cancel()
			if err != nil {
				return fmt.Errorf("send heartbeat: %w", err)
			}
		}
	}
}

func sampleMetrics() agentMetrics {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return agentMetrics{MemoryBytes: int64(m.Alloc)}
}

func (a *agentProcess) publishRoutes(ctx context.Context, write func(context.Context, any) error) error {
	var routes []routePublish
	domain, entry := edgeproxy.FrontendRoute(a.cfg.ServiceName, a.cfg.BaseDomain, a.cfg.FrontendPort, a.cfg.AuthRequired, a.cfg.AllowedGroups)
	routes = append(routes, routePublish{Domain: domain, TargetIPv4: a.cfg.IPv4Address, TargetPort: entry.TargetPort, AuthRequired: entry.AuthRequired, AllowedGroups: entry.AllowedGroups, ServiceType: "app"})
	if a.cfg.DevCodeServer {
		domain, entry := edgeproxy.CodeServerRoute(a.cfg.ServiceName, a.cfg.BaseDomain, a.cfg.AllowedGroups)
		routes = append(routes, routePublish{Domain: domain, TargetIPv4: a.cfg.IPv4Address, TargetPort: entry.TargetPort, AuthRequired: entry.AuthRequired, AllowedGroups: entry.AllowedGroups, ServiceType: "code_server"})
	}
	body, _ := json.Marshal(publishRoutesPayload{Routes: routes})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return write(pctx, envelope{Kind: "publish_routes", Payload: body})
}

// readLoop dispatches registry-to-agent frames until the connection
// closes or ctx is cancelled.
func (a *agentProcess) readLoop(ctx context.Context, c *websocket.Conn, write func(context.Context, any) error) error {
	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			return err
		}
		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Kind {
		case "config_push":
			a.logger.Printf("received config push")
		case "service_command":
			var sc serviceCommandPayload
			if err := json.Unmarshal(env.Payload, &sc); err == nil {
				a.logger.Printf("service command: type=%s action=%s", sc.Type, sc.Action)
			}
		case "power_policy_update":
			a.logger.Printf("received power policy update")
		case "activity_ping":
			// Idle-timer reset is tracked host-side; the agent only
			// needs to acknowledge liveness, which the next heartbeat
			// already does.
		case "update_available":
			var ua updateAvailablePayload
			if err := json.Unmarshal(env.Payload, &ua); err == nil {
				if err := a.applyUpdate(ctx, ua); err != nil {
					a.logger.Printf("self-update failed: %v", err)
				}
			}
		case "shutdown":
			c.Close(websocket.StatusNormalClosure, "server requested shutdown")
			return fmt.Errorf("shutdown requested by registry")
		default:
			a.logger.Printf("unknown frame kind=%s", env.Kind)
		}
	}
}

// applyUpdate downloads the new binary, verifies its SHA-256 against
// what the registry announced, swaps it into place, and re-execs.
// No fallback runs when this path fails: neither the agent nor
// internal/orchestrator performs an in-container download-and-restart.
func (a *agentProcess) applyUpdate(ctx context.Context, ua updateAvailablePayload) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ua.URL, nil)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 60 * time.Second, Transport: &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}}}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("download update: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download update: status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(a.cfg.SelfBinaryPath), "homeroute-agent-update-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	sum := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(sum, ua.SHA256) {
		return fmt.Errorf("sha256 mismatch: got %s want %s", sum, ua.SHA256)
	}
	if err := os.Chmod(tmp.Name(), 0o755); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), a.cfg.SelfBinaryPath); err != nil {
		return err
	}
	a.logger.Printf("update applied (sha256=%s), re-executing", sum)
	return syscall.Exec(a.cfg.SelfBinaryPath, os.Args, os.Environ())
}
