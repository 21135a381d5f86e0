// Command homerouted is HomeRoute's single long-running process: it
// owns the application registry, the DNS resolver, the central
// reverse proxy, the private CA, the host power state machine, and
// the migration/orchestration engines, and exposes an admin HTTP API
// plus the agent WebSocket control plane.
//
// Its startup shape (env-driven Config, signal.NotifyContext-based
// graceful shutdown, CA-issued frontend certificates, an optional
// in-process controller-runtime manager) wires HomeRoute's own
// registry/DNS/proxy/migration components end to end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/homeroute/homeroute/internal/auditlog"
	"github.com/homeroute/homeroute/internal/ca"
	"github.com/homeroute/homeroute/internal/dnsengine"
	"github.com/homeroute/homeroute/internal/eventbus"
	"github.com/homeroute/homeroute/internal/forwardauth"
	"github.com/homeroute/homeroute/internal/hoststore"
	httpx "github.com/homeroute/homeroute/internal/httpx"
	"github.com/homeroute/homeroute/internal/jobs"
	"github.com/homeroute/homeroute/internal/k8s"
	"github.com/homeroute/homeroute/internal/k8sruntime"
	"github.com/homeroute/homeroute/internal/localdb"
	"github.com/homeroute/homeroute/internal/migration"
	"github.com/homeroute/homeroute/internal/model"
	"github.com/homeroute/homeroute/internal/orchestrator"
	"github.com/homeroute/homeroute/internal/overlay"
	"github.com/homeroute/homeroute/internal/power"
	"github.com/homeroute/homeroute/internal/proxy"
	"github.com/homeroute/homeroute/internal/registry"
	"github.com/homeroute/homeroute/internal/routestore"
	"github.com/homeroute/homeroute/internal/runtimeiface"
	"github.com/homeroute/homeroute/internal/secrets"
	"github.com/homeroute/homeroute/internal/tlsfront"
	"github.com/homeroute/homeroute/internal/ws"
	"github.com/homeroute/homeroute/pkg/config"

	"nhooyr.io/websocket"

	apiv1alpha1 "github.com/homeroute/homeroute/api/v1alpha1"
	"github.com/homeroute/homeroute/internal/operator"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/rest"
	ctrl "sigs.k8s.io/controller-runtime"
)

func main() {
	log.SetFlags(0)
	logger := log.New(os.Stderr, "", log.LstdFlags)

	initFlag := flag.Bool("init", false, "run the interactive setup wizard and exit")
	flag.Parse()
	if *initFlag {
		if err := config.RunInitWizard(os.Stdin, os.Stdout); err != nil {
			log.Fatalf("init wizard: %v", err)
		}
		return
	}

	if err := setParentDeathSignal(syscall.SIGTERM); err != nil {
		logger.Printf("set parent death signal: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		log.Fatalf("homerouted: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	db, err := localdb.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open local db: %w", err)
	}
	defer db.Close()
	accessLog := auditlog.NewAccessLog(db, 2000)
	dnsLog := auditlog.NewDNSLog(db, 2000)

	bus := eventbus.New()

	rootCA, err := ca.Open(cfg.CADir)
	if err != nil {
		return fmt.Errorf("open ca: %w", err)
	}

	hosts, err := hoststore.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open hoststore: %w", err)
	}
	secretsManager, err := secrets.New(cfg.MasterKey)
	if err != nil {
		return fmt.Errorf("open secrets manager: %w", err)
	}
	hosts.SetSecretsManager(secretsManager)
	routes, err := routestore.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open routestore: %w", err)
	}

	reg, err := registry.Open(registry.Options{DataDir: cfg.DataDir, Bus: bus, Logger: logger})
	if err != nil {
		return fmt.Errorf("open registry: %w", err)
	}

	powerMachine := power.New(hosts)

	// Optional tsnet overlay for inter-host dialing when hosts are not
	// on the same LAN segment; disabled unless an auth key is set.
	ov, err := overlay.New(cfg.TSNetLoginServer, cfg.TSNetAuthKey, cfg.TSNetHostname, cfg.DataDir)
	if err != nil {
		return fmt.Errorf("overlay: %w", err)
	}
	if ov.Enabled() {
		if err := ov.Start(ctx); err != nil {
			logger.Printf("overlay start failed, continuing without it: %v", err)
		} else {
			defer ov.Stop(context.Background())
		}
	}

	var containerRuntime runtimeiface.ContainerRuntime
	var k8sRun *k8sruntime.Runtime
	kc, err := k8s.New(ctx)
	if err != nil {
		logger.Printf("kubernetes unavailable, container orchestration disabled: %v", err)
	} else {
		k8sRun = k8sruntime.New(kc)
		k8sRun.PortForwards = k8s.NewPortForwardManagerWithCluster(kc.Rest, "homeroute", "")
		containerRuntime = k8sRun
		if os.Getenv("HOMEROUTE_K8S_OPERATOR") != "" {
			if err := startOperator(ctx, kc.Rest); err != nil {
				logger.Printf("workspace operator did not start: %v", err)
			}
		}
	}

	var orch *orchestrator.Orchestrator
	if containerRuntime != nil {
		runner := jobs.New(jobs.WithPersist(jobs.LocalPersist{DB: db}))
		orch = orchestrator.New(runner, containerRuntime, reg, bus)
		orch.DB = db
	}

	migrationEngine := migration.New(migration.Dependencies{
		Bus:      bus,
		Hosts:    &localOnlyHostResolver{},
		Registry: reg,
	})

	dnsResolver := dnsengine.New(dnsengine.Options{
		Upstreams:       cfg.UpstreamDNS,
		UpstreamTimeout: time.Duration(cfg.DialTimeoutMS) * time.Millisecond,
		LocalDomain:     cfg.BaseDomain + ".",
		Leases:          &hostLeases{hosts: hosts},
		Block:           dnsengine.NewBlocklist(),
		BlockEnabled:    false,
		CacheSize:       4096,
		Logger:          logger,
		QueryLog:        dnsLog,
	})
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	dnsResolver.StartSweeper(sweepCtx)

	dnsServer := dnsengine.NewServer(cfg.DNSListen, dnsResolver, logger)
	go func() {
		if err := dnsServer.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
			logger.Printf("dns server stopped: %v", err)
		}
	}()

	tlsStore := tlsfront.NewStore()
	if err := issueFrontendCert(rootCA, tlsStore, cfg.BaseDomain); err != nil {
		logger.Printf("tls front cert issue failed: %v", err)
	}

	powerMachine.SetBus(bus)
	waker := &hostWaker{machine: powerMachine, hosts: hosts}
	authClient := forwardauth.New(forwardauth.Options{Endpoint: "https://auth." + cfg.BaseDomain + "/verify"})

	centralProxy := proxy.New(proxy.Options{
		Resolver:       proxy.ChainResolver{reg, routes},
		Auth:           authClient,
		Waker:          waker,
		Access:         accessLog,
		Logger:         logger,
		DialTimeout:    time.Duration(cfg.DialTimeoutMS) * time.Millisecond,
		BaseDomain:     cfg.BaseDomain,
		ManagementAddr: cfg.AdminListen,
		Power:          powerMachine,
		Bus:            bus,
		Services:       reg,
	})

	proxyServer := &http.Server{
		Addr:      cfg.ProxyListen,
		Handler:   centralProxy,
		TLSConfig: tlsStore.Config(),
	}
	go func() {
		logger.Printf("central proxy listening on %s", cfg.ProxyListen)
		if err := proxyServer.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
			logger.Printf("proxy server stopped: %v", err)
		}
	}()

	adminMux := buildAdminMux(adminDeps{
		reg:       reg,
		hosts:     hosts,
		routes:    routes,
		ca:        rootCA,
		power:     powerMachine,
		migration: migrationEngine,
		orch:      orch,
		bus:       bus,
		db:        db,
		accessLog: accessLog,
		dnsLog:    dnsLog,
		logger:    logger,
		k8sRun:    k8sRun,

		agentBinaryPath: cfg.AgentBinaryPath,
		agentBinaryURL:  strings.TrimSuffix(cfg.AgentBinaryURLBase, "/") + "/api/applications/agents/binary",
	})
	var adminHandler http.Handler = adminMux
	adminHandler = httpx.AllowRemote(cfg.Allowlist)(adminHandler)
	if cfg.UIOrigin != "" {
		adminHandler = httpx.CORS(cfg.UIOrigin)(adminHandler)
	}
	adminServer := &http.Server{
		Addr:    cfg.AdminListen,
		Handler: httpx.Logging(httpx.RequestID(adminHandler)),
	}
	go func() {
		logger.Printf("admin api listening on %s", cfg.AdminListen)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("admin server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = adminServer.Shutdown(shutdownCtx)
	_ = proxyServer.Shutdown(shutdownCtx)
	return nil
}

// startOperator boots an in-process controller-runtime manager that
// reconciles Workspace CRDs into Deployment+Service objects, the
// declarative alternative to the orchestrator's imperative pipeline
// (internal/operator's doc comment).
func startOperator(ctx context.Context, restCfg *rest.Config) error {
	scheme := runtime.NewScheme()
	if err := clientgoscheme.AddToScheme(scheme); err != nil {
		return fmt.Errorf("add client-go scheme: %w", err)
	}
	if err := apiv1alpha1.AddToScheme(scheme); err != nil {
		return fmt.Errorf("add workspace scheme: %w", err)
	}
	opts := ctrl.Options{Scheme: scheme}
	opts.Metrics.BindAddress = "0"
	opts.HealthProbeBindAddress = "0"
	mgr, err := ctrl.NewManager(restCfg, opts)
	if err != nil {
		return fmt.Errorf("manager create: %w", err)
	}
	r := &operator.WorkspaceReconciler{Client: mgr.GetClient(), Scheme: mgr.GetScheme()}
	if err := r.SetupWithManager(mgr); err != nil {
		return fmt.Errorf("setup reconciler: %w", err)
	}
	go func() {
		if err := mgr.Start(ctx); err != nil {
			log.Printf("workspace operator manager stopped: %v", err)
		}
	}()
	log.Printf("workspace operator started in-process")
	return nil
}

// issueFrontendCert issues (or reissues) a wildcard leaf for the base
// domain and its "*.{base}" subdomains, installing both into store.
func issueFrontendCert(rootCA *ca.CA, store *tlsfront.Store, baseDomain string) error {
	if baseDomain == "" {
		return nil
	}
	cert, err := rootCA.Issue([]string{baseDomain, "*." + baseDomain})
	if err != nil {
		return err
	}
	certPEM, err := os.ReadFile(cert.CertPath)
	if err != nil {
		return err
	}
	keyPEM, err := os.ReadFile(cert.KeyPath)
	if err != nil {
		return err
	}
	tlsCert, err := tlsfront.LoadKeyPair(certPEM, keyPEM)
	if err != nil {
		return err
	}
	store.Put(baseDomain, tlsCert)
	store.PutWildcard(baseDomain, tlsCert)
	return nil
}

// hostLeases adapts internal/hoststore.Store to internal/dnsengine's
// LeaseLookup: a host's configured SSH address doubles as its LAN IP
// for name resolution under the base domain (e.g. "nas.home.example.com").
type hostLeases struct{ hosts *hoststore.Store }

func (h *hostLeases) LookupA(hostname string) (net.IP, bool) {
	name := strings.TrimSuffix(hostname, ".")
	if i := strings.IndexByte(name, '.'); i >= 0 {
		name = name[:i]
	}
	for _, host := range h.hosts.List() {
		if strings.EqualFold(host.Name, name) {
			if ip := net.ParseIP(host.SSHHost); ip != nil {
				return ip.To4(), true
			}
		}
	}
	return nil, false
}

// hostWaker adapts internal/power.Machine + internal/hoststore.Store
// into internal/proxy.HostWaker, resolving the MAC/broadcast address
// the power machine needs from the host record (power.go's doc comment
// names this exact adaptation).
type hostWaker struct {
	machine *power.Machine
	hosts   *hoststore.Store
}

func (w *hostWaker) EnsureAwake(ctx context.Context, hostID string) (bool, error) {
	h, ok := w.hosts.Get(hostID)
	if !ok || h.MAC == "" {
		return false, fmt.Errorf("hostWaker: host %q has no cached MAC", hostID)
	}
	return w.machine.EnsureAwake(ctx, hostID, h.MAC, "255.255.255.255:9")
}

// localOnlyHostResolver is migration.HostResolver's only
// implementation. No Exporter-capable runtime (e.g. an nspawn agent
// transport) is configured for any host, local or remote, so Runtime
// returns an error for every host ID and a migration fails clearly
// instead of silently no-opping; see DESIGN.md.
type localOnlyHostResolver struct{}

func (l *localOnlyHostResolver) Runtime(ctx context.Context, hostID string) (migration.HostRuntime, error) {
	return nil, fmt.Errorf("migration: no export-capable runtime configured for host %q", hostID)
}

// serviceCommandHandler builds the /services/{svc}/{start,stop}
// handler that forwards a ServiceCommand frame to the application's
// connected agent.
func serviceCommandHandler(reg *registry.Registry, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		appID, svc := r.PathValue("id"), r.PathValue("svc")
		if err := reg.SendServiceCommand(r.Context(), appID, svc, action); err != nil {
			httpx.JSONError(w, http.StatusConflict, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

type adminDeps struct {
	reg       *registry.Registry
	hosts     *hoststore.Store
	routes    *routestore.Store
	ca        *ca.CA
	power     *power.Machine
	migration *migration.Engine
	orch      *orchestrator.Orchestrator
	bus       *eventbus.Bus
	db        *localdb.DB
	accessLog *auditlog.Log
	dnsLog    *auditlog.Log
	logger    *log.Logger

	// k8sRun is non-nil only when containerRuntime is Kubernetes-backed;
	// it backs POST /api/applications/{id}/tunnel/{port}.
	k8sRun *k8sruntime.Runtime

	agentBinaryPath string
	agentBinaryURL  string
}

func buildAdminMux(d adminDeps) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	mux.HandleFunc("/api/hosts", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpx.JSON(w, http.StatusOK, d.hosts.List())
		case http.MethodPut:
			var h model.Host
			if err := json.NewDecoder(r.Body).Decode(&h); err != nil {
				httpx.JSONError(w, http.StatusBadRequest, "decode host")
				return
			}
			if h.ID == "" {
				h.ID = uuid.NewString()
			}
			if err := d.hosts.Upsert(h); err != nil {
				httpx.JSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			httpx.JSON(w, http.StatusOK, h)
		default:
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	mux.HandleFunc("/api/hosts/{id}/credential", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			Credential string `json:"credential"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.JSONError(w, http.StatusBadRequest, "decode credential")
			return
		}
		if err := d.hosts.SetSSHCredential(r.PathValue("id"), req.Credential); err != nil {
			httpx.JSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/api/routes", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpx.JSON(w, http.StatusOK, d.routes.List())
		case http.MethodPut:
			var rt model.Route
			if err := json.NewDecoder(r.Body).Decode(&rt); err != nil {
				httpx.JSONError(w, http.StatusBadRequest, "decode route")
				return
			}
			if err := d.routes.Put(rt); err != nil {
				httpx.JSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			httpx.JSON(w, http.StatusOK, rt)
		case http.MethodDelete:
			domain := r.URL.Query().Get("domain")
			if err := d.routes.Remove(domain); err != nil {
				httpx.JSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	mux.HandleFunc("/api/applications", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			httpx.JSON(w, http.StatusOK, d.reg.List())
		case http.MethodPost:
			// create_container's request body (spec.md §4.9): the
			// Application record plus the image/env a deploy needs,
			// which aren't themselves part of the persisted record.
			var req struct {
				model.Application
				Image string            `json:"image"`
				Env   map[string]string `json:"env,omitempty"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpx.JSONError(w, http.StatusBadRequest, "decode application")
				return
			}
			created, token, err := d.reg.Register(req.Application)
			if err != nil {
				httpx.JSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
			resp := map[string]any{"application": created, "token": token}
			if d.orch != nil && req.Image != "" {
				jobID, err := d.orch.Deploy(orchestrator.DeploySpec{App: created, Image: req.Image, Env: req.Env})
				if err != nil {
					httpx.JSONError(w, http.StatusInternalServerError, err.Error())
					return
				}
				resp["deploy_job_id"] = jobID
			}
			httpx.JSON(w, http.StatusCreated, resp)
		default:
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})

	// spec.md §4.9: deploy is a background pipeline, not a synchronous
	// call — /api/jobs exposes internal/jobs.Runner's Get/List/Cancel so
	// an admin can poll a deploy_job_id's progress and log lines rather
	// than just firing create_container and hoping.
	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if d.orch == nil {
			httpx.JSON(w, http.StatusOK, []jobs.Record{})
			return
		}
		httpx.JSON(w, http.StatusOK, d.orch.Runner.List())
	})

	mux.HandleFunc("/api/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if d.orch == nil {
			httpx.JSONError(w, http.StatusNotFound, "no orchestrator configured")
			return
		}
		rec := d.orch.Runner.Get(r.PathValue("id"))
		if rec == nil {
			httpx.JSONError(w, http.StatusNotFound, "unknown job")
			return
		}
		httpx.JSON(w, http.StatusOK, rec)
	})

	mux.HandleFunc("/api/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if d.orch == nil {
			httpx.JSONError(w, http.StatusNotFound, "no orchestrator configured")
			return
		}
		d.orch.Runner.Cancel(r.PathValue("id"))
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("/api/applications/migrate", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			AppID        string `json:"app_id"`
			SourceHostID string `json:"source_host_id"`
			TargetHostID string `json:"target_host_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpx.JSONError(w, http.StatusBadRequest, "decode request")
			return
		}
		transferID, err := d.migration.Migrate(r.Context(), req.AppID, req.SourceHostID, req.TargetHostID)
		if err != nil {
			httpx.JSONError(w, http.StatusConflict, err.Error())
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]string{"transfer_id": transferID})
	})

	mux.HandleFunc("/api/containers/{id}/migrate/status", func(w http.ResponseWriter, r *http.Request) {
		st, ok := d.migration.StatusForApp(r.PathValue("id"))
		if !ok {
			httpx.JSONError(w, http.StatusNotFound, "no migration in progress for this container")
			return
		}
		httpx.JSON(w, http.StatusOK, st)
	})

	mux.HandleFunc("/api/containers/{id}/migrate/cancel", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		st, ok := d.migration.StatusForApp(r.PathValue("id"))
		if !ok {
			httpx.JSONError(w, http.StatusNotFound, "no migration in progress for this container")
			return
		}
		if err := d.migration.Cancel(st.TransferID); err != nil {
			httpx.JSONError(w, http.StatusConflict, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	// spec.md §6 admin surface: per-service start/stop, proxied down
	// the agent's control-plane connection as a ServiceCommand frame
	// (internal/registry.Registry.SendServiceCommand).
	mux.HandleFunc("/api/applications/{id}/services/{svc}/start", serviceCommandHandler(d.reg, "start"))
	mux.HandleFunc("/api/applications/{id}/services/{svc}/stop", serviceCommandHandler(d.reg, "stop"))

	mux.HandleFunc("/api/applications/{id}/power-policy", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var policy json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&policy); err != nil {
			httpx.JSONError(w, http.StatusBadRequest, "decode power policy")
			return
		}
		if err := d.reg.SendPowerPolicyUpdate(r.Context(), r.PathValue("id"), policy); err != nil {
			httpx.JSONError(w, http.StatusConflict, err.Error())
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/api/applications/agents/binary", func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, d.agentBinaryPath)
	})

	mux.HandleFunc("/api/applications/agents/update", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req struct {
			IDs []string `json:"ids"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req) // empty body -> all connected agents
		result, err := d.reg.TriggerUpdate(r.Context(), d.agentBinaryPath, d.agentBinaryURL, req.IDs)
		if err != nil {
			httpx.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		httpx.JSON(w, http.StatusOK, result)
	})

	mux.HandleFunc("/api/applications/agents/update/status", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, d.reg.LastUpdateResult())
	})

	mux.HandleFunc("/api/applications/published", func(w http.ResponseWriter, r *http.Request) {
		var out []localdb.PublishedService
		if d.db != nil {
			if err := d.db.ListPublished(&out); err != nil {
				httpx.JSONError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		httpx.JSON(w, http.StatusOK, out)
	})

	// POST /api/applications/{id}/tunnel/{port} opens an on-demand
	// port-forward to a Kubernetes-backed application's pod and returns
	// the local port, for debug access to a container port that isn't
	// published as a model.AppRoute — e.g. a model.ServiceDB endpoint an
	// operator wants to reach with a local DB client.
	mux.HandleFunc("/api/applications/{id}/tunnel/{port}", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if d.k8sRun == nil {
			httpx.JSONError(w, http.StatusNotImplemented, "no kubernetes-backed runtime configured")
			return
		}
		app, ok := d.reg.Get(r.PathValue("id"))
		if !ok {
			httpx.JSONError(w, http.StatusNotFound, "unknown application")
			return
		}
		port, err := strconv.Atoi(r.PathValue("port"))
		if err != nil || port <= 0 {
			httpx.JSONError(w, http.StatusBadRequest, "invalid port")
			return
		}
		localPort, err := d.k8sRun.Tunnel(r.Context(), runtimeiface.ContainerHandle{ID: app.ContainerName()}, port)
		if err != nil {
			httpx.JSONError(w, http.StatusBadGateway, err.Error())
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]int{"local_port": localPort})
	})

	mux.HandleFunc("/api/ca/root", func(w http.ResponseWriter, r *http.Request) {
		pemBytes, err := d.ca.RootCertPEM()
		if err != nil {
			httpx.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/x-pem-file")
		w.Write(pemBytes)
	})

	mux.HandleFunc("/api/logs/access", func(w http.ResponseWriter, r *http.Request) {
		entries, err := d.accessLog.RecentAccess()
		if err != nil {
			httpx.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		httpx.JSON(w, http.StatusOK, entries)
	})

	mux.HandleFunc("/api/logs/dns", func(w http.ResponseWriter, r *http.Request) {
		entries, err := d.dnsLog.RecentDNS()
		if err != nil {
			httpx.JSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		httpx.JSON(w, http.StatusOK, entries)
	})

	// spec.md §6: POST /api/hosts/{id}/{wake|shutdown|reboot|sleep} —
	// explicit host power commands, routed through internal/power's
	// legality-checked Transition so an in-flight transient state
	// (WakingUp/Rebooting/ShuttingDown/Suspending) rejects a conflicting
	// new command instead of silently overwriting it.
	mux.HandleFunc("/api/hosts/{id}/wake", hostPowerHandler(d, requestWake))
	mux.HandleFunc("/api/hosts/{id}/shutdown", hostPowerHandler(d, requestTransition(power.StateShuttingDown)))
	mux.HandleFunc("/api/hosts/{id}/reboot", hostPowerHandler(d, requestTransition(power.StateRebooting)))
	mux.HandleFunc("/api/hosts/{id}/sleep", hostPowerHandler(d, requestTransition(power.StateSuspending)))

	// spec.md §4.6/§6: the agent control plane. Agents (and the
	// host-level power/metrics agent once it exists, see DESIGN.md)
	// dial this to authenticate and publish their routes/heartbeats;
	// internal/ws.Handler implements the Auth/Heartbeat/PublishRoutes
	// protocol end to end.
	wsHandler := &ws.Handler{Registry: d.reg, Logger: d.logger}
	mux.HandleFunc("/api/applications/agents/ws", func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		wsHandler.ServeConn(r.Context(), c)
	})

	// spec.md §6: GET /ws is the UI's live event fan-out, distinct from
	// the agent control plane above — it streams internal/eventbus
	// events (app status, host power, migration progress, DNS
	// invalidation, cert issuance) to admin UI clients, never accepting
	// frames back from them.
	mux.HandleFunc("/ws", uiEventFanoutHandler(d.bus, d.logger))

	return mux
}

// uiEventFanoutHandler upgrades to a WebSocket and streams every
// internal/eventbus.Event published from then on as a JSON text
// frame, until the client disconnects or the request context ends.
// Unlike the agent control plane, it never reads frames from the
// client beyond the initial handshake.
func uiEventFanoutHandler(bus *eventbus.Bus, logger *log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()

		ctx := r.Context()
		sub := bus.Subscribe(ctx,
			eventbus.TopicAppStatus,
			eventbus.TopicHostPower,
			eventbus.TopicMigrationProgress,
			eventbus.TopicDNSInvalidate,
			eventbus.TopicCertIssued,
		)
		defer sub.Close()

		for {
			select {
			case <-ctx.Done():
				c.Close(websocket.StatusNormalClosure, "context done")
				return
			case ev, ok := <-sub.Events:
				if !ok {
					c.Close(websocket.StatusNormalClosure, "bus closed")
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					logger.Printf("ws fanout: marshal event: %v", err)
					continue
				}
				writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
				err = c.Write(writeCtx, websocket.MessageText, payload)
				cancel()
				if err != nil {
					return
				}
			}
		}
	}
}

// requestWake and requestTransition adapt a host power-machine call
// into the hostPowerHandler's uniform func(ctx, adminDeps, hostID)
// shape: wake looks up the host's cached MAC in d.hosts and calls
// d.power.EnsureAwake, the rest are plain legality-checked Transition
// calls.
func requestWake(ctx context.Context, d adminDeps, hostID string) error {
	h, ok := d.hosts.Get(hostID)
	if !ok || h.MAC == "" {
		return fmt.Errorf("host %q has no cached MAC address", hostID)
	}
	_, err := d.power.EnsureAwake(ctx, hostID, h.MAC, "255.255.255.255:9")
	return err
}

func requestTransition(next power.State) func(ctx context.Context, d adminDeps, hostID string) error {
	return func(ctx context.Context, d adminDeps, hostID string) error {
		return d.power.Transition(hostID, next)
	}
}

func hostPowerHandler(d adminDeps, action func(ctx context.Context, d adminDeps, hostID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httpx.JSONError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		hostID := r.PathValue("id")
		if _, ok := d.hosts.Get(hostID); !ok {
			httpx.JSONError(w, http.StatusNotFound, "unknown host")
			return
		}
		if err := action(r.Context(), d, hostID); err != nil {
			httpx.JSONError(w, http.StatusConflict, err.Error())
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]string{"state": string(d.power.Get(hostID))})
	}
}
