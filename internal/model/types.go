package model

import "time"

type Port struct {
	Port int    `json:"port"`
	Name string `json:"name,omitempty"`
}

type Resources struct {
	CPU    string `json:"cpu,omitempty"`
	Memory string `json:"memory,omitempty"`
}

type Server struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Image     string            `json:"image"`
	Status    string            `json:"status"`
	Node      string            `json:"node,omitempty"`
	CreatedAt string            `json:"created_at,omitempty"`
	UpdatedAt string            `json:"updated_at,omitempty"`
	Ports     []Port            `json:"ports,omitempty"`
	Resources *Resources        `json:"resources,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Events    []Event           `json:"events,omitempty"`
	URL       string            `json:"url,omitempty"`
}

type Event struct {
	T       string `json:"t,omitempty"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}

type LogLine struct {
	T   string `json:"t,omitempty"`
	LVL string `json:"lvl,omitempty"`
	MSG string `json:"msg,omitempty"`
}

func NowISO() string { return time.Now().UTC().Format(time.RFC3339) }

// JobSpec mirrors UI expectations for launches.
type JobSpec struct {
	Name      string            `json:"name,omitempty"`
	Image     string            `json:"image"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Resources *Resources        `json:"resources,omitempty"`
	Labels    map[string]string `json:"labels,omitempty"`
	Expose    []Port            `json:"expose,omitempty"`
}

type JobAccepted struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// DeployImage describes an image option the backend exposes for the UI to list.
type DeployImage struct {
	Label       string `json:"label"`
	Image       string `json:"image"`
	Description string `json:"description,omitempty"`
}

// AgentRecord represents a gateway/agent presence in the overlay network.
type AgentRecord struct {
	ID           string         `json:"id"`
	Org          string         `json:"org,omitempty"`
	Hostname     string         `json:"hostname,omitempty"`
	IP           string         `json:"ip"` // tailnet 100.x or reachable IP
	Ports        map[string]int `json:"ports,omitempty"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Version      string         `json:"version,omitempty"`
	LastSeen     string         `json:"last_seen"`
}

type ResolveResponse struct {
	IP        string         `json:"ip"`
	Ports     map[string]int `json:"ports,omitempty"`
	ExpiresAt string         `json:"expires_at,omitempty"`
}

// --- HomeRoute domain types ---
//
// The types above (Server, AgentRecord, JobSpec, ...) came from the
// teacher and remain in use by the adapted cluster/store/jobs packages.
// Everything below is HomeRoute's own data model (spec.md §3).

// AppStatus is the runtime lifecycle status of an Application.
type AppStatus string

const (
	StatusDeploying    AppStatus = "deploying"
	StatusPending      AppStatus = "pending"
	StatusConnected    AppStatus = "connected"
	StatusDisconnected AppStatus = "disconnected"
	StatusError        AppStatus = "error"
)

// ServiceType distinguishes the kind of backend an AppRoute targets.
type ServiceType string

const (
	ServiceApp        ServiceType = "app"
	ServiceCodeServer ServiceType = "code_server"
	ServiceDB         ServiceType = "db"
)

// Endpoint describes one published backend surface of an Application.
type Endpoint struct {
	Name          string   `json:"name,omitempty"`
	Port          int      `json:"port"`
	AuthRequired  bool     `json:"auth_required"`
	AllowedGroups []string `json:"allowed_groups,omitempty"`
}

// AppMetrics is a point-in-time resource snapshot reported by an agent.
type AppMetrics struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes int64   `json:"memory_bytes"`
	MemoryLimit int64   `json:"memory_limit,omitempty"`
	DiskBytes   int64   `json:"disk_bytes,omitempty"`
	NetRxBytes  int64   `json:"net_rx_bytes,omitempty"`
	NetTxBytes  int64   `json:"net_tx_bytes,omitempty"`
	SampledAt   string  `json:"sampled_at,omitempty"`
}

// Application is the registry's unit of ownership: one user workload,
// one container, one agent connection.
type Application struct {
	ID                string     `json:"id"`
	Slug              string     `json:"slug"`
	Name              string     `json:"name"`
	HostID            string     `json:"host_id"`
	TokenHash         string     `json:"token_hash"`
	Frontend          Endpoint   `json:"frontend"`
	APIEndpoints      []Endpoint `json:"api_endpoints,omitempty"`
	Enabled           bool       `json:"enabled"`
	CodeServerEnabled bool       `json:"code_server_enabled"`
	WakePageEnabled   bool       `json:"wake_page_enabled"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`

	// Persisted but agent-reported, refreshed on every heartbeat.
	IPv4Address   string    `json:"ipv4_address,omitempty"`
	AgentVersion  string    `json:"agent_version,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`

	// Runtime-only: rebuilt from the live connection map on every read,
	// never persisted to disk.
	Status  AppStatus  `json:"status,omitempty"`
	Metrics AppMetrics `json:"metrics,omitempty"`
}

// ContainerName returns the deterministic, collision-checked container
// name for this application (spec.md §3: no two applications share a
// container name).
func (a *Application) ContainerName() string { return "hr-" + a.Slug }

const LocalHostID = "local"

// Host is one physical or virtual machine that may run application
// containers, including the sentinel "local" host (the process host).
type Host struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	SSHHost   string   `json:"host"`
	SSHPort   int      `json:"port"`
	Username  string   `json:"username,omitempty"`
	MAC       string   `json:"mac,omitempty"`
	// SSHCredentialEnc is an internal/secrets.Manager-sealed SSH
	// password or private-key passphrase, never the cleartext.
	SSHCredentialEnc string `json:"ssh_credential_enc,omitempty"`
	Interface string   `json:"interface,omitempty"`
	Groups    []string `json:"groups,omitempty"`
	Schedules []string `json:"schedules,omitempty"`

	// Runtime-only.
	Power     string     `json:"power,omitempty"`
	LatencyMS int64      `json:"latency_ms,omitempty"`
	LastSeen  time.Time  `json:"last_seen,omitempty"`
	Metrics   AppMetrics `json:"metrics,omitempty"`
}

// Route is a statically configured central-proxy binding.
type Route struct {
	Domain        string   `json:"domain"`
	BackendHost   string   `json:"backend_host"`
	BackendPort   int      `json:"backend_port"`
	LocalOnly     bool     `json:"local_only"`
	AuthRequired  bool     `json:"auth_required"`
	AllowedGroups []string `json:"allowed_groups,omitempty"`
	Enabled       bool     `json:"enabled"`
	CertificateID string   `json:"certificate_id,omitempty"`
}

// AppRoute is a dynamic domain binding published by an agent at connect
// time. It is never persisted; it is rebuilt whenever an agent
// reconnects and calls PublishRoutes.
type AppRoute struct {
	Domain          string      `json:"domain"`
	AppID           string      `json:"app_id"`
	HostID          string      `json:"host_id"`
	TargetIPv4      string      `json:"target_ipv4"`
	TargetPort      int         `json:"target_port"`
	AuthRequired    bool        `json:"auth_required"`
	AllowedGroups   []string    `json:"allowed_groups,omitempty"`
	ServiceType     ServiceType `json:"service_type"`
	WakePageEnabled bool        `json:"wake_page_enabled"`
	LocalOnly       bool        `json:"local_only"`
}

// MigrationPhase enumerates the stages of an inter-host container
// migration (spec.md §4.10).
type MigrationPhase string

const (
	PhaseStopping              MigrationPhase = "stopping"
	PhaseExporting             MigrationPhase = "exporting"
	PhaseTransferring          MigrationPhase = "transferring"
	PhaseTransferringWorkspace MigrationPhase = "transferring_workspace"
	PhaseImporting             MigrationPhase = "importing"
	PhaseStarting              MigrationPhase = "starting"
	PhaseVerifying             MigrationPhase = "verifying"
	PhaseComplete              MigrationPhase = "complete"
	PhaseFailed                MigrationPhase = "failed"
)

// MigrationState tracks one in-flight (or completed) container
// migration between two hosts.
type MigrationState struct {
	TransferID       string         `json:"transfer_id"`
	AppID            string         `json:"app_id"`
	SourceHostID     string         `json:"source_host_id"`
	TargetHostID     string         `json:"target_host_id"`
	Phase            MigrationPhase `json:"phase"`
	Progress         float64        `json:"progress"`
	BytesTotal       int64          `json:"bytes_total"`
	BytesTransferred int64          `json:"bytes_transferred"`
	Cancelled        bool           `json:"cancelled"`
	Error            string         `json:"error,omitempty"`
	StartedAt        time.Time      `json:"started_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	CompletedAt      time.Time      `json:"completed_at,omitempty"`
}

// Certificate is one leaf issued by the private CA (spec.md §4.3).
type Certificate struct {
	ID        string    `json:"id"`
	SANs      []string  `json:"sans"`
	CertPath  string    `json:"cert_path"`
	KeyPath   string    `json:"key_path"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NeedsRenewal reports whether the certificate expires within 30 days
// of now (spec.md §3 invariant).
func (c *Certificate) NeedsRenewal(now time.Time) bool {
	return c.ExpiresAt.Sub(now) < 30*24*time.Hour
}

func NowUTC() time.Time { return time.Now().UTC() }
