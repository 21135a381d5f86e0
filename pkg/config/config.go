// Package config loads HomeRoute's process configuration from
// environment variables, with filesystem defaults rooted at a
// dot-directory under the user's home.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/homeroute/homeroute/internal/proxy"
)

// Config is the full set of settings a homerouted process needs to
// start: base domain, listener addresses, on-disk state locations, and
// the upstream DNS resolvers it forwards to.
type Config struct {
	// BaseDomain is the root domain HomeRoute serves (e.g. "home.example.com").
	// Applications and static routes are published as subdomains of it.
	BaseDomain string

	// AdminListen is the address the admin/API HTTP listener binds
	// (127.0.0.1-only by default; spec.md keeps the admin surface off
	// the LAN-facing listener).
	AdminListen string
	// ProxyListen is the address the central reverse-proxy HTTPS
	// listener binds, e.g. ":443".
	ProxyListen string
	// DNSListen is the UDP/TCP address the authoritative+forwarding
	// resolver binds, e.g. ":53".
	DNSListen string

	// UpstreamDNS is the ordered list of upstream resolvers consulted
	// for names outside BaseDomain.
	UpstreamDNS []string

	// DataDir holds persisted JSON state (hosts.json, routes.json,
	// the applications registry) and the sqlite-backed audit/query log.
	DataDir string
	// CADir holds the root CA key/cert and issued leaf certificates.
	CADir string

	// MasterKey seeds internal/secrets' envelope encryption for
	// anything at rest that isn't a one-way token hash (e.g. stored
	// SSH credentials for remote hosts).
	MasterKey string

	// TSNetAuthKey, when set, enables internal/overlay's optional tsnet
	// dial path to non-LAN hosts; internal/migration does not use it.
	TSNetAuthKey    string
	TSNetLoginServer string
	TSNetHostname   string

	// DialTimeoutMS bounds outbound dials made by the reverse proxy
	// and the DNS resolver's upstream queries.
	DialTimeoutMS int

	// LocalAllowlist enumerates CIDRs/host:port pairs treated as
	// trusted loopback/LAN callers for the bootstrap and internal
	// control endpoints. Parsed into Allowlist by Validate.
	LocalAllowlist []string

	// Allowlist is LocalAllowlist compiled by Validate into the same
	// internal/proxy.Allowlist the admin HTTP surface gates on
	// (cmd/homerouted wraps adminMux with it). Nil until Validate runs.
	Allowlist *proxy.Allowlist

	// AgentBinaryPath is the on-disk location of the agent binary this
	// registry serves at GET /agents/binary and announces via
	// trigger_update (spec.md §4.6). AgentBinaryURLBase is the base
	// URL agents are told to fetch it from.
	AgentBinaryPath    string
	AgentBinaryURLBase string

	// UIOrigin is the origin (e.g. "https://proxy.home.example.com")
	// the admin server's CORS middleware admits; empty disables CORS
	// headers entirely (same-origin callers still work unaffected).
	UIOrigin string
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil {
		return h
	}
	return "."
}

func baseDir() string { return filepath.Join(homeDir(), ".homeroute") }

// DataDirDefault is the default DataDir, exported so commands (e.g. a
// one-off CA inspection tool) can locate it without loading a full Config.
func DataDirDefault() string { return filepath.Join(baseDir(), "state") }

// CADirDefault is the default CADir.
func CADirDefault() string { return filepath.Join(baseDir(), "ca") }

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
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

func getenvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads Config from the environment, falling back to HomeRoute's
// defaults under ~/.homeroute for anything unset.
func Load() (*Config, error) {
	c := &Config{
		BaseDomain:       os.Getenv("HOMEROUTE_BASE_DOMAIN"),
		AdminListen:      getenv("HOMEROUTE_ADMIN_LISTEN", "127.0.0.1:8443"),
		ProxyListen:      getenv("HOMEROUTE_PROXY_LISTEN", ":443"),
		DNSListen:        getenv("HOMEROUTE_DNS_LISTEN", ":53"),
		UpstreamDNS:      getenvList("HOMEROUTE_UPSTREAM_DNS"),
		DataDir:          getenv("HOMEROUTE_DATA_DIR", DataDirDefault()),
		CADir:            getenv("HOMEROUTE_CA_DIR", CADirDefault()),
		MasterKey:        os.Getenv("HOMEROUTE_MASTER_KEY"),
		TSNetAuthKey:     os.Getenv("HOMEROUTE_TSNET_AUTHKEY"),
		TSNetLoginServer: os.Getenv("HOMEROUTE_TSNET_LOGIN_SERVER"),
		TSNetHostname:    os.Getenv("HOMEROUTE_TSNET_HOSTNAME"),
		DialTimeoutMS:    getenvInt("HOMEROUTE_DIAL_TIMEOUT_MS", 5000),
		LocalAllowlist:   getenvList("HOMEROUTE_LOCAL_ALLOWLIST"),
		AgentBinaryPath:    getenv("HOMEROUTE_AGENT_BINARY_PATH", filepath.Join(baseDir(), "agent-binary", "homeroute-agent")),
		AgentBinaryURLBase: getenv("HOMEROUTE_AGENT_BINARY_URL_BASE", ""),
		UIOrigin:           os.Getenv("HOMEROUTE_UI_ORIGIN"),
	}
	if len(c.UpstreamDNS) == 0 {
		c.UpstreamDNS = []string{"1.1.1.1:53", "9.9.9.9:53"}
	}
	if len(c.LocalAllowlist) == 0 {
		c.LocalAllowlist = []string{"127.0.0.1/32", "::1/128"}
	}
	return c, nil
}

// Validate checks a Config for the constraints homerouted's main
// requires before it starts any listener.
func (c *Config) Validate() error {
	if c.BaseDomain == "" {
		return errors.New("HOMEROUTE_BASE_DOMAIN required")
	}
	if c.AdminListen == "" {
		return errors.New("admin listen address required")
	}
	if c.ProxyListen == "" {
		return errors.New("proxy listen address required")
	}
	if c.DNSListen == "" {
		return errors.New("dns listen address required")
	}
	if c.DialTimeoutMS <= 0 || c.DialTimeoutMS > 60000 {
		return fmt.Errorf("dial timeout out of range: %d", c.DialTimeoutMS)
	}
	allow, err := proxy.NewAllowlist(c.LocalAllowlist)
	if err != nil {
		return fmt.Errorf("local allowlist: %w", err)
	}
	c.Allowlist = allow
	for _, u := range c.UpstreamDNS {
		if _, _, err := net.SplitHostPort(u); err != nil {
			return fmt.Errorf("invalid upstream dns address %q: %w", u, err)
		}
	}
	return nil
}
