package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// RunInitWizard interactively prompts for HomeRoute's required
// settings and writes them as a shell-sourceable env file under
// ~/.homeroute/env, the same interactive-bootstrap shape the teacher
// pack's tsnet join wizard used for its own login-server/authkey/
// hostname prompts, retargeted at HomeRoute's own Config fields.
func RunInitWizard(in *os.File, out *os.File) error {
	fmt.Fprintln(out, "HomeRoute setup wizard")
	fmt.Fprintln(out, "Config will be stored under:", baseDir())

	read := func(prompt, def string) string {
		fmt.Fprintf(out, "%s [%s]: ", prompt, def)
		s := bufio.NewScanner(in)
		if !s.Scan() {
			return def
		}
		v := strings.TrimSpace(s.Text())
		if v == "" {
			return def
		}
		return v
	}

	baseDomain := read("Base domain (e.g. home.example.com)", "")
	adminListen := read("Admin API listen address", "127.0.0.1:8443")
	proxyListen := read("Central proxy listen address", ":443")
	dnsListen := read("DNS listen address", ":53")
	upstream := read("Upstream DNS servers (comma-separated)", "1.1.1.1:53,9.9.9.9:53")
	allow := read("Local allowlist entries (comma-separated CIDRs or host:port)", "127.0.0.1/32,::1/128")

	c := &Config{
		BaseDomain:     baseDomain,
		AdminListen:    adminListen,
		ProxyListen:    proxyListen,
		DNSListen:      dnsListen,
		UpstreamDNS:    splitCSV(upstream),
		LocalAllowlist: splitCSV(allow),
		DataDir:        DataDirDefault(),
		CADir:          CADirDefault(),
		DialTimeoutMS:  5000,
	}
	if err := c.Validate(); err != nil {
		return fmt.Errorf("wizard produced an invalid config: %w", err)
	}
	if err := os.MkdirAll(baseDir(), 0o700); err != nil {
		return err
	}
	path := filepath.Join(baseDir(), "env")
	if err := writeEnvFile(path, c); err != nil {
		return err
	}
	fmt.Fprintln(out, "Wrote", path)
	fmt.Fprintln(out, "Source it before starting homerouted: set -a; . "+path+"; set +a")
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func writeEnvFile(path string, c *Config) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	fmt.Fprintf(f, "HOMEROUTE_BASE_DOMAIN=%s\n", c.BaseDomain)
	fmt.Fprintf(f, "HOMEROUTE_ADMIN_LISTEN=%s\n", c.AdminListen)
	fmt.Fprintf(f, "HOMEROUTE_PROXY_LISTEN=%s\n", c.ProxyListen)
	fmt.Fprintf(f, "HOMEROUTE_DNS_LISTEN=%s\n", c.DNSListen)
	fmt.Fprintf(f, "HOMEROUTE_UPSTREAM_DNS=%s\n", strings.Join(c.UpstreamDNS, ","))
	fmt.Fprintf(f, "HOMEROUTE_LOCAL_ALLOWLIST=%s\n", strings.Join(c.LocalAllowlist, ","))
	return nil
}
