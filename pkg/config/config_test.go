package config

import (
	"os"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"HOMEROUTE_BASE_DOMAIN", "HOMEROUTE_ADMIN_LISTEN", "HOMEROUTE_PROXY_LISTEN",
		"HOMEROUTE_DNS_LISTEN", "HOMEROUTE_UPSTREAM_DNS", "HOMEROUTE_DATA_DIR",
		"HOMEROUTE_CA_DIR", "HOMEROUTE_MASTER_KEY", "HOMEROUTE_DIAL_TIMEOUT_MS",
		"HOMEROUTE_LOCAL_ALLOWLIST",
	}
	saved := map[string]string{}
	for _, k := range keys {
		if v, had := os.LookupEnv(k); had {
			saved[k] = v
		}
		os.Unsetenv(k)
	}
	t.Cleanup(func() {
		for _, k := range keys {
			os.Unsetenv(k)
		}
		for k, v := range saved {
			os.Setenv(k, v)
		}
	})
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	os.Setenv("HOMEROUTE_BASE_DOMAIN", "home.example.com")
	t.Cleanup(func() { os.Unsetenv("HOMEROUTE_BASE_DOMAIN") })

	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.AdminListen == "" || c.ProxyListen == "" || c.DNSListen == "" {
		t.Fatalf("expected default listen addresses, got %+v", c)
	}
	if len(c.UpstreamDNS) == 0 {
		t.Fatalf("expected default upstream resolvers")
	}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if c.Allowlist == nil || c.Allowlist.IsEmpty() {
		t.Fatalf("expected Validate to compile a non-empty Allowlist from the default LocalAllowlist")
	}
	if !c.Allowlist.AllowedAddr("127.0.0.1:9999") {
		t.Fatalf("expected the default allowlist to admit loopback")
	}
}

func TestValidateRequiresBaseDomain(t *testing.T) {
	clearEnv(t)
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error without a base domain")
	}
}

func TestValidateRejectsBadAllowlistEntry(t *testing.T) {
	clearEnv(t)
	os.Setenv("HOMEROUTE_BASE_DOMAIN", "home.example.com")
	os.Setenv("HOMEROUTE_LOCAL_ALLOWLIST", "not-a-cidr/oops")
	t.Cleanup(func() {
		os.Unsetenv("HOMEROUTE_BASE_DOMAIN")
		os.Unsetenv("HOMEROUTE_LOCAL_ALLOWLIST")
	})
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error for malformed allowlist entry")
	}
}

func TestValidateRejectsBadUpstreamDNS(t *testing.T) {
	clearEnv(t)
	os.Setenv("HOMEROUTE_BASE_DOMAIN", "home.example.com")
	os.Setenv("HOMEROUTE_UPSTREAM_DNS", "not-a-host-port")
	t.Cleanup(func() {
		os.Unsetenv("HOMEROUTE_BASE_DOMAIN")
		os.Unsetenv("HOMEROUTE_UPSTREAM_DNS")
	})
	c, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error for malformed upstream dns address")
	}
}
