package main

import (
	"os"
	"testing"

	"github.com/homeroute/homeroute/internal/edgeproxy"
)

func TestLoadAgentConfigRequiresCoreFields(t *testing.T) {
	os.Unsetenv("HOMEROUTE_TOKEN")
	os.Unsetenv("HOMEROUTE_SERVICE_NAME")
	os.Unsetenv("HOMEROUTE_BASE_DOMAIN")

	if _, err := loadAgentConfig(); err == nil {
		t.Fatalf("expected error when required env vars are unset")
	}

	os.Setenv("HOMEROUTE_TOKEN", "tok")
	os.Setenv("HOMEROUTE_SERVICE_NAME", "myapp")
	os.Setenv("HOMEROUTE_BASE_DOMAIN", "home.example.com")
	defer func() {
		os.Unsetenv("HOMEROUTE_TOKEN")
		os.Unsetenv("HOMEROUTE_SERVICE_NAME")
		os.Unsetenv("HOMEROUTE_BASE_DOMAIN")
	}()

	cfg, err := loadAgentConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.FrontendPort != 8080 {
		t.Fatalf("expected default frontend port 8080, got %d", cfg.FrontendPort)
	}
	if !cfg.AuthRequired {
		t.Fatalf("expected auth_required to default true")
	}
}

func TestInstallRoutesPublishesFrontendAndCodeServer(t *testing.T) {
	cfg := agentConfig{
		ServiceName:   "myapp",
		BaseDomain:    "home.example.com",
		FrontendPort:  9000,
		AuthRequired:  true,
		DevCodeServer: true,
	}
	a := &agentProcess{cfg: cfg}
	a.routes = edgeproxy.NewStaticRoutes()
	a.installRoutes()

	if _, ok := a.routes.Resolve("myapp.home.example.com"); !ok {
		t.Fatalf("expected frontend route to be installed")
	}
	if _, ok := a.routes.Resolve("code.myapp.home.example.com"); !ok {
		t.Fatalf("expected code-server route to be installed in dev mode")
	}
}

func TestSampleMetricsReportsNonZeroMemory(t *testing.T) {
	m := sampleMetrics()
	if m.MemoryBytes <= 0 {
		t.Fatalf("expected positive memory sample, got %d", m.MemoryBytes)
	}
}
