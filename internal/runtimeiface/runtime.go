// Package runtimeiface defines the external collaborators HomeRoute's
// orchestrator and migration engine depend on; the concrete
// Kubernetes-backed ContainerRuntime lives in internal/k8sruntime.
// Keeping these as
// interfaces rather than concrete structs wired everywhere is what lets
// the orchestrator and migration engine be tested against fakes
// instead of a live cluster.
package runtimeiface

import (
	"context"
	"time"

	"github.com/homeroute/homeroute/internal/model"
)

// ContainerSpec is what the orchestrator asks a ContainerRuntime to run.
type ContainerSpec struct {
	Name  string
	Image string
	Ports []model.Endpoint
	Env   map[string]string
}

// ContainerHandle is what a runtime hands back after starting a
// container: enough to resolve network address and watch health.
type ContainerHandle struct {
	ID   string
	IPv4 string
}

// ContainerRuntime is the collaborator that actually runs application
// containers. internal/orchestrator depends on this interface, never
// on a concrete Docker/Kubernetes/libvirt client, calling it only
// through the narrow methods below.
type ContainerRuntime interface {
	Deploy(ctx context.Context, spec ContainerSpec) (ContainerHandle, error)
	Stop(ctx context.Context, handle ContainerHandle) error
	Remove(ctx context.Context, handle ContainerHandle) error
	Inspect(ctx context.Context, handle ContainerHandle) (model.AppMetrics, string, error)
}

// Exporter freezes a running container's filesystem/state into a
// transferable blob for migration (internal/migration's export phase).
type Exporter interface {
	Export(ctx context.Context, handle ContainerHandle) (stream ExportStream, err error)
	Import(ctx context.Context, spec ContainerSpec, stream ExportStream) (ContainerHandle, error)
}

// ExportStream is a chunked byte stream with a known total size, used
// by internal/migration to report transfer progress and verify
// checksums per chunk.
type ExportStream interface {
	TotalBytes() int64
	Next(ctx context.Context) (chunk []byte, checksum uint64, err error) // io.EOF when done
	Close() error
}

// ServiceManager publishes/withdraws a DNS/route binding for a running
// container, the collaborator internal/registry and internal/dns call
// into once a container's address is known.
type ServiceManager interface {
	Publish(ctx context.Context, route model.AppRoute) error
	Withdraw(ctx context.Context, domain string) error
}

// HostProbe checks host reachability for internal/power.
type HostProbe interface {
	Probe(ctx context.Context, hostID string) (online bool, latency time.Duration, err error)
}

func int64Ptr(v int64) *int64 { return &v }
func boolPtr(v bool) *bool    { return &v }
