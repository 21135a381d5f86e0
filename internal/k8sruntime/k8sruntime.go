// Package k8sruntime adapts internal/k8s.Client — HomeRoute's
// Deployment + Service reconciler — to runtimeiface.ContainerRuntime,
// so an application host can be backed by a Kubernetes namespace
// instead of a local container engine. One application gets one
// namespace ("hr-<name>") so Remove can tear everything down with a
// single namespace delete.
//
// Migration (internal/migration) does not target this runtime:
// Kubernetes already reschedules pods across nodes on its own, so
// exporting/importing a pod's filesystem by hand would fight the
// scheduler rather than complement it. k8sruntime therefore
// implements only ContainerRuntime, not runtimeiface.Exporter.
package k8sruntime

import (
	"context"
	"fmt"
	"strings"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/homeroute/homeroute/internal/k8s"
	"github.com/homeroute/homeroute/internal/model"
	"github.com/homeroute/homeroute/internal/runtimeiface"
)

// Runtime implements runtimeiface.ContainerRuntime over a Kubernetes
// cluster reached through an internal/k8s.Client.
type Runtime struct {
	Client *k8s.Client

	// PortForwards backs Tunnel; nil disables it (e.g. in tests that
	// never need a live apiserver connection).
	PortForwards *k8s.PortForwardManager
}

func New(c *k8s.Client) *Runtime { return &Runtime{Client: c} }

func namespaceFor(appName string) string {
	return "hr-" + sanitize(appName)
}

func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "app"
	}
	return out
}

func (r *Runtime) ensureNamespace(ctx context.Context, ns string) error {
	_, err := r.Client.K.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	_, err = r.Client.K.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: ns, Labels: map[string]string{"homeroute.io/managed": "true"}},
	}, metav1.CreateOptions{})
	return err
}

// Deploy ensures a namespace, Deployment, and Service exist for spec.
func (r *Runtime) Deploy(ctx context.Context, spec runtimeiface.ContainerSpec) (runtimeiface.ContainerHandle, error) {
	ns := namespaceFor(spec.Name)
	if err := r.ensureNamespace(ctx, ns); err != nil {
		return runtimeiface.ContainerHandle{}, fmt.Errorf("k8sruntime: ensure namespace %s: %w", ns, err)
	}

	ports := make([]model.Port, 0, len(spec.Ports))
	for _, ep := range spec.Ports {
		ports = append(ports, model.Port{Port: ep.Port, Name: ep.Name})
	}
	jobSpec := model.JobSpec{
		Name:   spec.Name,
		Image:  spec.Image,
		Env:    spec.Env,
		Expose: ports,
	}
	name, id, err := r.Client.EnsureDeploymentAndService(ctx, jobSpec, k8s.EnsureOpts{Namespace: ns})
	if err != nil {
		return runtimeiface.ContainerHandle{}, fmt.Errorf("k8sruntime: ensure deployment: %w", err)
	}

	ipv4, _, _, err := r.Client.ResolveServiceAddress(ctx, ns, name)
	if err != nil {
		ipv4 = ""
	}
	return runtimeiface.ContainerHandle{ID: id, IPv4: ipv4}, nil
}

// Stop scales the Deployment to zero replicas without deleting it, so a
// later Deploy call resumes the same workload (spec.md §4.9's "the
// managed application service", mapped to a Deployment's replica
// count rather than a single process here).
func (r *Runtime) Stop(ctx context.Context, handle runtimeiface.ContainerHandle) error {
	ns := namespaceFor(handle.ID)
	dep, err := r.Client.K.AppsV1().Deployments(ns).Get(ctx, handle.ID, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("k8sruntime: get deployment %s/%s: %w", ns, handle.ID, err)
	}
	zero := int32(0)
	dep.Spec.Replicas = &zero
	_, err = r.Client.K.AppsV1().Deployments(ns).Update(ctx, dep, metav1.UpdateOptions{})
	return err
}

// Remove deletes the application's entire namespace.
func (r *Runtime) Remove(ctx context.Context, handle runtimeiface.ContainerHandle) error {
	ns := namespaceFor(handle.ID)
	if err := r.Client.DeleteManaged(ctx, ns); err != nil {
		return fmt.Errorf("k8sruntime: delete managed objects in %s: %w", ns, err)
	}
	return r.Client.K.CoreV1().Namespaces().Delete(ctx, ns, metav1.DeleteOptions{})
}

// Tunnel opens (or reuses) an on-demand port-forward to handle's pod
// and returns the local port it is forwarded to, for debug access to
// a container port that isn't published through a model.AppRoute
// (e.g. a model.ServiceDB backend the operator wants to inspect
// directly, spec.md §3's ServiceType).
func (r *Runtime) Tunnel(ctx context.Context, handle runtimeiface.ContainerHandle, containerPort int) (int, error) {
	if r.PortForwards == nil {
		return 0, fmt.Errorf("k8sruntime: no port-forward manager configured")
	}
	ns := namespaceFor(handle.ID)
	pod, err := r.Client.FindPodName(ctx, ns, handle.ID)
	if err != nil {
		return 0, fmt.Errorf("k8sruntime: find pod for %s/%s: %w", ns, handle.ID, err)
	}
	return r.PortForwards.Ensure(ctx, ns, pod, containerPort)
}

// Inspect reports the Deployment's readiness as a model.AppMetrics
// snapshot plus a coarse status string.
func (r *Runtime) Inspect(ctx context.Context, handle runtimeiface.ContainerHandle) (model.AppMetrics, string, error) {
	ns := namespaceFor(handle.ID)
	srv, err := r.Client.GetServer(ctx, ns, handle.ID)
	if err != nil {
		return model.AppMetrics{}, "", fmt.Errorf("k8sruntime: inspect %s/%s: %w", ns, handle.ID, err)
	}
	return model.AppMetrics{SampledAt: model.NowISO()}, srv.Status, nil
}
