// Package orchestrator drives an application's container lifecycle:
// Deploy runs as a job with the steps create, wait-healthy and
// register-route, and Teardown stops and removes the container
// synchronously. It is built directly on
// top of internal/jobs.Runner, the teacher's generic job/worker/log
// subscription backbone (internal/jobs/runner.go), rather than
// hand-rolling a new queue: the deploy pipeline is just another "kind"
// of job the same runner already knows how to queue, run, cancel, and
// stream logs for.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/homeroute/homeroute/internal/eventbus"
	"github.com/homeroute/homeroute/internal/jobs"
	"github.com/homeroute/homeroute/internal/localdb"
	"github.com/homeroute/homeroute/internal/model"
	"github.com/homeroute/homeroute/internal/registry"
	"github.com/homeroute/homeroute/internal/runtimeiface"
)

const KindDeploy = "deploy-app"

// DeploySpec is the job spec passed to Submit for a deploy job.
type DeploySpec struct {
	App   model.Application
	Image string
	Env   map[string]string
}

// Orchestrator wires a jobs.Runner to a ContainerRuntime and the
// application registry so that a successful deploy ends with the app
// both running and resolvable.
type Orchestrator struct {
	Runner   *jobs.Runner
	Runtime  runtimeiface.ContainerRuntime
	Registry *registry.Registry
	Bus      *eventbus.Bus

	// DB, if set, persists a PublishedService record alongside every
	// successful deploy's published route and removes it on teardown,
	// backing the admin API's published-services listing. Optional:
	// a nil DB just skips the bookkeeping.
	DB *localdb.DB

	// HealthTimeout bounds how long wait-healthy polls before failing
	// the job, grounded in internal/power's wake-retry cadence.
	HealthTimeout time.Duration
	PollInterval  time.Duration
}

func New(runner *jobs.Runner, runtime runtimeiface.ContainerRuntime, reg *registry.Registry, bus *eventbus.Bus) *Orchestrator {
	return &Orchestrator{
		Runner:        runner,
		Runtime:       runtime,
		Registry:      reg,
		Bus:           bus,
		HealthTimeout: 2 * time.Minute,
		PollInterval:  2 * time.Second,
	}
}

// Deploy submits a deploy job and returns its job ID immediately; the
// caller tracks progress via Runner.Get/SubscribeLogs.
func (o *Orchestrator) Deploy(spec DeploySpec) (string, error) {
	return o.Runner.Submit(KindDeploy, spec, o.runDeploy)
}

func (o *Orchestrator) runDeploy(ctx context.Context, rec *jobs.Record, logf func(step, msg string, kv map[string]any)) {
	var spec DeploySpec
	if err := decodeSpec(rec.SpecJSON, &spec); err != nil {
		o.Runner.Fail(rec, err)
		return
	}

	logf("create", "creating container", map[string]any{"image": spec.Image})
	handle, err := o.Runtime.Deploy(ctx, runtimeiface.ContainerSpec{
		Name:  spec.App.ContainerName(),
		Image: spec.Image,
		Ports: spec.App.APIEndpoints,
		Env:   spec.Env,
	})
	if err != nil {
		o.Runner.Fail(rec, fmt.Errorf("create container: %w", err))
		return
	}
	o.Runner.WithStep(rec, 0.4, "create", "container created", map[string]any{"ipv4": handle.IPv4})

	logf("wait-healthy", "waiting for container to report ready", nil)
	deadline := time.Now().Add(o.HealthTimeout)
	for {
		if o.Runner.IsCanceled(rec.ID) {
			o.Runner.Fail(rec, fmt.Errorf("deploy canceled"))
			return
		}
		metrics, status, err := o.Runtime.Inspect(ctx, handle)
		if err == nil && status == string(model.StatusConnected) {
			o.Runner.WithStep(rec, 0.7, "wait-healthy", "container ready", map[string]any{"metrics": metrics})
			break
		}
		if time.Now().After(deadline) {
			o.Runner.Fail(rec, fmt.Errorf("timed out waiting for container to become healthy"))
			return
		}
		select {
		case <-ctx.Done():
			o.Runner.Fail(rec, ctx.Err())
			return
		case <-time.After(o.PollInterval):
		}
	}

	logf("register-route", "publishing route", map[string]any{"domain": spec.App.Frontend.Name})
	if o.Registry != nil {
		route := model.AppRoute{
			Domain:     spec.App.Frontend.Name,
			AppID:      spec.App.ID,
			HostID:     spec.App.HostID,
			TargetIPv4: handle.IPv4,
			TargetPort: firstPort(spec.App.APIEndpoints),
		}
		o.Registry.PublishRoutes(spec.App.ID, []model.AppRoute{route})
	}
	if o.DB != nil {
		if err := o.DB.SavePublished(spec.App.ID, localdb.PublishedService{
			AppID:       spec.App.ID,
			Domain:      spec.App.Frontend.Name,
			TargetAddr:  fmt.Sprintf("%s:%d", handle.IPv4, firstPort(spec.App.APIEndpoints)),
			PublishedAt: time.Now(),
		}); err != nil {
			logf("register-route", "failed to persist published-service record", map[string]any{"error": err.Error()})
		}
	}
	if o.Bus != nil {
		o.Bus.Publish(eventbus.Event{Topic: eventbus.TopicAppStatus, Payload: spec.App.ID})
	}
	o.Runner.WithStep(rec, 1.0, "register-route", "deploy complete", nil)
}

// Teardown stops and removes the application's container and
// withdraws its route. It runs synchronously since it has no
// meaningful intermediate progress to stream.
func (o *Orchestrator) Teardown(ctx context.Context, app model.Application) error {
	handle := runtimeiface.ContainerHandle{ID: app.ContainerName()}
	if err := o.Runtime.Stop(ctx, handle); err != nil {
		return err
	}
	if err := o.Runtime.Remove(ctx, handle); err != nil {
		return err
	}
	if o.Registry != nil {
		o.Registry.Detach(app.ID)
	}
	if o.DB != nil {
		_ = o.DB.DeletePublished(app.ID)
	}
	return nil
}

func firstPort(endpoints []model.Endpoint) int {
	if len(endpoints) == 0 {
		return 0
	}
	return endpoints[0].Port
}

func decodeSpec(specJSON string, out *DeploySpec) error {
	return jsonUnmarshal([]byte(specJSON), out)
}
