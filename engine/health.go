package engine

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/devstack-sh/devstack/engine/probe"
	"github.com/devstack-sh/devstack/spec"
)

// DefaultHealthInterval is the reconciler tick when the config does not
// set monitoring.health_interval.
const DefaultHealthInterval = 10 * time.Second

// HealthReconciler periodically classifies every service's health and
// replaces the environment's aggregate health snapshot wholesale. A
// single failed check never kills the loop; the failure is recorded on
// the snapshot itself as an unhealthy service with a critical issue.
//
// The reconciler owns its ticker goroutine. Start and Stop are
// idempotent and safe to call from the orchestrator's state
// transitions.
type HealthReconciler struct {
	orch     *Orchestrator
	interval time.Duration

	mu       sync.Mutex
	snapshot *spec.EnvironmentHealth
	cancel   context.CancelFunc
	done     chan struct{}
}

func newHealthReconciler(orch *Orchestrator, interval time.Duration) *HealthReconciler {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	return &HealthReconciler{orch: orch, interval: interval}
}

// Start launches the reconciliation loop. The first tick runs
// immediately so status queries right after startup see real data.
func (r *HealthReconciler) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.loop(ctx, r.done)
}

// Stop cancels the loop and waits for it to exit.
func (r *HealthReconciler) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Snapshot returns the latest health snapshot, or nil before the first
// tick. The returned value is a deep copy.
func (r *HealthReconciler) Snapshot() *spec.EnvironmentHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyHealth(r.snapshot)
}

func (r *HealthReconciler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.tick(ctx)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

// tick classifies every service, builds a fresh snapshot, and swaps it
// in atomically. Readers see either the previous complete snapshot or
// this one, never a partial mix.
func (r *HealthReconciler) tick(ctx context.Context) {
	o := r.orch

	snapshot := &spec.EnvironmentHealth{
		Services:  make(map[string]spec.HealthState, len(o.startOrder)),
		CheckedAt: time.Now(),
	}

	for _, name := range o.startOrder {
		state, err := o.classifyService(ctx, name)
		snapshot.Services[name] = state

		switch state {
		case spec.Unhealthy:
			msg := "service is unhealthy"
			if err != nil {
				msg = err.Error()
			}
			snapshot.Issues = append(snapshot.Issues, spec.HealthIssue{
				Service:  name,
				Severity: spec.SeverityCritical,
				Message:  msg,
			})
		case spec.Starting:
			snapshot.Issues = append(snapshot.Issues, spec.HealthIssue{
				Service:  name,
				Severity: spec.SeverityWarning,
				Message:  "service is still starting",
			})
		}
	}

	snapshot.Overall = aggregateHealth(snapshot.Services)

	r.mu.Lock()
	r.snapshot = snapshot
	r.mu.Unlock()

	o.log.Publish(Event{
		Type:    EventHealthUpdated,
		Project: o.cfg.Project,
		Health:  copyHealth(snapshot),
	})
}

// aggregateHealth folds per-service states into the overall state:
// unhealthy if any service is unhealthy, else starting if any is still
// starting, else healthy. Services without a check never degrade the
// aggregate.
func aggregateHealth(services map[string]spec.HealthState) spec.HealthState {
	overall := spec.Healthy
	for _, state := range services {
		switch state {
		case spec.Unhealthy:
			return spec.Unhealthy
		case spec.Starting:
			overall = spec.Starting
		}
	}
	return overall
}

// classifyService determines one service's health. The runtime state is
// consulted first: a container that is not running cannot be healthy no
// matter what its probe says, and a container still warming up counts
// as starting. Probe-based checks run against the service's mapped host
// port; container-native checks defer to the runtime's own verdict.
//
// A failed runtime query classifies as unhealthy with the query error —
// "cannot determine" and "broken" are indistinguishable to callers and
// both demand attention.
func (o *Orchestrator) classifyService(ctx context.Context, name string) (spec.HealthState, error) {
	svc := o.cfg.Services[name]
	container := o.containerName(name)

	info, err := o.adapter.InspectState(ctx, container)
	if err != nil {
		return spec.Unhealthy, fmt.Errorf("inspect %s: %w", name, err)
	}

	switch info.State {
	case spec.StateRunning:
	case spec.StateCreated, spec.StateStarting, spec.StateRestarting:
		return spec.Starting, nil
	default:
		return spec.Unhealthy, fmt.Errorf("%s: container state %q", name, info.State)
	}

	hc := svc.HealthCheck
	if hc == nil {
		return spec.NoHealthCheck, nil
	}

	if hc.Type == "container" {
		state, err := o.adapter.InspectHealth(ctx, container)
		if err != nil {
			return spec.Unhealthy, fmt.Errorf("inspect health %s: %w", name, err)
		}
		return state, nil
	}

	checker := probe.ForSpec(hc)
	if checker == nil {
		return spec.NoHealthCheck, nil
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(o.probePort(name, hc.Port)))
	if err := probe.Run(ctx, checker, addr, hc); err != nil {
		return spec.Unhealthy, err
	}
	return spec.Healthy, nil
}

// probePort maps a health check's container port to the host port it is
// published on. An unmapped port falls through unchanged; the probe
// will then fail with a connection error that names the port.
func (o *Orchestrator) probePort(service string, containerPort int) int {
	for _, p := range o.servicePorts(service) {
		if p.ContainerPort == containerPort {
			return p.HostPort
		}
	}
	return containerPort
}

func copyHealth(h *spec.EnvironmentHealth) *spec.EnvironmentHealth {
	if h == nil {
		return nil
	}
	out := *h
	out.Services = make(map[string]spec.HealthState, len(h.Services))
	for k, v := range h.Services {
		out.Services[k] = v
	}
	out.Issues = append([]spec.HealthIssue(nil), h.Issues...)
	return &out
}
