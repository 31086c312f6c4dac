// Package engine implements the development-environment orchestration
// core: dependency-ordered lifecycle operations against a container
// runtime, operation tracking, and the health/metrics reconciliation
// loops.
package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/devstack-sh/devstack/engine/runtime"
	"github.com/devstack-sh/devstack/spec"
)

const (
	// DefaultHealthPollInterval is how often the create/start health
	// convergence phase re-checks all services.
	DefaultHealthPollInterval = 5 * time.Second

	// DefaultHealthTimeout bounds the health convergence wait. On expiry
	// the operation fails with a *HealthTimeoutError and the environment
	// stays in whatever partial state the runtime reports.
	DefaultHealthTimeout = 2 * time.Minute
)

// HealthTimeoutError distinguishes "runtime commands succeeded but
// services never became healthy" from outright command failure.
type HealthTimeoutError struct {
	Timeout   time.Duration
	Unhealthy []string // services still not healthy, sorted
}

func (e *HealthTimeoutError) Error() string {
	return fmt.Sprintf("services did not become healthy within %s: %s",
		e.Timeout, strings.Join(e.Unhealthy, ", "))
}

// ConfigError carries all validation failures for a config. Validation
// runs before any runtime call; invalid configs are never partially
// applied.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid environment config: %s", strings.Join(e.Problems, "; "))
}

// Options configures an Orchestrator. The zero value is usable.
type Options struct {
	Log     *EventLog      // default: a fresh event log
	Ports   *PortAllocator // default: a fresh allocator
	Backups BackupCoordinator

	HealthPollInterval time.Duration // default DefaultHealthPollInterval
	HealthTimeout      time.Duration // default DefaultHealthTimeout
	HealthInterval     time.Duration // reconciler tick, default from config/10s
	MetricsInterval    time.Duration // collector tick, default from config/15s
}

// Orchestrator coordinates the full lifecycle of one environment. It is
// the sole writer of the environment's aggregate state; the health and
// metrics loops own only their snapshot sub-sections.
//
// Lifecycle methods are asynchronous: they allocate an Operation, spawn
// its worker, and return the operation id. Use Wait to block on a
// terminal status, or watch the event log.
type Orchestrator struct {
	cfg     spec.EnvironmentConfig
	adapter runtime.Adapter
	ops     *Tracker
	log     *EventLog
	ports   *PortAllocator
	backups BackupCoordinator

	startOrder []string // computed once at construction, deps first

	healthPollInterval time.Duration
	healthTimeout      time.Duration

	health  *HealthReconciler
	metrics *MetricsCollector

	mu        sync.Mutex
	state     spec.EnvironmentState
	startedAt time.Time                  // set when the environment reaches running
	resolved  map[string][]spec.PortSpec // per-service port mappings with host ports filled in
	replicas  map[string]int             // per-service replica count (default 1)
	opErrs    map[string]error           // terminal error per operation id
	logCancel map[string]context.CancelFunc

	wg sync.WaitGroup // in-flight operation workers and log streams
}

// New validates the config, computes the service start order, and
// returns an orchestrator in state initializing. No runtime calls are
// issued; a *ConfigError (or *CycleError inside it) means nothing was
// applied.
func New(cfg spec.EnvironmentConfig, adapter runtime.Adapter, opts Options) (*Orchestrator, error) {
	if problems := ValidateConfig(&cfg); len(problems) > 0 {
		return nil, &ConfigError{Problems: problems}
	}

	order, err := StartOrder(cfg.Services)
	if err != nil {
		// Unreachable after validation, but the resolver's contract is
		// independent of it.
		return nil, err
	}

	if opts.Log == nil {
		opts.Log = NewEventLog()
	}
	if opts.Ports == nil {
		opts.Ports = NewPortAllocator()
	}
	if opts.HealthPollInterval <= 0 {
		opts.HealthPollInterval = DefaultHealthPollInterval
	}
	if opts.HealthTimeout <= 0 {
		opts.HealthTimeout = DefaultHealthTimeout
	}

	o := &Orchestrator{
		cfg:                cfg,
		adapter:            adapter,
		ops:                NewTracker(),
		log:                opts.Log,
		ports:              opts.Ports,
		backups:            opts.Backups,
		startOrder:         order,
		healthPollInterval: opts.HealthPollInterval,
		healthTimeout:      opts.HealthTimeout,
		state:              spec.EnvInitializing,
		resolved:           make(map[string][]spec.PortSpec),
		replicas:           make(map[string]int),
		opErrs:             make(map[string]error),
		logCancel:          make(map[string]context.CancelFunc),
	}

	healthTick := opts.HealthInterval
	if healthTick <= 0 {
		healthTick = cfg.Monitoring.HealthInterval.Duration
	}
	metricsTick := opts.MetricsInterval
	if metricsTick <= 0 {
		metricsTick = cfg.Monitoring.MetricsInterval.Duration
	}
	o.health = newHealthReconciler(o, healthTick)
	o.metrics = newMetricsCollector(o, metricsTick)

	o.log.Publish(Event{
		Type:    EventEnvInitializing,
		Project: cfg.Project,
		State:   spec.EnvInitializing,
	})

	return o, nil
}

// Config returns a copy of the environment config.
func (o *Orchestrator) Config() spec.EnvironmentConfig { return o.cfg }

// Events returns the orchestrator's event log.
func (o *Orchestrator) Events() *EventLog { return o.log }

// Operations returns the operation tracker.
func (o *Orchestrator) Operations() *Tracker { return o.ops }

// StartOrder returns the dependency-resolved service start order.
func (o *Orchestrator) StartOrder() []string {
	out := make([]string, len(o.startOrder))
	copy(out, o.startOrder)
	return out
}

// State returns the current aggregate environment state.
func (o *Orchestrator) State() spec.EnvironmentState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// setState transitions the aggregate state and publishes the matching
// event. The orchestrator is the only writer of this field.
func (o *Orchestrator) setState(state spec.EnvironmentState, event EventType) {
	o.mu.Lock()
	o.state = state
	if state == spec.EnvRunning && o.startedAt.IsZero() {
		o.startedAt = time.Now()
	}
	o.mu.Unlock()

	o.log.Publish(Event{
		Type:    event,
		Project: o.cfg.Project,
		State:   state,
	})
}

// Wait blocks until the operation reaches a terminal status and returns
// its terminal error (nil for completed).
func (o *Orchestrator) Wait(ctx context.Context, opID string) error {
	_, err := o.log.WaitFor(ctx, func(e Event) bool {
		return e.Operation == opID &&
			(e.Type == EventOperationCompleted || e.Type == EventOperationFailed)
	})
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opErrs[opID]
}

// Status recomputes a point-in-time snapshot of the whole environment:
// per-service runtime state merged with the latest health and metrics
// snapshots. The returned value is a copy; callers cannot observe
// in-progress reconciliation ticks through it.
func (o *Orchestrator) Status(ctx context.Context) spec.EnvironmentStatus {
	services := make(map[string]spec.ServiceStatus, len(o.cfg.Services))
	health := o.health.Snapshot()
	metrics := o.metrics.Snapshot()

	for _, name := range o.startOrder {
		st := spec.ServiceStatus{Name: name, Health: spec.NoHealthCheck}

		info, err := o.adapter.InspectState(ctx, o.containerName(name))
		if err != nil {
			st.Error = err.Error()
		} else {
			st.State = info.State
			st.RestartCount = info.RestartCount
			st.ExitCode = info.ExitCode
			if info.Error != "" {
				st.Error = info.Error
			}
		}

		if health != nil {
			if h, ok := health.Services[name]; ok {
				st.Health = h
			}
		}
		if metrics != nil {
			if m, ok := metrics.Services[name]; ok {
				mCopy := m
				st.Metrics = &mCopy
			}
		}
		services[name] = st
	}

	o.mu.Lock()
	state := o.state
	startedAt := o.startedAt
	o.mu.Unlock()

	var uptime time.Duration
	if !startedAt.IsZero() && state == spec.EnvRunning {
		uptime = time.Since(startedAt)
	}

	return spec.EnvironmentStatus{
		Project:    o.cfg.Project,
		State:      state,
		Services:   services,
		StartOrder: append([]string(nil), o.startOrder...),
		Health:     health,
		Metrics:    metrics,
		Uptime:     spec.Duration{Duration: uptime},
		UpdatedAt:  time.Now(),
	}
}

// Close stops the reconciliation loops and log streams and waits for
// in-flight operation workers to finish.
func (o *Orchestrator) Close() {
	o.health.Stop()
	o.metrics.Stop()
	o.stopLogStreams()
	o.wg.Wait()
}

// containerName returns the runtime container name for a service.
func (o *Orchestrator) containerName(service string) string {
	return fmt.Sprintf("%s-%s", o.cfg.Project, service)
}

// networkName returns the runtime name for a declared network.
func (o *Orchestrator) networkName(name string) string {
	return fmt.Sprintf("%s-%s", o.cfg.Project, name)
}

// defaultNetworkName is the network every service joins unless it
// declares explicit memberships.
func (o *Orchestrator) defaultNetworkName() string {
	return o.networkName("default")
}

// volumeName returns the runtime name for a declared volume.
func (o *Orchestrator) volumeName(name string) string {
	return fmt.Sprintf("%s-%s", o.cfg.Project, name)
}

// servicePorts returns the service's port mappings with allocator-filled
// host ports, or the declared mappings if none have been resolved yet.
func (o *Orchestrator) servicePorts(service string) []spec.PortSpec {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ports, ok := o.resolved[service]; ok {
		return ports
	}
	return o.cfg.Services[service].Ports
}

// resolvePorts fills HostPort 0 mappings from the port allocator.
// Resolution happens once; restarts reuse the same host ports so wiring
// stays stable for the environment's lifetime.
func (o *Orchestrator) resolvePorts() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, name := range o.startOrder {
		if _, done := o.resolved[name]; done {
			continue
		}
		declared := o.cfg.Services[name].Ports
		ports := make([]spec.PortSpec, len(declared))
		copy(ports, declared)

		var dynamic []int
		for i, p := range ports {
			if p.HostPort == 0 {
				dynamic = append(dynamic, i)
			}
		}
		if len(dynamic) > 0 {
			allocated, err := o.ports.Allocate(o.cfg.Project, len(dynamic))
			if err != nil {
				return fmt.Errorf("service %q: %w", name, err)
			}
			for i, idx := range dynamic {
				ports[idx].HostPort = allocated[i]
			}
		}
		o.resolved[name] = ports
	}
	return nil
}

// wiringEnv builds the environment's generated wiring variables:
// <SERVICE>_HOST and <SERVICE>_PORT for every service with at least one
// port mapping, plus PROJECT. Service env values and commands expand
// ${VAR} references against this map.
func (o *Orchestrator) wiringEnv() map[string]string {
	wiring := map[string]string{"PROJECT": o.cfg.Project}
	for _, name := range o.startOrder {
		key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		wiring[key+"_HOST"] = o.containerName(name)
		ports := o.servicePorts(name)
		if len(ports) > 0 {
			wiring[key+"_PORT"] = fmt.Sprintf("%d", ports[0].ContainerPort)
		}
	}
	return wiring
}

// expand expands ${VAR} and $VAR references in s against the env map.
func expand(s string, env map[string]string) string {
	return os.Expand(s, func(key string) string {
		return env[key]
	})
}

// expandAll expands ${VAR} references in each string against the env map.
func expandAll(templates []string, env map[string]string) []string {
	if len(templates) == 0 {
		return nil
	}
	out := make([]string, len(templates))
	for i, t := range templates {
		out[i] = expand(t, env)
	}
	return out
}

// serviceOptions assembles the runtime options for one service.
func (o *Orchestrator) serviceOptions(name string) (runtime.ServiceOptions, error) {
	svc, ok := o.cfg.Services[name]
	if !ok {
		return runtime.ServiceOptions{}, fmt.Errorf("unknown service %q", name)
	}

	wiring := o.wiringEnv()

	env := make(map[string]string, len(svc.Env))
	for k, v := range svc.Env {
		env[k] = expand(v, wiring)
	}

	networks := []string{o.defaultNetworkName()}
	if len(svc.Networks) > 0 {
		networks = networks[:0]
		for _, n := range svc.Networks {
			networks = append(networks, o.networkName(n))
		}
	}

	mounts := make([]spec.MountSpec, len(svc.Volumes))
	copy(mounts, svc.Volumes)
	for i, m := range mounts {
		if !strings.HasPrefix(m.Source, "/") {
			mounts[i].Source = o.volumeName(m.Source)
		}
	}

	opts := runtime.ServiceOptions{
		Name:     o.containerName(name),
		Image:    svc.Image,
		Command:  expandAll(svc.Command, wiring),
		Env:      env,
		Ports:    o.servicePorts(name),
		Mounts:   mounts,
		Networks: networks,
		Labels: map[string]string{
			"devstack.project": o.cfg.Project,
			"devstack.service": name,
		},
		Restart: svc.Restart,
	}

	if svc.Resources != nil {
		if svc.Resources.Memory != "" {
			bytes, err := parseMemoryLimit(svc.Resources.Memory)
			if err != nil {
				return runtime.ServiceOptions{}, fmt.Errorf("service %q: %w", name, err)
			}
			opts.MemoryLimit = bytes
		}
		opts.CPUs = svc.Resources.CPUs
	}

	return opts, nil
}
