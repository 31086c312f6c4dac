package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/docker/docker/pkg/stdcopy"
	"github.com/matgreaves/run"

	"github.com/devstack-sh/devstack/engine/runtime"
	"github.com/devstack-sh/devstack/spec"
)

// Lifecycle operations. Each method allocates an Operation, spawns its
// worker, and returns the operation id immediately. The worker is
// detached from the caller's cancellation: an abandoned HTTP request
// must not leave the environment half-created. A caller that wants to
// abandon an in-flight create issues Destroy, which runs independently.

// Create provisions the environment from scratch: pull images, create
// networks and volumes, start services in dependency order, then wait
// for health convergence. Fail-fast: the first error aborts the
// operation and leaves the environment in state error, with completed
// stages intact for inspection. There is no automatic rollback.
func (o *Orchestrator) Create(ctx context.Context) string {
	op := o.ops.Begin(OpCreate, nil)

	o.launch(ctx, op, func(ctx context.Context) error {
		o.setState(spec.EnvStarting, EventEnvCreating)
		return o.runStages(ctx, []run.Runner{
			o.stagePullImages(op.ID, 20),
			o.stageCreateNetworks(op.ID, 40),
			o.stageCreateVolumes(op.ID, 60),
			o.stageStartServices(op.ID, 80),
			o.stageAwaitHealth(op.ID),
		})
	}, func() {
		o.setState(spec.EnvRunning, EventEnvCreated)
		o.startMonitors()
	}, func(error) {
		o.setState(spec.EnvError, EventEnvError)
	})

	return op.ID
}

// Start starts an already-created environment's services in dependency
// order and waits for health convergence. Unlike Create it issues no
// pull/network/volume commands; a missing container is an error.
func (o *Orchestrator) Start(ctx context.Context) string {
	op := o.ops.Begin(OpStart, nil)

	o.launch(ctx, op, func(ctx context.Context) error {
		o.setState(spec.EnvStarting, EventEnvStarting)
		return o.runStages(ctx, []run.Runner{
			o.stageStartServices(op.ID, 80),
			o.stageAwaitHealth(op.ID),
		})
	}, func() {
		o.setState(spec.EnvRunning, EventEnvCreated)
		o.startMonitors()
	}, func(error) {
		o.setState(spec.EnvError, EventEnvError)
	})

	return op.ID
}

// Stop stops all services in reverse dependency order. Fail-soft:
// individual stop failures are logged on the operation and teardown
// continues; the operation still completes. Containers, networks and
// volumes are left in place for a later Start or Destroy.
func (o *Orchestrator) Stop(ctx context.Context) string {
	op := o.ops.Begin(OpStop, nil)

	o.launch(ctx, op, func(ctx context.Context) error {
		o.setState(spec.EnvStopping, EventEnvStopping)
		o.stopMonitors()
		o.stopLogStreams()
		o.stopServices(ctx, op.ID, 90)
		return nil
	}, func() {
		o.setState(spec.EnvStopped, EventEnvStopped)
	}, nil)

	return op.ID
}

// Destroy tears the environment down: stop and remove every container
// (replicas included), remove networks, and remove volumes unless the
// backup policy pins them. Fail-soft throughout — every resource is
// attempted and failures are reported on the operation log rather than
// aborting the teardown early.
func (o *Orchestrator) Destroy(ctx context.Context) string {
	op := o.ops.Begin(OpDestroy, nil)

	o.launch(ctx, op, func(ctx context.Context) error {
		o.setState(spec.EnvStopping, EventEnvDestroying)
		o.stopMonitors()
		o.stopLogStreams()

		o.stopServices(ctx, op.ID, 30)
		o.removeServices(ctx, op.ID, 60)
		o.removeNetworks(ctx, op.ID, 80)
		if !o.cfg.Backup.PersistVolumes {
			o.removeVolumes(ctx, op.ID, 95)
		} else {
			o.advance(op.ID, 95, "volumes preserved by backup policy")
		}

		o.ports.Release(o.cfg.Project)
		return nil
	}, func() {
		o.setState(spec.EnvStopped, EventEnvDestroyed)
	}, nil)

	return op.ID
}

// Restart is stop followed by a full create pipeline in one operation.
// The stop half is fail-soft, the create half fail-fast. Existing
// containers are reused: the start stage treats "already exists" as
// "start the existing container".
func (o *Orchestrator) Restart(ctx context.Context) string {
	op := o.ops.Begin(OpRestart, nil)

	o.launch(ctx, op, func(ctx context.Context) error {
		o.setState(spec.EnvStopping, EventEnvStopping)
		o.stopMonitors()
		o.stopLogStreams()
		o.stopServices(ctx, op.ID, 30)

		o.setState(spec.EnvStarting, EventEnvStarting)
		return o.runStages(ctx, []run.Runner{
			o.stagePullImages(op.ID, 40),
			o.stageCreateNetworks(op.ID, 50),
			o.stageCreateVolumes(op.ID, 60),
			o.stageStartServices(op.ID, 80),
			o.stageAwaitHealth(op.ID),
		})
	}, func() {
		o.setState(spec.EnvRunning, EventEnvCreated)
		o.startMonitors()
	}, func(error) {
		o.setState(spec.EnvError, EventEnvError)
	})

	return op.ID
}

// Scale converges one service to the requested replica count without
// touching the rest of the environment. Additional replicas get
// numbered names and no host port mappings (those would collide).
func (o *Orchestrator) Scale(ctx context.Context, service string, replicas int) (string, error) {
	if _, ok := o.cfg.Services[service]; !ok {
		return "", fmt.Errorf("unknown service %q", service)
	}
	if replicas < 1 {
		return "", fmt.Errorf("replicas must be >= 1, got %d", replicas)
	}

	op := o.ops.Begin(OpScale, map[string]string{
		"service":  service,
		"replicas": fmt.Sprintf("%d", replicas),
	})

	o.launch(ctx, op, func(ctx context.Context) error {
		opts, err := o.serviceOptions(service)
		if err != nil {
			return err
		}
		o.advance(op.ID, 20, fmt.Sprintf("scaling %s to %d replicas", service, replicas))

		got, err := o.adapter.ScaleService(ctx, opts, replicas)
		if err != nil {
			return fmt.Errorf("scale %s: %w", service, err)
		}

		o.mu.Lock()
		o.replicas[service] = got
		o.mu.Unlock()

		o.log.Publish(Event{
			Type:     EventServiceScaled,
			Project:  o.cfg.Project,
			Service:  service,
			Replicas: got,
		})
		o.advance(op.ID, 90, fmt.Sprintf("%s running %d replicas", service, got))
		return nil
	}, nil, nil)

	return op.ID, nil
}

// Backup snapshots the environment's persistent volumes through the
// configured BackupCoordinator. The environment enters maintenance for
// the duration and returns to its previous state afterwards.
func (o *Orchestrator) Backup(ctx context.Context) (string, error) {
	if o.backups == nil {
		return "", fmt.Errorf("no backup coordinator configured")
	}

	op := o.ops.Begin(OpBackup, nil)

	prev := o.State()
	o.launch(ctx, op, func(ctx context.Context) error {
		o.setState(spec.EnvMaintenance, EventEnvMaintenance)

		volumes := o.cfg.BackupVolumes()
		for i, v := range volumes {
			volumes[i] = o.volumeName(v)
		}
		o.advance(op.ID, 10, fmt.Sprintf("backing up %d volumes", len(volumes)))

		archive, err := o.backups.Backup(ctx, o.cfg, o.Status(ctx), volumes)
		if err != nil {
			return fmt.Errorf("backup: %w", err)
		}
		o.advance(op.ID, 90, "archive: "+archive)
		return nil
	}, func() {
		o.setState(prev, EventEnvCreated)
	}, func(error) {
		o.setState(prev, EventEnvError)
	})

	return op.ID, nil
}

// Restore loads a backup archive into the environment's volumes through
// the BackupCoordinator. Services should be stopped first; the
// coordinator decides whether to enforce that.
func (o *Orchestrator) Restore(ctx context.Context, archive string) (string, error) {
	if o.backups == nil {
		return "", fmt.Errorf("no backup coordinator configured")
	}

	op := o.ops.Begin(OpRestore, map[string]string{"archive": archive})

	prev := o.State()
	o.launch(ctx, op, func(ctx context.Context) error {
		o.setState(spec.EnvMaintenance, EventEnvMaintenance)

		volumes := o.cfg.BackupVolumes()
		for i, v := range volumes {
			volumes[i] = o.volumeName(v)
		}
		o.advance(op.ID, 10, "restoring from "+archive)

		if err := o.backups.Restore(ctx, o.cfg, archive, volumes); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
		o.advance(op.ID, 90, "volumes restored")
		return nil
	}, func() {
		o.setState(prev, EventEnvCreated)
	}, func(error) {
		o.setState(prev, EventEnvError)
	})

	return op.ID, nil
}

// launch transitions the operation to running, publishes the started
// event, and spawns the worker. The worker context is detached from the
// caller's cancellation.
func (o *Orchestrator) launch(ctx context.Context, op *Operation, work func(context.Context) error, onSuccess func(), onFailure func(error)) {
	o.ops.Start(op.ID)
	o.log.Publish(Event{
		Type:      EventOperationStarted,
		Project:   o.cfg.Project,
		Operation: op.ID,
		Message:   string(op.Type),
	})

	workCtx := context.WithoutCancel(ctx)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		err := work(workCtx)

		o.mu.Lock()
		o.opErrs[op.ID] = err
		o.mu.Unlock()

		if err != nil {
			o.ops.Fail(op.ID, err)
			if onFailure != nil {
				onFailure(err)
			}
			o.log.Publish(Event{
				Type:      EventOperationFailed,
				Project:   o.cfg.Project,
				Operation: op.ID,
				Error:     err.Error(),
			})
			return
		}

		o.ops.Complete(op.ID)
		if onSuccess != nil {
			onSuccess()
		}
		o.log.Publish(Event{
			Type:      EventOperationCompleted,
			Project:   o.cfg.Project,
			Operation: op.ID,
			Progress:  100,
		})
	}()
}

// runStages runs each stage in order, stopping at the first error. The
// error is returned unwrapped so callers can match typed errors like
// *HealthTimeoutError.
func (o *Orchestrator) runStages(ctx context.Context, stages []run.Runner) error {
	for _, stage := range stages {
		if err := stage.Run(ctx); err != nil {
			return err
		}
	}
	return nil
}

// advance bumps the operation's progress and mirrors the log line to
// the event stream.
func (o *Orchestrator) advance(opID string, progress int, line string) {
	o.ops.Advance(opID, progress, line)
	o.log.Publish(Event{
		Type:      EventOperationProgress,
		Project:   o.cfg.Project,
		Operation: opID,
		Progress:  progress,
		Message:   line,
	})
}

// stagePullImages pulls every distinct image referenced by the config.
func (o *Orchestrator) stagePullImages(opID string, progress int) run.Runner {
	return run.Func(func(ctx context.Context) error {
		seen := make(map[string]bool)
		for _, name := range o.startOrder {
			image := o.cfg.Services[name].Image
			if seen[image] {
				continue
			}
			seen[image] = true

			o.ops.Append(opID, "pulling image "+image)
			if err := o.adapter.PullImage(ctx, image); err != nil {
				return fmt.Errorf("pull image %s: %w", image, err)
			}
		}
		o.advance(opID, progress, "images pulled")
		return nil
	})
}

// stageCreateNetworks creates the default network plus every declared
// network. An existing network is reused, not an error: create is
// idempotent at this level.
func (o *Orchestrator) stageCreateNetworks(opID string, progress int) run.Runner {
	return run.Func(func(ctx context.Context) error {
		networks := []runtime.NetworkOptions{{
			Name:   o.defaultNetworkName(),
			Labels: map[string]string{"devstack.project": o.cfg.Project},
		}}
		for _, n := range o.cfg.Networks {
			networks = append(networks, runtime.NetworkOptions{
				Name:    o.networkName(n.Name),
				Driver:  n.Driver,
				Subnet:  n.Subnet,
				Gateway: n.Gateway,
				Labels:  map[string]string{"devstack.project": o.cfg.Project},
			})
		}

		for _, opts := range networks {
			err := o.adapter.CreateNetwork(ctx, opts)
			switch {
			case err == nil:
				o.ops.Append(opID, "created network "+opts.Name)
			case runtime.IsAlreadyExists(err):
				o.ops.Append(opID, "network "+opts.Name+" already exists")
			default:
				return fmt.Errorf("create network %s: %w", opts.Name, err)
			}
		}
		o.advance(opID, progress, "networks ready")
		return nil
	})
}

// stageCreateVolumes creates every declared volume, reusing existing ones.
func (o *Orchestrator) stageCreateVolumes(opID string, progress int) run.Runner {
	return run.Func(func(ctx context.Context) error {
		for _, v := range o.cfg.Volumes {
			name := o.volumeName(v.Name)
			err := o.adapter.CreateVolume(ctx, runtime.VolumeOptions{
				Name:   name,
				Driver: v.Driver,
				Labels: map[string]string{"devstack.project": o.cfg.Project},
			})
			switch {
			case err == nil:
				o.ops.Append(opID, "created volume "+name)
			case runtime.IsAlreadyExists(err):
				o.ops.Append(opID, "volume "+name+" already exists")
			default:
				return fmt.Errorf("create volume %s: %w", name, err)
			}
		}
		o.advance(opID, progress, "volumes ready")
		return nil
	})
}

// stageStartServices starts every service in dependency order,
// sequentially: a service never starts before all of its dependencies
// have been started. A leftover container from a previous run is
// started in place rather than recreated.
func (o *Orchestrator) stageStartServices(opID string, progress int) run.Runner {
	return run.Func(func(ctx context.Context) error {
		if err := o.resolvePorts(); err != nil {
			return err
		}

		for _, name := range o.startOrder {
			opts, err := o.serviceOptions(name)
			if err != nil {
				return err
			}

			_, err = o.adapter.RunService(ctx, opts)
			switch {
			case err == nil:
			case runtime.IsAlreadyExists(err):
				o.ops.Append(opID, "container "+opts.Name+" exists, starting")
				if err := o.adapter.StartService(ctx, opts.Name); err != nil {
					return fmt.Errorf("start %s: %w", name, err)
				}
			default:
				return fmt.Errorf("run %s: %w", name, err)
			}

			o.ops.Append(opID, "started "+name)
			o.startLogStream(name)
		}
		o.advance(opID, progress, "services started")
		return nil
	})
}

// stageAwaitHealth polls all services until every one is healthy (or
// running, for services without a check). On timeout the operation
// fails with a *HealthTimeoutError naming the stragglers; the runtime
// state is left as-is for inspection.
func (o *Orchestrator) stageAwaitHealth(opID string) run.Runner {
	return run.Func(func(ctx context.Context) error {
		o.ops.Append(opID, "waiting for services to become healthy")

		deadline := time.Now().Add(o.healthTimeout)
		ticker := time.NewTicker(o.healthPollInterval)
		defer ticker.Stop()

		for {
			pending := o.unconverged(ctx)
			if len(pending) == 0 {
				o.ops.Append(opID, "all services healthy")
				return nil
			}
			if time.Now().After(deadline) {
				return &HealthTimeoutError{
					Timeout:   o.healthTimeout,
					Unhealthy: pending,
				}
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})
}

// unconverged returns the sorted names of services that are not yet
// healthy. A service without a health check converges once its
// container is running.
func (o *Orchestrator) unconverged(ctx context.Context) []string {
	var pending []string
	for _, name := range o.startOrder {
		state, _ := o.classifyService(ctx, name)
		if state == spec.Healthy || state == spec.NoHealthCheck {
			continue
		}
		pending = append(pending, name)
	}
	sort.Strings(pending)
	return pending
}

// stopServices stops every service in reverse dependency order,
// replicas first. Fail-soft: failures become operation log warnings.
func (o *Orchestrator) stopServices(ctx context.Context, opID string, progress int) {
	order := StopOrder(o.startOrder)
	base := currentOpProgress(o.ops, opID)

	for i, name := range order {
		for _, container := range o.replicaNames(name) {
			if err := o.adapter.StopService(ctx, container); err != nil && !runtime.IsNotFound(err) {
				o.ops.Append(opID, fmt.Sprintf("warning: stop %s: %v", container, err))
				continue
			}
		}
		o.advance(opID, scaleProgress(base, progress, i+1, len(order)), "stopped "+name)
	}
}

// removeServices removes every container in reverse dependency order,
// replicas first. Fail-soft.
func (o *Orchestrator) removeServices(ctx context.Context, opID string, progress int) {
	order := StopOrder(o.startOrder)
	base := currentOpProgress(o.ops, opID)

	for i, name := range order {
		for _, container := range o.replicaNames(name) {
			if err := o.adapter.RemoveService(ctx, container); err != nil && !runtime.IsNotFound(err) {
				o.ops.Append(opID, fmt.Sprintf("warning: remove %s: %v", container, err))
				continue
			}
		}
		o.advance(opID, scaleProgress(base, progress, i+1, len(order)), "removed "+name)
	}
}

// removeNetworks removes declared networks and the default network.
// Fail-soft; already-gone networks are fine.
func (o *Orchestrator) removeNetworks(ctx context.Context, opID string, progress int) {
	names := []string{o.defaultNetworkName()}
	for _, n := range o.cfg.Networks {
		names = append(names, o.networkName(n.Name))
	}

	for _, name := range names {
		if err := o.adapter.RemoveNetwork(ctx, name); err != nil && !runtime.IsNotFound(err) {
			o.ops.Append(opID, fmt.Sprintf("warning: remove network %s: %v", name, err))
		}
	}
	o.advance(opID, progress, "networks removed")
}

// removeVolumes removes every declared volume. Fail-soft.
func (o *Orchestrator) removeVolumes(ctx context.Context, opID string, progress int) {
	for _, v := range o.cfg.Volumes {
		name := o.volumeName(v.Name)
		if err := o.adapter.RemoveVolume(ctx, name); err != nil && !runtime.IsNotFound(err) {
			o.ops.Append(opID, fmt.Sprintf("warning: remove volume %s: %v", name, err))
		}
	}
	o.advance(opID, progress, "volumes removed")
}

// replicaNames returns all container names for a service, highest
// replica first so teardown unwinds in reverse of scale-up.
func (o *Orchestrator) replicaNames(service string) []string {
	o.mu.Lock()
	n := o.replicas[service]
	o.mu.Unlock()

	base := o.containerName(service)
	if n <= 1 {
		return []string{base}
	}
	names := make([]string, 0, n)
	for i := n; i >= 2; i-- {
		names = append(names, fmt.Sprintf("%s-%d", base, i))
	}
	return append(names, base)
}

// scaleProgress maps step i of n onto the [base, target] progress range.
func scaleProgress(base, target, i, n int) int {
	if n == 0 {
		return target
	}
	return base + (target-base)*i/n
}

// currentOpProgress reads an operation's progress for use as a range base.
func currentOpProgress(t *Tracker, opID string) int {
	op, ok := t.Get(opID)
	if !ok {
		return 0
	}
	return op.Progress
}

// startLogStream begins streaming a service's container logs into the
// event log as service.log events. Idempotent per service.
func (o *Orchestrator) startLogStream(service string) {
	o.mu.Lock()
	if _, running := o.logCancel[service]; running {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.logCancel[service] = cancel
	o.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()

		rc, err := o.adapter.StreamLogs(ctx, o.containerName(service), runtime.LogOptions{
			Follow: true,
			Tail:   "0",
		})
		if err != nil {
			return
		}
		defer rc.Close()

		stdout := &serviceLogWriter{log: o.log, project: o.cfg.Project, service: service, stream: "stdout"}
		stderr := &serviceLogWriter{log: o.log, project: o.cfg.Project, service: service, stream: "stderr"}
		// The runtime multiplexes both streams over one connection.
		stdcopy.StdCopy(stdout, stderr, rc)
	}()
}

// stopLogStreams cancels all log streaming goroutines.
func (o *Orchestrator) stopLogStreams() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for service, cancel := range o.logCancel {
		cancel()
		delete(o.logCancel, service)
	}
}

// startMonitors starts the health and metrics loops. Idempotent.
func (o *Orchestrator) startMonitors() {
	o.health.Start()
	o.metrics.Start()
}

// stopMonitors stops the health and metrics loops. Idempotent.
func (o *Orchestrator) stopMonitors() {
	o.health.Stop()
	o.metrics.Stop()
}

// serviceLogWriter publishes container output chunks to the event log.
type serviceLogWriter struct {
	log     *EventLog
	project string
	service string
	stream  string
}

func (w *serviceLogWriter) Write(p []byte) (int, error) {
	w.log.Publish(Event{
		Type:    EventServiceLog,
		Project: w.project,
		Service: w.service,
		Log: &LogEntry{
			Stream: w.stream,
			Data:   string(p),
		},
	})
	return len(p), nil
}
