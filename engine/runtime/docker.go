package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"

	"github.com/devstack-sh/devstack/spec"
)

// Docker is the Adapter backend for the Docker Engine API. The zero
// value is usable; the underlying client is created lazily and shared
// process-wide.
type Docker struct{}

var _ Adapter = Docker{}

// wrapErr builds a CommandError around a Docker SDK error, mapping the
// SDK's error kinds onto the package sentinels so callers can classify
// without importing Docker types.
func wrapErr(op, target string, err error) error {
	cause := err
	switch {
	case errdefs.IsNotFound(err):
		cause = fmt.Errorf("%w: %s", ErrNotFound, err)
	case errdefs.IsConflict(err), strings.Contains(err.Error(), "already exists"):
		cause = fmt.Errorf("%w: %s", ErrAlreadyExists, err)
	}
	return &CommandError{Op: op, Target: target, Raw: err.Error(), Err: cause}
}

func (Docker) PullImage(ctx context.Context, ref string) error {
	cli, err := dockerClient()
	if err != nil {
		return wrapErr("pull image", ref, err)
	}

	rc, err := cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return wrapErr("pull image", ref, err)
	}
	// Drain the pull output to completion — the pull isn't done until
	// the response body is fully read.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		rc.Close()
		return wrapErr("pull image", ref, err)
	}
	rc.Close()
	return nil
}

func (Docker) CreateNetwork(ctx context.Context, opts NetworkOptions) error {
	cli, err := dockerClient()
	if err != nil {
		return wrapErr("create network", opts.Name, err)
	}

	driver := opts.Driver
	if driver == "" {
		driver = "bridge"
	}

	create := network.CreateOptions{
		Driver: driver,
		Labels: opts.Labels,
	}
	if opts.Subnet != "" || opts.Gateway != "" {
		create.IPAM = &network.IPAM{
			Config: []network.IPAMConfig{{
				Subnet:  opts.Subnet,
				Gateway: opts.Gateway,
			}},
		}
	}

	if _, err := cli.NetworkCreate(ctx, opts.Name, create); err != nil {
		return wrapErr("create network", opts.Name, err)
	}
	return nil
}

func (Docker) RemoveNetwork(ctx context.Context, name string) error {
	cli, err := dockerClient()
	if err != nil {
		return wrapErr("remove network", name, err)
	}
	if err := cli.NetworkRemove(ctx, name); err != nil {
		return wrapErr("remove network", name, err)
	}
	return nil
}

func (Docker) CreateVolume(ctx context.Context, opts VolumeOptions) error {
	cli, err := dockerClient()
	if err != nil {
		return wrapErr("create volume", opts.Name, err)
	}

	driver := opts.Driver
	if driver == "" {
		driver = "local"
	}

	if _, err := cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   opts.Name,
		Driver: driver,
		Labels: opts.Labels,
	}); err != nil {
		return wrapErr("create volume", opts.Name, err)
	}
	return nil
}

func (Docker) RemoveVolume(ctx context.Context, name string) error {
	cli, err := dockerClient()
	if err != nil {
		return wrapErr("remove volume", name, err)
	}
	if err := cli.VolumeRemove(ctx, name, false); err != nil {
		return wrapErr("remove volume", name, err)
	}
	return nil
}

func (Docker) RunService(ctx context.Context, opts ServiceOptions) (string, error) {
	cli, err := dockerClient()
	if err != nil {
		return "", wrapErr("run service", opts.Name, err)
	}

	// Verify Docker is reachable before issuing the create — a clearer
	// failure than a connection error halfway through.
	if _, err := cli.Ping(ctx); err != nil {
		return "", wrapErr("run service", opts.Name,
			fmt.Errorf("cannot connect to Docker daemon (is Docker running?): %w", err))
	}

	portBindings, exposedPorts, err := buildPortBindings(opts.Ports)
	if err != nil {
		return "", &CommandError{Op: "run service", Target: opts.Name, Raw: err.Error(), Err: err}
	}

	config := &container.Config{
		Image:        opts.Image,
		Env:          envMapToSlice(opts.Env),
		ExposedPorts: exposedPorts,
		Labels:       opts.Labels,
	}
	if len(opts.Command) > 0 {
		config.Cmd = opts.Command
	}

	hostConfig := &container.HostConfig{
		PortBindings: portBindings,
		Mounts:       buildMounts(opts.Mounts),
		Resources: container.Resources{
			Memory:   opts.MemoryLimit,
			NanoCPUs: int64(opts.CPUs * 1e9),
		},
	}
	if opts.Restart != "" && opts.Restart != "no" {
		hostConfig.RestartPolicy = container.RestartPolicy{
			Name: container.RestartPolicyMode(opts.Restart),
		}
	}

	var netConfig *network.NetworkingConfig
	if len(opts.Networks) > 0 {
		endpoints := make(map[string]*network.EndpointSettings, len(opts.Networks))
		for _, n := range opts.Networks {
			endpoints[n] = &network.EndpointSettings{}
		}
		netConfig = &network.NetworkingConfig{EndpointsConfig: endpoints}
	}

	resp, err := cli.ContainerCreate(ctx, config, hostConfig, netConfig, nil, opts.Name)
	if err != nil {
		return "", wrapErr("run service", opts.Name, err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", wrapErr("run service", opts.Name, err)
	}
	return resp.ID, nil
}

func (Docker) StartService(ctx context.Context, name string) error {
	cli, err := dockerClient()
	if err != nil {
		return wrapErr("start service", name, err)
	}
	if err := cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return wrapErr("start service", name, err)
	}
	return nil
}

func (Docker) StopService(ctx context.Context, name string) error {
	cli, err := dockerClient()
	if err != nil {
		return wrapErr("stop service", name, err)
	}
	timeout := 10 // seconds
	if err := cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return wrapErr("stop service", name, err)
	}
	return nil
}

func (Docker) RemoveService(ctx context.Context, name string) error {
	cli, err := dockerClient()
	if err != nil {
		return wrapErr("remove service", name, err)
	}
	if err := cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		return wrapErr("remove service", name, err)
	}
	return nil
}

// ScaleService converges the replica set for a service. Replica 1 is the
// base container name; replicas 2..n are named "<name>-2".."<name>-n".
func (d Docker) ScaleService(ctx context.Context, opts ServiceOptions, replicas int) (int, error) {
	if replicas < 1 {
		return 0, &CommandError{Op: "scale service", Target: opts.Name,
			Raw: fmt.Sprintf("invalid replica count %d", replicas),
			Err: fmt.Errorf("invalid replica count %d", replicas)}
	}

	cli, err := dockerClient()
	if err != nil {
		return 0, wrapErr("scale service", opts.Name, err)
	}

	existing, err := listReplicas(ctx, cli, opts.Name)
	if err != nil {
		return 0, wrapErr("scale service", opts.Name, err)
	}

	// Scale up: create missing replicas.
	for i := len(existing) + 1; i <= replicas; i++ {
		replica := opts
		replica.Name = replicaName(opts.Name, i)
		// Replicas beyond the first cannot claim the same host ports.
		if i > 1 {
			replica.Ports = nil
		}
		if _, err := d.RunService(ctx, replica); err != nil {
			return len(existing), err
		}
	}

	// Scale down: remove the highest-numbered replicas first.
	for i := len(existing); i > replicas; i-- {
		name := replicaName(opts.Name, i)
		if err := d.StopService(ctx, name); err != nil && !IsNotFound(err) {
			return i, err
		}
		if err := d.RemoveService(ctx, name); err != nil && !IsNotFound(err) {
			return i, err
		}
	}

	return replicas, nil
}

// listReplicas returns the existing replica container names for a base
// name, sorted so that index i holds replica i+1.
func listReplicas(ctx context.Context, cli *client.Client, base string) ([]string, error) {
	list, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", base)),
	})
	if err != nil {
		return nil, err
	}

	var names []string
	for _, c := range list {
		for _, n := range c.Names {
			n = strings.TrimPrefix(n, "/")
			if n == base || strings.HasPrefix(n, base+"-") {
				names = append(names, n)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func replicaName(base string, i int) string {
	if i == 1 {
		return base
	}
	return fmt.Sprintf("%s-%d", base, i)
}

func (Docker) InspectState(ctx context.Context, name string) (StateInfo, error) {
	cli, err := dockerClient()
	if err != nil {
		return StateInfo{}, wrapErr("inspect state", name, err)
	}

	inspect, err := cli.ContainerInspect(ctx, name)
	if err != nil {
		return StateInfo{}, wrapErr("inspect state", name, err)
	}

	info := StateInfo{
		State:        spec.ServiceState(inspect.State.Status),
		RestartCount: inspect.RestartCount,
		Error:        inspect.State.Error,
	}
	if info.State == spec.StateExited || info.State == spec.StateDead {
		code := inspect.State.ExitCode
		info.ExitCode = &code
	}
	return info, nil
}

func (Docker) InspectHealth(ctx context.Context, name string) (spec.HealthState, error) {
	cli, err := dockerClient()
	if err != nil {
		return "", wrapErr("inspect health", name, err)
	}

	inspect, err := cli.ContainerInspect(ctx, name)
	if err != nil {
		return "", wrapErr("inspect health", name, err)
	}

	if inspect.State.Health == nil {
		return spec.NoHealthCheck, nil
	}
	switch inspect.State.Health.Status {
	case "healthy":
		return spec.Healthy, nil
	case "unhealthy":
		return spec.Unhealthy, nil
	case "starting":
		return spec.Starting, nil
	default:
		return spec.NoHealthCheck, nil
	}
}

// FetchStats takes a single (non-streaming) stats sample and renders it
// the way the runtime's own CLI would: human-readable strings with
// units. The adapter contract is string-based so that CLI-backed
// adapters report identically.
func (Docker) FetchStats(ctx context.Context, name string) (RawStats, error) {
	cli, err := dockerClient()
	if err != nil {
		return RawStats{}, wrapErr("fetch stats", name, err)
	}

	resp, err := cli.ContainerStats(ctx, name, false)
	if err != nil {
		return RawStats{}, wrapErr("fetch stats", name, err)
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return RawStats{}, wrapErr("fetch stats", name, err)
	}

	return formatStats(&stats), nil
}

// formatStats renders a stats sample as human-readable strings: binary
// units (MiB) for memory, decimal (MB) for network and block I/O,
// matching the runtime CLI's conventions.
func formatStats(s *container.StatsResponse) RawStats {
	var rx, tx uint64
	for _, n := range s.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}

	var blkRead, blkWrite uint64
	for _, entry := range s.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			blkRead += entry.Value
		case "write":
			blkWrite += entry.Value
		}
	}

	return RawStats{
		CPUPercent: fmt.Sprintf("%.2f%%", cpuPercent(s)),
		MemUsage: fmt.Sprintf("%s / %s",
			units.BytesSize(float64(s.MemoryStats.Usage)),
			units.BytesSize(float64(s.MemoryStats.Limit))),
		NetIO: fmt.Sprintf("%s / %s",
			units.HumanSize(float64(rx)), units.HumanSize(float64(tx))),
		BlockIO: fmt.Sprintf("%s / %s",
			units.HumanSize(float64(blkRead)), units.HumanSize(float64(blkWrite))),
		PIDs: strconv.FormatUint(s.PidsStats.Current, 10),
	}
}

// cpuPercent computes the CPU usage percentage from consecutive samples
// the way the runtime CLI does.
func cpuPercent(s *container.StatsResponse) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta <= 0 || sysDelta <= 0 {
		return 0
	}
	cpus := float64(s.CPUStats.OnlineCPUs)
	if cpus == 0 {
		cpus = float64(len(s.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpus == 0 {
		cpus = 1
	}
	return cpuDelta / sysDelta * cpus * 100
}

func (Docker) ExecInService(ctx context.Context, name string, cmd []string, opts ExecOptions) (ExecResult, error) {
	cli, err := dockerClient()
	if err != nil {
		return ExecResult{}, wrapErr("exec", name, err)
	}

	exec, err := cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
		AttachStdin:  opts.Interactive,
		Tty:          opts.TTY,
	})
	if err != nil {
		return ExecResult{}, wrapErr("exec", name, err)
	}

	resp, err := cli.ContainerExecAttach(ctx, exec.ID, container.ExecAttachOptions{Tty: opts.TTY})
	if err != nil {
		return ExecResult{}, wrapErr("exec", name, err)
	}

	var stdout, stderr bytes.Buffer
	if opts.TTY {
		// TTY streams are not multiplexed.
		_, err = io.Copy(&stdout, resp.Reader)
	} else {
		_, err = stdcopy.StdCopy(&stdout, &stderr, resp.Reader)
	}
	resp.Close()
	if err != nil {
		return ExecResult{}, wrapErr("exec", name, err)
	}

	inspect, err := cli.ContainerExecInspect(ctx, exec.ID)
	if err != nil {
		return ExecResult{}, wrapErr("exec", name, err)
	}

	return ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: inspect.ExitCode,
	}, nil
}

func (Docker) StreamLogs(ctx context.Context, name string, opts LogOptions) (io.ReadCloser, error) {
	cli, err := dockerClient()
	if err != nil {
		return nil, wrapErr("stream logs", name, err)
	}

	rc, err := cli.ContainerLogs(ctx, name, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       opts.Tail,
		Since:      opts.Since,
	})
	if err != nil {
		return nil, wrapErr("stream logs", name, err)
	}
	return rc, nil
}

// buildPortBindings creates Docker port bindings from declared port
// mappings. HostPort must already be resolved (the engine's allocator
// fills zeros before the adapter is called).
func buildPortBindings(ports []spec.PortSpec) (nat.PortMap, nat.PortSet, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}

	portBindings := make(nat.PortMap, len(ports))
	exposedPorts := make(nat.PortSet, len(ports))

	for _, p := range ports {
		if p.ContainerPort == 0 {
			return nil, nil, fmt.Errorf("port mapping missing container port")
		}
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		containerPort := nat.Port(fmt.Sprintf("%d/%s", p.ContainerPort, proto))
		exposedPorts[containerPort] = struct{}{}
		portBindings[containerPort] = append(portBindings[containerPort], nat.PortBinding{
			HostIP:   "127.0.0.1",
			HostPort: strconv.Itoa(p.HostPort),
		})
	}

	return portBindings, exposedPorts, nil
}

// buildMounts converts mount specs: absolute sources bind-mount host
// paths, anything else refers to a named volume.
func buildMounts(mounts []spec.MountSpec) []mount.Mount {
	if len(mounts) == 0 {
		return nil
	}

	out := make([]mount.Mount, 0, len(mounts))
	for _, m := range mounts {
		typ := mount.TypeVolume
		if strings.HasPrefix(m.Source, "/") {
			typ = mount.TypeBind
		}
		out = append(out, mount.Mount{
			Type:     typ,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	return out
}

// envMapToSlice converts a map of env vars to "KEY=VALUE" strings in
// sorted key order for deterministic container configs.
func envMapToSlice(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]string, 0, len(env))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
