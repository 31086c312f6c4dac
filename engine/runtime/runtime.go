// Package runtime defines the boundary between the orchestration engine
// and the container runtime that executes its commands. Each Adapter
// method maps 1:1 to one runtime invocation and returns either a parsed
// value or an error carrying the raw runtime text.
//
// The adapter never interprets "already exists" or "not found" as
// success — that idempotency policy belongs to the orchestrator, where
// it is observable and testable. Callers classify errors with
// IsNotFound and IsAlreadyExists.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/devstack-sh/devstack/spec"
)

// Sentinel errors for classification. Backends wrap their native errors
// so that errors.Is matches these; fakes return them directly.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// CommandError is a failed runtime invocation. Raw preserves the
// runtime's own error text so operation logs stay diagnosable without
// external log correlation.
type CommandError struct {
	Op     string // logical operation, e.g. "pull image"
	Target string // image ref, container name, network name...
	Raw    string // raw runtime error text
	Err    error  // classified cause (may wrap ErrNotFound etc.)
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %q: %s", e.Op, e.Target, e.Raw)
}

func (e *CommandError) Unwrap() error { return e.Err }

// IsNotFound reports whether err represents a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAlreadyExists reports whether err represents a resource that already
// exists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists)
}

// NetworkOptions configures CreateNetwork.
type NetworkOptions struct {
	Name    string
	Driver  string // default "bridge"
	Subnet  string
	Gateway string
	Labels  map[string]string
}

// VolumeOptions configures CreateVolume.
type VolumeOptions struct {
	Name   string
	Driver string // default "local"
	Labels map[string]string
}

// ServiceOptions configures RunService and ScaleService. Name is the
// concrete container name (already project-prefixed by the caller).
type ServiceOptions struct {
	Name        string
	Image       string
	Command     []string
	Env         map[string]string
	Ports       []spec.PortSpec
	Mounts      []spec.MountSpec
	Networks    []string
	Labels      map[string]string
	MemoryLimit int64   // bytes, 0 = unlimited
	CPUs        float64 // fractional CPUs, 0 = unlimited
	Restart     string  // restart policy name, "" = "no"
}

// StateInfo is the parsed result of InspectState.
type StateInfo struct {
	State        spec.ServiceState
	RestartCount int
	ExitCode     *int   // set when State is exited or dead
	Error        string // runtime-reported error, if any
}

// RawStats carries one service's resource usage exactly as the runtime
// reports it: human-readable strings with units. Normalization into
// numbers is the metrics collector's job.
type RawStats struct {
	CPUPercent string // "12.34%"
	MemUsage   string // "128MiB / 1GiB"
	NetIO      string // "1.2kB / 3.4MB"
	BlockIO    string // "4.1MB / 0B"
	PIDs       string // "12"
}

// ExecOptions configures ExecInService.
type ExecOptions struct {
	Interactive bool
	TTY         bool
}

// ExecResult is the outcome of ExecInService.
type ExecResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// LogOptions configures StreamLogs.
type LogOptions struct {
	Follow bool
	Tail   string // e.g. "100", "" = all
	Since  string // RFC3339 or relative, "" = beginning
}

// Adapter issues commands against a container runtime. Every method is
// individually awaitable and blocks until the runtime acknowledges the
// command (not until services are healthy — health convergence is the
// orchestrator's phase).
type Adapter interface {
	PullImage(ctx context.Context, image string) error

	CreateNetwork(ctx context.Context, opts NetworkOptions) error
	RemoveNetwork(ctx context.Context, name string) error
	CreateVolume(ctx context.Context, opts VolumeOptions) error
	RemoveVolume(ctx context.Context, name string) error

	// RunService creates and starts a container, returning its runtime
	// identifier.
	RunService(ctx context.Context, opts ServiceOptions) (string, error)
	StartService(ctx context.Context, name string) error
	StopService(ctx context.Context, name string) error
	RemoveService(ctx context.Context, name string) error

	// ScaleService converges the number of running replicas of a service
	// to the requested count and returns the resulting count.
	ScaleService(ctx context.Context, opts ServiceOptions, replicas int) (int, error)

	InspectState(ctx context.Context, name string) (StateInfo, error)
	InspectHealth(ctx context.Context, name string) (spec.HealthState, error)
	FetchStats(ctx context.Context, name string) (RawStats, error)

	ExecInService(ctx context.Context, name string, cmd []string, opts ExecOptions) (ExecResult, error)

	// StreamLogs returns a multiplexed log stream. The caller owns the
	// reader and must close it.
	StreamLogs(ctx context.Context, name string, opts LogOptions) (io.ReadCloser, error)
}
