package spec

// ServiceSpec defines a single containerized service within an environment.
type ServiceSpec struct {
	// Image is the container image reference (e.g. "postgres:16-alpine").
	Image string `json:"image" yaml:"image"`

	// Command overrides the image's default command.
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`

	// Ports declares host↔container port mappings.
	Ports []PortSpec `json:"ports,omitempty" yaml:"ports,omitempty"`

	// Env sets environment variables on the container. Values support
	// ${VAR} expansion against the environment's wiring variables.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// Volumes declares volume mounts.
	Volumes []MountSpec `json:"volumes,omitempty" yaml:"volumes,omitempty"`

	// Networks lists the networks this service joins. If empty, the
	// service joins the environment's default network.
	Networks []string `json:"networks,omitempty" yaml:"networks,omitempty"`

	// DependsOn lists services that must be started before this one.
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// HealthCheck defines how the service reports health. Nil means the
	// service declares no health check and is never considered unhealthy
	// on that basis.
	HealthCheck *HealthCheckSpec `json:"health_check,omitempty" yaml:"health_check,omitempty"`

	// Resources caps the service's resource usage.
	Resources *ResourceLimits `json:"resources,omitempty" yaml:"resources,omitempty"`

	// Restart is the container restart policy: "no", "always",
	// "on-failure", "unless-stopped". Empty means "no".
	Restart string `json:"restart,omitempty" yaml:"restart,omitempty"`
}

// PortSpec maps a host port to a container port. HostPort 0 requests a
// free port from the engine's allocator.
type PortSpec struct {
	HostPort      int    `json:"host_port" yaml:"host_port"`
	ContainerPort int    `json:"container_port" yaml:"container_port"`
	Protocol      string `json:"protocol,omitempty" yaml:"protocol,omitempty"` // "tcp" (default) or "udp"
}

// MountSpec mounts a named volume or host path into the container.
type MountSpec struct {
	// Source is a declared volume name or an absolute host path.
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	// ReadOnly mounts the target read-only.
	ReadOnly bool `json:"read_only,omitempty" yaml:"read_only,omitempty"`
}

// HealthCheckSpec defines how a service's health is probed.
//
// Types "http", "tcp" and "grpc" are probed from the host against the
// mapped port. Type "container" defers to the runtime's native health
// status (e.g. a Dockerfile HEALTHCHECK).
type HealthCheckSpec struct {
	Type string `json:"type" yaml:"type"` // "http", "tcp", "grpc", "container"

	// Port is the container port to probe. Required for http/tcp/grpc.
	Port int `json:"port,omitempty" yaml:"port,omitempty"`

	// Path is the HTTP path to probe. Only meaningful for type "http".
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// Interval and Timeout override the reconciler's probe defaults.
	Interval Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	Timeout  Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// ResourceLimits caps container resources.
type ResourceLimits struct {
	// Memory is a human-readable limit (e.g. "512MiB", "1GB").
	Memory string `json:"memory,omitempty" yaml:"memory,omitempty"`
	// CPUs is a fractional CPU count (e.g. 0.5, 2).
	CPUs float64 `json:"cpus,omitempty" yaml:"cpus,omitempty"`
}

// ValidRestartPolicies is the set of accepted restart policy names.
var ValidRestartPolicies = map[string]bool{
	"":               true,
	"no":             true,
	"always":         true,
	"on-failure":     true,
	"unless-stopped": true,
}

// ValidHealthCheckTypes is the set of accepted health check types.
var ValidHealthCheckTypes = map[string]bool{
	"http":      true,
	"tcp":       true,
	"grpc":      true,
	"container": true,
}
