package spec

import "time"

// ServiceState is the container runtime's view of a service.
type ServiceState string

const (
	StateCreated    ServiceState = "created"
	StateStarting   ServiceState = "starting"
	StateRunning    ServiceState = "running"
	StatePaused     ServiceState = "paused"
	StateRestarting ServiceState = "restarting"
	StateRemoving   ServiceState = "removing"
	StateExited     ServiceState = "exited"
	StateDead       ServiceState = "dead"
)

// HealthState classifies a single service's health.
type HealthState string

const (
	Healthy   HealthState = "healthy"
	Unhealthy HealthState = "unhealthy"
	Starting  HealthState = "starting"
	// NoHealthCheck marks services that declare no health check.
	// Absence of a check is not failure.
	NoHealthCheck HealthState = "none"
)

// EnvironmentState is the engine's aggregate lifecycle state. Written
// only by the orchestrator.
type EnvironmentState string

const (
	EnvInitializing EnvironmentState = "initializing"
	EnvStarting     EnvironmentState = "starting"
	EnvRunning      EnvironmentState = "running"
	EnvStopping     EnvironmentState = "stopping"
	EnvStopped      EnvironmentState = "stopped"
	EnvError        EnvironmentState = "error"
	EnvMaintenance  EnvironmentState = "maintenance"
)

// ServiceStatus is a point-in-time view of one service. Never persisted;
// recomputed on each query or reconciliation tick.
type ServiceStatus struct {
	Name         string          `json:"name"`
	State        ServiceState    `json:"state"`
	Health       HealthState     `json:"health"`
	Metrics      *ServiceMetrics `json:"metrics,omitempty"`
	RestartCount int             `json:"restart_count,omitempty"`
	ExitCode     *int            `json:"exit_code,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// EnvironmentStatus aggregates all per-service statuses with the latest
// health and metrics snapshots.
type EnvironmentStatus struct {
	Project   string                   `json:"project"`
	State     EnvironmentState         `json:"state"`
	Services  map[string]ServiceStatus `json:"services"`
	// StartOrder is the dependency-resolved order services start in.
	// Stop order is its exact reverse.
	StartOrder []string `json:"start_order,omitempty"`
	Health    *EnvironmentHealth       `json:"health,omitempty"`
	Metrics   *EnvironmentMetrics      `json:"metrics,omitempty"`
	Uptime    Duration                 `json:"uptime"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// IssueSeverity grades a health issue.
type IssueSeverity string

const (
	SeverityWarning  IssueSeverity = "warning"
	SeverityCritical IssueSeverity = "critical"
)

// HealthIssue records one problem found during a reconciliation tick.
type HealthIssue struct {
	Service  string        `json:"service"`
	Severity IssueSeverity `json:"severity"`
	Message  string        `json:"message"`
}

// EnvironmentHealth is the aggregate health snapshot, rebuilt wholesale
// on every reconciliation tick. Overall is unhealthy iff at least one
// service is unhealthy; starting if none are unhealthy but at least one
// is still starting; healthy otherwise.
type EnvironmentHealth struct {
	Overall   HealthState            `json:"overall"`
	Services  map[string]HealthState `json:"services"`
	Issues    []HealthIssue          `json:"issues,omitempty"`
	CheckedAt time.Time              `json:"checked_at"`
}

// ServiceMetrics holds normalized resource usage for one service.
// All byte quantities are parsed from the runtime's human-readable
// strings into plain bytes.
type ServiceMetrics struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryUsed  int64   `json:"memory_used"`
	MemoryLimit int64   `json:"memory_limit"`
	NetworkRx   int64   `json:"network_rx"`
	NetworkTx   int64   `json:"network_tx"`
	BlockRead   int64   `json:"block_read"`
	BlockWrite  int64   `json:"block_write"`
	PIDs        int     `json:"pids"`
}

// EnvironmentMetrics is the aggregate metrics snapshot, rebuilt wholesale
// on every collection tick. Services whose stats could not be fetched or
// parsed are excluded from the sums and counted in FailedServices.
type EnvironmentMetrics struct {
	Services       map[string]ServiceMetrics `json:"services"`
	TotalCPU       float64                   `json:"total_cpu"`
	TotalMemory    int64                     `json:"total_memory"`
	TotalNetworkRx int64                     `json:"total_network_rx"`
	TotalNetworkTx int64                     `json:"total_network_tx"`
	FailedServices int                       `json:"failed_services"`
	CollectedAt    time.Time                 `json:"collected_at"`
}
