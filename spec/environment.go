package spec

import (
	"encoding/json"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentConfig is the top-level declarative description of a
// multi-service development environment. It is supplied once at engine
// construction and is read-only thereafter.
type EnvironmentConfig struct {
	// Project names the environment. Used as a prefix for container,
	// network and volume names.
	Project string `json:"project" yaml:"project"`

	// Runtime selects the container runtime backend ("docker" is the
	// default and currently the only built-in).
	Runtime string `json:"runtime,omitempty" yaml:"runtime,omitempty"`

	// Services maps service names to their specs.
	Services map[string]ServiceSpec `json:"services" yaml:"services"`

	// Networks declares the environment's networks. A default network
	// named after the project is always created.
	Networks []NetworkSpec `json:"networks,omitempty" yaml:"networks,omitempty"`

	// Volumes declares named volumes referenced by service mounts.
	Volumes []VolumeSpec `json:"volumes,omitempty" yaml:"volumes,omitempty"`

	// Monitoring configures the health and metrics reconciliation loops.
	Monitoring MonitoringPolicy `json:"monitoring,omitempty" yaml:"monitoring,omitempty"`

	// Backup configures volume persistence and backup targets.
	Backup BackupPolicy `json:"backup,omitempty" yaml:"backup,omitempty"`
}

// NetworkSpec declares a container network.
type NetworkSpec struct {
	Name    string `json:"name" yaml:"name"`
	Driver  string `json:"driver,omitempty" yaml:"driver,omitempty"` // default "bridge"
	Subnet  string `json:"subnet,omitempty" yaml:"subnet,omitempty"`
	Gateway string `json:"gateway,omitempty" yaml:"gateway,omitempty"`
}

// VolumeSpec declares a named volume.
type VolumeSpec struct {
	Name   string `json:"name" yaml:"name"`
	Driver string `json:"driver,omitempty" yaml:"driver,omitempty"` // default "local"
}

// MonitoringPolicy configures the reconciliation loops. Zero values fall
// back to the engine defaults (10s health, 15s metrics).
type MonitoringPolicy struct {
	HealthInterval  Duration `json:"health_interval,omitempty" yaml:"health_interval,omitempty"`
	MetricsInterval Duration `json:"metrics_interval,omitempty" yaml:"metrics_interval,omitempty"`
}

// BackupPolicy configures volume persistence across destroy and which
// volumes a backup operation targets.
type BackupPolicy struct {
	// PersistVolumes keeps named volumes when the environment is
	// destroyed. Backup sequencing is the BackupCoordinator's concern;
	// destroy never infers that a backup has completed.
	PersistVolumes bool `json:"persist_volumes,omitempty" yaml:"persist_volumes,omitempty"`

	// Volumes restricts backups to the named volumes. Empty means all
	// declared volumes.
	Volumes []string `json:"volumes,omitempty" yaml:"volumes,omitempty"`
}

// ServiceNames returns the environment's service names in sorted order.
func (c *EnvironmentConfig) ServiceNames() []string {
	return sortedServiceKeys(c.Services)
}

// BackupVolumes returns the volume names a backup operation targets:
// the policy's explicit list, or all declared volumes.
func (c *EnvironmentConfig) BackupVolumes() []string {
	if len(c.Backup.Volumes) > 0 {
		out := make([]string, len(c.Backup.Volumes))
		copy(out, c.Backup.Volumes)
		return out
	}
	out := make([]string, 0, len(c.Volumes))
	for _, v := range c.Volumes {
		out = append(out, v.Name)
	}
	return out
}

// Duration wraps time.Duration so that specs carry durations as strings
// (e.g. "5s", "100ms") in both JSON and YAML.
type Duration struct {
	time.Duration
}

// IsZero reports whether d is the zero duration. Used by encoding/json
// (Go 1.24+) to evaluate omitempty on struct fields.
func (d Duration) IsZero() bool {
	return d.Duration == 0
}

func (d Duration) MarshalJSON() ([]byte, error) {
	if d.Duration == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d Duration) MarshalYAML() (any, error) {
	if d.Duration == 0 {
		return "", nil
	}
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}
