package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/devstack-sh/devstack/spec"
)

// KnownRuntimes is the set of runtime backends the engine can drive.
var KnownRuntimes = map[string]bool{
	"":       true, // default
	"docker": true,
}

// ValidateConfig checks an environment config for structural errors.
// Returns all errors found (not just the first) so the user can fix
// them in one pass. Configuration errors always fail before any runtime
// call is issued.
func ValidateConfig(cfg *spec.EnvironmentConfig) []string {
	var errs []string

	if cfg.Project == "" {
		errs = append(errs, "project name is required")
	}

	if !KnownRuntimes[cfg.Runtime] {
		errs = append(errs, fmt.Sprintf("unknown runtime %q", cfg.Runtime))
	}

	if len(cfg.Services) == 0 {
		errs = append(errs, "environment must have at least one service")
	}

	networks := make(map[string]bool, len(cfg.Networks))
	for _, n := range cfg.Networks {
		if n.Name == "" {
			errs = append(errs, "network name is required")
			continue
		}
		if networks[n.Name] {
			errs = append(errs, fmt.Sprintf("duplicate network %q", n.Name))
		}
		networks[n.Name] = true
	}

	volumes := make(map[string]bool, len(cfg.Volumes))
	for _, v := range cfg.Volumes {
		if v.Name == "" {
			errs = append(errs, "volume name is required")
			continue
		}
		if volumes[v.Name] {
			errs = append(errs, fmt.Sprintf("duplicate volume %q", v.Name))
		}
		volumes[v.Name] = true
	}

	// Sort service names for deterministic error ordering.
	for _, name := range cfg.ServiceNames() {
		svc := cfg.Services[name]
		errs = append(errs, validateService(name, svc, cfg, networks, volumes)...)
	}

	if _, err := StartOrder(cfg.Services); err != nil {
		errs = append(errs, err.Error())
	}

	return errs
}

func validateService(name string, svc spec.ServiceSpec, cfg *spec.EnvironmentConfig, networks, volumes map[string]bool) []string {
	var errs []string

	if svc.Image == "" {
		errs = append(errs, fmt.Sprintf("service %q: image is required", name))
	}

	if !spec.ValidRestartPolicies[svc.Restart] {
		errs = append(errs, fmt.Sprintf("service %q: invalid restart policy %q", name, svc.Restart))
	}

	seen := make(map[string]bool, len(svc.DependsOn))
	for _, dep := range svc.DependsOn {
		if dep == name {
			errs = append(errs, fmt.Sprintf("service %q: cannot depend on itself", name))
			continue
		}
		if seen[dep] {
			errs = append(errs, fmt.Sprintf("service %q: duplicate dependency %q", name, dep))
			continue
		}
		seen[dep] = true

		if _, ok := cfg.Services[dep]; !ok {
			msg := fmt.Sprintf("service %q: depends on unknown service %q", name, dep)
			if suggestion := closestMatch(dep, cfg.Services); suggestion != "" {
				msg += fmt.Sprintf(" (did you mean %q?)", suggestion)
			}
			errs = append(errs, msg)
		}
	}

	for i, p := range svc.Ports {
		if p.ContainerPort == 0 {
			errs = append(errs, fmt.Sprintf("service %q: port mapping %d: container port is required", name, i))
		}
		if p.Protocol != "" && p.Protocol != "tcp" && p.Protocol != "udp" {
			errs = append(errs, fmt.Sprintf("service %q: port mapping %d: invalid protocol %q", name, i, p.Protocol))
		}
	}

	for _, n := range svc.Networks {
		if !networks[n] {
			errs = append(errs, fmt.Sprintf("service %q: references undeclared network %q", name, n))
		}
	}

	for _, m := range svc.Volumes {
		if m.Source == "" || m.Target == "" {
			errs = append(errs, fmt.Sprintf("service %q: volume mount needs source and target", name))
			continue
		}
		// Absolute sources are host bind mounts; everything else must be
		// a declared volume.
		if !strings.HasPrefix(m.Source, "/") && !volumes[m.Source] {
			errs = append(errs, fmt.Sprintf("service %q: references undeclared volume %q", name, m.Source))
		}
	}

	if hc := svc.HealthCheck; hc != nil {
		if !spec.ValidHealthCheckTypes[hc.Type] {
			errs = append(errs, fmt.Sprintf("service %q: invalid health check type %q (must be one of: container, grpc, http, tcp)", name, hc.Type))
		} else if hc.Type != "container" && hc.Port == 0 {
			errs = append(errs, fmt.Sprintf("service %q: %s health check requires a port", name, hc.Type))
		}
	}

	return errs
}

// closestMatch returns the service name closest to target using simple
// edit distance, or "" if no name is close enough.
func closestMatch(target string, services map[string]spec.ServiceSpec) string {
	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	best := ""
	bestDist := len(target)/2 + 1 // threshold: must be within half the length

	for _, name := range names {
		d := editDistance(target, name)
		if d < bestDist {
			bestDist = d
			best = name
		}
	}
	return best
}

func editDistance(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(curr[j-1]+1, min(prev[j]+1, prev[j-1]+cost))
		}
		prev, curr = curr, prev
	}

	return prev[len(b)]
}
