// Package probe implements host-side health checks against a service's
// mapped port: plain TCP dial, HTTP GET, and the standard gRPC health
// checking protocol.
package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/devstack-sh/devstack/spec"
)

// DefaultTimeout bounds a single probe when the spec does not override it.
const DefaultTimeout = 2 * time.Second

// Checker performs a single health probe against an address.
type Checker interface {
	Check(ctx context.Context, addr string) error
}

// ForSpec returns a Checker for the given health check spec, or nil for
// check types that are not probed from the host ("container", "").
func ForSpec(hc *spec.HealthCheckSpec) Checker {
	if hc == nil {
		return nil
	}
	switch hc.Type {
	case "http":
		path := hc.Path
		if path == "" {
			path = "/"
		}
		return &HTTP{Path: path}
	case "tcp":
		return TCP{}
	case "grpc":
		return GRPC{}
	default:
		return nil
	}
}

// Run executes one probe with the spec's timeout (or DefaultTimeout)
// applied.
func Run(ctx context.Context, checker Checker, addr string, hc *spec.HealthCheckSpec) error {
	timeout := DefaultTimeout
	if hc != nil && hc.Timeout.Duration > 0 {
		timeout = hc.Timeout.Duration
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := checker.Check(ctx, addr); err != nil {
		return fmt.Errorf("probe %s: %w", addr, err)
	}
	return nil
}
