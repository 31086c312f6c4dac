package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devstack-sh/devstack/engine"
	"github.com/devstack-sh/devstack/spec"
)

// newMonitoredOrchestrator runs the health and metrics loops on fast
// ticks so tests can observe published snapshots.
func newMonitoredOrchestrator(t *testing.T, cfg spec.EnvironmentConfig, adapter *fakeAdapter) *engine.Orchestrator {
	t.Helper()
	orch, err := engine.New(cfg, adapter, engine.Options{
		HealthPollInterval: 5 * time.Millisecond,
		HealthTimeout:      500 * time.Millisecond,
		HealthInterval:     10 * time.Millisecond,
		MetricsInterval:    10 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(orch.Close)
	return orch
}

// waitHealth blocks until a health snapshot matching the predicate is
// published.
func waitHealth(t *testing.T, orch *engine.Orchestrator, match func(*spec.EnvironmentHealth) bool) *spec.EnvironmentHealth {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := orch.Events().WaitFor(ctx, func(e engine.Event) bool {
		return e.Type == engine.EventHealthUpdated && e.Health != nil && match(e.Health)
	})
	if err != nil {
		t.Fatalf("no matching health snapshot: %v", err)
	}
	return ev.Health
}

func TestHealth_AllRunningNoChecksIsHealthy(t *testing.T) {
	fake := newFakeAdapter()
	orch := newMonitoredOrchestrator(t, testConfig(), fake)
	mustWait(t, orch, orch.Create(context.Background()))

	h := waitHealth(t, orch, func(h *spec.EnvironmentHealth) bool {
		return h.Overall == spec.Healthy
	})
	if h.Services["db"] != spec.NoHealthCheck || h.Services["web"] != spec.NoHealthCheck {
		t.Errorf("per-service states: %v", h.Services)
	}
	if len(h.Issues) != 0 {
		t.Errorf("expected no issues, got %v", h.Issues)
	}
}

func TestHealth_UnhealthyServiceDominates(t *testing.T) {
	cfg := testConfig()
	cfg.Services["web"] = spec.ServiceSpec{
		Image:       "web:1",
		DependsOn:   []string{"db"},
		HealthCheck: &spec.HealthCheckSpec{Type: "container"},
	}

	fake := newFakeAdapter()
	fake.setHealth("proj-web", spec.Healthy)
	orch := newMonitoredOrchestrator(t, cfg, fake)
	mustWait(t, orch, orch.Create(context.Background()))

	// Flip web to unhealthy after a successful start.
	fake.setHealth("proj-web", spec.Unhealthy)

	h := waitHealth(t, orch, func(h *spec.EnvironmentHealth) bool {
		return h.Overall == spec.Unhealthy
	})
	if h.Services["web"] != spec.Unhealthy {
		t.Errorf("web state: got %q", h.Services["web"])
	}

	var critical bool
	for _, issue := range h.Issues {
		if issue.Service == "web" && issue.Severity == spec.SeverityCritical {
			critical = true
		}
	}
	if !critical {
		t.Errorf("expected a critical issue for web, got %v", h.Issues)
	}
}

func TestHealth_StartingBeatsHealthy(t *testing.T) {
	cfg := testConfig()
	cfg.Services["web"] = spec.ServiceSpec{
		Image:       "web:1",
		DependsOn:   []string{"db"},
		HealthCheck: &spec.HealthCheckSpec{Type: "container"},
	}

	fake := newFakeAdapter()
	fake.setHealth("proj-web", spec.Healthy)
	orch := newMonitoredOrchestrator(t, cfg, fake)
	mustWait(t, orch, orch.Create(context.Background()))

	fake.setHealth("proj-web", spec.Starting)

	h := waitHealth(t, orch, func(h *spec.EnvironmentHealth) bool {
		return h.Overall == spec.Starting
	})

	var warned bool
	for _, issue := range h.Issues {
		if issue.Service == "web" && issue.Severity == spec.SeverityWarning {
			warned = true
		}
	}
	if !warned {
		t.Errorf("expected a warning issue for web, got %v", h.Issues)
	}
}

func TestHealth_InspectFailureIsUnhealthy(t *testing.T) {
	fake := newFakeAdapter()
	orch := newMonitoredOrchestrator(t, testConfig(), fake)
	mustWait(t, orch, orch.Create(context.Background()))

	fake.setFailure("inspect:proj-db", errors.New("daemon unreachable"))

	h := waitHealth(t, orch, func(h *spec.EnvironmentHealth) bool {
		return h.Services["db"] == spec.Unhealthy
	})
	if h.Overall != spec.Unhealthy {
		t.Errorf("overall: got %q, want %q", h.Overall, spec.Unhealthy)
	}

	var found bool
	for _, issue := range h.Issues {
		if issue.Service == "db" && issue.Severity == spec.SeverityCritical {
			found = true
		}
	}
	if !found {
		t.Errorf("expected critical issue naming db, got %v", h.Issues)
	}
}

func TestHealth_SnapshotInEventIsACopy(t *testing.T) {
	fake := newFakeAdapter()
	orch := newMonitoredOrchestrator(t, testConfig(), fake)
	mustWait(t, orch, orch.Create(context.Background()))

	h := waitHealth(t, orch, func(h *spec.EnvironmentHealth) bool {
		return h.Overall == spec.Healthy
	})
	h.Services["db"] = spec.Unhealthy

	// The next published snapshot must be unaffected by the mutation.
	again := waitHealth(t, orch, func(h *spec.EnvironmentHealth) bool { return true })
	if again.Services["db"] != spec.NoHealthCheck {
		t.Errorf("snapshot shared state with subscriber: %v", again.Services)
	}
}
