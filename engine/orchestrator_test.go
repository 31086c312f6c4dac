package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/devstack-sh/devstack/engine"
	"github.com/devstack-sh/devstack/engine/runtime"
	"github.com/devstack-sh/devstack/spec"
)

// testConfig is a two-service environment where web depends on db.
func testConfig() spec.EnvironmentConfig {
	return spec.EnvironmentConfig{
		Project: "proj",
		Services: map[string]spec.ServiceSpec{
			"db":  {Image: "postgres:16"},
			"web": {Image: "web:1", DependsOn: []string{"db"}},
		},
	}
}

func newTestOrchestrator(t *testing.T, cfg spec.EnvironmentConfig, adapter runtime.Adapter) *engine.Orchestrator {
	t.Helper()
	orch, err := engine.New(cfg, adapter, engine.Options{
		HealthPollInterval: 5 * time.Millisecond,
		HealthTimeout:      500 * time.Millisecond,
		HealthInterval:     time.Hour, // keep the loops quiet unless a test wants them
		MetricsInterval:    time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(orch.Close)
	return orch
}

func mustWait(t *testing.T, orch *engine.Orchestrator, opID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := orch.Wait(ctx, opID); err != nil {
		t.Fatalf("operation failed: %v", err)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Project = ""

	_, err := engine.New(cfg, newFakeAdapter(), engine.Options{})
	var cfgErr *engine.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *ConfigError, got %v", err)
	}
	if len(cfgErr.Problems) == 0 {
		t.Error("expected at least one problem")
	}
}

func TestCreate_RunsStagesInOrder(t *testing.T) {
	fake := newFakeAdapter()
	orch := newTestOrchestrator(t, testConfig(), fake)

	opID := orch.Create(context.Background())
	mustWait(t, orch, opID)

	if got := orch.State(); got != spec.EnvRunning {
		t.Errorf("state: got %q, want %q", got, spec.EnvRunning)
	}

	// Dependencies start before dependents, and all images are pulled
	// before any container runs.
	pullWeb := fake.callIndex("pull:web:1")
	runDB := fake.callIndex("run:proj-db")
	runWeb := fake.callIndex("run:proj-web")
	if pullWeb == -1 || runDB == -1 || runWeb == -1 {
		t.Fatalf("missing calls: %v", fake.Calls())
	}
	if runDB > runWeb {
		t.Errorf("db started after web: %v", fake.Calls())
	}
	if pullWeb > runDB {
		t.Errorf("image pulled after a container ran: %v", fake.Calls())
	}

	// The default network exists before any service.
	if net := fake.callIndex("mknet:proj-default"); net == -1 || net > runDB {
		t.Errorf("default network not created before services: %v", fake.Calls())
	}

	op, ok := orch.Operations().Get(opID)
	if !ok {
		t.Fatal("operation not found")
	}
	if op.Status != engine.OpCompleted || op.Progress != 100 {
		t.Errorf("operation: got %s/%d, want completed/100", op.Status, op.Progress)
	}
}

func TestCreate_PullFailureFailsFast(t *testing.T) {
	fake := newFakeAdapter()
	fake.setFailure("pull:postgres:16", errors.New("manifest unknown"))
	orch := newTestOrchestrator(t, testConfig(), fake)

	opID := orch.Create(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := orch.Wait(ctx, opID)
	if err == nil || !strings.Contains(err.Error(), "manifest unknown") {
		t.Fatalf("expected pull failure, got %v", err)
	}

	// Fail-fast: nothing past the pull stage ran.
	for _, call := range fake.Calls() {
		if strings.HasPrefix(call, "mknet:") || strings.HasPrefix(call, "run:") {
			t.Errorf("unexpected call after pull failure: %s", call)
		}
	}

	if got := orch.State(); got != spec.EnvError {
		t.Errorf("state: got %q, want %q", got, spec.EnvError)
	}

	op, _ := orch.Operations().Get(opID)
	if op.Status != engine.OpFailed {
		t.Errorf("operation status: got %s, want failed", op.Status)
	}
	if op.Progress == 100 {
		t.Error("failed operation must not reach progress 100")
	}
}

func TestCreate_HealthTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.Services["web"] = spec.ServiceSpec{
		Image:       "web:1",
		DependsOn:   []string{"db"},
		HealthCheck: &spec.HealthCheckSpec{Type: "container"},
	}

	fake := newFakeAdapter()
	fake.setHealth("proj-web", spec.Starting) // never becomes healthy
	orch := newTestOrchestrator(t, cfg, fake)

	opID := orch.Create(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := orch.Wait(ctx, opID)

	var timeoutErr *engine.HealthTimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected *HealthTimeoutError, got %v", err)
	}
	if len(timeoutErr.Unhealthy) != 1 || timeoutErr.Unhealthy[0] != "web" {
		t.Errorf("unhealthy services: got %v, want [web]", timeoutErr.Unhealthy)
	}

	// No rollback: the containers that were started stay up.
	if fake.callIndex("run:proj-db") == -1 {
		t.Error("expected db to have been started")
	}
	for _, call := range fake.Calls() {
		if strings.HasPrefix(call, "stop:") || strings.HasPrefix(call, "rm:") {
			t.Errorf("unexpected teardown call after health timeout: %s", call)
		}
	}
}

func TestStop_ReversesStartOrder(t *testing.T) {
	fake := newFakeAdapter()
	orch := newTestOrchestrator(t, testConfig(), fake)

	mustWait(t, orch, orch.Create(context.Background()))
	mustWait(t, orch, orch.Stop(context.Background()))

	stopWeb := fake.callIndex("stop:proj-web")
	stopDB := fake.callIndex("stop:proj-db")
	if stopWeb == -1 || stopDB == -1 {
		t.Fatalf("missing stop calls: %v", fake.Calls())
	}
	if stopWeb > stopDB {
		t.Errorf("web stopped after db: %v", fake.Calls())
	}
	if got := orch.State(); got != spec.EnvStopped {
		t.Errorf("state: got %q, want %q", got, spec.EnvStopped)
	}
}

func TestStop_FailSoftContinues(t *testing.T) {
	fake := newFakeAdapter()
	fake.setFailure("stop:proj-web", errors.New("cannot stop"))
	orch := newTestOrchestrator(t, testConfig(), fake)

	mustWait(t, orch, orch.Create(context.Background()))

	opID := orch.Stop(context.Background())
	mustWait(t, orch, opID) // fail-soft: the operation still completes

	if fake.callIndex("stop:proj-db") == -1 {
		t.Errorf("db stop skipped after web stop failed: %v", fake.Calls())
	}

	op, _ := orch.Operations().Get(opID)
	found := false
	for _, line := range op.Log {
		if strings.Contains(line, "warning") && strings.Contains(line, "proj-web") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected warning log line, got %v", op.Log)
	}
}

func TestDestroy_AttemptsEveryResource(t *testing.T) {
	cfg := spec.EnvironmentConfig{
		Project: "proj",
		Services: map[string]spec.ServiceSpec{
			"a": {Image: "a:1"},
			"b": {Image: "b:1"},
			"c": {Image: "c:1"},
		},
		Volumes: []spec.VolumeSpec{{Name: "data"}},
	}

	fake := newFakeAdapter()
	fake.setFailure("rm:proj-b", errors.New("device busy"))
	orch := newTestOrchestrator(t, cfg, fake)

	mustWait(t, orch, orch.Create(context.Background()))
	mustWait(t, orch, orch.Destroy(context.Background()))

	// All three removals attempted despite the middle one failing.
	for _, name := range []string{"rm:proj-a", "rm:proj-b", "rm:proj-c"} {
		if fake.callIndex(name) == -1 {
			t.Errorf("missing %s: %v", name, fake.Calls())
		}
	}
	if fake.callIndex("rmnet:proj-default") == -1 {
		t.Errorf("network not removed: %v", fake.Calls())
	}
	if fake.callIndex("rmvol:proj-data") == -1 {
		t.Errorf("volume not removed: %v", fake.Calls())
	}
}

func TestDestroy_PersistVolumesSkipsRemoval(t *testing.T) {
	cfg := testConfig()
	cfg.Volumes = []spec.VolumeSpec{{Name: "data"}}
	cfg.Backup = spec.BackupPolicy{PersistVolumes: true}

	fake := newFakeAdapter()
	orch := newTestOrchestrator(t, cfg, fake)

	mustWait(t, orch, orch.Create(context.Background()))
	mustWait(t, orch, orch.Destroy(context.Background()))

	for _, call := range fake.Calls() {
		if strings.HasPrefix(call, "rmvol:") {
			t.Errorf("volume removed despite persist policy: %s", call)
		}
	}
}

func TestRestart_StopsThenRecreates(t *testing.T) {
	fake := newFakeAdapter()
	orch := newTestOrchestrator(t, testConfig(), fake)

	mustWait(t, orch, orch.Create(context.Background()))
	mustWait(t, orch, orch.Restart(context.Background()))

	calls := fake.Calls()
	// The restart's stop of web precedes its second start of db.
	lastStopWeb := -1
	for i, c := range calls {
		if c == "stop:proj-web" {
			lastStopWeb = i
		}
	}
	lastStartDB := -1
	for i, c := range calls {
		if c == "run:proj-db" || c == "start:proj-db" {
			lastStartDB = i
		}
	}
	if lastStopWeb == -1 || lastStartDB == -1 || lastStopWeb > lastStartDB {
		t.Errorf("restart order wrong: %v", calls)
	}
	if got := orch.State(); got != spec.EnvRunning {
		t.Errorf("state: got %q, want %q", got, spec.EnvRunning)
	}
}

func TestScale_PublishesEvent(t *testing.T) {
	fake := newFakeAdapter()
	orch := newTestOrchestrator(t, testConfig(), fake)

	mustWait(t, orch, orch.Create(context.Background()))

	opID, err := orch.Scale(context.Background(), "web", 3)
	if err != nil {
		t.Fatal(err)
	}
	mustWait(t, orch, opID)

	if fake.callIndex("scale:proj-web:3") == -1 {
		t.Errorf("missing scale call: %v", fake.Calls())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ev, err := orch.Events().WaitFor(ctx, func(e engine.Event) bool {
		return e.Type == engine.EventServiceScaled
	})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Service != "web" || ev.Replicas != 3 {
		t.Errorf("scaled event: got %s/%d, want web/3", ev.Service, ev.Replicas)
	}
}

func TestScale_UnknownServiceRejected(t *testing.T) {
	orch := newTestOrchestrator(t, testConfig(), newFakeAdapter())

	if _, err := orch.Scale(context.Background(), "nope", 2); err == nil {
		t.Fatal("expected error for unknown service")
	}
}

func TestCreate_ExpandsWiringEnv(t *testing.T) {
	cfg := spec.EnvironmentConfig{
		Project: "proj",
		Services: map[string]spec.ServiceSpec{
			"db": {
				Image: "postgres:16",
				Ports: []spec.PortSpec{{HostPort: 15432, ContainerPort: 5432}},
			},
			"web": {
				Image:     "web:1",
				DependsOn: []string{"db"},
				Env:       map[string]string{"DB_URL": "postgres://${DB_HOST}:${DB_PORT}/app"},
			},
		},
	}

	fake := newFakeAdapter()
	orch := newTestOrchestrator(t, cfg, fake)
	mustWait(t, orch, orch.Create(context.Background()))

	opts, ok := fake.lastRunOpts("proj-web")
	if !ok {
		t.Fatal("web was not run")
	}
	if got := opts.Env["DB_URL"]; got != "postgres://proj-db:5432/app" {
		t.Errorf("DB_URL: got %q", got)
	}
}

func TestCreate_AllocatesDynamicHostPorts(t *testing.T) {
	cfg := spec.EnvironmentConfig{
		Project: "proj",
		Services: map[string]spec.ServiceSpec{
			"web": {
				Image: "web:1",
				Ports: []spec.PortSpec{{HostPort: 0, ContainerPort: 8080}},
			},
		},
	}

	fake := newFakeAdapter()
	orch := newTestOrchestrator(t, cfg, fake)
	mustWait(t, orch, orch.Create(context.Background()))

	opts, ok := fake.lastRunOpts("proj-web")
	if !ok {
		t.Fatal("web was not run")
	}
	if len(opts.Ports) != 1 || opts.Ports[0].HostPort == 0 {
		t.Errorf("host port not allocated: %+v", opts.Ports)
	}
}

func TestBackup_RequiresCoordinator(t *testing.T) {
	orch := newTestOrchestrator(t, testConfig(), newFakeAdapter())

	if _, err := orch.Backup(context.Background()); err == nil {
		t.Fatal("expected error without a backup coordinator")
	}
}

func TestBackup_EntersMaintenanceAndRestores(t *testing.T) {
	cfg := testConfig()
	cfg.Volumes = []spec.VolumeSpec{{Name: "data"}}
	cfg.Backup = spec.BackupPolicy{PersistVolumes: true}

	fake := newFakeAdapter()
	coord := &fakeCoordinator{archive: "/tmp/archive"}
	orch, err := engine.New(cfg, fake, engine.Options{
		Backups:            coord,
		HealthPollInterval: 5 * time.Millisecond,
		HealthTimeout:      500 * time.Millisecond,
		HealthInterval:     time.Hour,
		MetricsInterval:    time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(orch.Close)

	mustWait(t, orch, orch.Create(context.Background()))

	opID, err := orch.Backup(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	mustWait(t, orch, opID)

	if len(coord.backedUp) != 1 || coord.backedUp[0] != "proj-data" {
		t.Errorf("backed up volumes: got %v, want [proj-data]", coord.backedUp)
	}
	if got := orch.State(); got != spec.EnvRunning {
		t.Errorf("state after backup: got %q, want %q", got, spec.EnvRunning)
	}

	// The environment passed through maintenance.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := orch.Events().WaitFor(ctx, func(e engine.Event) bool {
		return e.Type == engine.EventEnvMaintenance
	}); err != nil {
		t.Error("no maintenance event published")
	}
}

// fakeCoordinator records backup/restore requests.
type fakeCoordinator struct {
	archive  string
	backedUp []string
	restored []string
}

func (c *fakeCoordinator) Backup(ctx context.Context, cfg spec.EnvironmentConfig, status spec.EnvironmentStatus, volumes []string) (string, error) {
	c.backedUp = append(c.backedUp, volumes...)
	return c.archive, nil
}

func (c *fakeCoordinator) Restore(ctx context.Context, cfg spec.EnvironmentConfig, archive string, volumes []string) error {
	c.restored = append(c.restored, volumes...)
	return nil
}

func TestStatus_ReturnsCopies(t *testing.T) {
	fake := newFakeAdapter()
	orch := newTestOrchestrator(t, testConfig(), fake)
	mustWait(t, orch, orch.Create(context.Background()))

	st := orch.Status(context.Background())
	if st.Project != "proj" || st.State != spec.EnvRunning {
		t.Errorf("status: got %s/%s", st.Project, st.State)
	}
	if st.Services["db"].State != spec.StateRunning {
		t.Errorf("db state: got %q", st.Services["db"].State)
	}
	if len(st.StartOrder) != 2 || st.StartOrder[0] != "db" {
		t.Errorf("start order: got %v", st.StartOrder)
	}

	// Mutating the snapshot must not affect subsequent queries.
	st.Services["db"] = spec.ServiceStatus{Name: "db", State: spec.StateDead}
	st.StartOrder[0] = "mutated"
	again := orch.Status(context.Background())
	if again.Services["db"].State != spec.StateRunning {
		t.Error("status snapshot is not a copy")
	}
	if again.StartOrder[0] != "db" {
		t.Error("start order is not a copy")
	}
}

func TestStartOrder_IsExposedCopy(t *testing.T) {
	orch := newTestOrchestrator(t, testConfig(), newFakeAdapter())

	order := orch.StartOrder()
	if len(order) != 2 || order[0] != "db" || order[1] != "web" {
		t.Fatalf("start order: got %v", order)
	}
	order[0] = "mutated"
	if orch.StartOrder()[0] != "db" {
		t.Error("StartOrder returned a live reference")
	}
}
