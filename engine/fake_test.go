package engine_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/devstack-sh/devstack/engine/runtime"
	"github.com/devstack-sh/devstack/spec"
)

// fakeAdapter records every runtime call and lets tests inject failures
// and inspection results per target.
type fakeAdapter struct {
	mu      sync.Mutex
	calls   []string
	failOn  map[string]error                 // call string → error
	states  map[string]runtime.StateInfo     // container → state
	health  map[string]spec.HealthState      // container → health verdict
	stats   map[string]runtime.RawStats      // container → raw stats
	runOpts map[string]runtime.ServiceOptions // container → last RunService opts

	execExitCode int // exit code returned by ExecInService
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		failOn:  make(map[string]error),
		states:  make(map[string]runtime.StateInfo),
		health:  make(map[string]spec.HealthState),
		stats:   make(map[string]runtime.RawStats),
		runOpts: make(map[string]runtime.ServiceOptions),
	}
}

func (f *fakeAdapter) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.failOn[call]
}

func (f *fakeAdapter) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// callIndex returns the position of the first matching call, or -1.
func (f *fakeAdapter) callIndex(call string) int {
	for i, c := range f.Calls() {
		if c == call {
			return i
		}
	}
	return -1
}

func (f *fakeAdapter) setFailure(call string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn[call] = err
}

func (f *fakeAdapter) setState(container string, info runtime.StateInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[container] = info
}

func (f *fakeAdapter) setHealth(container string, h spec.HealthState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health[container] = h
}

func (f *fakeAdapter) setStats(container string, s runtime.RawStats) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[container] = s
}

func (f *fakeAdapter) lastRunOpts(container string) (runtime.ServiceOptions, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	opts, ok := f.runOpts[container]
	return opts, ok
}

func (f *fakeAdapter) PullImage(ctx context.Context, image string) error {
	return f.record("pull:" + image)
}

func (f *fakeAdapter) CreateNetwork(ctx context.Context, opts runtime.NetworkOptions) error {
	return f.record("mknet:" + opts.Name)
}

func (f *fakeAdapter) RemoveNetwork(ctx context.Context, name string) error {
	return f.record("rmnet:" + name)
}

func (f *fakeAdapter) CreateVolume(ctx context.Context, opts runtime.VolumeOptions) error {
	return f.record("mkvol:" + opts.Name)
}

func (f *fakeAdapter) RemoveVolume(ctx context.Context, name string) error {
	return f.record("rmvol:" + name)
}

func (f *fakeAdapter) RunService(ctx context.Context, opts runtime.ServiceOptions) (string, error) {
	if err := f.record("run:" + opts.Name); err != nil {
		return "", err
	}
	f.mu.Lock()
	f.runOpts[opts.Name] = opts
	if _, ok := f.states[opts.Name]; !ok {
		f.states[opts.Name] = runtime.StateInfo{State: spec.StateRunning}
	}
	f.mu.Unlock()
	return "id-" + opts.Name, nil
}

func (f *fakeAdapter) StartService(ctx context.Context, name string) error {
	if err := f.record("start:" + name); err != nil {
		return err
	}
	f.setState(name, runtime.StateInfo{State: spec.StateRunning})
	return nil
}

func (f *fakeAdapter) StopService(ctx context.Context, name string) error {
	if err := f.record("stop:" + name); err != nil {
		return err
	}
	code := 0
	f.setState(name, runtime.StateInfo{State: spec.StateExited, ExitCode: &code})
	return nil
}

func (f *fakeAdapter) RemoveService(ctx context.Context, name string) error {
	if err := f.record("rm:" + name); err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.states, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeAdapter) ScaleService(ctx context.Context, opts runtime.ServiceOptions, replicas int) (int, error) {
	if err := f.record(fmt.Sprintf("scale:%s:%d", opts.Name, replicas)); err != nil {
		return 0, err
	}
	return replicas, nil
}

func (f *fakeAdapter) InspectState(ctx context.Context, name string) (runtime.StateInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["inspect:"+name]; err != nil {
		return runtime.StateInfo{}, err
	}
	info, ok := f.states[name]
	if !ok {
		return runtime.StateInfo{}, runtime.ErrNotFound
	}
	return info, nil
}

func (f *fakeAdapter) InspectHealth(ctx context.Context, name string) (spec.HealthState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["health:"+name]; err != nil {
		return "", err
	}
	if h, ok := f.health[name]; ok {
		return h, nil
	}
	return spec.NoHealthCheck, nil
}

func (f *fakeAdapter) FetchStats(ctx context.Context, name string) (runtime.RawStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["stats:"+name]; err != nil {
		return runtime.RawStats{}, err
	}
	s, ok := f.stats[name]
	if !ok {
		return runtime.RawStats{}, runtime.ErrNotFound
	}
	return s, nil
}

func (f *fakeAdapter) ExecInService(ctx context.Context, name string, cmd []string, opts runtime.ExecOptions) (runtime.ExecResult, error) {
	if err := f.record(fmt.Sprintf("exec:%s:%s", name, cmd[0])); err != nil {
		return runtime.ExecResult{}, err
	}
	f.mu.Lock()
	code := f.execExitCode
	f.mu.Unlock()
	return runtime.ExecResult{ExitCode: code}, nil
}

func (f *fakeAdapter) StreamLogs(ctx context.Context, name string, opts runtime.LogOptions) (io.ReadCloser, error) {
	f.record("logs:" + name)
	return io.NopCloser(bytes.NewReader(nil)), nil
}
