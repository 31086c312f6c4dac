package engine

import (
	"sync"
	"time"
)

// IdleTimer shuts the daemon down after a period with no environments.
// Projects are tracked by name; the countdown runs only while the set
// is empty and restarts whenever it empties again.
type IdleTimer struct {
	mu       sync.Mutex
	projects map[string]bool
	timeout  time.Duration
	timer    *time.Timer
	shutdown chan struct{}
	once     sync.Once
}

// NewIdleTimer creates an IdleTimer that fires after timeout unless a
// project is registered first. A zero timeout disables it entirely.
func NewIdleTimer(timeout time.Duration) *IdleTimer {
	t := &IdleTimer{
		projects: make(map[string]bool),
		timeout:  timeout,
		shutdown: make(chan struct{}),
	}
	if timeout > 0 {
		t.timer = time.AfterFunc(timeout, t.fire)
	}
	return t
}

func (t *IdleTimer) fire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.projects) == 0 {
		t.once.Do(func() { close(t.shutdown) })
	}
}

// Track registers an active project and suspends the countdown.
func (t *IdleTimer) Track(project string) {
	if t.timeout == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.projects[project] = true
	t.timer.Stop()
}

// Forget removes a project. When the last project goes away the
// countdown restarts from the full timeout.
func (t *IdleTimer) Forget(project string) {
	if t.timeout == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.projects, project)
	if len(t.projects) == 0 {
		t.timer.Reset(t.timeout)
	}
}

// ShutdownCh returns a channel closed when the idle timeout fires.
func (t *IdleTimer) ShutdownCh() <-chan struct{} {
	return t.shutdown
}
