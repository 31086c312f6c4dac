package engine

import (
	"fmt"
	"net"
	"sync"
)

// PortAllocator hands out free host ports for port mappings that declare
// HostPort 0 and tracks which ports belong to which project, so the same
// daemon never assigns a port already claimed by another environment.
type PortAllocator struct {
	mu        sync.Mutex
	allocated map[int]string   // port → project
	byProject map[string][]int // project → ports (reverse index for O(k) release)
}

// NewPortAllocator creates an empty port allocator.
func NewPortAllocator() *PortAllocator {
	return &PortAllocator{
		allocated: make(map[int]string),
		byProject: make(map[string][]int),
	}
}

// Allocate reserves n free ports for the given project. It binds to :0
// to let the OS assign free ports, records them, then closes the
// listeners and returns the ports.
//
// There is a small TOCTOU window between closing the listener and the
// container actually binding the port. In practice this is negligible.
func (a *PortAllocator) Allocate(project string, n int) ([]int, error) {
	if n <= 0 {
		return nil, nil
	}

	listeners := make([]net.Listener, 0, n)
	ports := make([]int, 0, n)

	// Open all listeners first to get guaranteed-unique ports from the OS.
	for range n {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return nil, fmt.Errorf("allocate port: %w", err)
		}
		listeners = append(listeners, ln)
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
	}

	for _, ln := range listeners {
		ln.Close()
	}

	// Record the allocation. Check all ports before writing any to avoid
	// partial state if a collision is detected.
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, port := range ports {
		if owner, ok := a.allocated[port]; ok {
			// Extremely unlikely — the OS just gave us this port.
			return nil, fmt.Errorf("port %d already allocated to project %q", port, owner)
		}
	}
	for _, port := range ports {
		a.allocated[port] = project
	}
	a.byProject[project] = append(a.byProject[project], ports...)

	return ports, nil
}

// Release removes all port tracking for the given project.
func (a *PortAllocator) Release(project string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, port := range a.byProject[project] {
		delete(a.allocated, port)
	}
	delete(a.byProject, project)
}

// Allocated returns the number of currently tracked ports.
func (a *PortAllocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.allocated)
}
