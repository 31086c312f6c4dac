package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/devstack-sh/devstack/spec"
)

// CycleError reports a dependency cycle. Service is a service on the
// cycle; Path is the full cycle in forward order, first == last.
type CycleError struct {
	Service string
	Path    []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " → "))
}

// StartOrder computes a total order in which every service appears after
// all of its dependencies, using depth-first traversal with three-color
// marking. Encountering a service already being visited signals a cycle
// and returns a *CycleError naming it.
//
// Output is deterministic: traversal roots are visited in sorted name
// order and edges in declared order.
func StartOrder(services map[string]spec.ServiceSpec) ([]string, error) {
	const (
		unvisited = 0
		visiting  = 1
		visited   = 2
	)

	state := make(map[string]int, len(services))
	parent := make(map[string]string, len(services))
	order := make([]string, 0, len(services))

	names := make([]string, 0, len(services))
	for name := range services {
		names = append(names, name)
	}
	sort.Strings(names)

	var dfs func(name string) error
	dfs = func(name string) error {
		state[name] = visiting

		for _, dep := range services[name].DependsOn {
			if _, ok := services[dep]; !ok {
				continue // dangling ref — rejected by validation before any resolver call
			}

			switch state[dep] {
			case visiting:
				// Found a cycle — walk parent pointers back to the
				// dependency to build the path.
				path := []string{dep, name}
				for cur := name; cur != dep; {
					cur = parent[cur]
					path = append(path, cur)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return &CycleError{Service: dep, Path: path}
			case unvisited:
				parent[dep] = name
				if err := dfs(dep); err != nil {
					return err
				}
			}
		}

		state[name] = visited
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if state[name] == unvisited {
			if err := dfs(name); err != nil {
				return nil, err
			}
		}
	}
	return order, nil
}

// StopOrder is the exact reverse of the given start order. No
// independent computation, so the two are symmetric by construction.
func StopOrder(startOrder []string) []string {
	out := make([]string, len(startOrder))
	for i, name := range startOrder {
		out[len(startOrder)-1-i] = name
	}
	return out
}
