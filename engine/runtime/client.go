package runtime

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/docker/docker/client"
)

var (
	sharedClient *client.Client
	clientOnce   sync.Once
	clientErr    error
)

// dockerClient returns a process-wide shared Docker client. The client
// is thread-safe and reuses connections to the daemon. Callers must NOT
// call Close on it.
func dockerClient() (*client.Client, error) {
	clientOnce.Do(func() {
		sharedClient, clientErr = newDockerClient()
	})
	return sharedClient, clientErr
}

// newDockerClient creates a Docker client. If DOCKER_HOST is not set, it
// probes common socket paths so the SDK finds Docker Desktop on macOS
// without extra configuration.
func newDockerClient() (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}

	// Pass the host directly via client options, not os.Setenv, which is
	// not concurrent-safe.
	if os.Getenv("DOCKER_HOST") == "" {
		if sock := findSocket(); sock != "" {
			opts = append(opts, client.WithHost("unix://"+sock))
		}
	}

	return client.NewClientWithOpts(opts...)
}

// findSocket returns the first existing Docker socket path, or "".
func findSocket() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}

	candidates := []string{
		"/var/run/docker.sock",
	}
	if home != "" {
		candidates = append(candidates,
			filepath.Join(home, ".docker", "run", "docker.sock"),
			filepath.Join(home, ".colima", "default", "docker.sock"),
		)
	}

	for _, p := range candidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
