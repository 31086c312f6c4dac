package devstack

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
)

// EnsureServer finds or starts a devstackd instance and returns its
// base URL (e.g. "http://127.0.0.1:12345"). devstackDir overrides the
// default directory (~/.devstack) for addr/lock file discovery; pass ""
// for the default.
func EnsureServer(devstackDir string) (string, error) {
	if devstackDir == "" {
		devstackDir = defaultDevstackDir()
	}

	addrFile := filepath.Join(devstackDir, "devstackd.addr")
	lockFile := filepath.Join(devstackDir, "devstackd.lock")

	// Fast path: existing instance.
	if addr, err := os.ReadFile(addrFile); err == nil {
		if probeHealth(string(addr)) {
			return "http://" + string(addr), nil
		}
	}

	// Acquire lock to prevent concurrent starts.
	if err := os.MkdirAll(devstackDir, 0o755); err != nil {
		return "", fmt.Errorf("create devstack dir: %w", err)
	}
	unlock, err := acquireLock(lockFile)
	if err != nil {
		return "", fmt.Errorf("acquire lock: %w", err)
	}
	defer unlock()

	// Double-check after acquiring lock.
	if addr, err := os.ReadFile(addrFile); err == nil {
		if probeHealth(string(addr)) {
			return "http://" + string(addr), nil
		}
	}

	binPath, err := findBinary()
	if err != nil {
		return "", err
	}

	// Start devstackd as a detached subprocess.
	cmd := exec.Command(binPath, "--idle", "10m", "--addr-file", addrFile)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	// Append stderr to a log file for debugging.
	logPath := filepath.Join(devstackDir, "devstackd.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err == nil {
		cmd.Stderr = logFile
		defer logFile.Close()
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start devstackd: %w", err)
	}

	// Poll for the addr file.
	const (
		pollInterval = 100 * time.Millisecond
		pollTimeout  = 10 * time.Second
	)
	deadline := time.Now().Add(pollTimeout)
	for time.Now().Before(deadline) {
		if addr, err := os.ReadFile(addrFile); err == nil && len(addr) > 0 {
			addrStr := string(addr)
			if probeHealth(addrStr) {
				return "http://" + addrStr, nil
			}
		}
		time.Sleep(pollInterval)
	}

	return "", fmt.Errorf("devstackd did not become healthy within %s (log: %s)", pollTimeout, logPath)
}

// findBinary locates the devstackd binary.
//
// Search order:
//  1. DEVSTACK_BINARY env var (explicit override for dev/CI)
//  2. ~/.devstack/bin/devstackd
//  3. PATH lookup
func findBinary() (string, error) {
	if p := os.Getenv("DEVSTACK_BINARY"); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("DEVSTACK_BINARY=%q: file not found", p)
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".devstack", "bin", "devstackd")
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	if p, err := exec.LookPath("devstackd"); err == nil {
		return p, nil
	}
	return "", fmt.Errorf("devstackd binary not found (set DEVSTACK_BINARY or install it on PATH)")
}

// probeHealth sends GET /health to addr and returns true on 200.
func probeHealth(addr string) bool {
	c := http.Client{Timeout: time.Second}
	resp, err := c.Get("http://" + addr + "/health")
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// acquireLock acquires an exclusive file lock. Returns an unlock
// function.
func acquireLock(path string) (unlock func(), err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}
	return func() {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		f.Close()
		os.Remove(path)
	}, nil
}

// defaultDevstackDir returns the default devstack directory. Mirrors
// the daemon's logic without importing the engine.
func defaultDevstackDir() string {
	if dir := os.Getenv("DEVSTACK_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "devstack")
	}
	return filepath.Join(home, ".devstack")
}
