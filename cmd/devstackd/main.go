package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/devstack-sh/devstack/engine"
	"github.com/devstack-sh/devstack/engine/runtime"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:0", "listen address")
	idle := flag.Duration("idle", 10*time.Minute, "idle shutdown timeout (0 to disable)")
	dir := flag.String("dir", "", "devstack directory (default ~/.devstack)")
	addrFile := flag.String("addr-file", "", "file to write the listen address to (default {dir}/devstackd.addr)")
	flag.Parse()

	if *dir == "" {
		*dir = defaultDir()
	}
	if *addrFile == "" {
		*addrFile = filepath.Join(*dir, "devstackd.addr")
	}

	adapter := runtime.Docker{}
	backups := &engine.VolumeArchiver{
		Adapter: adapter,
		Dir:     filepath.Join(*dir, "backups"),
	}

	s := engine.NewServer(adapter, backups, *idle)

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "devstackd: listen: %v\n", err)
		os.Exit(1)
	}

	// Write the addr file atomically so clients never read a partial
	// address.
	if err := os.MkdirAll(filepath.Dir(*addrFile), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "devstackd: mkdir: %v\n", err)
		os.Exit(1)
	}
	tmpFile := *addrFile + ".tmp"
	if err := os.WriteFile(tmpFile, []byte(ln.Addr().String()), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "devstackd: write addr file: %v\n", err)
		os.Exit(1)
	}
	if err := os.Rename(tmpFile, *addrFile); err != nil {
		os.Remove(tmpFile)
		fmt.Fprintf(os.Stderr, "devstackd: rename addr file: %v\n", err)
		os.Exit(1)
	}
	defer os.Remove(*addrFile)

	fmt.Fprintf(os.Stderr, "devstackd listening on %s\n", ln.Addr())

	httpSrv := &http.Server{Handler: s}

	// Serve in background.
	serveErr := make(chan error, 1)
	go func() { serveErr <- httpSrv.Serve(ln) }()

	// Wait for idle shutdown, signal, or serve error.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-s.ShutdownCh():
		fmt.Fprintln(os.Stderr, "devstackd: idle timeout, shutting down")
	case sig := <-sigCh:
		fmt.Fprintf(os.Stderr, "devstackd: received %s, shutting down\n", sig)
	case err := <-serveErr:
		fmt.Fprintf(os.Stderr, "devstackd: serve error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	httpSrv.Shutdown(ctx)
}

func defaultDir() string {
	if dir := os.Getenv("DEVSTACK_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "devstack")
	}
	return filepath.Join(home, ".devstack")
}
