package devstack_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	devstack "github.com/devstack-sh/devstack/client"
	"github.com/devstack-sh/devstack/spec"
)

func TestClient_CreateEnvironment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/environments" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var cfg spec.EnvironmentConfig
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			t.Error(err)
		}
		if cfg.Project != "proj" {
			t.Errorf("project: got %q", cfg.Project)
		}
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"project": "proj", "operation": "op-1"})
	}))
	defer srv.Close()

	c := devstack.NewClient(srv.URL)
	res, err := c.CreateEnvironment(context.Background(), spec.EnvironmentConfig{
		Project:  "proj",
		Services: map[string]spec.ServiceSpec{"db": {Image: "postgres:16"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Project != "proj" || res.Operation != "op-1" {
		t.Errorf("result: %+v", res)
	}
}

func TestClient_ErrorPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{
			"error":             "config validation failed",
			"validation_errors": []string{"project name is required"},
		})
	}))
	defer srv.Close()

	c := devstack.NewClient(srv.URL)
	_, err := c.CreateEnvironment(context.Background(), spec.EnvironmentConfig{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "config validation failed") ||
		!strings.Contains(err.Error(), "project name is required") {
		t.Errorf("error: %v", err)
	}
}

func TestClient_WaitOperation(t *testing.T) {
	var polls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		op := devstack.Operation{ID: "op-1", Type: "create", Status: "running", Progress: 40}
		if polls.Add(1) >= 2 {
			op.Status = "completed"
			op.Progress = 100
		}
		json.NewEncoder(w).Encode(op)
	}))
	defer srv.Close()

	c := devstack.NewClient(srv.URL)
	op, err := c.WaitOperation(context.Background(), "proj", "op-1")
	if err != nil {
		t.Fatal(err)
	}
	if op.Status != "completed" || op.Progress != 100 {
		t.Errorf("operation: %+v", op)
	}
}

func TestClient_WaitOperationFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(devstack.Operation{
			ID: "op-1", Type: "create", Status: "failed", Error: "image not found",
		})
	}))
	defer srv.Close()

	c := devstack.NewClient(srv.URL)
	op, err := c.WaitOperation(context.Background(), "proj", "op-1")
	if err == nil || !strings.Contains(err.Error(), "image not found") {
		t.Fatalf("expected failure error, got %v", err)
	}
	if op.Status != "failed" {
		t.Errorf("operation: %+v", op)
	}
}

func TestClient_Events(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Path; got != "/environments/proj/events" {
			t.Errorf("path: %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for i := 1; i <= 3; i++ {
			fmt.Fprintf(w, "id: %d\nevent: operation.progress\ndata: {\"seq\":%d,\"type\":\"operation.progress\",\"progress\":%d}\n\n", i, i, i*20)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := devstack.NewClient(srv.URL)
	ch, errFn := c.Events(ctx, "proj", devstack.StreamOptions{})

	var got []devstack.Event
	for ev := range ch {
		got = append(got, ev)
	}
	if err := errFn(); err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("events: got %d", len(got))
	}
	if got[2].Seq != 3 || got[2].Progress != 60 {
		t.Errorf("last event: %+v", got[2])
	}
}

func TestEnsureServer_FastPath(t *testing.T) {
	// A healthy daemon already registered in the addr file is reused
	// without spawning anything.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	dir := t.TempDir()
	addr := strings.TrimPrefix(srv.URL, "http://")
	if err := os.WriteFile(filepath.Join(dir, "devstackd.addr"), []byte(addr), 0o644); err != nil {
		t.Fatal(err)
	}

	url, err := devstack.EnsureServer(dir)
	if err != nil {
		t.Fatal(err)
	}
	if url != srv.URL {
		t.Errorf("url: got %q, want %q", url, srv.URL)
	}
}

func TestEnsureServer_MissingBinary(t *testing.T) {
	// No addr file and no binary anywhere: a clear error, fast.
	t.Setenv("DEVSTACK_BINARY", filepath.Join(t.TempDir(), "missing"))

	_, err := devstack.EnsureServer(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "DEVSTACK_BINARY") {
		t.Fatalf("expected binary-not-found error, got %v", err)
	}
}
