package engine_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/devstack-sh/devstack/engine"
)

const testConfigJSON = `{
	"project": "proj",
	"services": {
		"db":  {"image": "postgres:16"},
		"web": {"image": "web:1", "depends_on": ["db"]}
	}
}`

func newTestServer(t *testing.T) (*httptest.Server, *fakeAdapter) {
	t.Helper()
	fake := newFakeAdapter()
	srv := httptest.NewServer(engine.NewServer(fake, nil, 0))
	t.Cleanup(srv.Close)
	return srv, fake
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader([]byte(body)))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

// createEnvironment posts the test config and waits for the create
// operation to finish.
func createEnvironment(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	resp := postJSON(t, srv.URL+"/environments", testConfigJSON)
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("create: got %d: %s", resp.StatusCode, body)
	}
	var created struct {
		Project   string `json:"project"`
		Operation string `json:"operation"`
	}
	decodeBody(t, resp, &created)

	waitOperation(t, srv, created.Project, created.Operation)
	return created.Operation
}

func waitOperation(t *testing.T, srv *httptest.Server, project, opID string) engine.Operation {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("%s/environments/%s/operations/%s", srv.URL, project, opID))
		if err != nil {
			t.Fatal(err)
		}
		var op engine.Operation
		decodeBody(t, resp, &op)
		if op.Status.Terminal() {
			if op.Status != engine.OpCompleted {
				t.Fatalf("operation %s: %s: %s", opID, op.Status, op.Error)
			}
			return op
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("operation %s never finished", opID)
	return engine.Operation{}
}

func TestServer_Health(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("body: got %v", body)
	}
}

func TestServer_CreateEnvironment(t *testing.T) {
	srv, fake := newTestServer(t)

	createEnvironment(t, srv)

	if fake.callIndex("run:proj-db") == -1 || fake.callIndex("run:proj-web") == -1 {
		t.Errorf("containers not started: %v", fake.Calls())
	}

	// The environment shows up in the listing as running.
	resp, err := http.Get(srv.URL + "/environments")
	if err != nil {
		t.Fatal(err)
	}
	var envs map[string]string
	decodeBody(t, resp, &envs)
	if envs["proj"] != "running" {
		t.Errorf("listing: got %v", envs)
	}

	// And its status endpoint reports per-service state.
	resp, err = http.Get(srv.URL + "/environments/proj")
	if err != nil {
		t.Fatal(err)
	}
	var status struct {
		Project  string `json:"project"`
		State    string `json:"state"`
		Services map[string]struct {
			State string `json:"state"`
		} `json:"services"`
	}
	decodeBody(t, resp, &status)
	if status.State != "running" || status.Services["db"].State != "running" {
		t.Errorf("status: %+v", status)
	}
}

func TestServer_CreateInvalidConfig(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/environments", `{"project": "", "services": {}}`)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d, want 422", resp.StatusCode)
	}
	var body struct {
		Error            string   `json:"error"`
		ValidationErrors []string `json:"validation_errors"`
	}
	decodeBody(t, resp, &body)
	if len(body.ValidationErrors) == 0 {
		t.Errorf("expected validation errors, got %+v", body)
	}
}

func TestServer_CreateMalformedJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/environments", `{not json`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestServer_CreateDuplicateProject(t *testing.T) {
	srv, _ := newTestServer(t)
	createEnvironment(t, srv)

	resp := postJSON(t, srv.URL+"/environments", testConfigJSON)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status: got %d, want 409", resp.StatusCode)
	}
}

func TestServer_StartOperation(t *testing.T) {
	srv, fake := newTestServer(t)
	createEnvironment(t, srv)

	resp := postJSON(t, srv.URL+"/environments/proj/operations", `{"type": "stop"}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status: got %d, want 202", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	waitOperation(t, srv, "proj", body["operation"])

	if fake.callIndex("stop:proj-web") == -1 {
		t.Errorf("stop not issued: %v", fake.Calls())
	}
}

func TestServer_StartOperationUnknownType(t *testing.T) {
	srv, _ := newTestServer(t)
	createEnvironment(t, srv)

	resp := postJSON(t, srv.URL+"/environments/proj/operations", `{"type": "explode"}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status: got %d, want 400", resp.StatusCode)
	}
}

func TestServer_ScaleValidationError(t *testing.T) {
	srv, _ := newTestServer(t)
	createEnvironment(t, srv)

	resp := postJSON(t, srv.URL+"/environments/proj/operations",
		`{"type": "scale", "service": "nope", "replicas": 2}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status: got %d, want 422", resp.StatusCode)
	}
}

func TestServer_UnknownProjectIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{
		"/environments/ghost",
		"/environments/ghost/operations",
		"/environments/ghost/metrics",
	} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: got %d, want 404", path, resp.StatusCode)
		}
	}
}

func TestServer_GetOperationNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	createEnvironment(t, srv)

	resp, err := http.Get(srv.URL + "/environments/proj/operations/nope")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestServer_DestroyEnvironment(t *testing.T) {
	srv, fake := newTestServer(t)
	createEnvironment(t, srv)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/environments/proj", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	var body struct {
		Status    string            `json:"status"`
		Operation *engine.Operation `json:"operation"`
	}
	decodeBody(t, resp, &body)
	if body.Status != "destroyed" || body.Operation == nil || body.Operation.Status != engine.OpCompleted {
		t.Errorf("destroy response: %+v", body)
	}

	if fake.callIndex("rm:proj-web") == -1 {
		t.Errorf("containers not removed: %v", fake.Calls())
	}

	// Gone from the active set.
	getResp, err := http.Get(srv.URL + "/environments/proj")
	if err != nil {
		t.Fatal(err)
	}
	getResp.Body.Close()
	if getResp.StatusCode != http.StatusNotFound {
		t.Errorf("after destroy: got %d, want 404", getResp.StatusCode)
	}
}

func TestServer_DestroyTwiceIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	createEnvironment(t, srv)

	for i, want := range []int{http.StatusOK, http.StatusNotFound} {
		req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/environments/proj", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != want {
			t.Errorf("delete #%d: got %d, want %d", i+1, resp.StatusCode, want)
		}
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	createEnvironment(t, srv)

	resp, err := http.Get(srv.URL + "/environments/proj/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: got %d, want 200", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "devstack_metrics_failed_services") {
		t.Errorf("exposition missing expected metric:\n%s", body)
	}
}
