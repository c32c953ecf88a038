package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/kilnml/kiln/internal/compute"
	"github.com/kilnml/kiln/internal/engine"
	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/store"
)

// testServer wires the full stack (SQLite store, local compute, engine)
// behind the HTTP API against temp directories.
type testServer struct {
	t        *testing.T
	srv      *Server
	store    store.Store
	snapshot string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "kiln.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := compute.NewRegistry()
	reg.Register(compute.NewLocalProvisioner(logger))
	mgr := compute.NewManager(s, reg, logger)
	eng := engine.NewEngine(s, mgr, t.TempDir(), logger)

	return &testServer{
		t:        t,
		srv:      NewServer(":0", s, reg, mgr, eng, logger),
		store:    s,
		snapshot: t.TempDir(),
	}
}

// request performs an in-process HTTP request. A non-nil body is sent as JSON.
func (ts *testServer) request(method, path string, body any) *httptest.ResponseRecorder {
	ts.t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			ts.t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.srv.Router().ServeHTTP(w, req)
	return w
}

// decode unmarshals a recorded JSON response body into v.
func (ts *testServer) decode(w *httptest.ResponseRecorder, v any) {
	ts.t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		ts.t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
}

// createWorkspace registers a workspace (with default datastores) through the API.
func (ts *testServer) createWorkspace(name string) *model.Workspace {
	ts.t.Helper()
	w := ts.request(http.MethodPost, "/v1/workspaces", map[string]string{"name": name})
	if w.Code != http.StatusCreated && w.Code != http.StatusOK {
		ts.t.Fatalf("create workspace: status %d: %s", w.Code, w.Body.String())
	}
	var ws model.Workspace
	ts.decode(w, &ws)
	return &ws
}

// readyCompute provisions a compute target through the API and waits for it.
func (ts *testServer) readyCompute(wsName, name string) *model.ComputeTarget {
	ts.t.Helper()
	w := ts.request(http.MethodPut, "/v1/workspaces/"+wsName+"/compute/"+name, map[string]any{
		"min_nodes": 1,
		"max_nodes": 2,
	})
	if w.Code != http.StatusCreated && w.Code != http.StatusOK {
		ts.t.Fatalf("ensure compute: status %d: %s", w.Code, w.Body.String())
	}

	w = ts.request(http.MethodGet, "/v1/workspaces/"+wsName+"/compute/"+name+"/wait?timeout_s=5", nil)
	if w.Code != http.StatusOK {
		ts.t.Fatalf("wait compute: status %d: %s", w.Code, w.Body.String())
	}
	var ct model.ComputeTarget
	ts.decode(w, &ct)
	return &ct
}

// createPipeline registers a pipeline through the API.
func (ts *testServer) createPipeline(wsName string, req createPipelineRequest) *model.Pipeline {
	ts.t.Helper()
	w := ts.request(http.MethodPost, "/v1/workspaces/"+wsName+"/pipelines", req)
	if w.Code != http.StatusCreated {
		ts.t.Fatalf("create pipeline: status %d: %s", w.Code, w.Body.String())
	}
	var p model.Pipeline
	ts.decode(w, &p)
	return &p
}

// script writes an executable step script into the snapshot directory.
func (ts *testServer) script(name, body string) {
	ts.t.Helper()
	if err := os.WriteFile(filepath.Join(ts.snapshot, name), []byte(body), 0o755); err != nil {
		ts.t.Fatalf("write script %s: %v", name, err)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(http.MethodGet, "/healthz", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp healthResponse
	ts.decode(w, &resp)
	if resp.Status != "ok" {
		t.Errorf("Status = %q, want ok", resp.Status)
	}
}

func TestListProvisioners(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(http.MethodGet, "/v1/provisioners", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var kinds []string
	ts.decode(w, &kinds)
	if len(kinds) != 1 || kinds[0] != model.ProvisionerLocal {
		t.Errorf("kinds = %v, want [local]", kinds)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(http.MethodGet, "/metrics", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("kiln_http_requests_total")) {
		t.Error("metrics output missing kiln_http_requests_total")
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("kiln_http_requests_in_flight")) {
		t.Error("metrics output missing kiln_http_requests_in_flight")
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	ts := newTestServer(t)

	w := ts.request(http.MethodGet, "/v1/nonsense", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestWorkspaceScopedRoutesRequireWorkspace(t *testing.T) {
	ts := newTestServer(t)

	paths := []string{
		"/v1/workspaces/missing",
		"/v1/workspaces/missing/datastores",
		"/v1/workspaces/missing/compute",
		"/v1/workspaces/missing/pipelines",
		"/v1/workspaces/missing/runs",
		"/v1/workspaces/missing/stats",
	}
	for _, path := range paths {
		if w := ts.request(http.MethodGet, path, nil); w.Code != http.StatusNotFound {
			t.Errorf("GET %s: status = %d, want 404", path, w.Code)
		}
	}
}

func exampleStep(name string, inputs, outputs map[string]model.DataRef) model.Step {
	step := model.Step{
		Name:    name,
		Script:  name + ".sh",
		Runtime: model.RuntimeShell,
		Inputs:  inputs,
		Outputs: outputs,
	}
	for ref := range inputs {
		step.Arguments = append(step.Arguments, fmt.Sprintf("{inputs.%s}", ref))
	}
	for ref := range outputs {
		step.Arguments = append(step.Arguments, fmt.Sprintf("{outputs.%s}", ref))
	}
	return step
}
