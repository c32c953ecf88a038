package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/kilnml/kiln/internal/model"
)

// submitTestRun submits a run and returns the accepted (pending) record.
func (ts *testServer) submitTestRun(wsName, experiment string, req submitRunRequest) *model.Run {
	ts.t.Helper()
	w := ts.request(http.MethodPost, "/v1/workspaces/"+wsName+"/experiments/"+experiment+"/runs", req)
	if w.Code != http.StatusAccepted {
		ts.t.Fatalf("submit run: status = %d, want 202: %s", w.Code, w.Body.String())
	}
	var run model.Run
	ts.decode(w, &run)
	return &run
}

// waitRun long-polls the wait endpoint and returns the terminal run.
func (ts *testServer) waitRun(runID string) *model.Run {
	ts.t.Helper()
	w := ts.request(http.MethodGet, "/v1/runs/"+runID+"/wait?timeout_s=10", nil)
	if w.Code != http.StatusOK {
		ts.t.Fatalf("wait run: status = %d: %s", w.Code, w.Body.String())
	}
	var run model.Run
	ts.decode(w, &run)
	return &run
}

func TestSubmitRunEndToEnd(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.createWorkspace("ml")
	ts.readyCompute(ws.Name, "cpu")

	ts.script("produce.sh", "echo produced\necho data > \"$1/out.txt\"\n")
	ts.script("consume.sh", "cat \"$1/out.txt\"\n")

	p := ts.createPipeline(ws.Name, createPipelineRequest{
		Name: "two-step",
		Steps: []model.Step{
			exampleStep("produce", nil,
				map[string]model.DataRef{"data": {Datastore: model.DatastoreIntermediate, Prefix: "stage"}}),
			exampleStep("consume",
				map[string]model.DataRef{"data": {Datastore: model.DatastoreIntermediate, Prefix: "stage"}},
				nil),
		},
	})

	run := ts.submitTestRun(ws.Name, "exp-1", submitRunRequest{
		PipelineID:  p.ID,
		Compute:     "cpu",
		SnapshotDir: ts.snapshot,
	})
	if run.Status != model.StatusPending {
		t.Errorf("submitted Status = %q, want pending", run.Status)
	}

	final := ts.waitRun(run.ID)
	if final.Status != model.StatusCompleted {
		t.Fatalf("final Status = %q, want completed (error: %s)", final.Status, final.Error)
	}

	// Run detail includes step runs.
	w := ts.request(http.MethodGet, "/v1/runs/"+run.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get run: status = %d", w.Code)
	}
	var detail runDetailResponse
	ts.decode(w, &detail)
	if len(detail.Steps) != 2 {
		t.Errorf("len(Steps) = %d, want 2", len(detail.Steps))
	}

	// Log history captured the script output.
	w = ts.request(http.MethodGet, "/v1/runs/"+run.ID+"/logs/history", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("log history: status = %d", w.Code)
	}
	var history logHistoryResponse
	ts.decode(w, &history)
	var sawProduced bool
	for _, l := range history.Lines {
		if l.Line == "produced" {
			sawProduced = true
		}
	}
	if !sawProduced {
		t.Errorf("log history missing script output: %v", history.Lines)
	}

	// The engine recorded per-step duration metrics.
	w = ts.request(http.MethodGet, "/v1/runs/"+run.ID+"/metrics", nil)
	var metrics listMetricsResponse
	ts.decode(w, &metrics)
	if len(metrics.Metrics) != 2 {
		t.Errorf("len(Metrics) = %d, want 2", len(metrics.Metrics))
	}

	// The run shows up in the workspace listing.
	w = ts.request(http.MethodGet, "/v1/workspaces/"+ws.Name+"/runs?experiment=exp-1", nil)
	var listed listRunsResponse
	ts.decode(w, &listed)
	if listed.Total != 1 || len(listed.Runs) != 1 {
		t.Errorf("listed (total=%d, len=%d), want 1, 1", listed.Total, len(listed.Runs))
	}
}

func TestSubmitRunValidation(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.createWorkspace("ml")
	ts.readyCompute(ws.Name, "cpu")
	p := ts.createPipeline(ws.Name, createPipelineRequest{
		Name:  "p",
		Steps: []model.Step{exampleStep("s", nil, nil)},
	})
	base := "/v1/workspaces/" + ws.Name + "/experiments/exp/runs"

	tests := []struct {
		name string
		req  submitRunRequest
		want int
	}{
		{"missing pipeline_id", submitRunRequest{Compute: "cpu"}, http.StatusBadRequest},
		{"missing compute", submitRunRequest{PipelineID: p.ID}, http.StatusBadRequest},
		{"unknown pipeline", submitRunRequest{PipelineID: "missing", Compute: "cpu"}, http.StatusNotFound},
		{"unknown compute", submitRunRequest{PipelineID: p.ID, Compute: "gpu"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := ts.request(http.MethodPost, base, tt.req); w.Code != tt.want {
				t.Errorf("status = %d, want %d: %s", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestSubmitRunRevalidatesDatastores(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.createWorkspace("ml")
	ts.readyCompute(ws.Name, "cpu")

	// Pipeline writes to a custom datastore that is deleted before submission.
	ts.request(http.MethodPost, "/v1/workspaces/"+ws.Name+"/datastores",
		registerDatastoreRequest{Name: "scratch"})
	p := ts.createPipeline(ws.Name, createPipelineRequest{
		Name: "p",
		Steps: []model.Step{
			exampleStep("s", map[string]model.DataRef{"in": {Datastore: "scratch"}}, nil),
		},
	})
	if w := ts.request(http.MethodDelete, "/v1/workspaces/"+ws.Name+"/datastores/scratch", nil); w.Code != http.StatusConflict {
		// Referenced datastores cannot be deleted through the API, so drop
		// the row directly to simulate drift.
		t.Fatalf("expected referenced delete to be rejected, got %d", w.Code)
	}
	if err := ts.store.DeleteDatastore(t.Context(), ws.ID, "scratch"); err != nil {
		t.Fatalf("DeleteDatastore: %v", err)
	}

	w := ts.request(http.MethodPost, "/v1/workspaces/"+ws.Name+"/experiments/exp/runs", submitRunRequest{
		PipelineID: p.ID,
		Compute:    "cpu",
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422: %s", w.Code, w.Body.String())
	}
}

func TestWaitRunTimeout(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.createWorkspace("ml")
	ts.readyCompute(ws.Name, "cpu")

	ts.script("slow.sh", "sleep 30\n")
	p := ts.createPipeline(ws.Name, createPipelineRequest{
		Name:  "slow",
		Steps: []model.Step{{Name: "slow", Script: "slow.sh", Runtime: model.RuntimeShell}},
	})

	run := ts.submitTestRun(ws.Name, "exp", submitRunRequest{
		PipelineID:  p.ID,
		Compute:     "cpu",
		SnapshotDir: ts.snapshot,
	})

	w := ts.request(http.MethodGet, "/v1/runs/"+run.ID+"/wait?timeout_s=1", nil)
	if w.Code != http.StatusRequestTimeout {
		t.Errorf("status = %d, want 408: %s", w.Code, w.Body.String())
	}

	// Cancel so the test does not leave the step running.
	if w := ts.request(http.MethodDelete, "/v1/runs/"+run.ID, nil); w.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d: %s", w.Code, w.Body.String())
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		var detail runDetailResponse
		ts.decode(ts.request(http.MethodGet, "/v1/runs/"+run.ID, nil), &detail)
		if model.TerminalStatus(detail.Status) {
			if detail.Status != model.StatusCanceled {
				t.Errorf("Status = %q, want canceled", detail.Status)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("run never reached a terminal status after cancel")
}

func TestCancelFinishedRunRejected(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.createWorkspace("ml")
	ts.readyCompute(ws.Name, "cpu")

	ts.script("quick.sh", "true\n")
	p := ts.createPipeline(ws.Name, createPipelineRequest{
		Name:  "quick",
		Steps: []model.Step{{Name: "quick", Script: "quick.sh", Runtime: model.RuntimeShell}},
	})
	run := ts.submitTestRun(ws.Name, "exp", submitRunRequest{
		PipelineID:  p.ID,
		Compute:     "cpu",
		SnapshotDir: ts.snapshot,
	})
	ts.waitRun(run.ID)

	if w := ts.request(http.MethodDelete, "/v1/runs/"+run.ID, nil); w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409: %s", w.Code, w.Body.String())
	}
}

func TestReportMetric(t *testing.T) {
	ts := newTestServer(t)
	ws := ts.createWorkspace("ml")
	ts.readyCompute(ws.Name, "cpu")

	ts.script("quick.sh", "true\n")
	p := ts.createPipeline(ws.Name, createPipelineRequest{
		Name:  "quick",
		Steps: []model.Step{{Name: "quick", Script: "quick.sh", Runtime: model.RuntimeShell}},
	})
	run := ts.submitTestRun(ws.Name, "exp", submitRunRequest{
		PipelineID:  p.ID,
		Compute:     "cpu",
		SnapshotDir: ts.snapshot,
	})
	ts.waitRun(run.ID)

	value := 0.92
	w := ts.request(http.MethodPost, "/v1/runs/"+run.ID+"/metrics", reportMetricRequest{
		StepName: "train",
		Name:     "auc",
		Value:    &value,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("report metric: status = %d: %s", w.Code, w.Body.String())
	}

	var metrics listMetricsResponse
	ts.decode(ts.request(http.MethodGet, "/v1/runs/"+run.ID+"/metrics", nil), &metrics)
	var found bool
	for _, m := range metrics.Metrics {
		if m.Name == "auc" && m.Value == 0.92 && m.StepName == "train" {
			found = true
		}
	}
	if !found {
		t.Errorf("reported metric missing from %v", metrics.Metrics)
	}

	// Validation.
	if w := ts.request(http.MethodPost, "/v1/runs/"+run.ID+"/metrics", reportMetricRequest{Value: &value}); w.Code != http.StatusBadRequest {
		t.Errorf("missing name: status = %d, want 400", w.Code)
	}
	if w := ts.request(http.MethodPost, "/v1/runs/"+run.ID+"/metrics", reportMetricRequest{Name: "x"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing value: status = %d, want 400", w.Code)
	}
	if w := ts.request(http.MethodPost, "/v1/runs/missing/metrics", reportMetricRequest{Name: "x", Value: &value}); w.Code != http.StatusNotFound {
		t.Errorf("missing run: status = %d, want 404", w.Code)
	}
}
