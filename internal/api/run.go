package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/buildkite/roko"
	"github.com/go-chi/chi/v5"

	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/pipeline"
	"github.com/kilnml/kiln/internal/store"
)

// runPollInterval is the cadence of the wait-for-completion long poll.
const runPollInterval = 250 * time.Millisecond

// errRunNotFinished distinguishes poll-again from hard failures in the wait loop.
var errRunNotFinished = errors.New("run has not finished")

// submitRunRequest is the JSON body for POST .../experiments/{exp}/runs.
type submitRunRequest struct {
	PipelineID  string `json:"pipeline_id"`
	Compute     string `json:"compute"`
	SnapshotDir string `json:"snapshot_dir"`
}

// runDetailResponse is a run together with its step runs.
type runDetailResponse struct {
	*model.Run
	Steps []*model.StepRun `json:"steps"`
}

// listRunsResponse wraps the paginated run list.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// handleSubmitRun validates and submits a pipeline run for asynchronous
// execution, returning 202 with the pending run.
func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFromPath(w, r)
	if !ok {
		return
	}
	experiment := chi.URLParam(r, "exp")

	var req submitRunRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.PipelineID == "" {
		s.writeError(w, http.StatusBadRequest, "pipeline_id is required")
		return
	}
	if req.Compute == "" {
		s.writeError(w, http.StatusBadRequest, "compute is required")
		return
	}

	s.submitRun(w, r, ws, experiment, req)
}

// submitRun resolves and validates the run's pipeline and compute target,
// then hands the run to the engine. Shared by experiment submission and
// endpoint invocation.
func (s *Server) submitRun(w http.ResponseWriter, r *http.Request, ws *model.Workspace, experiment string, req submitRunRequest) {
	ctx := r.Context()

	p, err := s.store.GetPipeline(ctx, req.PipelineID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && p.WorkspaceID != ws.ID) {
		s.writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	if err != nil {
		s.logger.Error("get pipeline for run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get pipeline")
		return
	}

	if _, err := s.store.GetComputeTarget(ctx, ws.ID, req.Compute); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "compute target not found")
			return
		}
		s.logger.Error("get compute target for run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get compute target")
		return
	}

	// Datastores may have been deleted since the pipeline was created, so
	// the reference graph is validated again at submission.
	registered, err := s.registeredDatastores(r, ws.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list datastores")
		return
	}
	if err := pipeline.Validate(p.Steps, registered); err != nil {
		s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	run := &model.Run{
		ID:          model.NewID(),
		WorkspaceID: ws.ID,
		Experiment:  experiment,
		PipelineID:  p.ID,
		Compute:     req.Compute,
		SnapshotDir: req.SnapshotDir,
		Status:      model.StatusPending,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.engine.Submit(ctx, run, p); err != nil {
		s.logger.Error("submit run", "pipeline", p.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	s.logger.Info("run submitted",
		"run_id", run.ID, "workspace", ws.Name, "experiment", experiment, "pipeline", p.Name)
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	steps, err := s.store.ListStepRuns(r.Context(), id)
	if err != nil {
		s.logger.Error("list step runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list step runs")
		return
	}
	if steps == nil {
		steps = []*model.StepRun{}
	}

	s.writeJSON(w, http.StatusOK, runDetailResponse{Run: run, Steps: steps})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFromPath(w, r)
	if !ok {
		return
	}

	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), ws.ID, r.URL.Query().Get("experiment"), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleWaitRun long-polls until the run reaches a terminal status or the
// timeout elapses (408).
func (s *Server) handleWaitRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	timeout := waitTimeout(r)
	attempts := int(timeout/runPollInterval) + 1

	var run *model.Run
	err := roko.NewRetrier(
		roko.WithMaxAttempts(attempts),
		roko.WithStrategy(roko.Constant(runPollInterval)),
	).DoWithContext(r.Context(), func(retrier *roko.Retrier) error {
		var err error
		run, err = s.store.GetRun(r.Context(), id)
		if err != nil {
			retrier.Break()
			return err
		}
		if !model.TerminalStatus(run.Status) {
			return fmt.Errorf("%w: %s", errRunNotFinished, run.Status)
		}
		return nil
	})
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, run)
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, errRunNotFinished):
		s.writeError(w, http.StatusRequestTimeout, "run did not finish before timeout")
	default:
		s.logger.Error("wait for run", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to wait for run")
	}
}

// handleCancelRun cancels a non-terminal run.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "run not found")
		case errors.Is(err, store.ErrInvalidTransition):
			s.writeError(w, http.StatusConflict, "run already finished")
		default:
			s.logger.Error("cancel run", "run_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to cancel run")
		}
		return
	}

	run, err := s.store.GetRun(r.Context(), id)
	if err != nil {
		s.logger.Error("get canceled run", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve run")
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// reportMetricRequest is the JSON body for POST /v1/runs/{id}/metrics,
// the tracking endpoint scripts report scalar metrics to.
type reportMetricRequest struct {
	StepName string   `json:"step_name"`
	Name     string   `json:"name"`
	Value    *float64 `json:"value"`
}

func (s *Server) handleReportMetric(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run for metric", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	var req reportMetricRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.Value == nil {
		s.writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	metric := &model.Metric{
		RunID:     id,
		StepName:  req.StepName,
		Name:      req.Name,
		Value:     *req.Value,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertMetric(r.Context(), metric); err != nil {
		s.logger.Error("insert metric", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to record metric")
		return
	}

	s.writeJSON(w, http.StatusCreated, metric)
}

// listMetricsResponse is the JSON response for GET /v1/runs/{id}/metrics.
type listMetricsResponse struct {
	RunID   string         `json:"run_id"`
	Metrics []model.Metric `json:"metrics"`
}

func (s *Server) handleListRunMetrics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetRun(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "run not found")
			return
		}
		s.logger.Error("get run for metrics", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	metrics, err := s.store.ListMetrics(r.Context(), id)
	if err != nil {
		s.logger.Error("list metrics", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list metrics")
		return
	}
	if metrics == nil {
		metrics = []model.Metric{}
	}

	s.writeJSON(w, http.StatusOK, listMetricsResponse{RunID: id, Metrics: metrics})
}
