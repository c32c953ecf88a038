package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/store"
)

// invokeEndpointRequest is the JSON body for POST /v1/endpoints/{id}. The
// caller names the experiment the run is tracked under and the compute target
// to run on.
type invokeEndpointRequest struct {
	Experiment  string `json:"experiment"`
	Compute     string `json:"compute"`
	SnapshotDir string `json:"snapshot_dir"`
}

// handleInvokeEndpoint submits a run of the published pipeline.
func (s *Server) handleInvokeEndpoint(w http.ResponseWriter, r *http.Request) {
	pp, ok := s.publishedFromPath(w, r)
	if !ok {
		return
	}
	if pp.Disabled {
		s.writeError(w, http.StatusGone, "endpoint is disabled")
		return
	}

	var req invokeEndpointRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Experiment == "" {
		s.writeError(w, http.StatusBadRequest, "experiment is required")
		return
	}
	if req.Compute == "" {
		s.writeError(w, http.StatusBadRequest, "compute is required")
		return
	}

	ws, err := s.store.GetWorkspace(r.Context(), pp.WorkspaceID)
	if err != nil {
		s.logger.Error("get workspace for endpoint", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get workspace")
		return
	}

	s.submitRun(w, r, ws, req.Experiment, submitRunRequest{
		PipelineID:  pp.PipelineID,
		Compute:     req.Compute,
		SnapshotDir: req.SnapshotDir,
	})
}

func (s *Server) handleGetEndpoint(w http.ResponseWriter, r *http.Request) {
	pp, ok := s.publishedFromPath(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, pp)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFromPath(w, r)
	if !ok {
		return
	}

	published, err := s.store.ListPublishedPipelines(r.Context(), ws.ID)
	if err != nil {
		s.logger.Error("list published pipelines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list published pipelines")
		return
	}
	if published == nil {
		published = []*model.PublishedPipeline{}
	}
	s.writeJSON(w, http.StatusOK, published)
}

func (s *Server) handleDisableEndpoint(w http.ResponseWriter, r *http.Request) {
	s.setEndpointDisabled(w, r, true)
}

func (s *Server) handleEnableEndpoint(w http.ResponseWriter, r *http.Request) {
	s.setEndpointDisabled(w, r, false)
}

func (s *Server) setEndpointDisabled(w http.ResponseWriter, r *http.Request, disabled bool) {
	id := chi.URLParam(r, "id")

	if err := s.store.SetPublishedDisabled(r.Context(), id, disabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "published pipeline not found")
			return
		}
		s.logger.Error("set endpoint disabled", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to update endpoint")
		return
	}

	pp, err := s.store.GetPublishedPipeline(r.Context(), id)
	if err != nil {
		s.logger.Error("get updated endpoint", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve endpoint")
		return
	}

	s.logger.Info("endpoint updated", "name", pp.Name, "version", pp.Version, "disabled", pp.Disabled)
	s.writeJSON(w, http.StatusOK, pp)
}

// publishedFromPath resolves the {id} path segment to a published pipeline,
// writing the error response on failure.
func (s *Server) publishedFromPath(w http.ResponseWriter, r *http.Request) (*model.PublishedPipeline, bool) {
	id := chi.URLParam(r, "id")

	pp, err := s.store.GetPublishedPipeline(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "published pipeline not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get published pipeline", "id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get published pipeline")
		return nil, false
	}
	return pp, true
}
