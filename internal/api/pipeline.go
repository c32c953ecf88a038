package api

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/pipeline"
	"github.com/kilnml/kiln/internal/store"
)

// createPipelineRequest is the JSON body for POST .../pipelines. Clients may
// instead send a YAML pipeline spec with a yaml Content-Type.
type createPipelineRequest struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Steps       []model.Step `json:"steps"`
}

func (s *Server) handleCreatePipeline(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFromPath(w, r)
	if !ok {
		return
	}

	var req createPipelineRequest
	if isYAMLRequest(r) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "failed to read body")
			return
		}
		spec, steps, err := pipeline.ParseSpec(body)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req = createPipelineRequest{Name: spec.Name, Description: spec.Description, Steps: steps}
	} else {
		if err := decodeJSON(w, r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}

	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	registered, err := s.registeredDatastores(r, ws.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to list datastores")
		return
	}
	if err := pipeline.Validate(req.Steps, registered); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	p := &model.Pipeline{
		ID:          model.NewID(),
		WorkspaceID: ws.ID,
		Name:        req.Name,
		Description: req.Description,
		Steps:       req.Steps,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreatePipeline(r.Context(), p); err != nil {
		s.logger.Error("create pipeline", "pipeline", req.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create pipeline")
		return
	}

	s.logger.Info("pipeline created", "workspace", ws.Name, "pipeline", p.Name, "steps", len(p.Steps))
	s.writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFromPath(w, r)
	if !ok {
		return
	}

	p, err := s.store.GetPipeline(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && p.WorkspaceID != ws.ID) {
		s.writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	if err != nil {
		s.logger.Error("get pipeline", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get pipeline")
		return
	}
	s.writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleListPipelines(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFromPath(w, r)
	if !ok {
		return
	}

	pipelines, err := s.store.ListPipelines(r.Context(), ws.ID)
	if err != nil {
		s.logger.Error("list pipelines", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list pipelines")
		return
	}
	if pipelines == nil {
		pipelines = []*model.Pipeline{}
	}
	s.writeJSON(w, http.StatusOK, pipelines)
}

// publishPipelineRequest is the JSON body for POST .../pipelines/{id}/publish.
type publishPipelineRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// handlePublishPipeline creates a versioned, invocable snapshot of a pipeline.
func (s *Server) handlePublishPipeline(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFromPath(w, r)
	if !ok {
		return
	}

	p, err := s.store.GetPipeline(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) || (err == nil && p.WorkspaceID != ws.ID) {
		s.writeError(w, http.StatusNotFound, "pipeline not found")
		return
	}
	if err != nil {
		s.logger.Error("get pipeline for publish", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get pipeline")
		return
	}

	var req publishPipelineRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		req.Name = p.Name
	}

	pp := &model.PublishedPipeline{
		ID:          model.NewID(),
		WorkspaceID: ws.ID,
		PipelineID:  p.ID,
		Name:        req.Name,
		Description: req.Description,
		CreatedAt:   time.Now().UTC(),
	}
	pp.Endpoint = "/v1/endpoints/" + pp.ID

	if err := s.store.CreatePublishedPipeline(r.Context(), pp); err != nil {
		s.logger.Error("publish pipeline", "pipeline", p.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to publish pipeline")
		return
	}

	s.logger.Info("pipeline published",
		"workspace", ws.Name, "name", pp.Name, "version", pp.Version, "endpoint", pp.Endpoint)
	s.writeJSON(w, http.StatusCreated, pp)
}

// registeredDatastores returns the set of datastore names in a workspace.
func (s *Server) registeredDatastores(r *http.Request, workspaceID string) (map[string]bool, error) {
	datastores, err := s.store.ListDatastores(r.Context(), workspaceID)
	if err != nil {
		s.logger.Error("list datastores", "error", err)
		return nil, err
	}
	registered := make(map[string]bool, len(datastores))
	for _, ds := range datastores {
		registered[ds.Name] = true
	}
	return registered, nil
}

// isYAMLRequest reports whether the request body is a YAML document.
func isYAMLRequest(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return strings.Contains(ct, "yaml") || strings.Contains(ct, "yml")
}
