package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kilnml/kiln/internal/compute"
	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/store"
)

// ensureComputeRequest is the JSON body for PUT .../compute/{name}.
// The body is ignored when the target already exists (reuse).
type ensureComputeRequest struct {
	Provisioner  string `json:"provisioner"`
	Size         string `json:"size"`
	MinNodes     int    `json:"min_nodes"`
	MaxNodes     int    `json:"max_nodes"`
	IdleTimeoutS int    `json:"idle_timeout_s"`
}

// handleEnsureCompute provisions the named compute target, or returns the
// existing one unchanged.
func (s *Server) handleEnsureCompute(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFromPath(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	var req ensureComputeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Provisioner == "" {
		req.Provisioner = model.ProvisionerLocal
	}
	if req.MaxNodes == 0 {
		req.MaxNodes = 1
	}

	ct, created, err := s.compute.Ensure(r.Context(), ws.ID, compute.EnsureSpec{
		Name:         name,
		Provisioner:  req.Provisioner,
		Size:         req.Size,
		MinNodes:     req.MinNodes,
		MaxNodes:     req.MaxNodes,
		IdleTimeoutS: req.IdleTimeoutS,
	})
	if err != nil {
		s.logger.Error("ensure compute", "target", name, "error", err)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
		s.logger.Info("compute provisioning started", "workspace", ws.Name, "target", name)
	}
	s.writeJSON(w, status, ct)
}

func (s *Server) handleGetCompute(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFromPath(w, r)
	if !ok {
		return
	}

	ct, err := s.store.GetComputeTarget(r.Context(), ws.ID, chi.URLParam(r, "name"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "compute target not found")
		return
	}
	if err != nil {
		s.logger.Error("get compute target", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get compute target")
		return
	}
	s.writeJSON(w, http.StatusOK, ct)
}

func (s *Server) handleListCompute(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFromPath(w, r)
	if !ok {
		return
	}

	targets, err := s.store.ListComputeTargets(r.Context(), ws.ID)
	if err != nil {
		s.logger.Error("list compute targets", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list compute targets")
		return
	}
	if targets == nil {
		targets = []*model.ComputeTarget{}
	}
	s.writeJSON(w, http.StatusOK, targets)
}

// handleWaitCompute blocks until the target is ready or the timeout elapses
// (408). A target that failed provisioning yields 409 with the failure message.
func (s *Server) handleWaitCompute(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFromPath(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	ct, err := s.compute.WaitReady(r.Context(), ws.ID, name, waitTimeout(r))
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, ct)
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "compute target not found")
	case errors.Is(err, compute.ErrNotReady):
		s.writeError(w, http.StatusRequestTimeout, "compute target not ready before timeout")
	default:
		s.writeError(w, http.StatusConflict, err.Error())
	}
}

// handleDeleteCompute starts teardown of a compute target. Targets with
// active runs are protected.
func (s *Server) handleDeleteCompute(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFromPath(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	active, err := s.store.CountActiveRunsOnCompute(r.Context(), ws.ID, name)
	if err != nil {
		s.logger.Error("count active runs", "target", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete compute target")
		return
	}
	if active > 0 {
		s.writeError(w, http.StatusConflict, "compute target has active runs")
		return
	}

	ct, err := s.compute.Delete(r.Context(), ws.ID, name)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "compute target not found")
		return
	}
	if err != nil {
		s.logger.Error("delete compute target", "target", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete compute target")
		return
	}

	s.writeJSON(w, http.StatusAccepted, ct)
}
