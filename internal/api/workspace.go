package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/store"
)

// registerWorkspaceRequest is the JSON body for POST /v1/workspaces.
type registerWorkspaceRequest struct {
	Name string `json:"name"`
}

// handleRegisterWorkspace creates a workspace or returns the existing one with
// the same name. Registration also ensures the default datastores exist, so a
// fresh workspace is immediately usable for pipeline runs.
func (s *Server) handleRegisterWorkspace(w http.ResponseWriter, r *http.Request) {
	var req registerWorkspaceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	ctx := r.Context()

	ws, err := s.store.GetWorkspaceByName(ctx, req.Name)
	if err == nil {
		if err := s.ensureDefaultDatastores(r, ws.ID); err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to register default datastores")
			return
		}
		s.writeJSON(w, http.StatusOK, ws)
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("get workspace by name", "name", req.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get workspace")
		return
	}

	ws = &model.Workspace{
		ID:        model.NewID(),
		Name:      req.Name,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateWorkspace(ctx, ws); err != nil {
		if errors.Is(err, store.ErrExists) {
			// Lost a create race; return the winner.
			existing, getErr := s.store.GetWorkspaceByName(ctx, req.Name)
			if getErr != nil {
				s.logger.Error("get workspace after race", "name", req.Name, "error", getErr)
				s.writeError(w, http.StatusInternalServerError, "failed to get workspace")
				return
			}
			s.writeJSON(w, http.StatusOK, existing)
			return
		}
		s.logger.Error("create workspace", "name", req.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create workspace")
		return
	}

	if err := s.ensureDefaultDatastores(r, ws.ID); err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to register default datastores")
		return
	}

	s.logger.Info("workspace registered", "workspace", ws.Name, "id", ws.ID)
	s.writeJSON(w, http.StatusCreated, ws)
}

// ensureDefaultDatastores registers the raw / intermediate / outputs trio as
// local datastores when absent.
func (s *Server) ensureDefaultDatastores(r *http.Request, workspaceID string) error {
	for _, name := range []string{model.DatastoreRaw, model.DatastoreIntermediate, model.DatastoreOutputs} {
		ds := &model.Datastore{
			ID:          model.NewID(),
			WorkspaceID: workspaceID,
			Name:        name,
			Kind:        model.DatastoreLocal,
			Location:    name,
			CreatedAt:   time.Now().UTC(),
		}
		err := s.store.CreateDatastore(r.Context(), ds)
		if err != nil && !errors.Is(err, store.ErrExists) {
			s.logger.Error("register default datastore", "datastore", name, "error", err)
			return err
		}
	}
	return nil
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFromPath(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	workspaces, err := s.store.ListWorkspaces(r.Context())
	if err != nil {
		s.logger.Error("list workspaces", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list workspaces")
		return
	}
	if workspaces == nil {
		workspaces = []*model.Workspace{}
	}
	s.writeJSON(w, http.StatusOK, workspaces)
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFromPath(w, r)
	if !ok {
		return
	}

	stats, err := s.store.GetRunStats(r.Context(), ws.ID)
	if err != nil {
		s.logger.Error("get run stats", "workspace", ws.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}
