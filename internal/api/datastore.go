package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/store"
)

// registerDatastoreRequest is the JSON body for POST .../datastores.
type registerDatastoreRequest struct {
	Name     string `json:"name"`
	Kind     string `json:"kind"`
	Location string `json:"location"`
}

func (s *Server) handleRegisterDatastore(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFromPath(w, r)
	if !ok {
		return
	}

	var req registerDatastoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	switch req.Kind {
	case "":
		req.Kind = model.DatastoreLocal
	case model.DatastoreLocal, model.DatastoreAzureBlob:
	default:
		s.writeError(w, http.StatusBadRequest, "unknown datastore kind: "+req.Kind)
		return
	}

	if req.Location == "" {
		if req.Kind == model.DatastoreAzureBlob {
			s.writeError(w, http.StatusBadRequest, "location (account/container) is required for azure-blob")
			return
		}
		req.Location = req.Name
	}

	ds := &model.Datastore{
		ID:          model.NewID(),
		WorkspaceID: ws.ID,
		Name:        req.Name,
		Kind:        req.Kind,
		Location:    req.Location,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.CreateDatastore(r.Context(), ds); err != nil {
		if errors.Is(err, store.ErrExists) {
			s.writeError(w, http.StatusConflict, "datastore already exists")
			return
		}
		s.logger.Error("create datastore", "datastore", req.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to create datastore")
		return
	}

	s.logger.Info("datastore registered", "workspace", ws.Name, "datastore", ds.Name, "kind", ds.Kind)
	s.writeJSON(w, http.StatusCreated, ds)
}

func (s *Server) handleGetDatastore(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFromPath(w, r)
	if !ok {
		return
	}

	ds, err := s.store.GetDatastore(r.Context(), ws.ID, chi.URLParam(r, "name"))
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "datastore not found")
		return
	}
	if err != nil {
		s.logger.Error("get datastore", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get datastore")
		return
	}
	s.writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleListDatastores(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFromPath(w, r)
	if !ok {
		return
	}

	datastores, err := s.store.ListDatastores(r.Context(), ws.ID)
	if err != nil {
		s.logger.Error("list datastores", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list datastores")
		return
	}
	if datastores == nil {
		datastores = []*model.Datastore{}
	}
	s.writeJSON(w, http.StatusOK, datastores)
}

// handleDeleteDatastore removes a datastore unless a pipeline still references it.
func (s *Server) handleDeleteDatastore(w http.ResponseWriter, r *http.Request) {
	ws, ok := s.workspaceFromPath(w, r)
	if !ok {
		return
	}
	name := chi.URLParam(r, "name")

	pipelines, err := s.store.ListPipelines(r.Context(), ws.ID)
	if err != nil {
		s.logger.Error("list pipelines for datastore delete", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete datastore")
		return
	}
	for _, p := range pipelines {
		if pipelineReferences(p, name) {
			s.writeError(w, http.StatusConflict, "datastore is referenced by pipeline "+p.Name)
			return
		}
	}

	if err := s.store.DeleteDatastore(r.Context(), ws.ID, name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "datastore not found")
			return
		}
		s.logger.Error("delete datastore", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete datastore")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// pipelineReferences reports whether any step input or output of p names the datastore.
func pipelineReferences(p *model.Pipeline, datastore string) bool {
	for _, step := range p.Steps {
		for _, ref := range step.Inputs {
			if ref.Datastore == datastore {
				return true
			}
		}
		for _, ref := range step.Outputs {
			if ref.Datastore == datastore {
				return true
			}
		}
	}
	return false
}
