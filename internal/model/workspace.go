package model

import "time"

// Datastore kinds.
const (
	DatastoreLocal     = "local"
	DatastoreAzureBlob = "azure-blob"
)

// Default datastores registered for every workspace on first use.
const (
	DatastoreRaw          = "raw"
	DatastoreIntermediate = "intermediate"
	DatastoreOutputs      = "outputs"
)

// Workspace is the logical container for datastores, compute targets,
// pipelines, and runs.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Datastore is a registered reference to a storage location. For the local
// kind, Location is a directory under the workspace data root. For the
// azure-blob kind, Location is "account/container".
type Datastore struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name"`
	Kind        string    `json:"kind"`
	Location    string    `json:"location"`
	CreatedAt   time.Time `json:"created_at"`
}
