// Package datastore materializes registered data references for step
// execution. Each backend kind maps a datastore record to concrete storage:
// a host directory for the local kind, an Azure Blob container for the
// azure-blob kind.
package datastore

import (
	"context"
	"fmt"

	"github.com/kilnml/kiln/internal/model"
)

// Backend resolves prefixes of a single datastore to node-local directories.
type Backend interface {
	// Kind returns the datastore kind this backend serves.
	Kind() string

	// Mount returns a host directory that directly backs the prefix,
	// creating it if needed. ok is false when the backend has no host
	// representation and the engine must stage instead.
	Mount(prefix string) (dir string, ok bool, err error)

	// Stage downloads everything under prefix into dir.
	Stage(ctx context.Context, prefix, dir string) error

	// Publish uploads the contents of dir under prefix.
	Publish(ctx context.Context, dir, prefix string) error
}

// Open returns the backend for a datastore record. dataRoot is the directory
// backing local datastores.
func Open(ds *model.Datastore, dataRoot string) (Backend, error) {
	switch ds.Kind {
	case model.DatastoreLocal:
		return NewLocal(dataRoot, ds.WorkspaceID, ds.Location), nil
	case model.DatastoreAzureBlob:
		return NewAzureBlob(ds.Location)
	default:
		return nil, fmt.Errorf("unknown datastore kind %q", ds.Kind)
	}
}
