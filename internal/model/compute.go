package model

import "time"

// Compute target provisioning states.
const (
	ComputeCreating = "creating"
	ComputeReady    = "ready"
	ComputeFailed   = "failed"
	ComputeDeleting = "deleting"
	ComputeDeleted  = "deleted"
)

// Compute provisioner kinds.
const (
	ProvisionerLocal = "local"
)

// ComputeTarget is a named autoscaling pool of execution nodes belonging to
// a workspace. Nodes run one pipeline step at a time.
type ComputeTarget struct {
	ID           string    `json:"id"`
	WorkspaceID  string    `json:"workspace_id"`
	Name         string    `json:"name"`
	Provisioner  string    `json:"provisioner"`
	Size         string    `json:"size"`
	MinNodes     int       `json:"min_nodes"`
	MaxNodes     int       `json:"max_nodes"`
	IdleTimeoutS int       `json:"idle_timeout_s"`
	State        string    `json:"state"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
