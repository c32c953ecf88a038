package store

import (
	"context"
	"errors"

	"github.com/kilnml/kiln/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrExists is returned when a uniqueness constraint is violated.
var ErrExists = errors.New("record already exists")

// ErrInvalidTransition is returned when a run status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStats holds aggregate run statistics for a workspace.
type RunStats struct {
	Total            int            `json:"total"`
	CountByStatus    map[string]int `json:"count_by_status"`
	CountByExp       map[string]int `json:"count_by_experiment"`
	AvgDurationMS    float64        `json:"avg_duration_ms"`
	StepsReusedTotal int            `json:"steps_reused_total"`
}

// Store defines the persistence operations for the control plane.
type Store interface {
	// Workspaces.
	CreateWorkspace(ctx context.Context, ws *model.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*model.Workspace, error)
	GetWorkspaceByName(ctx context.Context, name string) (*model.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*model.Workspace, error)

	// Datastores.
	CreateDatastore(ctx context.Context, ds *model.Datastore) error
	GetDatastore(ctx context.Context, workspaceID, name string) (*model.Datastore, error)
	ListDatastores(ctx context.Context, workspaceID string) ([]*model.Datastore, error)
	DeleteDatastore(ctx context.Context, workspaceID, name string) error

	// Compute targets.
	CreateComputeTarget(ctx context.Context, ct *model.ComputeTarget) error
	GetComputeTarget(ctx context.Context, workspaceID, name string) (*model.ComputeTarget, error)
	ListComputeTargets(ctx context.Context, workspaceID string) ([]*model.ComputeTarget, error)
	UpdateComputeState(ctx context.Context, id, state, errMsg string) error

	// Pipelines.
	CreatePipeline(ctx context.Context, p *model.Pipeline) error
	GetPipeline(ctx context.Context, id string) (*model.Pipeline, error)
	ListPipelines(ctx context.Context, workspaceID string) ([]*model.Pipeline, error)

	// Runs.
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, workspaceID, experiment string, limit, offset int) ([]*model.Run, int, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	FinishRun(ctx context.Context, r *model.Run) error
	GetRunStats(ctx context.Context, workspaceID string) (*RunStats, error)
	CountActiveRunsOnCompute(ctx context.Context, workspaceID, compute string) (int, error)

	// Step runs.
	CreateStepRun(ctx context.Context, sr *model.StepRun) error
	UpdateStepRun(ctx context.Context, sr *model.StepRun) error
	ListStepRuns(ctx context.Context, runID string) ([]*model.StepRun, error)
	GetReusableStepRun(ctx context.Context, fingerprint string) (*model.StepRun, error)

	// Logs and metrics.
	InsertLogLine(ctx context.Context, runID, stepName string, seq int, line string) error
	GetLogLines(ctx context.Context, runID string) ([]model.LogLine, error)
	InsertMetric(ctx context.Context, m *model.Metric) error
	ListMetrics(ctx context.Context, runID string) ([]model.Metric, error)

	// Published pipelines.
	CreatePublishedPipeline(ctx context.Context, pp *model.PublishedPipeline) error
	GetPublishedPipeline(ctx context.Context, id string) (*model.PublishedPipeline, error)
	ListPublishedPipelines(ctx context.Context, workspaceID string) ([]*model.PublishedPipeline, error)
	SetPublishedDisabled(ctx context.Context, id string, disabled bool) error

	Close() error
}
