package model

import "time"

// Run status constants.
const (
	StatusPending   = "pending"
	StatusPreparing = "preparing"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCanceled  = "canceled"
)

// validTransitions maps each run status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusPreparing: true,
		StatusFailed:    true,
		StatusCanceled:  true,
	},
	StatusPreparing: {
		StatusRunning:  true,
		StatusFailed:   true,
		StatusCanceled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCanceled:  true,
	},
}

// ValidTransition reports whether transitioning from one run status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// TerminalStatus reports whether a run status is terminal.
func TerminalStatus(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCanceled
}

// Run represents a tracked execution of a pipeline submitted under an experiment.
type Run struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	Experiment  string     `json:"experiment"`
	PipelineID  string     `json:"pipeline_id"`
	Compute     string     `json:"compute"`
	SnapshotDir string     `json:"snapshot_dir,omitempty"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// StepRun records the execution of a single pipeline step within a run.
type StepRun struct {
	ID       string `json:"id"`
	RunID    string `json:"run_id"`
	StepName string `json:"step_name"`
	NodeID   string `json:"node_id,omitempty"`
	Status   string `json:"status"`
	Reused   bool   `json:"reused"`
	// Fingerprint hashes the script content, arguments, and input references.
	// Completed step runs with an equal fingerprint satisfy allow_reuse.
	Fingerprint string     `json:"fingerprint,omitempty"`
	ExitCode    *int       `json:"exit_code,omitempty"`
	Error       string     `json:"error,omitempty"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Metric is a named scalar value reported against a run, optionally scoped
// to a single step.
type Metric struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	StepName  string    `json:"step_name,omitempty"`
	Name      string    `json:"name"`
	Value     float64   `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// LogLine represents a single persisted log line from a run.
type LogLine struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	StepName  string    `json:"step_name"`
	Seq       int       `json:"seq"`
	Line      string    `json:"line"`
	CreatedAt time.Time `json:"created_at"`
}
