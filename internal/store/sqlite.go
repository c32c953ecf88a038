package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kilnml/kiln/internal/model"

	_ "modernc.org/sqlite"
)

const createWorkspacesTable = `
CREATE TABLE IF NOT EXISTS workspaces (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL UNIQUE,
    created_at DATETIME NOT NULL
)`

const createDatastoresTable = `
CREATE TABLE IF NOT EXISTS datastores (
    id           TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    name         TEXT NOT NULL,
    kind         TEXT NOT NULL,
    location     TEXT NOT NULL,
    created_at   DATETIME NOT NULL,
    UNIQUE (workspace_id, name)
)`

const createComputeTargetsTable = `
CREATE TABLE IF NOT EXISTS compute_targets (
    id             TEXT PRIMARY KEY,
    workspace_id   TEXT NOT NULL,
    name           TEXT NOT NULL,
    provisioner    TEXT NOT NULL,
    size           TEXT NOT NULL,
    min_nodes      INTEGER NOT NULL,
    max_nodes      INTEGER NOT NULL,
    idle_timeout_s INTEGER NOT NULL,
    state          TEXT NOT NULL,
    error          TEXT,
    created_at     DATETIME NOT NULL
)`

// Deleted targets stay as history; only live rows hold the name.
const createComputeTargetsIndex = `
CREATE UNIQUE INDEX IF NOT EXISTS idx_compute_targets_live
ON compute_targets (workspace_id, name) WHERE state != 'deleted'`

const createPipelinesTable = `
CREATE TABLE IF NOT EXISTS pipelines (
    id           TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    name         TEXT NOT NULL,
    description  TEXT,
    steps        TEXT NOT NULL,
    created_at   DATETIME NOT NULL
)`

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id           TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    experiment   TEXT NOT NULL,
    pipeline_id  TEXT NOT NULL,
    compute      TEXT NOT NULL,
    snapshot_dir TEXT,
    status       TEXT NOT NULL,
    error        TEXT,
    duration_ms  INTEGER,
    created_at   DATETIME NOT NULL,
    started_at   DATETIME,
    finished_at  DATETIME
)`

const createStepRunsTable = `
CREATE TABLE IF NOT EXISTS step_runs (
    id          TEXT PRIMARY KEY,
    run_id      TEXT NOT NULL,
    step_name   TEXT NOT NULL,
    node_id     TEXT,
    status      TEXT NOT NULL,
    reused      INTEGER NOT NULL DEFAULT 0,
    fingerprint TEXT,
    exit_code   INTEGER,
    error       TEXT,
    duration_ms INTEGER,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createRunLogsTable = `
CREATE TABLE IF NOT EXISTS run_logs (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    step_name  TEXT NOT NULL,
    seq        INTEGER NOT NULL,
    line       TEXT NOT NULL,
    created_at DATETIME NOT NULL
)`

const createRunMetricsTable = `
CREATE TABLE IF NOT EXISTS run_metrics (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id     TEXT NOT NULL,
    step_name  TEXT,
    name       TEXT NOT NULL,
    value      REAL NOT NULL,
    created_at DATETIME NOT NULL
)`

const createPublishedPipelinesTable = `
CREATE TABLE IF NOT EXISTS published_pipelines (
    id           TEXT PRIMARY KEY,
    workspace_id TEXT NOT NULL,
    pipeline_id  TEXT NOT NULL,
    name         TEXT NOT NULL,
    description  TEXT,
    version      INTEGER NOT NULL,
    disabled     INTEGER NOT NULL DEFAULT 0,
    endpoint     TEXT NOT NULL,
    created_at   DATETIME NOT NULL,
    UNIQUE (workspace_id, name, version)
)`

var migrations = []string{
	createWorkspacesTable,
	createDatastoresTable,
	createComputeTargetsTable,
	createComputeTargetsIndex,
	createPipelinesTable,
	createRunsTable,
	createStepRunsTable,
	createRunLogsTable,
	createRunMetricsTable,
	createPublishedPipelinesTable,
}

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// isUniqueViolation reports whether err is a SQLite uniqueness constraint error.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateWorkspace inserts a new workspace record.
func (s *SQLiteStore) CreateWorkspace(ctx context.Context, ws *model.Workspace) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO workspaces (id, name, created_at) VALUES (?, ?, ?)",
		ws.ID, ws.Name, ws.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("insert workspace: %w", err)
	}
	return nil
}

// GetWorkspace retrieves a workspace by ID.
func (s *SQLiteStore) GetWorkspace(ctx context.Context, id string) (*model.Workspace, error) {
	return s.scanWorkspace(s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM workspaces WHERE id = ?", id))
}

// GetWorkspaceByName retrieves a workspace by its unique name.
func (s *SQLiteStore) GetWorkspaceByName(ctx context.Context, name string) (*model.Workspace, error) {
	return s.scanWorkspace(s.db.QueryRowContext(ctx,
		"SELECT id, name, created_at FROM workspaces WHERE name = ?", name))
}

func (s *SQLiteStore) scanWorkspace(row *sql.Row) (*model.Workspace, error) {
	ws := &model.Workspace{}
	err := row.Scan(&ws.ID, &ws.Name, &ws.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	return ws, nil
}

// ListWorkspaces returns all workspaces ordered by name.
func (s *SQLiteStore) ListWorkspaces(ctx context.Context) ([]*model.Workspace, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, created_at FROM workspaces ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []*model.Workspace
	for rows.Next() {
		ws := &model.Workspace{}
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		workspaces = append(workspaces, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate workspaces: %w", err)
	}
	return workspaces, nil
}

// CreateDatastore inserts a new datastore record.
func (s *SQLiteStore) CreateDatastore(ctx context.Context, ds *model.Datastore) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO datastores (id, workspace_id, name, kind, location, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ds.ID, ds.WorkspaceID, ds.Name, ds.Kind, ds.Location, ds.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("insert datastore: %w", err)
	}
	return nil
}

// GetDatastore retrieves a datastore by workspace and name.
func (s *SQLiteStore) GetDatastore(ctx context.Context, workspaceID, name string) (*model.Datastore, error) {
	ds := &model.Datastore{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, kind, location, created_at
		FROM datastores WHERE workspace_id = ? AND name = ?`, workspaceID, name,
	).Scan(&ds.ID, &ds.WorkspaceID, &ds.Name, &ds.Kind, &ds.Location, &ds.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get datastore: %w", err)
	}
	return ds, nil
}

// ListDatastores returns all datastores in a workspace ordered by name.
func (s *SQLiteStore) ListDatastores(ctx context.Context, workspaceID string) ([]*model.Datastore, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, name, kind, location, created_at
		FROM datastores WHERE workspace_id = ? ORDER BY name`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list datastores: %w", err)
	}
	defer rows.Close()

	var datastores []*model.Datastore
	for rows.Next() {
		ds := &model.Datastore{}
		if err := rows.Scan(&ds.ID, &ds.WorkspaceID, &ds.Name, &ds.Kind, &ds.Location, &ds.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan datastore: %w", err)
		}
		datastores = append(datastores, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate datastores: %w", err)
	}
	return datastores, nil
}

// DeleteDatastore removes a datastore by workspace and name.
func (s *SQLiteStore) DeleteDatastore(ctx context.Context, workspaceID, name string) error {
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM datastores WHERE workspace_id = ? AND name = ?", workspaceID, name)
	if err != nil {
		return fmt.Errorf("delete datastore: %w", err)
	}
	return requireRowsAffected(result)
}

// CreateComputeTarget inserts a new compute target record.
func (s *SQLiteStore) CreateComputeTarget(ctx context.Context, ct *model.ComputeTarget) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO compute_targets (
			id, workspace_id, name, provisioner, size, min_nodes, max_nodes,
			idle_timeout_s, state, error, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ct.ID, ct.WorkspaceID, ct.Name, ct.Provisioner, ct.Size, ct.MinNodes, ct.MaxNodes,
		ct.IdleTimeoutS, ct.State, ct.Error, ct.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrExists
	}
	if err != nil {
		return fmt.Errorf("insert compute target: %w", err)
	}
	return nil
}

// GetComputeTarget retrieves a live (non-deleted) compute target by workspace and name.
func (s *SQLiteStore) GetComputeTarget(ctx context.Context, workspaceID, name string) (*model.ComputeTarget, error) {
	ct := &model.ComputeTarget{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, provisioner, size, min_nodes, max_nodes,
			idle_timeout_s, state, COALESCE(error, ''), created_at
		FROM compute_targets
		WHERE workspace_id = ? AND name = ? AND state != ?`, workspaceID, name, model.ComputeDeleted,
	).Scan(
		&ct.ID, &ct.WorkspaceID, &ct.Name, &ct.Provisioner, &ct.Size, &ct.MinNodes, &ct.MaxNodes,
		&ct.IdleTimeoutS, &ct.State, &ct.Error, &ct.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get compute target: %w", err)
	}
	return ct, nil
}

// ListComputeTargets returns all live compute targets in a workspace ordered by name.
func (s *SQLiteStore) ListComputeTargets(ctx context.Context, workspaceID string) ([]*model.ComputeTarget, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, name, provisioner, size, min_nodes, max_nodes,
			idle_timeout_s, state, COALESCE(error, ''), created_at
		FROM compute_targets
		WHERE workspace_id = ? AND state != ? ORDER BY name`, workspaceID, model.ComputeDeleted)
	if err != nil {
		return nil, fmt.Errorf("list compute targets: %w", err)
	}
	defer rows.Close()

	var targets []*model.ComputeTarget
	for rows.Next() {
		ct := &model.ComputeTarget{}
		if err := rows.Scan(
			&ct.ID, &ct.WorkspaceID, &ct.Name, &ct.Provisioner, &ct.Size, &ct.MinNodes, &ct.MaxNodes,
			&ct.IdleTimeoutS, &ct.State, &ct.Error, &ct.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan compute target: %w", err)
		}
		targets = append(targets, ct)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate compute targets: %w", err)
	}
	return targets, nil
}

// UpdateComputeState updates the provisioning state of a compute target.
func (s *SQLiteStore) UpdateComputeState(ctx context.Context, id, state, errMsg string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE compute_targets SET state = ?, error = ? WHERE id = ?", state, errMsg, id)
	if err != nil {
		return fmt.Errorf("update compute state: %w", err)
	}
	return requireRowsAffected(result)
}

// CreatePipeline inserts a new pipeline record. Steps are serialized as JSON;
// pipelines are immutable so the column is never updated.
func (s *SQLiteStore) CreatePipeline(ctx context.Context, p *model.Pipeline) error {
	steps, err := json.Marshal(p.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipelines (id, workspace_id, name, description, steps, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.ID, p.WorkspaceID, p.Name, p.Description, string(steps), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert pipeline: %w", err)
	}
	return nil
}

// GetPipeline retrieves a pipeline by ID.
func (s *SQLiteStore) GetPipeline(ctx context.Context, id string) (*model.Pipeline, error) {
	p := &model.Pipeline{}
	var steps string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, name, COALESCE(description, ''), steps, created_at
		FROM pipelines WHERE id = ?`, id,
	).Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Description, &steps, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pipeline: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	return p, nil
}

// ListPipelines returns all pipelines in a workspace, newest first.
func (s *SQLiteStore) ListPipelines(ctx context.Context, workspaceID string) ([]*model.Pipeline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, name, COALESCE(description, ''), steps, created_at
		FROM pipelines WHERE workspace_id = ? ORDER BY created_at DESC`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list pipelines: %w", err)
	}
	defer rows.Close()

	var pipelines []*model.Pipeline
	for rows.Next() {
		p := &model.Pipeline{}
		var steps string
		if err := rows.Scan(&p.ID, &p.WorkspaceID, &p.Name, &p.Description, &steps, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan pipeline: %w", err)
		}
		if err := json.Unmarshal([]byte(steps), &p.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
		pipelines = append(pipelines, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pipelines: %w", err)
	}
	return pipelines, nil
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (
			id, workspace_id, experiment, pipeline_id, compute, snapshot_dir,
			status, error, duration_ms, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkspaceID, r.Experiment, r.PipelineID, r.Compute, r.SnapshotDir,
		r.Status, r.Error, r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r := &model.Run{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, experiment, pipeline_id, compute, COALESCE(snapshot_dir, ''),
			status, COALESCE(error, ''), duration_ms, created_at, started_at, finished_at
		FROM runs WHERE id = ?`, id,
	).Scan(
		&r.ID, &r.WorkspaceID, &r.Experiment, &r.PipelineID, &r.Compute, &r.SnapshotDir,
		&r.Status, &r.Error, &r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs in a workspace ordered by
// created_at DESC, optionally filtered by experiment, along with the total count.
func (s *SQLiteStore) ListRuns(ctx context.Context, workspaceID, experiment string, limit, offset int) ([]*model.Run, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	where := "workspace_id = ?"
	args := []any{workspaceID}
	if experiment != "" {
		where += " AND experiment = ?"
		args = append(args, experiment)
	}

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, workspace_id, experiment, pipeline_id, compute, COALESCE(snapshot_dir, ''),
			status, COALESCE(error, ''), duration_ms, created_at, started_at, finished_at
		FROM runs WHERE `+where+` ORDER BY created_at DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r := &model.Run{}
		if err := rows.Scan(
			&r.ID, &r.WorkspaceID, &r.Experiment, &r.PipelineID, &r.Compute, &r.SnapshotDir,
			&r.Status, &r.Error, &r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
		); err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// UpdateRunStatus transitions a run to a new status, enforcing the lifecycle
// state machine. Terminal statuses also set finished_at; "running" sets started_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}

	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	switch {
	case model.TerminalStatus(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE runs SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	return tx.Commit()
}

// FinishRun records the terminal state of a run: status, error, duration,
// and timestamps. A run that already reached a different terminal state is
// left untouched; re-finishing with the same status is a no-op.
func (s *SQLiteStore) FinishRun(ctx context.Context, r *model.Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", r.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}
	if model.TerminalStatus(current) {
		if current == r.Status {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, r.Status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		r.Status, r.Error, r.DurationMS, r.StartedAt, r.FinishedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	return tx.Commit()
}

// GetRunStats aggregates run statistics for a workspace.
func (s *SQLiteStore) GetRunStats(ctx context.Context, workspaceID string) (*RunStats, error) {
	stats := &RunStats{
		CountByStatus: make(map[string]int),
		CountByExp:    make(map[string]int),
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM runs WHERE workspace_id = ? GROUP BY status", workspaceID)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	expRows, err := s.db.QueryContext(ctx,
		"SELECT experiment, COUNT(*) FROM runs WHERE workspace_id = ? GROUP BY experiment", workspaceID)
	if err != nil {
		return nil, fmt.Errorf("count by experiment: %w", err)
	}
	defer expRows.Close()
	for expRows.Next() {
		var exp string
		var count int
		if err := expRows.Scan(&exp, &count); err != nil {
			return nil, fmt.Errorf("scan experiment count: %w", err)
		}
		stats.CountByExp[exp] = count
	}
	if err := expRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate experiment counts: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(duration_ms), 0) FROM runs
		WHERE workspace_id = ? AND duration_ms IS NOT NULL`, workspaceID,
	).Scan(&stats.AvgDurationMS)
	if err != nil {
		return nil, fmt.Errorf("average duration: %w", err)
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM step_runs
		WHERE reused = 1 AND run_id IN (SELECT id FROM runs WHERE workspace_id = ?)`, workspaceID,
	).Scan(&stats.StepsReusedTotal)
	if err != nil {
		return nil, fmt.Errorf("count reused steps: %w", err)
	}

	return stats, nil
}

// CountActiveRunsOnCompute returns the number of non-terminal runs targeting
// the named compute target in a workspace.
func (s *SQLiteStore) CountActiveRunsOnCompute(ctx context.Context, workspaceID, compute string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs
		WHERE workspace_id = ? AND compute = ? AND status IN (?, ?, ?)`,
		workspaceID, compute, model.StatusPending, model.StatusPreparing, model.StatusRunning,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active runs: %w", err)
	}
	return count, nil
}

// CreateStepRun inserts a new step run record.
func (s *SQLiteStore) CreateStepRun(ctx context.Context, sr *model.StepRun) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_runs (
			id, run_id, step_name, node_id, status, reused, fingerprint,
			exit_code, error, duration_ms, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.ID, sr.RunID, sr.StepName, sr.NodeID, sr.Status, sr.Reused, sr.Fingerprint,
		sr.ExitCode, sr.Error, sr.DurationMS, sr.StartedAt, sr.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert step run: %w", err)
	}
	return nil
}

// UpdateStepRun updates the mutable fields of a step run.
func (s *SQLiteStore) UpdateStepRun(ctx context.Context, sr *model.StepRun) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE step_runs SET node_id = ?, status = ?, reused = ?, exit_code = ?,
			error = ?, duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		sr.NodeID, sr.Status, sr.Reused, sr.ExitCode,
		sr.Error, sr.DurationMS, sr.StartedAt, sr.FinishedAt, sr.ID,
	)
	if err != nil {
		return fmt.Errorf("update step run: %w", err)
	}
	return requireRowsAffected(result)
}

// ListStepRuns returns the step runs of a run in execution order.
func (s *SQLiteStore) ListStepRuns(ctx context.Context, runID string) ([]*model.StepRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_name, COALESCE(node_id, ''), status, reused,
			COALESCE(fingerprint, ''), exit_code, COALESCE(error, ''), duration_ms,
			started_at, finished_at
		FROM step_runs WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("list step runs: %w", err)
	}
	defer rows.Close()

	var stepRuns []*model.StepRun
	for rows.Next() {
		sr := &model.StepRun{}
		if err := rows.Scan(
			&sr.ID, &sr.RunID, &sr.StepName, &sr.NodeID, &sr.Status, &sr.Reused,
			&sr.Fingerprint, &sr.ExitCode, &sr.Error, &sr.DurationMS,
			&sr.StartedAt, &sr.FinishedAt,
		); err != nil {
			return nil, fmt.Errorf("scan step run: %w", err)
		}
		stepRuns = append(stepRuns, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step runs: %w", err)
	}
	return stepRuns, nil
}

// GetReusableStepRun returns the most recent completed, non-reused step run
// with the given fingerprint, or ErrNotFound.
func (s *SQLiteStore) GetReusableStepRun(ctx context.Context, fingerprint string) (*model.StepRun, error) {
	sr := &model.StepRun{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, step_name, COALESCE(node_id, ''), status, reused,
			COALESCE(fingerprint, ''), exit_code, COALESCE(error, ''), duration_ms,
			started_at, finished_at
		FROM step_runs
		WHERE fingerprint = ? AND status = ? AND reused = 0
		ORDER BY finished_at DESC LIMIT 1`, fingerprint, model.StatusCompleted,
	).Scan(
		&sr.ID, &sr.RunID, &sr.StepName, &sr.NodeID, &sr.Status, &sr.Reused,
		&sr.Fingerprint, &sr.ExitCode, &sr.Error, &sr.DurationMS,
		&sr.StartedAt, &sr.FinishedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get reusable step run: %w", err)
	}
	return sr, nil
}

// InsertLogLine persists a single run log line.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, runID, stepName string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_logs (run_id, step_name, seq, line, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		runID, stepName, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns all persisted log lines for a run ordered by sequence.
func (s *SQLiteStore) GetLogLines(ctx context.Context, runID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_name, seq, line, created_at
		FROM run_logs WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.RunID, &l.StepName, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

// InsertMetric records a named scalar metric against a run.
func (s *SQLiteStore) InsertMetric(ctx context.Context, m *model.Metric) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_metrics (run_id, step_name, name, value, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		m.RunID, m.StepName, m.Name, m.Value, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// ListMetrics returns all metrics recorded against a run in insertion order.
func (s *SQLiteStore) ListMetrics(ctx context.Context, runID string) ([]model.Metric, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, COALESCE(step_name, ''), name, value, created_at
		FROM run_metrics WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var metrics []model.Metric
	for rows.Next() {
		var m model.Metric
		if err := rows.Scan(&m.ID, &m.RunID, &m.StepName, &m.Name, &m.Value, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		metrics = append(metrics, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return metrics, nil
}

// CreatePublishedPipeline inserts a published pipeline, assigning the next
// version number for its name within the workspace.
func (s *SQLiteStore) CreatePublishedPipeline(ctx context.Context, pp *model.PublishedPipeline) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var version int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM published_pipelines
		WHERE workspace_id = ? AND name = ?`, pp.WorkspaceID, pp.Name,
	).Scan(&version)
	if err != nil {
		return fmt.Errorf("next version: %w", err)
	}
	pp.Version = version

	_, err = tx.ExecContext(ctx,
		`INSERT INTO published_pipelines (
			id, workspace_id, pipeline_id, name, description, version, disabled, endpoint, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pp.ID, pp.WorkspaceID, pp.PipelineID, pp.Name, pp.Description, pp.Version,
		pp.Disabled, pp.Endpoint, pp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert published pipeline: %w", err)
	}

	return tx.Commit()
}

// GetPublishedPipeline retrieves a published pipeline by ID.
func (s *SQLiteStore) GetPublishedPipeline(ctx context.Context, id string) (*model.PublishedPipeline, error) {
	pp := &model.PublishedPipeline{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workspace_id, pipeline_id, name, COALESCE(description, ''),
			version, disabled, endpoint, created_at
		FROM published_pipelines WHERE id = ?`, id,
	).Scan(
		&pp.ID, &pp.WorkspaceID, &pp.PipelineID, &pp.Name, &pp.Description,
		&pp.Version, &pp.Disabled, &pp.Endpoint, &pp.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get published pipeline: %w", err)
	}
	return pp, nil
}

// ListPublishedPipelines returns all published pipelines in a workspace,
// ordered by name then version.
func (s *SQLiteStore) ListPublishedPipelines(ctx context.Context, workspaceID string) ([]*model.PublishedPipeline, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workspace_id, pipeline_id, name, COALESCE(description, ''),
			version, disabled, endpoint, created_at
		FROM published_pipelines WHERE workspace_id = ? ORDER BY name, version`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list published pipelines: %w", err)
	}
	defer rows.Close()

	var published []*model.PublishedPipeline
	for rows.Next() {
		pp := &model.PublishedPipeline{}
		if err := rows.Scan(
			&pp.ID, &pp.WorkspaceID, &pp.PipelineID, &pp.Name, &pp.Description,
			&pp.Version, &pp.Disabled, &pp.Endpoint, &pp.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan published pipeline: %w", err)
		}
		published = append(published, pp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate published pipelines: %w", err)
	}
	return published, nil
}

// SetPublishedDisabled enables or disables a published pipeline endpoint.
func (s *SQLiteStore) SetPublishedDisabled(ctx context.Context, id string, disabled bool) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE published_pipelines SET disabled = ? WHERE id = ?", disabled, id)
	if err != nil {
		return fmt.Errorf("set published disabled: %w", err)
	}
	return requireRowsAffected(result)
}

// requireRowsAffected converts a zero-row update or delete into ErrNotFound.
func requireRowsAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
