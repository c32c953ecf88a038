package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kilnml/kiln/internal/compute"
	"github.com/kilnml/kiln/internal/datastore"
	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/pipeline"
	"github.com/kilnml/kiln/internal/store"
)

// computeWaitTimeout bounds how long a run waits in preparing for its
// compute target to finish provisioning.
const computeWaitTimeout = 10 * time.Minute

// Engine orchestrates asynchronous pipeline run execution.
type Engine struct {
	store    store.Store
	compute  *compute.Manager
	dataRoot string
	logger   *slog.Logger
	wg       sync.WaitGroup
	broker   *LogBroker

	mu      sync.Mutex
	cancels map[string]context.CancelFunc // runID -> cancel
}

// NewEngine creates a new run execution engine. dataRoot is the directory
// backing local datastores.
func NewEngine(s store.Store, mgr *compute.Manager, dataRoot string, logger *slog.Logger) *Engine {
	return &Engine{
		store:    s,
		compute:  mgr,
		dataRoot: dataRoot,
		logger:   logger,
		broker:   NewLogBroker(),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Broker returns the engine's log broker for SSE subscription.
func (e *Engine) Broker() *LogBroker {
	return e.broker
}

// Submit creates a run record and launches asynchronous execution in a
// goroutine. The run is stored with status "pending" before returning.
// The goroutine operates on copies to avoid data races with the caller.
func (e *Engine) Submit(ctx context.Context, r *model.Run, p *model.Pipeline) error {
	if err := e.store.CreateRun(ctx, r); err != nil {
		return fmt.Errorf("create run: %w", err)
	}

	rCopy := *r
	pCopy := *p
	e.wg.Go(func() {
		e.execute(&rCopy, &pCopy)
	})

	return nil
}

// Wait blocks until all in-flight run goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Cancel cancels a run. Running steps receive context cancellation; runs
// that never started executing (e.g. after a restart) are transitioned
// directly.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	e.mu.Lock()
	cancel, ok := e.cancels[runID]
	e.mu.Unlock()

	if ok {
		cancel()
		return nil
	}

	r, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if model.TerminalStatus(r.Status) {
		return fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, r.Status, model.StatusCanceled)
	}
	return e.store.UpdateRunStatus(ctx, runID, model.StatusCanceled)
}

// execute runs the full lifecycle of one run: pending -> preparing ->
// running -> completed/failed/canceled. Steps execute sequentially; a
// failing step fails the run and later steps are not started.
func (e *Engine) execute(r *model.Run, p *model.Pipeline) {
	// Close the log stream when execution finishes, regardless of outcome.
	defer e.broker.Close(r.ID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.mu.Lock()
	e.cancels[r.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, r.ID)
		e.mu.Unlock()
	}()

	if err := e.store.UpdateRunStatus(ctx, r.ID, model.StatusPreparing); err != nil {
		// A cancel that landed before this goroutine registered its cancel
		// func already moved the run to a terminal state; leave it alone.
		if errors.Is(err, store.ErrInvalidTransition) {
			e.logger.Info("run terminal before execution started", "run_id", r.ID)
			return
		}
		e.logger.Error("transition to preparing", "run_id", r.ID, "error", err)
		e.finishForErr(ctx, r.ID, nil, fmt.Errorf("failed to start: %w", err))
		return
	}

	waitCtx, waitCancel := context.WithTimeout(ctx, computeWaitTimeout)
	_, err := e.compute.WaitReady(waitCtx, r.WorkspaceID, r.Compute, computeWaitTimeout)
	waitCancel()
	if err != nil {
		e.finishForErr(ctx, r.ID, nil, fmt.Errorf("compute %q: %w", r.Compute, err))
		return
	}

	pool, err := e.compute.Pool(ctx, r.WorkspaceID, r.Compute)
	if err != nil {
		e.finishForErr(ctx, r.ID, nil, fmt.Errorf("compute %q: %w", r.Compute, err))
		return
	}

	backends, err := e.openBackends(ctx, r.WorkspaceID)
	if err != nil {
		e.finishForErr(ctx, r.ID, nil, err)
		return
	}

	if err := e.store.UpdateRunStatus(ctx, r.ID, model.StatusRunning); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			e.logger.Info("run terminal before steps started", "run_id", r.ID)
			return
		}
		e.logger.Error("transition to running", "run_id", r.ID, "error", err)
		e.finishForErr(ctx, r.ID, nil, fmt.Errorf("failed to start: %w", err))
		return
	}

	start := time.Now()
	var seq atomic.Int32

	for _, step := range p.Steps {
		if err := e.runStep(ctx, r, step, pool, backends, &seq); err != nil {
			e.finishForErr(ctx, r.ID, &start, fmt.Errorf("step %q: %w", step.Name, err))
			return
		}
	}

	e.finish(r.ID, model.StatusCompleted, &start, "")
	e.logger.Info("run completed", "run_id", r.ID, "pipeline", p.Name, "steps", len(p.Steps))
}

// openBackends opens a datastore backend per registered datastore.
func (e *Engine) openBackends(ctx context.Context, workspaceID string) (map[string]datastore.Backend, error) {
	records, err := e.store.ListDatastores(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list datastores: %w", err)
	}
	backends := make(map[string]datastore.Backend, len(records))
	for _, ds := range records {
		b, err := datastore.Open(ds, e.dataRoot)
		if err != nil {
			return nil, fmt.Errorf("datastore %q: %w", ds.Name, err)
		}
		backends[ds.Name] = b
	}
	return backends, nil
}

// runStep executes one pipeline step on a pool node, or reuses a previous
// completed execution when the step allows it.
func (e *Engine) runStep(ctx context.Context, r *model.Run, step model.Step, pool compute.Pool, backends map[string]datastore.Backend, seq *atomic.Int32) error {
	fingerprint := stepFingerprint(r.SnapshotDir, step)

	sr := &model.StepRun{
		ID:          model.NewID(),
		RunID:       r.ID,
		StepName:    step.Name,
		Status:      model.StatusPending,
		Fingerprint: fingerprint,
	}
	if err := e.store.CreateStepRun(ctx, sr); err != nil {
		return fmt.Errorf("create step run: %w", err)
	}

	if step.AllowReuse {
		if prev, err := e.store.GetReusableStepRun(ctx, fingerprint); err == nil {
			now := time.Now().UTC()
			zero := 0
			sr.Status = model.StatusCompleted
			sr.Reused = true
			sr.NodeID = prev.NodeID
			sr.ExitCode = &zero
			sr.DurationMS = &zero
			sr.StartedAt = &now
			sr.FinishedAt = &now
			if err := e.store.UpdateStepRun(ctx, sr); err != nil {
				return fmt.Errorf("record reused step: %w", err)
			}
			e.publishLine(ctx, r.ID, step.Name, seq,
				fmt.Sprintf("[%s] reusing outputs of earlier run %s", step.Name, prev.RunID))
			return nil
		}
	}

	inputDirs, outputDirs, staged, err := e.resolveRefs(ctx, step, backends)
	if err != nil {
		e.failStep(sr, nil, err.Error())
		return err
	}
	defer cleanupStaged(staged)

	args, err := pipeline.ExpandArguments(step, inputDirs, outputDirs)
	if err != nil {
		e.failStep(sr, nil, err.Error())
		return err
	}

	node, err := pool.Acquire(ctx)
	if err != nil {
		e.failStep(sr, nil, fmt.Sprintf("acquire node: %v", err))
		return fmt.Errorf("acquire node: %w", err)
	}
	defer pool.Release(node)

	stepStart := time.Now()
	sr.NodeID = node.ID()
	sr.Status = model.StatusRunning
	sr.StartedAt = &stepStart
	if err := e.store.UpdateStepRun(ctx, sr); err != nil {
		return fmt.Errorf("mark step running: %w", err)
	}

	script := step.Script
	if !filepath.IsAbs(script) {
		script = filepath.Join(r.SnapshotDir, script)
	}

	result, runErr := node.Run(ctx, compute.StepCommand{
		RunID:    r.ID,
		StepName: step.Name,
		Runtime:  step.Runtime,
		Script:   script,
		Args:     args,
		WorkDir:  r.SnapshotDir,
		Env: []string{
			"KILN_RUN_ID=" + r.ID,
			"KILN_STEP_NAME=" + step.Name,
		},
		LogWriter: func(line string) {
			e.publishLine(ctx, r.ID, step.Name, seq, line)
		},
	})

	durationMS := result.DurationMS
	if durationMS == 0 {
		durationMS = int(time.Since(stepStart).Milliseconds())
	}

	if runErr != nil {
		status := model.StatusFailed
		if errors.Is(runErr, context.Canceled) {
			status = model.StatusCanceled
		}
		sr.Status = status
		sr.ExitCode = &result.ExitCode
		sr.Error = runErr.Error()
		sr.DurationMS = &durationMS
		now := time.Now().UTC()
		sr.FinishedAt = &now
		if err := e.store.UpdateStepRun(context.Background(), sr); err != nil {
			e.logger.Error("update failed step run", "run_id", r.ID, "step", step.Name, "error", err)
		}
		return runErr
	}

	// Publish staged outputs back to their datastores.
	for name, dir := range outputDirs {
		ref := step.Outputs[name]
		backend := backends[ref.Datastore]
		if _, ok := staged[dir]; !ok {
			continue // directly mounted, already in place
		}
		if err := backend.Publish(ctx, dir, ref.Prefix); err != nil {
			e.failStep(sr, &result.ExitCode, fmt.Sprintf("publish output %q: %v", name, err))
			return fmt.Errorf("publish output %q: %w", name, err)
		}
	}

	now := time.Now().UTC()
	sr.Status = model.StatusCompleted
	sr.ExitCode = &result.ExitCode
	sr.DurationMS = &durationMS
	sr.FinishedAt = &now
	if err := e.store.UpdateStepRun(ctx, sr); err != nil {
		return fmt.Errorf("mark step completed: %w", err)
	}

	metric := &model.Metric{
		RunID:     r.ID,
		StepName:  step.Name,
		Name:      "duration_seconds",
		Value:     float64(durationMS) / 1000.0,
		CreatedAt: now,
	}
	if err := e.store.InsertMetric(ctx, metric); err != nil {
		e.logger.Error("record step duration metric", "run_id", r.ID, "step", step.Name, "error", err)
	}

	return nil
}

// resolveRefs maps each declared input and output reference to a node-local
// directory. Backends without a host path get a staging directory; staged
// input dirs are populated before returning. The staged set records which
// directories are temporary.
func (e *Engine) resolveRefs(ctx context.Context, step model.Step, backends map[string]datastore.Backend) (inputDirs, outputDirs map[string]string, staged map[string]struct{}, err error) {
	inputDirs = make(map[string]string, len(step.Inputs))
	outputDirs = make(map[string]string, len(step.Outputs))
	staged = make(map[string]struct{})

	resolve := func(ref model.DataRef, stage bool) (string, error) {
		backend, ok := backends[ref.Datastore]
		if !ok {
			return "", fmt.Errorf("datastore %q is not registered", ref.Datastore)
		}
		dir, direct, err := backend.Mount(ref.Prefix)
		if err != nil {
			return "", err
		}
		if direct {
			return dir, nil
		}

		tmp, err := os.MkdirTemp("", "kiln-stage-")
		if err != nil {
			return "", fmt.Errorf("create staging dir: %w", err)
		}
		staged[tmp] = struct{}{}
		if stage {
			if err := backend.Stage(ctx, ref.Prefix, tmp); err != nil {
				return "", fmt.Errorf("stage %s: %w", ref.String(), err)
			}
		}
		return tmp, nil
	}

	for name, ref := range step.Inputs {
		dir, rerr := resolve(ref, true)
		if rerr != nil {
			cleanupStaged(staged)
			return nil, nil, nil, fmt.Errorf("input %q: %w", name, rerr)
		}
		inputDirs[name] = dir
	}
	for name, ref := range step.Outputs {
		dir, rerr := resolve(ref, false)
		if rerr != nil {
			cleanupStaged(staged)
			return nil, nil, nil, fmt.Errorf("output %q: %w", name, rerr)
		}
		outputDirs[name] = dir
	}

	return inputDirs, outputDirs, staged, nil
}

func cleanupStaged(staged map[string]struct{}) {
	for dir := range staged {
		os.RemoveAll(dir)
	}
}

// publishLine dual-writes a log line: persist to the store for historical
// viewing, then publish to the broker for real-time SSE.
func (e *Engine) publishLine(ctx context.Context, runID, stepName string, seq *atomic.Int32, line string) {
	currentSeq := int(seq.Add(1) - 1)
	if err := e.store.InsertLogLine(ctx, runID, stepName, currentSeq, line); err != nil {
		e.logger.Error("persist log line", "run_id", runID, "seq", currentSeq, "error", err)
	}
	e.broker.Publish(runID, line)
}

// failStep marks a step run as failed with the given error message.
func (e *Engine) failStep(sr *model.StepRun, exitCode *int, errMsg string) {
	now := time.Now().UTC()
	sr.Status = model.StatusFailed
	sr.ExitCode = exitCode
	sr.Error = errMsg
	sr.FinishedAt = &now
	if err := e.store.UpdateStepRun(context.Background(), sr); err != nil {
		e.logger.Error("update failed step run", "step_run_id", sr.ID, "error", err)
	}
}

// finishForErr finishes a run as canceled when err stems from context
// cancellation, failed otherwise.
func (e *Engine) finishForErr(ctx context.Context, runID string, startedAt *time.Time, err error) {
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		e.finish(runID, model.StatusCanceled, startedAt, "")
		return
	}
	e.finish(runID, model.StatusFailed, startedAt, err.Error())
}

// finish records a run's terminal state. startedAt may be nil if execution
// never started.
func (e *Engine) finish(runID, status string, startedAt *time.Time, errMsg string) {
	now := time.Now().UTC()
	var durationMS int
	if startedAt != nil {
		durationMS = int(time.Since(*startedAt).Milliseconds())
	}

	r := &model.Run{
		ID:         runID,
		Status:     status,
		Error:      errMsg,
		DurationMS: &durationMS,
		StartedAt:  startedAt,
		FinishedAt: &now,
	}

	if err := e.store.FinishRun(context.Background(), r); err != nil {
		e.logger.Error("finish run", "run_id", runID, "status", status, "error", err)
	}

	runsTotal.WithLabelValues(status).Inc()
}

// stepFingerprint hashes the script content, argument template, and sorted
// input references. Unreadable scripts hash their path instead so the
// fingerprint stays stable without blocking submission.
func stepFingerprint(snapshotDir string, step model.Step) string {
	h := sha256.New()

	script := step.Script
	if !filepath.IsAbs(script) {
		script = filepath.Join(snapshotDir, script)
	}
	if data, err := os.ReadFile(script); err == nil {
		h.Write(data)
	} else {
		h.Write([]byte(script))
	}

	for _, arg := range step.Arguments {
		h.Write([]byte{0})
		h.Write([]byte(arg))
	}

	names := make([]string, 0, len(step.Inputs))
	for name := range step.Inputs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h.Write([]byte{0})
		h.Write([]byte(name + "=" + step.Inputs[name].String()))
	}

	return hex.EncodeToString(h.Sum(nil))
}
