package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/buildkite/roko"

	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/store"
)

const (
	// readyPollInterval is the polling cadence while waiting for a target
	// to finish provisioning.
	readyPollInterval = 500 * time.Millisecond

	// drainTimeout bounds how long teardown waits for busy nodes.
	drainTimeout = 5 * time.Minute
)

// ErrNotReady is returned when a compute target exists but has not finished
// provisioning.
var ErrNotReady = errors.New("compute target is not ready")

// EnsureSpec describes the compute target to provision when none exists.
type EnsureSpec struct {
	Name         string
	Provisioner  string
	Size         string
	MinNodes     int
	MaxNodes     int
	IdleTimeoutS int
}

// Manager provisions, caches, and tears down compute target pools.
type Manager struct {
	store    store.Store
	registry *Registry
	logger   *slog.Logger

	mu    sync.Mutex
	pools map[string]Pool // compute target ID -> live pool
}

// NewManager creates a compute manager.
func NewManager(s store.Store, reg *Registry, logger *slog.Logger) *Manager {
	return &Manager{
		store:    s,
		registry: reg,
		logger:   logger,
		pools:    make(map[string]Pool),
	}
}

// Ensure returns the named compute target, provisioning it from spec when it
// does not exist. The returned bool reports whether provisioning was started.
// Provisioning is asynchronous: a new target is returned in the creating
// state and transitions to ready or failed in the background.
func (m *Manager) Ensure(ctx context.Context, workspaceID string, spec EnsureSpec) (*model.ComputeTarget, bool, error) {
	ct, err := m.store.GetComputeTarget(ctx, workspaceID, spec.Name)
	if err == nil {
		return ct, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("get compute target: %w", err)
	}

	if _, err := m.registry.Resolve(spec.Provisioner); err != nil {
		return nil, false, err
	}

	ct = &model.ComputeTarget{
		ID:           model.NewID(),
		WorkspaceID:  workspaceID,
		Name:         spec.Name,
		Provisioner:  spec.Provisioner,
		Size:         spec.Size,
		MinNodes:     spec.MinNodes,
		MaxNodes:     spec.MaxNodes,
		IdleTimeoutS: spec.IdleTimeoutS,
		State:        model.ComputeCreating,
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.store.CreateComputeTarget(ctx, ct); err != nil {
		if errors.Is(err, store.ErrExists) {
			// Lost a provisioning race; return the winner.
			existing, getErr := m.store.GetComputeTarget(ctx, workspaceID, spec.Name)
			if getErr != nil {
				return nil, false, fmt.Errorf("get compute target after race: %w", getErr)
			}
			return existing, false, nil
		}
		return nil, false, fmt.Errorf("create compute target: %w", err)
	}

	go m.provision(ct)

	return ct, true, nil
}

// provision runs the provisioner and records the outcome. It uses a
// background context because the submitting request has already returned.
func (m *Manager) provision(ct *model.ComputeTarget) {
	ctx := context.Background()

	prov, err := m.registry.Resolve(ct.Provisioner)
	if err != nil {
		m.failProvision(ctx, ct, err)
		return
	}

	pool, err := prov.Provision(ctx, ct)
	if err != nil {
		m.failProvision(ctx, ct, err)
		return
	}

	m.mu.Lock()
	m.pools[ct.ID] = pool
	m.mu.Unlock()

	if err := m.store.UpdateComputeState(ctx, ct.ID, model.ComputeReady, ""); err != nil {
		m.logger.Error("mark compute ready", "target", ct.Name, "error", err)
		return
	}
	m.logger.Info("compute target ready", "target", ct.Name, "max_nodes", ct.MaxNodes)
}

func (m *Manager) failProvision(ctx context.Context, ct *model.ComputeTarget, provErr error) {
	m.logger.Error("compute provisioning failed", "target", ct.Name, "error", provErr)
	if err := m.store.UpdateComputeState(ctx, ct.ID, model.ComputeFailed, provErr.Error()); err != nil {
		m.logger.Error("mark compute failed", "target", ct.Name, "error", err)
	}
}

// WaitReady polls until the named target is ready, provisioning failed, or
// the timeout elapses.
func (m *Manager) WaitReady(ctx context.Context, workspaceID, name string, timeout time.Duration) (*model.ComputeTarget, error) {
	attempts := int(timeout/readyPollInterval) + 1

	var ct *model.ComputeTarget
	err := roko.NewRetrier(
		roko.WithMaxAttempts(attempts),
		roko.WithStrategy(roko.Constant(readyPollInterval)),
	).DoWithContext(ctx, func(r *roko.Retrier) error {
		var err error
		ct, err = m.store.GetComputeTarget(ctx, workspaceID, name)
		if err != nil {
			r.Break()
			return err
		}
		switch ct.State {
		case model.ComputeReady:
			return nil
		case model.ComputeFailed:
			r.Break()
			return fmt.Errorf("compute target %q failed to provision: %s", name, ct.Error)
		default:
			return fmt.Errorf("%w: %s", ErrNotReady, ct.State)
		}
	})
	if err != nil {
		return nil, err
	}
	return ct, nil
}

// Pool returns the live pool of a ready compute target, provisioning it
// synchronously when no pool is cached (e.g. after a server restart).
func (m *Manager) Pool(ctx context.Context, workspaceID, name string) (Pool, error) {
	ct, err := m.store.GetComputeTarget(ctx, workspaceID, name)
	if err != nil {
		return nil, err
	}
	if ct.State != model.ComputeReady {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, ct.State)
	}

	m.mu.Lock()
	pool, ok := m.pools[ct.ID]
	m.mu.Unlock()
	if ok {
		return pool, nil
	}

	prov, err := m.registry.Resolve(ct.Provisioner)
	if err != nil {
		return nil, err
	}
	pool, err = prov.Provision(ctx, ct)
	if err != nil {
		return nil, fmt.Errorf("reprovision pool: %w", err)
	}

	m.mu.Lock()
	m.pools[ct.ID] = pool
	m.mu.Unlock()
	return pool, nil
}

// Delete tears down a compute target: the target transitions to deleting,
// busy nodes are drained in the background, and the record becomes deleted.
func (m *Manager) Delete(ctx context.Context, workspaceID, name string) (*model.ComputeTarget, error) {
	ct, err := m.store.GetComputeTarget(ctx, workspaceID, name)
	if err != nil {
		return nil, err
	}
	if ct.State == model.ComputeDeleting {
		return ct, nil
	}

	if err := m.store.UpdateComputeState(ctx, ct.ID, model.ComputeDeleting, ""); err != nil {
		return nil, fmt.Errorf("mark compute deleting: %w", err)
	}
	ct.State = model.ComputeDeleting

	go m.teardown(ct)

	return ct, nil
}

func (m *Manager) teardown(ct *model.ComputeTarget) {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	m.mu.Lock()
	pool, ok := m.pools[ct.ID]
	delete(m.pools, ct.ID)
	m.mu.Unlock()

	if ok {
		if err := pool.Close(ctx); err != nil {
			m.logger.Error("drain compute pool", "target", ct.Name, "error", err)
		}
	}

	if err := m.store.UpdateComputeState(ctx, ct.ID, model.ComputeDeleted, ""); err != nil {
		m.logger.Error("mark compute deleted", "target", ct.Name, "error", err)
		return
	}
	m.logger.Info("compute target deleted", "target", ct.Name)
}

// Stats returns pool statistics for a target, or zeroes when no pool is live.
func (m *Manager) Stats(targetID string) PoolStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pool, ok := m.pools[targetID]; ok {
		return pool.Stats()
	}
	return PoolStats{}
}
