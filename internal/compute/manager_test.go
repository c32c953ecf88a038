package compute_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/kilnml/kiln/internal/compute"
	"github.com/kilnml/kiln/internal/model"
	"github.com/kilnml/kiln/internal/store"
)

func newTestManager(t *testing.T) (*compute.Manager, store.Store) {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	reg := compute.NewRegistry()
	reg.Register(compute.NewLocalProvisioner(logger))

	return compute.NewManager(s, reg, logger), s
}

func testSpec(name string) compute.EnsureSpec {
	return compute.EnsureSpec{
		Name:         name,
		Provisioner:  model.ProvisionerLocal,
		Size:         "standard-2",
		MinNodes:     0,
		MaxNodes:     2,
		IdleTimeoutS: 60,
	}
}

func TestEnsureProvisionsAndReuses(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	ct, created, err := m.Ensure(ctx, "ws1", testSpec("gpu-cluster"))
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Error("created = false, want true on first Ensure")
	}
	if ct.State != model.ComputeCreating {
		t.Errorf("State = %q, want %q", ct.State, model.ComputeCreating)
	}

	ready, err := m.WaitReady(ctx, "ws1", "gpu-cluster", 10*time.Second)
	if err != nil {
		t.Fatalf("WaitReady: %v", err)
	}
	if ready.State != model.ComputeReady {
		t.Errorf("State = %q, want %q", ready.State, model.ComputeReady)
	}

	// Second Ensure must reuse the existing target.
	again, created, err := m.Ensure(ctx, "ws1", testSpec("gpu-cluster"))
	if err != nil {
		t.Fatalf("Ensure (reuse): %v", err)
	}
	if created {
		t.Error("created = true, want false on reuse")
	}
	if again.ID != ct.ID {
		t.Errorf("reused target ID = %q, want %q", again.ID, ct.ID)
	}
}

func TestEnsureUnknownProvisioner(t *testing.T) {
	m, _ := newTestManager(t)

	spec := testSpec("cluster")
	spec.Provisioner = "k8s"
	if _, _, err := m.Ensure(context.Background(), "ws1", spec); err == nil {
		t.Error("Ensure with unknown provisioner: error = nil, want error")
	}
}

func TestEnsureFailedProvisioning(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	spec := testSpec("bad-cluster")
	spec.MaxNodes = 0 // rejected by the local provisioner
	if _, _, err := m.Ensure(ctx, "ws1", spec); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	if _, err := m.WaitReady(ctx, "ws1", "bad-cluster", 10*time.Second); err == nil {
		t.Error("WaitReady on failed target: error = nil, want error")
	}
}

func TestPoolRequiresReady(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	ct := &model.ComputeTarget{
		ID:          model.NewID(),
		WorkspaceID: "ws1",
		Name:        "pending-cluster",
		Provisioner: model.ProvisionerLocal,
		MinNodes:    0,
		MaxNodes:    1,
		State:       model.ComputeCreating,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.CreateComputeTarget(ctx, ct); err != nil {
		t.Fatalf("CreateComputeTarget: %v", err)
	}

	if _, err := m.Pool(ctx, "ws1", "pending-cluster"); err == nil {
		t.Error("Pool on creating target: error = nil, want error")
	}
}

func TestPoolReprovisionsAfterRestart(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	// A ready target with no cached pool simulates state left by a
	// previous process.
	ct := &model.ComputeTarget{
		ID:          model.NewID(),
		WorkspaceID: "ws1",
		Name:        "cluster",
		Provisioner: model.ProvisionerLocal,
		MinNodes:    1,
		MaxNodes:    2,
		State:       model.ComputeReady,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.CreateComputeTarget(ctx, ct); err != nil {
		t.Fatalf("CreateComputeTarget: %v", err)
	}

	pool, err := m.Pool(ctx, "ws1", "cluster")
	if err != nil {
		t.Fatalf("Pool: %v", err)
	}
	if stats := pool.Stats(); stats.Nodes != 1 {
		t.Errorf("Stats.Nodes = %d, want 1 (min_nodes)", stats.Nodes)
	}
}

func TestDeleteTearsDown(t *testing.T) {
	m, s := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.Ensure(ctx, "ws1", testSpec("old-cluster")); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if _, err := m.WaitReady(ctx, "ws1", "old-cluster", 10*time.Second); err != nil {
		t.Fatalf("WaitReady: %v", err)
	}

	ct, err := m.Delete(ctx, "ws1", "old-cluster")
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if ct.State != model.ComputeDeleting {
		t.Errorf("State = %q, want %q", ct.State, model.ComputeDeleting)
	}

	// Teardown completes in the background; poll the store until the live
	// row disappears.
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		_, err := s.GetComputeTarget(ctx, "ws1", "old-cluster")
		if err != nil {
			return // deleted rows are excluded from lookup
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("compute target still live after teardown")
}
