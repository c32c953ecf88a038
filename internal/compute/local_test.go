package compute

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kilnml/kiln/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, min, max int) Pool {
	t.Helper()
	prov := NewLocalProvisioner(testLogger())
	pool, err := prov.Provision(context.Background(), &model.ComputeTarget{
		Name:     "test-cluster",
		MinNodes: min,
		MaxNodes: max,
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		pool.Close(ctx)
	})
	return pool
}

func TestProvisionValidation(t *testing.T) {
	prov := NewLocalProvisioner(testLogger())
	tests := []struct {
		name     string
		min, max int
		wantErr  bool
	}{
		{"valid", 0, 2, false},
		{"min equals max", 2, 2, false},
		{"zero max", 0, 0, true},
		{"min above max", 3, 2, true},
		{"negative min", -1, 2, true},
	}
	for _, tt := range tests {
		_, err := prov.Provision(context.Background(), &model.ComputeTarget{
			Name:     tt.name,
			MinNodes: tt.min,
			MaxNodes: tt.max,
		})
		if tt.wantErr && err == nil {
			t.Errorf("%s: error = nil, want error", tt.name)
		}
		if !tt.wantErr && err != nil {
			t.Errorf("%s: error = %v", tt.name, err)
		}
	}
}

func TestPoolGrowsToMax(t *testing.T) {
	pool := newTestPool(t, 0, 2)
	ctx := context.Background()

	n1, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	n2, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if n1.ID() == n2.ID() {
		t.Errorf("both acquires returned node %q", n1.ID())
	}

	stats := pool.Stats()
	if stats.Nodes != 2 || stats.Busy != 2 {
		t.Errorf("Stats = %+v, want 2 nodes, 2 busy", stats)
	}

	// Third acquire must block until a release.
	blockedCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(blockedCtx); err == nil {
		t.Fatal("Acquire beyond max_nodes returned without a release")
	}

	pool.Release(n1)
	n3, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if n3.ID() != n1.ID() {
		t.Errorf("reacquired node = %q, want released node %q", n3.ID(), n1.ID())
	}
}

func TestPoolCloseRejectsAcquire(t *testing.T) {
	pool := newTestPool(t, 1, 1)
	ctx := context.Background()

	if err := pool.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := pool.Acquire(ctx); err == nil {
		t.Error("Acquire after Close: error = nil, want error")
	}
}

func TestNodeRunCapturesOutput(t *testing.T) {
	pool := newTestPool(t, 0, 1)
	ctx := context.Background()

	dir := t.TempDir()
	script := filepath.Join(dir, "step.sh")
	if err := os.WriteFile(script, []byte("echo preprocessing $1\necho done >&2\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	node, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer pool.Release(node)

	var lines []string
	result, err := node.Run(ctx, StepCommand{
		StepName:  "preprocess",
		Runtime:   model.RuntimeShell,
		Script:    script,
		Args:      []string{"clients.csv"},
		WorkDir:   dir,
		LogWriter: func(line string) { lines = append(lines, line) },
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}

	seen := make(map[string]bool)
	for _, l := range lines {
		seen[l] = true
	}
	if !seen["preprocessing clients.csv"] || !seen["done"] {
		t.Errorf("log lines = %v, want stdout and stderr lines", lines)
	}
}

func TestNodeRunNonZeroExit(t *testing.T) {
	pool := newTestPool(t, 0, 1)
	ctx := context.Background()

	dir := t.TempDir()
	script := filepath.Join(dir, "fail.sh")
	if err := os.WriteFile(script, []byte("exit 3\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	node, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer pool.Release(node)

	result, err := node.Run(ctx, StepCommand{
		StepName: "train",
		Runtime:  model.RuntimeShell,
		Script:   script,
		WorkDir:  dir,
	})
	if err == nil {
		t.Fatal("Run: error = nil, want error for exit 3")
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
}

func TestNodeRunUnknownRuntime(t *testing.T) {
	pool := newTestPool(t, 0, 1)
	node, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer pool.Release(node)

	if _, err := node.Run(context.Background(), StepCommand{Runtime: "fortran"}); err == nil {
		t.Error("Run with unknown runtime: error = nil, want error")
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewLocalProvisioner(testLogger()))

	if _, err := reg.Resolve(model.ProvisionerLocal); err != nil {
		t.Errorf("Resolve(local): %v", err)
	}
	if _, err := reg.Resolve("k8s"); err == nil {
		t.Error("Resolve(k8s): error = nil, want error")
	}

	kinds := reg.Kinds()
	if len(kinds) != 1 || kinds[0] != model.ProvisionerLocal {
		t.Errorf("Kinds = %v, want [local]", kinds)
	}
}
