package compute

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/kilnml/kiln/internal/model"
)

// runtimeCommands maps each step runtime to the command used to execute its script.
var runtimeCommands = map[string]struct {
	bin  string
	args func(script string) []string
}{
	model.RuntimePython: {bin: "python3", args: func(s string) []string { return []string{s} }},
	model.RuntimeNode:   {bin: "node", args: func(s string) []string { return []string{s} }},
	model.RuntimeGo:     {bin: "go", args: func(s string) []string { return []string{"run", s} }},
	model.RuntimeShell:  {bin: "sh", args: func(s string) []string { return []string{s} }},
}

// janitorInterval is how often idle nodes above min_nodes are reaped.
const janitorInterval = 5 * time.Second

// LocalProvisioner provisions pools whose nodes run steps as host subprocesses.
type LocalProvisioner struct {
	logger *slog.Logger
}

// NewLocalProvisioner creates a local provisioner.
func NewLocalProvisioner(logger *slog.Logger) *LocalProvisioner {
	return &LocalProvisioner{logger: logger}
}

// Kind returns the local provisioner kind.
func (p *LocalProvisioner) Kind() string {
	return model.ProvisionerLocal
}

// Provision creates a node pool sized between min_nodes and max_nodes.
// Nodes above min_nodes are created on demand and reaped after the target's
// idle timeout.
func (p *LocalProvisioner) Provision(_ context.Context, ct *model.ComputeTarget) (Pool, error) {
	if ct.MaxNodes < 1 {
		return nil, fmt.Errorf("compute target %q: max_nodes must be >= 1", ct.Name)
	}
	if ct.MinNodes < 0 || ct.MinNodes > ct.MaxNodes {
		return nil, fmt.Errorf("compute target %q: min_nodes must be in [0, max_nodes]", ct.Name)
	}

	pool := &localPool{
		target: ct.Name,
		min:    ct.MinNodes,
		max:    ct.MaxNodes,
		idle:   time.Duration(ct.IdleTimeoutS) * time.Second,
		logger: p.logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	// Pre-create the minimum node population.
	for i := 0; i < ct.MinNodes; i++ {
		pool.free = append(pool.free, pool.newNodeLocked())
	}
	activeNodes.WithLabelValues(pool.target).Set(float64(pool.total))

	if pool.idle > 0 {
		go pool.janitor()
	}

	return pool, nil
}

// localPool manages a set of subprocess execution slots.
type localPool struct {
	target string
	min    int
	max    int
	idle   time.Duration
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	free   []*localNode // idle nodes, most recently used last
	busy   int
	total  int
	nextID int

	wake chan struct{} // signaled on Release and Close
	done chan struct{}
}

// newNodeLocked creates a node slot. Caller holds p.mu (or owns the pool
// exclusively during construction).
func (p *localPool) newNodeLocked() *localNode {
	p.nextID++
	p.total++
	return &localNode{
		id:     fmt.Sprintf("%s-node-%d", p.target, p.nextID),
		logger: p.logger,
	}
}

// Acquire returns an idle node, growing the pool up to max_nodes when none
// is free. It blocks until a node is released or ctx is done.
func (p *localPool) Acquire(ctx context.Context) (Node, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("compute target %q is being deleted", p.target)
		}
		if n := len(p.free); n > 0 {
			node := p.free[n-1]
			p.free = p.free[:n-1]
			p.busy++
			busyNodes.WithLabelValues(p.target).Set(float64(p.busy))
			p.mu.Unlock()
			return node, nil
		}
		if p.total < p.max {
			node := p.newNodeLocked()
			p.busy++
			activeNodes.WithLabelValues(p.target).Set(float64(p.total))
			busyNodes.WithLabelValues(p.target).Set(float64(p.busy))
			p.mu.Unlock()
			return node, nil
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Release returns a node to the idle set.
func (p *localPool) Release(n Node) {
	node, ok := n.(*localNode)
	if !ok {
		return
	}

	p.mu.Lock()
	node.lastUsed = time.Now()
	p.free = append(p.free, node)
	p.busy--
	busyNodes.WithLabelValues(p.target).Set(float64(p.busy))
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stats reports the current node population.
func (p *localPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{Nodes: p.total, Busy: p.busy}
}

// Close drains the pool: no further Acquire calls succeed, and Close waits
// for busy nodes to finish before releasing all slots.
func (p *localPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	for {
		p.mu.Lock()
		if p.busy == 0 {
			p.free = nil
			p.total = 0
			activeNodes.WithLabelValues(p.target).Set(0)
			busyNodes.WithLabelValues(p.target).Set(0)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		select {
		case <-p.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// janitor reaps nodes that have sat idle beyond the pool's idle timeout,
// never shrinking below min_nodes.
func (p *localPool) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-p.done:
			return
		}

		p.mu.Lock()
		cutoff := time.Now().Add(-p.idle)
		kept := p.free[:0]
		for _, node := range p.free {
			if p.total > p.min && node.lastUsed.Before(cutoff) {
				p.total--
				p.logger.Debug("reaped idle node", "target", p.target, "node_id", node.id)
				continue
			}
			kept = append(kept, node)
		}
		p.free = kept
		activeNodes.WithLabelValues(p.target).Set(float64(p.total))
		p.mu.Unlock()
	}
}

// localNode runs step commands as host subprocesses.
type localNode struct {
	id       string
	logger   *slog.Logger
	lastUsed time.Time
}

// ID returns the node identifier.
func (n *localNode) ID() string {
	return n.id
}

// Run executes the step's script with its runtime interpreter, streaming
// every stdout/stderr line to the command's LogWriter.
func (n *localNode) Run(ctx context.Context, cmd StepCommand) (Result, error) {
	rtCmd, ok := runtimeCommands[cmd.Runtime]
	if !ok {
		return Result{}, fmt.Errorf("unsupported runtime %q", cmd.Runtime)
	}

	start := time.Now()

	args := append(rtCmd.args(cmd.Script), cmd.Args...)
	proc := exec.CommandContext(ctx, rtCmd.bin, args...)
	proc.Dir = cmd.WorkDir
	proc.Env = append(os.Environ(), cmd.Env...)

	stdoutPipe, err := proc.StdoutPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := proc.StderrPipe()
	if err != nil {
		return Result{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := proc.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", rtCmd.bin, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdoutPipe, cmd.LogWriter)
	}()
	go func() {
		defer wg.Done()
		scanLines(stderrPipe, cmd.LogWriter)
	}()
	wg.Wait()

	waitErr := proc.Wait()
	durationMS := int(time.Since(start).Milliseconds())
	stepDuration.WithLabelValues(cmd.Runtime).Observe(time.Since(start).Seconds())

	exitCode := 0
	if waitErr != nil {
		stepsTotal.WithLabelValues(cmd.Runtime, "failed").Inc()
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = 1
		}
		if ctx.Err() != nil {
			return Result{ExitCode: exitCode, DurationMS: durationMS}, ctx.Err()
		}
		return Result{ExitCode: exitCode, DurationMS: durationMS},
			fmt.Errorf("step %s exited with code %d", cmd.StepName, exitCode)
	}

	stepsTotal.WithLabelValues(cmd.Runtime, "completed").Inc()
	return Result{ExitCode: 0, DurationMS: durationMS}, nil
}

// scanLines delivers each line from r to write, when set.
func scanLines(r io.Reader, write func(line string)) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if write != nil {
			write(scanner.Text())
		}
	}
}
