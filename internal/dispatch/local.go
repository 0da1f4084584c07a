package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
)

// LocalBackend runs the objective directly as a child process. It shares the
// script/metrics conventions with the PBS backend, so an objective tested
// locally runs unmodified on the cluster.
type LocalBackend struct {
	mu      sync.Mutex
	handles map[string]*localHandle
	nextId  int
}

var _ Backend = (*LocalBackend)(nil)

func NewLocalBackend() *LocalBackend {
	return &LocalBackend{handles: make(map[string]*localHandle)}
}

type localHandle struct {
	id      string
	cmd     *exec.Cmd
	done    chan struct{}
	waitErr error
	metrics *metricsReader
}

func (h *localHandle) ID() string { return h.id }

func (b *LocalBackend) Submit(ctx context.Context, req JobRequest) (Handle, error) {
	if err := prepareWorkDir(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	script, err := renderScript(req, nil, "run.sh")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	stdout, err := os.Create(filepath.Join(req.WorkDir, stdoutFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create stdout log: %v", ErrDispatch, err)
	}
	stderr, err := os.Create(filepath.Join(req.WorkDir, stderrFileName))
	if err != nil {
		stdout.Close()
		return nil, fmt.Errorf("%w: failed to create stderr log: %v", ErrDispatch, err)
	}

	cmd := exec.Command("sh", script)
	cmd.Dir = req.WorkDir
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("%w: failed to start objective: %v", ErrDispatch, err)
	}

	b.mu.Lock()
	b.nextId++
	handle := &localHandle{
		id:      fmt.Sprintf("local-%d", b.nextId),
		cmd:     cmd,
		done:    make(chan struct{}),
		metrics: newMetricsReader(filepath.Join(req.WorkDir, metricsFileName), req.Metric),
	}
	b.handles[handle.id] = handle
	b.mu.Unlock()

	go func() {
		handle.waitErr = cmd.Wait()
		stdout.Close()
		stderr.Close()
		close(handle.done)
	}()

	slog.Info("started local objective process", "trial", req.TrialNumber, "pid", cmd.Process.Pid)
	return handle, nil
}

func (b *LocalBackend) Poll(ctx context.Context, handle Handle) (Status, error) {
	h, ok := handle.(*localHandle)
	if !ok {
		return Status{}, fmt.Errorf("%w: foreign handle %s", ErrDispatch, handle.ID())
	}

	events, err := h.metrics.drain()
	if err != nil {
		return Status{}, fmt.Errorf("%w: failed to read metrics: %v", ErrDispatch, err)
	}

	select {
	case <-h.done:
	default:
		return Status{State: StateRunning, Events: events}, nil
	}

	if h.waitErr != nil {
		return Status{State: StateFailed, Events: events, Reason: h.waitErr.Error()}, nil
	}

	value, ok := h.metrics.final()
	if !ok {
		return Status{State: StateFailed, Events: events, Reason: "objective exited without reporting a metric"}, nil
	}
	return Status{State: StateComplete, Events: events, Value: value}, nil
}

func (b *LocalBackend) Cancel(ctx context.Context, handle Handle) error {
	h, ok := handle.(*localHandle)
	if !ok {
		return fmt.Errorf("%w: foreign handle %s", ErrDispatch, handle.ID())
	}

	select {
	case <-h.done:
		return nil // already finished
	default:
	}

	if err := h.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("%w: failed to kill objective: %v", ErrDispatch, err)
	}
	return nil
}
