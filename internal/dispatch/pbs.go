package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
)

// CommandRunner abstracts the scheduler's CLI so tests can fake qsub/qstat.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// PBSBackend submits each trial as a batch job. It renders the configured
// directives into a qsub script and tracks the job by scheduler id. The
// metrics file convention is shared with the local backend; the cluster's
// shared filesystem makes the trial directory visible to both sides.
type PBSBackend struct {
	runner CommandRunner
}

var _ Backend = (*PBSBackend)(nil)

func NewPBSBackend() *PBSBackend {
	return &PBSBackend{runner: execRunner{}}
}

func NewPBSBackendWithRunner(runner CommandRunner) *PBSBackend {
	return &PBSBackend{runner: runner}
}

type pbsHandle struct {
	jobId   string
	metrics *metricsReader
}

func (h *pbsHandle) ID() string { return h.jobId }

func (b *PBSBackend) Submit(ctx context.Context, req JobRequest) (Handle, error) {
	if err := prepareWorkDir(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	script, err := renderScript(req, pbsDirectives(req), "job.pbs")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	out, err := b.runner.Run(ctx, "qsub", script)
	if err != nil {
		return nil, fmt.Errorf("%w: qsub failed: %v", ErrDispatch, err)
	}

	jobId := strings.TrimSpace(string(out))
	if jobId == "" {
		return nil, fmt.Errorf("%w: qsub returned no job id", ErrDispatch)
	}

	slog.Info("submitted pbs job", "trial", req.TrialNumber, "job_id", jobId)
	return &pbsHandle{
		jobId:   jobId,
		metrics: newMetricsReader(filepath.Join(req.WorkDir, metricsFileName), req.Metric),
	}, nil
}

func (b *PBSBackend) Poll(ctx context.Context, handle Handle) (Status, error) {
	h, ok := handle.(*pbsHandle)
	if !ok {
		return Status{}, fmt.Errorf("%w: foreign handle %s", ErrDispatch, handle.ID())
	}

	events, err := h.metrics.drain()
	if err != nil {
		return Status{}, fmt.Errorf("%w: failed to read metrics: %v", ErrDispatch, err)
	}

	out, err := b.runner.Run(ctx, "qstat", "-x", "-f", h.jobId)
	if err != nil {
		return Status{}, fmt.Errorf("%w: qstat failed for job %s: %v", ErrDispatch, h.jobId, err)
	}

	state, exitStatus := parseQstat(string(out))
	switch state {
	case "F", "E":
		if exitStatus != "0" {
			return Status{
				State:  StateFailed,
				Events: events,
				Reason: fmt.Sprintf("pbs job %s exited with status %s", h.jobId, exitStatus),
			}, nil
		}
		value, ok := h.metrics.final()
		if !ok {
			return Status{State: StateFailed, Events: events, Reason: "objective exited without reporting a metric"}, nil
		}
		return Status{State: StateComplete, Events: events, Value: value}, nil
	default:
		// Q (queued), R (running), H (held), and friends all count as running
		// from the coordinator's point of view.
		return Status{State: StateRunning, Events: events}, nil
	}
}

func (b *PBSBackend) Cancel(ctx context.Context, handle Handle) error {
	h, ok := handle.(*pbsHandle)
	if !ok {
		return fmt.Errorf("%w: foreign handle %s", ErrDispatch, handle.ID())
	}

	if _, err := b.runner.Run(ctx, "qdel", h.jobId); err != nil {
		return fmt.Errorf("%w: qdel failed for job %s: %v", ErrDispatch, h.jobId, err)
	}
	return nil
}

// parseQstat pulls job_state and Exit_status out of `qstat -x -f` output.
func parseQstat(out string) (state, exitStatus string) {
	for _, line := range strings.Split(out, "\n") {
		key, value, found := strings.Cut(strings.TrimSpace(line), "=")
		if !found {
			continue
		}
		switch strings.TrimSpace(key) {
		case "job_state":
			state = strings.TrimSpace(value)
		case "Exit_status":
			exitStatus = strings.TrimSpace(value)
		}
	}
	return state, exitStatus
}
