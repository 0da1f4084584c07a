package dispatch

import (
	"context"
	"errors"

	"hpo-backend/internal/search"

	"github.com/google/uuid"
)

// ErrDispatch marks a backend submit/poll failure. The coordinator retries
// these a bounded number of times before failing the trial.
var ErrDispatch = errors.New("dispatch failed")

// JobRequest is the short-lived description of one trial execution, built
// per trial and discarded after submission.
type JobRequest struct {
	StudyId     uuid.UUID
	TrialNumber int

	Objective string
	Metric    string
	Params    map[string]any
	GPU       bool

	// Directory owned by this trial; the params file, metrics file, and
	// default stdout/stderr live here.
	WorkDir string

	Bootstrap []string
	Batch     search.BatchDirectives
}

type State string

const (
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateFailed   State = "failed"
)

// MetricEvent is one intermediate value the objective reported.
type MetricEvent struct {
	Step  int
	Value float64
}

// Status is one poll observation: any metric events reported since the last
// poll, plus the terminal value or failure reason once the job ends.
type Status struct {
	State  State
	Events []MetricEvent
	Value  float64
	Reason string
}

type Handle interface {
	ID() string
}

// Backend submits trials to an execution substrate and tracks them. The
// local-process and PBS implementations are interchangeable; the coordinator
// never branches on which one it holds.
type Backend interface {
	Submit(ctx context.Context, req JobRequest) (Handle, error)
	Poll(ctx context.Context, handle Handle) (Status, error)
	Cancel(ctx context.Context, handle Handle) error
}
