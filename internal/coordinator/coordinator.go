package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"hpo-backend/internal/config"
	"hpo-backend/internal/database"
	"hpo-backend/internal/dispatch"
	"hpo-backend/internal/search"

	"github.com/montanaflynn/stats"
	"gorm.io/gorm"
)

const defaultSubmitRetries = 3

// Coordinator drives one study: it samples assignments, dispatches trials
// through a backend with bounded parallelism, records reports and outcomes,
// and stops when the trial budget is exhausted.
//
// All ledger writes happen on the coordinator goroutine. Trial slots only
// talk to the dispatch backend and send events back, so concurrent slots can
// never interleave a partial write.
type Coordinator struct {
	db      *gorm.DB
	backend dispatch.Backend
	study   database.Study
	spec    *search.Spec
	sampler search.Sampler
	pruner  search.Pruner

	pollInterval  time.Duration
	submitRetries int
	maxPerRun     int
	walltime      time.Duration
	started       time.Time
	onFinished    func(status string)
}

type Option func(*Coordinator)

// WithPollInterval sets how often each slot polls its dispatch handle.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.pollInterval = d }
}

// WithMaxTrialsPerRun caps how many trials a single Run call may launch.
// Used by cluster workers that process a study in trials_per_job chunks.
func WithMaxTrialsPerRun(n int) Option {
	return func(c *Coordinator) { c.maxPerRun = n }
}

// WithTrialCallback registers a hook invoked with the terminal status of
// every trial, after it is recorded.
func WithTrialCallback(f func(status string)) Option {
	return func(c *Coordinator) { c.onFinished = f }
}

func New(db *gorm.DB, backend dispatch.Backend, study database.Study, spec *search.Spec, opts ...Option) (*Coordinator, error) {
	sampler, err := search.NewSampler(spec.Sampler, spec.Direction)
	if err != nil {
		return nil, err
	}
	pruner, err := search.NewPruner(spec.Pruner)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		db:            db,
		backend:       backend,
		study:         study,
		spec:          spec,
		sampler:       sampler,
		pruner:        pruner,
		pollInterval:  time.Second,
		submitRetries: defaultSubmitRetries,
	}

	if spec.Walltime != "" {
		walltime, err := config.ParseWalltime(spec.Walltime)
		if err != nil {
			return nil, err
		}
		c.walltime = walltime
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type slotEvent struct {
	number int

	// started: the trial's job was accepted by the backend.
	started bool

	// report: an intermediate metric arrived; the slot blocks on decision
	// to learn whether to keep going.
	report   *dispatch.MetricEvent
	decision chan bool

	// done: terminal outcome.
	done      bool
	state     dispatch.State
	value     float64
	reason    string
	pruned    bool
	cancelled bool
}

// Run executes the study until its budget is exhausted, it is cancelled, or
// this run's per-call trial cap or walltime horizon is reached. The returned
// bool reports whether the study reached a terminal state.
func (c *Coordinator) Run(ctx context.Context) (bool, error) {
	c.started = time.Now()

	if err := database.UpdateStudyStatus(ctx, c.db, c.study.Id, database.StudyRunning); err != nil {
		return false, fmt.Errorf("storage failure: %w", err)
	}

	slog.Info("starting study run",
		"study", c.study.Name,
		"direction", c.spec.Direction,
		"n_trials", c.spec.NTrials,
		"jobs", c.spec.Jobs,
	)

	slotCtx, cancelSlots := context.WithCancel(context.Background())
	defer cancelSlots()

	events := make(chan slotEvent)
	inFlight := make(map[int]struct{})
	launched := 0
	stopped := false

	// Wakes the loop so the stop flag is re-checked even when no slot has
	// anything to report.
	wakeup := time.NewTicker(c.pollInterval)
	defer wakeup.Stop()

	fatal := func(err error) (bool, error) {
		database.SaveStudyError(context.Background(), c.db, c.study.Id, err.Error())
		cancelSlots()
		c.drain(events, inFlight)
		_ = database.UpdateStudyStatus(context.Background(), c.db, c.study.Id, database.StudyFailed)
		return false, err
	}

	for {
		finished, err := database.FinishedTrialCount(ctx, c.db, c.study.Id)
		if err != nil {
			return fatal(fmt.Errorf("storage failure: %w", err))
		}

		if !stopped {
			stopped, err = database.IsStudyStopped(ctx, c.db, c.study.Id)
			if err != nil {
				return fatal(fmt.Errorf("storage failure: %w", err))
			}
			if stopped {
				slog.Info("study flagged for cancellation, winding down", "study", c.study.Name)
				cancelSlots()
			}
		}

		budgetLeft := int(finished) + len(inFlight) < c.spec.NTrials
		capLeft := c.maxPerRun == 0 || launched < c.maxPerRun

		for !stopped && budgetLeft && capLeft && len(inFlight) < c.spec.Jobs && ctx.Err() == nil {
			if c.pastWalltimeHorizon(ctx) {
				slog.Warn("remaining walltime is unlikely to fit another trial, not issuing more")
				capLeft = false
				break
			}

			trial, err := c.issueTrial(ctx)
			if err != nil {
				return fatal(err)
			}
			inFlight[trial.Number] = struct{}{}
			launched++
			go c.runTrial(slotCtx, trial, events)

			budgetLeft = int(finished)+len(inFlight) < c.spec.NTrials
			capLeft = c.maxPerRun == 0 || launched < c.maxPerRun
		}

		if len(inFlight) == 0 {
			if stopped || ctx.Err() != nil {
				_ = database.UpdateStudyStatus(context.Background(), c.db, c.study.Id, database.StudyCancelled)
				slog.Info("study cancelled", "study", c.study.Name)
				return true, nil
			}
			if int(finished) >= c.spec.NTrials {
				if err := database.UpdateStudyStatus(ctx, c.db, c.study.Id, database.StudyCompleted); err != nil {
					return false, fmt.Errorf("storage failure: %w", err)
				}
				c.logBest(ctx)
				return true, nil
			}
			// Budget remains but this run cannot launch more (per-run cap or
			// walltime horizon). The study stays RUNNING for the next worker.
			slog.Info("pausing study run with budget remaining",
				"study", c.study.Name, "finished", finished, "launched", launched)
			return false, nil
		}

		select {
		case ev := <-events:
			if err := c.handleEvent(ctx, ev, inFlight); err != nil {
				return fatal(err)
			}
		case <-wakeup.C:
		case <-ctx.Done():
			slog.Warn("study run interrupted, cancelling in-flight trials", "study", c.study.Name)
			stopped = true
			cancelSlots()
		}
	}
}

func (c *Coordinator) issueTrial(ctx context.Context) (database.Trial, error) {
	observations, err := database.CompletedObservations(ctx, c.db, c.study.Id)
	if err != nil {
		return database.Trial{}, fmt.Errorf("storage failure: %w", err)
	}

	params, err := c.sampler.Sample(c.spec.Parameters, observations)
	if err != nil {
		return database.Trial{}, fmt.Errorf("sampler failure: %w", err)
	}

	trial, err := database.CreateTrial(ctx, c.db, c.study.Id, params)
	if err != nil {
		return database.Trial{}, fmt.Errorf("storage failure: %w", err)
	}

	slog.Info("issuing trial", "study", c.study.Name, "trial", trial.Number, "params", params)
	return trial, nil
}

func (c *Coordinator) handleEvent(ctx context.Context, ev slotEvent, inFlight map[int]struct{}) error {
	switch {
	case ev.started:
		if err := database.MarkTrialRunning(ctx, c.db, c.study.Id, ev.number); err != nil {
			return fmt.Errorf("storage failure: %w", err)
		}

	case ev.report != nil:
		if err := database.AddTrialReport(ctx, c.db, c.study.Id, ev.number, ev.report.Step, ev.report.Value); err != nil {
			ev.decision <- false
			return fmt.Errorf("storage failure: %w", err)
		}
		history, err := database.CompletedReports(ctx, c.db, c.study.Id)
		if err != nil {
			ev.decision <- false
			return fmt.Errorf("storage failure: %w", err)
		}
		prune := c.pruner.ShouldPrune(c.spec.Direction, ev.report.Step, ev.report.Value, history)
		if prune {
			slog.Info("pruning trial", "study", c.study.Name, "trial", ev.number, "step", ev.report.Step)
		}
		ev.decision <- prune

	case ev.done:
		delete(inFlight, ev.number)
		status := database.TrialFailed
		switch {
		case ev.pruned:
			status = database.TrialPruned
			if err := database.PruneTrial(ctx, c.db, c.study.Id, ev.number); err != nil {
				return fmt.Errorf("storage failure: %w", err)
			}
		case ev.cancelled:
			if err := database.FailTrial(ctx, c.db, c.study.Id, ev.number, "study cancelled"); err != nil {
				return fmt.Errorf("storage failure: %w", err)
			}
		case ev.state == dispatch.StateComplete:
			status = database.TrialComplete
			if err := database.CompleteTrial(ctx, c.db, c.study.Id, ev.number, ev.value, c.spec.Direction); err != nil {
				return fmt.Errorf("storage failure: %w", err)
			}
			slog.Info("trial complete", "study", c.study.Name, "trial", ev.number, "value", ev.value)
		default:
			if err := database.FailTrial(ctx, c.db, c.study.Id, ev.number, ev.reason); err != nil {
				return fmt.Errorf("storage failure: %w", err)
			}
			database.SaveStudyError(ctx, c.db, c.study.Id, fmt.Sprintf("trial %d failed: %s", ev.number, ev.reason))
			slog.Warn("trial failed", "study", c.study.Name, "trial", ev.number, "reason", ev.reason)
		}
		if c.onFinished != nil {
			c.onFinished(status)
		}
	}
	return nil
}

// runTrial owns one slot: submit, poll, forward reports, honor prune
// decisions. It never touches the ledger.
func (c *Coordinator) runTrial(ctx context.Context, trial database.Trial, events chan<- slotEvent) {
	req, err := c.buildRequest(trial)
	if err != nil {
		events <- slotEvent{number: trial.Number, done: true, state: dispatch.StateFailed, reason: err.Error()}
		return
	}

	handle, err := c.submitWithRetry(ctx, req)
	if err != nil {
		events <- slotEvent{number: trial.Number, done: true, state: dispatch.StateFailed, reason: err.Error()}
		return
	}
	events <- slotEvent{number: trial.Number, started: true}

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	pollFailures := 0
	for {
		select {
		case <-ctx.Done():
			_ = c.backend.Cancel(context.Background(), handle)
			events <- slotEvent{number: trial.Number, done: true, cancelled: true}
			return
		case <-ticker.C:
		}

		status, err := c.backend.Poll(ctx, handle)
		if err != nil {
			pollFailures++
			if pollFailures > c.submitRetries {
				events <- slotEvent{number: trial.Number, done: true, state: dispatch.StateFailed, reason: err.Error()}
				return
			}
			continue
		}
		pollFailures = 0

		for _, report := range status.Events {
			decision := make(chan bool, 1)
			events <- slotEvent{number: trial.Number, report: &report, decision: decision}
			if <-decision {
				_ = c.backend.Cancel(context.Background(), handle)
				events <- slotEvent{number: trial.Number, done: true, pruned: true}
				return
			}
		}

		switch status.State {
		case dispatch.StateComplete:
			events <- slotEvent{number: trial.Number, done: true, state: dispatch.StateComplete, value: status.Value}
			return
		case dispatch.StateFailed:
			events <- slotEvent{number: trial.Number, done: true, state: dispatch.StateFailed, reason: status.Reason}
			return
		}
	}
}

func (c *Coordinator) buildRequest(trial database.Trial) (dispatch.JobRequest, error) {
	var params map[string]any
	if err := json.Unmarshal(trial.Params, &params); err != nil {
		return dispatch.JobRequest{}, fmt.Errorf("invalid params for trial %d: %w", trial.Number, err)
	}

	return dispatch.JobRequest{
		StudyId:     c.study.Id,
		TrialNumber: trial.Number,
		Objective:   c.spec.Objective,
		Metric:      c.spec.Metric,
		Params:      params,
		GPU:         c.spec.GPU,
		WorkDir:     filepath.Join(c.spec.SavePath, "trials", fmt.Sprintf("trial-%d", trial.Number)),
		Bootstrap:   c.spec.Bootstrap,
		Batch:       c.spec.Batch,
	}, nil
}

func (c *Coordinator) submitWithRetry(ctx context.Context, req dispatch.JobRequest) (dispatch.Handle, error) {
	var lastErr error
	for attempt := 0; attempt <= c.submitRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		handle, err := c.backend.Submit(ctx, req)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		slog.Warn("trial submission failed", "trial", req.TrialNumber, "attempt", attempt+1, "error", err)
		time.Sleep(c.pollInterval)
	}
	return nil, lastErr
}

// pastWalltimeHorizon estimates, from completed trial durations, whether
// another trial would fit before the cluster kills this process.
func (c *Coordinator) pastWalltimeHorizon(ctx context.Context) bool {
	if c.walltime == 0 {
		return false
	}

	remaining := c.walltime - time.Since(c.started)
	if remaining <= 0 {
		return true
	}

	durations, err := database.CompletedTrialDurations(ctx, c.db, c.study.Id)
	if err != nil || len(durations) == 0 {
		// No data yet: keep launching while more than half the walltime is left.
		return remaining < c.walltime/2
	}

	secs := make([]float64, len(durations))
	for i, d := range durations {
		secs[i] = d.Seconds()
	}
	mean, _ := stats.Mean(secs)
	sd, _ := stats.StandardDeviation(secs)
	estimate := mean + 2*sd

	return remaining.Seconds() < estimate
}

// drain waits for every in-flight slot to acknowledge cancellation so their
// goroutines do not leak into the next run.
func (c *Coordinator) drain(events chan slotEvent, inFlight map[int]struct{}) {
	for len(inFlight) > 0 {
		ev := <-events
		if ev.report != nil {
			ev.decision <- false
			continue
		}
		if ev.done {
			delete(inFlight, ev.number)
		}
	}
}

func (c *Coordinator) logBest(ctx context.Context) {
	study, err := database.GetStudy(ctx, c.db, c.study.Id)
	if err != nil {
		return
	}
	if study.BestValue.Valid {
		slog.Info("study complete",
			"study", study.Name,
			"best_trial", study.BestTrialNumber.Int64,
			"best_value", study.BestValue.Float64,
		)
	} else {
		slog.Warn("study complete with no successful trials", "study", study.Name)
	}
}
