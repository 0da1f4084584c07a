package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"hpo-backend/internal/database"
	"hpo-backend/internal/dispatch"
	"hpo-backend/internal/search"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type scriptedTrial struct {
	steps  []dispatch.MetricEvent
	final  float64
	fail   bool
	reason string
	hang   bool
}

type fakeHandle struct {
	id     string
	script scriptedTrial
	polls  int
}

func (h *fakeHandle) ID() string { return h.id }

// fakeBackend hands out scripted outcomes in submission order. The first
// poll of a handle returns its intermediate metrics, the second its terminal
// state.
type fakeBackend struct {
	mu        sync.Mutex
	script    []scriptedTrial
	submitted []dispatch.JobRequest
	cancelled []string
}

func (b *fakeBackend) Submit(ctx context.Context, req dispatch.JobRequest) (dispatch.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	idx := len(b.submitted)
	if idx >= len(b.script) {
		return nil, fmt.Errorf("%w: no scripted outcome for submission %d", dispatch.ErrDispatch, idx)
	}
	b.submitted = append(b.submitted, req)
	return &fakeHandle{id: fmt.Sprintf("job-%d", idx), script: b.script[idx]}, nil
}

func (b *fakeBackend) Poll(ctx context.Context, handle dispatch.Handle) (dispatch.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := handle.(*fakeHandle)
	h.polls++
	if h.script.hang {
		return dispatch.Status{State: dispatch.StateRunning}, nil
	}
	if h.polls == 1 && len(h.script.steps) > 0 {
		return dispatch.Status{State: dispatch.StateRunning, Events: h.script.steps}, nil
	}
	if h.script.fail {
		return dispatch.Status{State: dispatch.StateFailed, Reason: h.script.reason}, nil
	}
	return dispatch.Status{State: dispatch.StateComplete, Value: h.script.final}, nil
}

func (b *fakeBackend) Cancel(ctx context.Context, handle dispatch.Handle) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cancelled = append(b.cancelled, handle.ID())
	return nil
}

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())
	return db
}

func testSpec(t *testing.T, nTrials, jobs int) *search.Spec {
	return &search.Spec{
		StudyName: "coordinator-test",
		Objective: "objective.py",
		Direction: search.Maximize,
		Metric:    "accuracy",
		NTrials:   nTrials,
		Jobs:      jobs,
		SavePath:  t.TempDir(),
		Sampler:   search.SamplerSpec{Type: "RandomSampler", Seed: 7},
		Pruner:    search.PrunerSpec{Type: "NopPruner"},
		Parameters: []search.ParameterSpec{
			{Name: "lr", Type: search.DomainFloat, Low: 0, High: 1},
		},
	}
}

func newCoordinator(t *testing.T, db *gorm.DB, backend dispatch.Backend, spec *search.Spec, opts ...Option) (*Coordinator, database.Study) {
	study, err := database.CreateStudy(context.Background(), db, spec)
	require.NoError(t, err)
	opts = append([]Option{WithPollInterval(2 * time.Millisecond)}, opts...)
	coord, err := New(db, backend, study, spec, opts...)
	require.NoError(t, err)
	return coord, study
}

func TestRunPicksBestTrial(t *testing.T) {
	db := createDB(t)
	backend := &fakeBackend{script: []scriptedTrial{
		{final: 0.6}, {final: 0.7}, {final: 0.5}, {final: 0.9}, {final: 0.8},
	}}
	coord, study := newCoordinator(t, db, backend, testSpec(t, 5, 1))

	done, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, backend.submitted, 5)

	final, err := database.GetStudy(context.Background(), db, study.Id)
	require.NoError(t, err)
	assert.Equal(t, database.StudyCompleted, final.Status)
	require.True(t, final.BestValue.Valid)
	assert.Equal(t, 0.9, final.BestValue.Float64)
	assert.Equal(t, int64(3), final.BestTrialNumber.Int64)
}

func TestFailedTrialConsumesBudgetButNeverWins(t *testing.T) {
	db := createDB(t)
	backend := &fakeBackend{script: []scriptedTrial{
		{final: 0.6},
		{fail: true, reason: "exit status 1"},
		{final: 0.9},
	}}
	coord, study := newCoordinator(t, db, backend, testSpec(t, 3, 1))

	done, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, backend.submitted, 3)

	var failed database.Trial
	require.NoError(t, db.Where("study_id = ? AND number = ?", study.Id, 1).First(&failed).Error)
	assert.Equal(t, database.TrialFailed, failed.Status)
	assert.Equal(t, "exit status 1", failed.FailureReason.String)

	final, err := database.GetStudy(context.Background(), db, study.Id)
	require.NoError(t, err)
	assert.Equal(t, database.StudyCompleted, final.Status)
	assert.Equal(t, 0.9, final.BestValue.Float64)
	assert.Equal(t, int64(2), final.BestTrialNumber.Int64)

	var errCount int64
	require.NoError(t, db.Model(&database.StudyError{}).Where("study_id = ?", study.Id).Count(&errCount).Error)
	assert.Equal(t, int64(1), errCount)
}

func TestPrunedTrialIsReplaced(t *testing.T) {
	db := createDB(t)
	backend := &fakeBackend{script: []scriptedTrial{
		{steps: []dispatch.MetricEvent{{Step: 1, Value: 0.9}}, final: 0.9},
		{steps: []dispatch.MetricEvent{{Step: 1, Value: 0.1}}, final: 0.1},
		{steps: []dispatch.MetricEvent{{Step: 1, Value: 0.92}}, final: 0.95},
		{steps: []dispatch.MetricEvent{{Step: 1, Value: 0.95}}, final: 0.85},
	}}
	spec := testSpec(t, 3, 1)
	spec.Pruner = search.PrunerSpec{Type: "MedianPruner", NStartupTrials: 1, NMinTrials: 1}
	coord, study := newCoordinator(t, db, backend, spec)

	done, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, done)

	// The pruned trial does not count toward the budget, so a fourth
	// submission replaces it.
	assert.Len(t, backend.submitted, 4)
	assert.Len(t, backend.cancelled, 1)

	counts, err := database.TrialStatusCounts(context.Background(), db, study.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(3), counts[database.TrialComplete])
	assert.Equal(t, int64(1), counts[database.TrialPruned])

	final, err := database.GetStudy(context.Background(), db, study.Id)
	require.NoError(t, err)
	assert.Equal(t, 0.95, final.BestValue.Float64)
}

func TestParallelSlotsRespectBudget(t *testing.T) {
	db := createDB(t)
	backend := &fakeBackend{script: []scriptedTrial{
		{final: 0.6}, {final: 0.7}, {final: 0.5},
	}}
	coord, study := newCoordinator(t, db, backend, testSpec(t, 3, 2))

	done, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, backend.submitted, 3)

	final, err := database.GetStudy(context.Background(), db, study.Id)
	require.NoError(t, err)
	assert.Equal(t, database.StudyCompleted, final.Status)
	assert.Equal(t, 0.7, final.BestValue.Float64)
}

func TestMaxTrialsPerRunPausesAndResumes(t *testing.T) {
	db := createDB(t)
	backend := &fakeBackend{script: []scriptedTrial{
		{final: 0.1}, {final: 0.2}, {final: 0.3}, {final: 0.4},
	}}
	coord, study := newCoordinator(t, db, backend, testSpec(t, 4, 1), WithMaxTrialsPerRun(2))

	done, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.False(t, done)
	assert.Len(t, backend.submitted, 2)

	paused, err := database.GetStudy(context.Background(), db, study.Id)
	require.NoError(t, err)
	assert.Equal(t, database.StudyRunning, paused.Status)

	done, err = coord.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Len(t, backend.submitted, 4)

	final, err := database.GetStudy(context.Background(), db, study.Id)
	require.NoError(t, err)
	assert.Equal(t, database.StudyCompleted, final.Status)
	assert.Equal(t, 0.4, final.BestValue.Float64)
}

func TestStopFlagCancelsStudy(t *testing.T) {
	db := createDB(t)
	backend := &fakeBackend{script: []scriptedTrial{{hang: true}}}
	coord, study := newCoordinator(t, db, backend, testSpec(t, 3, 1))

	errs := make(chan error, 1)
	dones := make(chan bool, 1)
	go func() {
		done, err := coord.Run(context.Background())
		dones <- done
		errs <- err
	}()

	// Give the hanging trial time to launch before flipping the flag.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, database.StopStudy(context.Background(), db, study.Id))

	select {
	case done := <-dones:
		assert.True(t, done)
		require.NoError(t, <-errs)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not wind down after stop")
	}

	assert.NotEmpty(t, backend.cancelled)

	final, err := database.GetStudy(context.Background(), db, study.Id)
	require.NoError(t, err)
	assert.Equal(t, database.StudyCancelled, final.Status)

	var trial database.Trial
	require.NoError(t, db.Where("study_id = ? AND number = ?", study.Id, 0).First(&trial).Error)
	assert.Equal(t, database.TrialFailed, trial.Status)
	assert.Equal(t, "study cancelled", trial.FailureReason.String)
}

func TestTrialCallbackSeesEveryOutcome(t *testing.T) {
	db := createDB(t)
	backend := &fakeBackend{script: []scriptedTrial{
		{final: 0.5}, {fail: true, reason: "oom"},
	}}

	var mu sync.Mutex
	var seen []string
	coord, _ := newCoordinator(t, db, backend, testSpec(t, 2, 1), WithTrialCallback(func(status string) {
		mu.Lock()
		seen = append(seen, status)
		mu.Unlock()
	}))

	done, err := coord.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, []string{database.TrialComplete, database.TrialFailed}, seen)
}
