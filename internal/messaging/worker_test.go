package messaging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"hpo-backend/internal/coordinator"
	"hpo-backend/internal/database"
	"hpo-backend/internal/dispatch"
	"hpo-backend/internal/search"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type stubHandle struct{ id string }

func (h *stubHandle) ID() string { return h.id }

// stubBackend completes every trial immediately with increasing values.
type stubBackend struct {
	mu        sync.Mutex
	submitted int
}

func (b *stubBackend) Submit(ctx context.Context, req dispatch.JobRequest) (dispatch.Handle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitted++
	return &stubHandle{id: fmt.Sprintf("job-%d", b.submitted)}, nil
}

func (b *stubBackend) Poll(ctx context.Context, handle dispatch.Handle) (dispatch.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return dispatch.Status{State: dispatch.StateComplete, Value: float64(b.submitted)}, nil
}

func (b *stubBackend) Cancel(ctx context.Context, handle dispatch.Handle) error { return nil }

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, database.GetMigrator(db).Migrate())
	return db
}

func workerSpec(t *testing.T, nTrials, trialsPerJob int) *search.Spec {
	return &search.Spec{
		StudyName:    "worker-test",
		Objective:    "objective.py",
		Direction:    search.Maximize,
		Metric:       "accuracy",
		NTrials:      nTrials,
		Jobs:         1,
		TrialsPerJob: trialsPerJob,
		SavePath:     t.TempDir(),
		Sampler:      search.SamplerSpec{Type: "RandomSampler", Seed: 3},
		Pruner:       search.PrunerSpec{Type: "NopPruner"},
		Parameters: []search.ParameterSpec{
			{Name: "lr", Type: search.DomainFloat, Low: 0, High: 1},
		},
	}
}

func TestWorkerRunsStudyToCompletion(t *testing.T) {
	db := createDB(t)
	queue := NewInMemoryQueue()
	backend := &stubBackend{}

	spec := workerSpec(t, 3, 0)
	study, err := database.CreateStudy(context.Background(), db, spec)
	require.NoError(t, err)
	require.NoError(t, queue.PublishRunStudyTask(context.Background(), RunStudyPayload{StudyId: study.Id}))

	worker := NewStudyWorker(db, queue, queue,
		func(*search.Spec) (dispatch.Backend, error) { return backend, nil },
		1, coordinator.WithPollInterval(2*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		worker.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		final, err := database.GetStudy(context.Background(), db, study.Id)
		return err == nil && final.Status == database.StudyCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	assert.Equal(t, 3, backend.submitted)
}

func TestWorkerRepublishesUnfinishedChunks(t *testing.T) {
	db := createDB(t)
	queue := NewInMemoryQueue()
	backend := &stubBackend{}

	// 4 trials in chunks of 2: the task must be republished once.
	spec := workerSpec(t, 4, 2)
	study, err := database.CreateStudy(context.Background(), db, spec)
	require.NoError(t, err)
	require.NoError(t, queue.PublishRunStudyTask(context.Background(), RunStudyPayload{StudyId: study.Id}))

	worker := NewStudyWorker(db, queue, queue,
		func(*search.Spec) (dispatch.Backend, error) { return backend, nil },
		1, coordinator.WithPollInterval(2*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		worker.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		final, err := database.GetStudy(context.Background(), db, study.Id)
		return err == nil && final.Status == database.StudyCompleted
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	assert.Equal(t, 4, backend.submitted)
}

func TestWorkerSkipsFinishedStudy(t *testing.T) {
	db := createDB(t)
	queue := NewInMemoryQueue()
	backend := &stubBackend{}

	spec := workerSpec(t, 1, 0)
	study, err := database.CreateStudy(context.Background(), db, spec)
	require.NoError(t, err)
	require.NoError(t, database.UpdateStudyStatus(context.Background(), db, study.Id, database.StudyCompleted))
	require.NoError(t, queue.PublishRunStudyTask(context.Background(), RunStudyPayload{StudyId: study.Id}))

	worker := NewStudyWorker(db, queue, queue,
		func(*search.Spec) (dispatch.Backend, error) { return backend, nil },
		1)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	worker.Start(ctx)

	assert.Equal(t, 0, backend.submitted)
}
