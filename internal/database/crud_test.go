package database_test

import (
	"context"
	"testing"

	"hpo-backend/internal/database"
	"hpo-backend/internal/search"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, database.GetMigrator(db).Migrate())

	return db
}

func testSpec() *search.Spec {
	return &search.Spec{
		StudyName: "mnist-tune",
		Direction: search.Maximize,
		Metric:    "val_acc",
		NTrials:   5,
		Parameters: []search.ParameterSpec{
			{Name: "learning_rate", Type: search.DomainLogUniform, Low: 1e-5, High: 1e-2},
		},
	}
}

func TestCreateTrialNumbersAreMonotonic(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	study, err := database.CreateStudy(ctx, db, testSpec())
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		trial, err := database.CreateTrial(ctx, db, study.Id, map[string]any{"learning_rate": 1e-3})
		require.NoError(t, err)
		assert.Equal(t, i, trial.Number)
		assert.Equal(t, database.TrialPending, trial.Status)
	}
}

func TestBestTrialConsistentAcrossCompletionOrder(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	study, err := database.CreateStudy(ctx, db, testSpec())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := database.CreateTrial(ctx, db, study.Id, map[string]any{"learning_rate": 1e-3})
		require.NoError(t, err)
	}

	// Complete out of order: the highest value arrives in the middle.
	require.NoError(t, database.CompleteTrial(ctx, db, study.Id, 2, 0.5, search.Maximize))
	require.NoError(t, database.CompleteTrial(ctx, db, study.Id, 0, 0.9, search.Maximize))
	require.NoError(t, database.CompleteTrial(ctx, db, study.Id, 1, 0.7, search.Maximize))

	got, err := database.GetStudy(ctx, db, study.Id)
	require.NoError(t, err)
	require.True(t, got.BestValue.Valid)
	assert.Equal(t, 0.9, got.BestValue.Float64)
	assert.Equal(t, int64(0), got.BestTrialNumber.Int64)
}

func TestBestTrialMinimize(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	spec := testSpec()
	spec.Direction = search.Minimize
	study, err := database.CreateStudy(ctx, db, spec)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := database.CreateTrial(ctx, db, study.Id, map[string]any{"learning_rate": 1e-3})
		require.NoError(t, err)
	}

	require.NoError(t, database.CompleteTrial(ctx, db, study.Id, 0, 0.4, search.Minimize))
	require.NoError(t, database.CompleteTrial(ctx, db, study.Id, 1, 0.2, search.Minimize))
	require.NoError(t, database.CompleteTrial(ctx, db, study.Id, 2, 0.3, search.Minimize))

	got, err := database.GetStudy(ctx, db, study.Id)
	require.NoError(t, err)
	assert.Equal(t, 0.2, got.BestValue.Float64)
	assert.Equal(t, int64(1), got.BestTrialNumber.Int64)
}

func TestFinishedTrialCountExcludesPruned(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	study, err := database.CreateStudy(ctx, db, testSpec())
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := database.CreateTrial(ctx, db, study.Id, map[string]any{"learning_rate": 1e-3})
		require.NoError(t, err)
	}

	require.NoError(t, database.CompleteTrial(ctx, db, study.Id, 0, 0.5, search.Maximize))
	require.NoError(t, database.FailTrial(ctx, db, study.Id, 1, "exit status 1"))
	require.NoError(t, database.PruneTrial(ctx, db, study.Id, 2))

	count, err := database.FinishedTrialCount(ctx, db, study.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	counts, err := database.TrialStatusCounts(ctx, db, study.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[database.TrialComplete])
	assert.Equal(t, int64(1), counts[database.TrialFailed])
	assert.Equal(t, int64(1), counts[database.TrialPruned])
	assert.Equal(t, int64(1), counts[database.TrialPending])
}

func TestTrialUpdatesTouchOnlyTheirTrial(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	study, err := database.CreateStudy(ctx, db, testSpec())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := database.CreateTrial(ctx, db, study.Id, map[string]any{"learning_rate": 1e-3})
		require.NoError(t, err)
	}

	// Trial 0 exercises every status transition against the zero-valued
	// trial number; its siblings must stay untouched.
	require.NoError(t, database.MarkTrialRunning(ctx, db, study.Id, 0))
	require.NoError(t, database.CompleteTrial(ctx, db, study.Id, 0, 0.5, search.Maximize))
	require.NoError(t, database.FailTrial(ctx, db, study.Id, 1, "exit status 1"))
	require.NoError(t, database.PruneTrial(ctx, db, study.Id, 2))

	var trials []database.Trial
	require.NoError(t, db.Where("study_id = ?", study.Id).Order("number").Find(&trials).Error)
	require.Len(t, trials, 3)

	assert.Equal(t, database.TrialComplete, trials[0].Status)
	assert.Equal(t, 0.5, trials[0].Value.Float64)
	assert.Equal(t, database.TrialFailed, trials[1].Status)
	assert.False(t, trials[1].Value.Valid)
	assert.Equal(t, database.TrialPruned, trials[2].Status)
	assert.False(t, trials[2].StartTime.Valid)
}

func TestCompletedObservationsAndReports(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	study, err := database.CreateStudy(ctx, db, testSpec())
	require.NoError(t, err)

	_, err = database.CreateTrial(ctx, db, study.Id, map[string]any{"learning_rate": 1e-3})
	require.NoError(t, err)
	_, err = database.CreateTrial(ctx, db, study.Id, map[string]any{"learning_rate": 1e-4})
	require.NoError(t, err)

	require.NoError(t, database.AddTrialReport(ctx, db, study.Id, 0, 1, 0.3))
	require.NoError(t, database.AddTrialReport(ctx, db, study.Id, 0, 2, 0.5))
	require.NoError(t, database.CompleteTrial(ctx, db, study.Id, 0, 0.5, search.Maximize))

	// Trial 1 is still running; its reports must not appear in history.
	require.NoError(t, database.AddTrialReport(ctx, db, study.Id, 1, 1, 0.1))

	observations, err := database.CompletedObservations(ctx, db, study.Id)
	require.NoError(t, err)
	require.Len(t, observations, 1)
	assert.Equal(t, 0.5, observations[0].Value)
	assert.Equal(t, 1e-3, observations[0].Params["learning_rate"])

	history, err := database.CompletedReports(ctx, db, study.Id)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, []search.Report{{Step: 1, Value: 0.3}, {Step: 2, Value: 0.5}}, history[0])
}

func TestGetOrCreateStudyResumes(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	first, err := database.GetOrCreateStudy(ctx, db, testSpec())
	require.NoError(t, err)

	second, err := database.GetOrCreateStudy(ctx, db, testSpec())
	require.NoError(t, err)
	assert.Equal(t, first.Id, second.Id)

	spec, err := database.LoadSpec(second)
	require.NoError(t, err)
	assert.Equal(t, "mnist-tune", spec.StudyName)
	assert.Equal(t, search.Maximize, spec.Direction)
}

func TestStopStudy(t *testing.T) {
	db := createDB(t)
	ctx := context.Background()

	study, err := database.CreateStudy(ctx, db, testSpec())
	require.NoError(t, err)

	stopped, err := database.IsStudyStopped(ctx, db, study.Id)
	require.NoError(t, err)
	assert.False(t, stopped)

	require.NoError(t, database.StopStudy(ctx, db, study.Id))

	stopped, err = database.IsStudyStopped(ctx, db, study.Id)
	require.NoError(t, err)
	assert.True(t, stopped)
}
