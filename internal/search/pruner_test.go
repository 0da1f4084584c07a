package search_test

import (
	"testing"

	"hpo-backend/internal/search"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func historyWithValueAtStep(n int, step int, value float64) [][]search.Report {
	history := make([][]search.Report, n)
	for i := range history {
		history[i] = []search.Report{{Step: step, Value: value}}
	}
	return history
}

func TestMedianPrunerMinTrialsBoundary(t *testing.T) {
	const minTrials = 5

	pruner, err := search.NewPruner(search.PrunerSpec{
		Type:       "MedianPruner",
		NMinTrials: minTrials,
	})
	require.NoError(t, err)

	// A clearly hopeless trial: every completed trial reported 0.9 at step 3,
	// this one reports 0.1 under maximize.
	history := historyWithValueAtStep(minTrials-1, 3, 0.9)
	assert.False(t, pruner.ShouldPrune(search.Maximize, 3, 0.1, history),
		"must not prune with fewer than n_min_trials completed reports at the step")

	history = historyWithValueAtStep(minTrials, 3, 0.9)
	assert.True(t, pruner.ShouldPrune(search.Maximize, 3, 0.1, history),
		"pruning is permitted once n_min_trials completed reports exist at the step")
}

func TestMedianPrunerWarmup(t *testing.T) {
	pruner, err := search.NewPruner(search.PrunerSpec{
		Type:         "MedianPruner",
		NWarmupSteps: 10,
		NMinTrials:   1,
	})
	require.NoError(t, err)

	history := historyWithValueAtStep(20, 5, 0.9)
	assert.False(t, pruner.ShouldPrune(search.Maximize, 5, 0.0, history))

	history = historyWithValueAtStep(20, 10, 0.9)
	assert.True(t, pruner.ShouldPrune(search.Maximize, 10, 0.0, history))
}

func TestMedianPrunerStartup(t *testing.T) {
	pruner, err := search.NewPruner(search.PrunerSpec{
		Type:           "MedianPruner",
		NStartupTrials: 8,
		NMinTrials:     1,
	})
	require.NoError(t, err)

	history := historyWithValueAtStep(7, 1, 0.9)
	assert.False(t, pruner.ShouldPrune(search.Maximize, 1, 0.0, history))

	history = historyWithValueAtStep(8, 1, 0.9)
	assert.True(t, pruner.ShouldPrune(search.Maximize, 1, 0.0, history))
}

func TestMedianPrunerDirection(t *testing.T) {
	pruner, err := search.NewPruner(search.PrunerSpec{Type: "MedianPruner", NMinTrials: 1})
	require.NoError(t, err)

	history := [][]search.Report{
		{{Step: 1, Value: 0.3}},
		{{Step: 1, Value: 0.5}},
		{{Step: 1, Value: 0.7}},
	}

	// Median at step 1 is 0.5.
	assert.True(t, pruner.ShouldPrune(search.Minimize, 1, 0.6, history))
	assert.False(t, pruner.ShouldPrune(search.Minimize, 1, 0.4, history))
	assert.True(t, pruner.ShouldPrune(search.Maximize, 1, 0.4, history))
	assert.False(t, pruner.ShouldPrune(search.Maximize, 1, 0.6, history))
}

func TestMedianPrunerIgnoresOtherSteps(t *testing.T) {
	pruner, err := search.NewPruner(search.PrunerSpec{Type: "MedianPruner", NMinTrials: 2})
	require.NoError(t, err)

	// Completed trials reported only at step 1, never at step 2.
	history := historyWithValueAtStep(10, 1, 0.9)
	assert.False(t, pruner.ShouldPrune(search.Maximize, 2, 0.0, history))
}

func TestNopPrunerNeverPrunes(t *testing.T) {
	pruner, err := search.NewPruner(search.PrunerSpec{})
	require.NoError(t, err)

	history := historyWithValueAtStep(100, 1, 0.99)
	assert.False(t, pruner.ShouldPrune(search.Maximize, 1, 0.0, history))
}

func TestNewPrunerUnknownType(t *testing.T) {
	_, err := search.NewPruner(search.PrunerSpec{Type: "HyperbandPruner"})
	assert.Error(t, err)
}
