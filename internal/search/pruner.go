package search

import (
	"fmt"

	"github.com/montanaflynn/stats"
)

// Report is one intermediate metric value a running trial emitted.
type Report struct {
	Step  int
	Value float64
}

// Pruner decides whether a running trial should be stopped early.
// `history` holds the intermediate reports of every completed trial.
type Pruner interface {
	ShouldPrune(direction Direction, step int, value float64, history [][]Report) bool
}

func NewPruner(spec PrunerSpec) (Pruner, error) {
	switch spec.Type {
	case "", "NopPruner":
		return NopPruner{}, nil
	case "MedianPruner":
		minTrials := spec.NMinTrials
		if minTrials <= 0 {
			minTrials = 1
		}
		return &MedianPruner{
			startup:   spec.NStartupTrials,
			warmup:    spec.NWarmupSteps,
			minTrials: minTrials,
		}, nil
	}
	return nil, fmt.Errorf("unknown pruner type '%s'", spec.Type)
}

// NopPruner never prunes.
type NopPruner struct{}

func (NopPruner) ShouldPrune(Direction, int, float64, [][]Report) bool { return false }

// MedianPruner stops a trial whose intermediate value is worse than the
// median of the values completed trials reported at the same step. It never
// prunes before `startup` trials have completed, before `warmup` steps of
// the running trial, or before `minTrials` completed trials have a report
// at the step in question.
type MedianPruner struct {
	startup   int
	warmup    int
	minTrials int
}

func (p *MedianPruner) ShouldPrune(direction Direction, step int, value float64, history [][]Report) bool {
	if step < p.warmup {
		return false
	}
	if len(history) < p.startup {
		return false
	}

	var atStep []float64
	for _, reports := range history {
		for _, r := range reports {
			if r.Step == step {
				atStep = append(atStep, r.Value)
				break
			}
		}
	}
	if len(atStep) < p.minTrials {
		return false
	}

	median, err := stats.Median(atStep)
	if err != nil {
		return false
	}

	if direction == Maximize {
		return value < median
	}
	return value > median
}
