package search

import (
	"fmt"
)

type Direction string

const (
	Maximize Direction = "maximize"
	Minimize Direction = "minimize"
)

// Better reports whether candidate improves on incumbent under the direction.
func (d Direction) Better(candidate, incumbent float64) bool {
	if d == Maximize {
		return candidate > incumbent
	}
	return candidate < incumbent
}

const (
	DomainFloat       string = "float"
	DomainLogUniform  string = "loguniform"
	DomainInt         string = "int"
	DomainCategorical string = "categorical"
)

// ParameterSpec describes the domain one parameter is drawn from. Key holds
// the full config key ("model:optimizer:lr" addresses a nested field); Name
// is its last segment and keys the sampled assignment.
type ParameterSpec struct {
	Key     string  `json:"key,omitempty" yaml:"key,omitempty"`
	Name    string  `json:"name" yaml:"name"`
	Type    string  `json:"type" yaml:"type"`
	Low     float64 `json:"low,omitempty" yaml:"low,omitempty"`
	High    float64 `json:"high,omitempty" yaml:"high,omitempty"`
	Choices []any   `json:"choices,omitempty" yaml:"choices,omitempty"`
}

func (p ParameterSpec) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("parameter has no name")
	}
	switch p.Type {
	case DomainFloat, DomainInt:
		if p.Low > p.High {
			return fmt.Errorf("parameter %s: low %v > high %v", p.Name, p.Low, p.High)
		}
	case DomainLogUniform:
		if p.Low > p.High {
			return fmt.Errorf("parameter %s: low %v > high %v", p.Name, p.Low, p.High)
		}
		if p.Low <= 0 {
			return fmt.Errorf("parameter %s: loguniform bounds must be positive, got low %v", p.Name, p.Low)
		}
	case DomainCategorical:
		if len(p.Choices) == 0 {
			return fmt.Errorf("parameter %s: categorical domain requires at least one choice", p.Name)
		}
	default:
		return fmt.Errorf("parameter %s: unknown domain type '%s'", p.Name, p.Type)
	}
	return nil
}

// Contains reports whether a concrete value lies in the parameter's domain.
func (p ParameterSpec) Contains(value any) bool {
	switch p.Type {
	case DomainCategorical:
		for _, c := range p.Choices {
			if fmt.Sprintf("%v", c) == fmt.Sprintf("%v", value) {
				return true
			}
		}
		return false
	case DomainInt:
		v, ok := toFloat(value)
		if !ok || v != float64(int(v)) {
			return false
		}
		return v >= p.Low && v <= p.High
	default:
		v, ok := toFloat(value)
		if !ok {
			return false
		}
		if p.Type == DomainLogUniform && v <= 0 {
			return false
		}
		return v >= p.Low && v <= p.High
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

type SamplerSpec struct {
	Type           string `json:"type" yaml:"type"`
	NStartupTrials int    `json:"n_startup_trials" yaml:"n_startup_trials"`
	Seed           int64  `json:"seed,omitempty" yaml:"seed,omitempty"`
}

type PrunerSpec struct {
	Type           string `json:"type" yaml:"type"`
	NStartupTrials int    `json:"n_startup_trials" yaml:"n_startup_trials"`
	NWarmupSteps   int    `json:"n_warmup_steps" yaml:"n_warmup_steps"`
	NMinTrials     int    `json:"n_min_trials" yaml:"n_min_trials"`
}

// BatchDirectives carries the scheduler options rendered into a submission
// script. The strings are passed through to the cluster untouched.
type BatchDirectives struct {
	Resources []string `json:"l,omitempty" yaml:"l,omitempty"`
	Account   string   `json:"A,omitempty" yaml:"A,omitempty"`
	Queue     string   `json:"q,omitempty" yaml:"q,omitempty"`
	Name      string   `json:"N,omitempty" yaml:"N,omitempty"`
	Stdout    string   `json:"o,omitempty" yaml:"o,omitempty"`
	Stderr    string   `json:"e,omitempty" yaml:"e,omitempty"`
}

// Spec is the full, validated description of one search: what to optimize,
// with which budget, and how trials are sampled, pruned, stored, and run.
// Immutable once loaded.
type Spec struct {
	StudyName   string    `json:"study_name"`
	Storage     string    `json:"storage"`
	StorageType string    `json:"storage_type"`
	Objective   string    `json:"objective"`
	Direction   Direction `json:"direction"`
	Metric      string    `json:"metric"`
	NTrials     int       `json:"n_trials"`
	GPU         bool      `json:"gpu"`

	SavePath  string `json:"save_path"`
	LogToFile bool   `json:"log"`
	Archive   string `json:"archive,omitempty"`

	Jobs         int             `json:"jobs"`
	TrialsPerJob int             `json:"trials_per_job"`
	Bootstrap    []string        `json:"bash,omitempty"`
	Batch        BatchDirectives `json:"batch"`
	Walltime     string          `json:"walltime,omitempty"`

	Sampler    SamplerSpec     `json:"sampler"`
	Pruner     PrunerSpec      `json:"pruner"`
	Parameters []ParameterSpec `json:"parameters"`
}

func (s *Spec) Param(name string) (ParameterSpec, bool) {
	for _, p := range s.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return ParameterSpec{}, false
}
