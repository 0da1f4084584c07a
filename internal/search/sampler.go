package search

import (
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// Observation is a completed trial as seen by the sampler: the parameter
// assignment it ran with and the final value it reported.
type Observation struct {
	Params map[string]any
	Value  float64
}

// Sampler proposes the next parameter assignment given every completed
// observation recorded so far.
type Sampler interface {
	Sample(params []ParameterSpec, completed []Observation) (map[string]any, error)
}

func NewSampler(spec SamplerSpec, direction Direction) (Sampler, error) {
	rng := rand.New(rand.NewSource(spec.Seed))
	if spec.Seed == 0 {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	switch spec.Type {
	case "", "RandomSampler":
		return &RandomSampler{rng: rng}, nil
	case "TPESampler":
		startup := spec.NStartupTrials
		if startup <= 0 {
			startup = 10
		}
		return &TPESampler{
			rng:         rng,
			startup:     startup,
			direction:   direction,
			gamma:       0.25,
			nCandidates: 24,
		}, nil
	}
	return nil, fmt.Errorf("unknown sampler type '%s'", spec.Type)
}

// RandomSampler draws every parameter independently and uniformly from its
// domain (log-uniformly for loguniform domains).
type RandomSampler struct {
	rng *rand.Rand
}

func NewRandomSampler(seed int64) *RandomSampler {
	return &RandomSampler{rng: rand.New(rand.NewSource(seed))}
}

func (s *RandomSampler) Sample(params []ParameterSpec, completed []Observation) (map[string]any, error) {
	assignment := make(map[string]any, len(params))
	for _, p := range params {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		assignment[p.Name] = drawUniform(s.rng, p)
	}
	return assignment, nil
}

func drawUniform(rng *rand.Rand, p ParameterSpec) any {
	switch p.Type {
	case DomainInt:
		lo, hi := int(p.Low), int(p.High)
		return lo + rng.Intn(hi-lo+1)
	case DomainLogUniform:
		v := math.Exp(math.Log(p.Low) + rng.Float64()*(math.Log(p.High)-math.Log(p.Low)))
		return clamp(v, p.Low, p.High)
	case DomainCategorical:
		return p.Choices[rng.Intn(len(p.Choices))]
	default:
		return p.Low + rng.Float64()*(p.High-p.Low)
	}
}

// TPESampler implements tree-structured Parzen estimation: the first
// `startup` trials are sampled uniformly at random, after which completed
// observations are split at the gamma quantile into a good and a bad set,
// a gaussian kernel density is fitted to each, and the candidate maximizing
// the density ratio good/bad is proposed.
type TPESampler struct {
	rng         *rand.Rand
	startup     int
	direction   Direction
	gamma       float64
	nCandidates int
}

func (s *TPESampler) Sample(params []ParameterSpec, completed []Observation) (map[string]any, error) {
	for _, p := range params {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	if len(completed) < s.startup {
		assignment := make(map[string]any, len(params))
		for _, p := range params {
			assignment[p.Name] = drawUniform(s.rng, p)
		}
		return assignment, nil
	}

	good, bad := s.split(completed)

	assignment := make(map[string]any, len(params))
	for _, p := range params {
		switch p.Type {
		case DomainCategorical:
			assignment[p.Name] = s.sampleCategorical(p, good, bad)
		default:
			assignment[p.Name] = s.sampleNumeric(p, good, bad)
		}
	}
	return assignment, nil
}

func (s *TPESampler) split(completed []Observation) (good, bad []Observation) {
	sorted := make([]Observation, len(completed))
	copy(sorted, completed)
	sort.Slice(sorted, func(i, j int) bool {
		if s.direction == Maximize {
			return sorted[i].Value > sorted[j].Value
		}
		return sorted[i].Value < sorted[j].Value
	})

	n := int(math.Ceil(s.gamma * float64(len(sorted))))
	if n < 1 {
		n = 1
	}
	return sorted[:n], sorted[n:]
}

func (s *TPESampler) sampleNumeric(p ParameterSpec, good, bad []Observation) any {
	logScale := p.Type == DomainLogUniform

	goodVals := numericValues(good, p.Name, logScale)
	badVals := numericValues(bad, p.Name, logScale)
	if len(goodVals) == 0 {
		return drawUniform(s.rng, p)
	}

	lo, hi := p.Low, p.High
	if logScale {
		lo, hi = math.Log(p.Low), math.Log(p.High)
	}
	bandwidth := kdeBandwidth(goodVals, lo, hi)

	best := math.Inf(-1)
	var bestX float64
	for i := 0; i < s.nCandidates; i++ {
		// Draw from the good-set KDE: pick a kernel center, perturb it. The
		// gaussian noise comes from the sampler's own rng so a fixed seed
		// reproduces the same proposals.
		center := goodVals[s.rng.Intn(len(goodVals))]
		x := clamp(center+bandwidth*s.rng.NormFloat64(), lo, hi)

		score := kdeLogDensity(x, goodVals, bandwidth) - kdeLogDensity(x, badVals, bandwidth)
		if score > best {
			best = score
			bestX = x
		}
	}

	if logScale {
		// Exponentiation can land one ulp outside the bounds, so clamp in
		// value space.
		return clamp(math.Exp(bestX), p.Low, p.High)
	}
	if p.Type == DomainInt {
		v := int(math.Round(bestX))
		return clampInt(v, int(p.Low), int(p.High))
	}
	return bestX
}

func (s *TPESampler) sampleCategorical(p ParameterSpec, good, bad []Observation) any {
	// Weight each choice by its count in the good set with add-one smoothing.
	weights := make([]float64, len(p.Choices))
	total := 0.0
	for i, c := range p.Choices {
		count := 1.0
		for _, obs := range good {
			if fmt.Sprintf("%v", obs.Params[p.Name]) == fmt.Sprintf("%v", c) {
				count++
			}
		}
		weights[i] = count
		total += count
	}

	r := s.rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r <= 0 {
			return p.Choices[i]
		}
	}
	return p.Choices[len(p.Choices)-1]
}

func numericValues(obs []Observation, name string, logScale bool) []float64 {
	values := make([]float64, 0, len(obs))
	for _, o := range obs {
		v, ok := toFloat(o.Params[name])
		if !ok {
			continue
		}
		if logScale {
			if v <= 0 {
				continue
			}
			v = math.Log(v)
		}
		values = append(values, v)
	}
	return values
}

func kdeBandwidth(values []float64, lo, hi float64) float64 {
	bw := (hi - lo) / math.Sqrt(float64(len(values))+1)
	if bw <= 0 {
		bw = 1e-6
	}
	return bw
}

func kdeLogDensity(x float64, values []float64, bandwidth float64) float64 {
	if len(values) == 0 {
		return 0
	}
	density := 0.0
	for _, v := range values {
		kernel := distuv.Normal{Mu: v, Sigma: bandwidth}
		density += kernel.Prob(x)
	}
	return math.Log(density/float64(len(values)) + 1e-12)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
