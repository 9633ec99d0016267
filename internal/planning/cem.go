// Package planning searches action sequences against a learned model with
// the cross-entropy method and turns the result into per-step actions.
package planning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"pets-cartpole/internal/config"
)

// ErrOptimizerDiverged is returned when every candidate of an iteration has a
// non-finite score.
var ErrOptimizerDiverged = errors.New("optimizer diverged: all candidate scores are non-finite")

// ObjectiveFunc scores each candidate of a population. Higher is better.
type ObjectiveFunc func(ctx context.Context, population [][]float64) ([]float64, error)

// CEMConfig configures the search over flat vectors of length len(LowerBound).
type CEMConfig struct {
	NumIterations  int
	EliteRatio     float64
	PopulationSize int
	// Alpha weights the previous distribution against the elites on update.
	Alpha      float64
	LowerBound []float64
	UpperBound []float64
	// InitialVariance defaults to ((upper - lower) / 4)^2 when nil.
	InitialVariance  []float64
	ReturnMeanElites bool
	// ClippedNormal samples plain normal noise and relies on clipping to the
	// bounds instead of truncating the noise at two standard deviations.
	ClippedNormal bool
}

// CEMOptimizer is not safe for concurrent use.
type CEMOptimizer struct {
	cfg       CEMConfig
	numElites int
	rng       *rand.Rand
}

func NewCEMOptimizer(cfg CEMConfig, rng *rand.Rand) (*CEMOptimizer, error) {
	if cfg.NumIterations <= 0 {
		return nil, fmt.Errorf("%w: num iterations must be > 0, got %d", config.ErrInvalidConfig, cfg.NumIterations)
	}
	if cfg.PopulationSize <= 0 {
		return nil, fmt.Errorf("%w: population size must be > 0, got %d", config.ErrInvalidConfig, cfg.PopulationSize)
	}
	numElites := int(math.Ceil(cfg.EliteRatio * float64(cfg.PopulationSize)))
	if numElites < 1 || numElites > cfg.PopulationSize {
		return nil, fmt.Errorf("%w: elite ratio %g gives %d elites for population %d",
			config.ErrInvalidConfig, cfg.EliteRatio, numElites, cfg.PopulationSize)
	}
	if cfg.Alpha < 0 || cfg.Alpha >= 1 {
		return nil, fmt.Errorf("%w: alpha must be in [0, 1), got %g", config.ErrInvalidConfig, cfg.Alpha)
	}
	if len(cfg.LowerBound) == 0 || len(cfg.LowerBound) != len(cfg.UpperBound) {
		return nil, fmt.Errorf("%w: bounds have lengths %d and %d", config.ErrInvalidConfig, len(cfg.LowerBound), len(cfg.UpperBound))
	}
	for i := range cfg.LowerBound {
		if cfg.LowerBound[i] > cfg.UpperBound[i] {
			return nil, fmt.Errorf("%w: lower bound %d exceeds upper bound", config.ErrInvalidConfig, i)
		}
	}
	if cfg.InitialVariance == nil {
		cfg.InitialVariance = make([]float64, len(cfg.LowerBound))
		for i := range cfg.InitialVariance {
			width := cfg.UpperBound[i] - cfg.LowerBound[i]
			cfg.InitialVariance[i] = width * width / 16
		}
	} else if len(cfg.InitialVariance) != len(cfg.LowerBound) {
		return nil, fmt.Errorf("%w: initial variance has length %d, want %d", config.ErrInvalidConfig, len(cfg.InitialVariance), len(cfg.LowerBound))
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &CEMOptimizer{cfg: cfg, numElites: numElites, rng: rng}, nil
}

func (o *CEMOptimizer) NumElites() int {
	return o.numElites
}

func (o *CEMOptimizer) Dim() int {
	return len(o.cfg.LowerBound)
}

// Optimize runs the search starting from mean x0. It returns the mean of the
// last elites when ReturnMeanElites is set, else the best candidate seen.
func (o *CEMOptimizer) Optimize(ctx context.Context, objective ObjectiveFunc, x0 []float64) ([]float64, error) {
	dim := o.Dim()
	if len(x0) != dim {
		return nil, fmt.Errorf("initial solution has length %d, want %d", len(x0), dim)
	}

	mu := append([]float64(nil), x0...)
	clip(mu, o.cfg.LowerBound, o.cfg.UpperBound)
	variance := append([]float64(nil), o.cfg.InitialVariance...)

	var best []float64
	bestValue := math.Inf(-1)

	population := make([][]float64, o.cfg.PopulationSize)
	for i := range population {
		population[i] = make([]float64, dim)
	}
	column := make([]float64, o.numElites)

	for iter := 0; iter < o.cfg.NumIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		o.sample(population, mu, variance)

		scores, err := objective(ctx, population)
		if err != nil {
			return nil, err
		}
		if len(scores) != len(population) {
			return nil, fmt.Errorf("objective returned %d scores for %d candidates", len(scores), len(population))
		}
		finite := 0
		for i, s := range scores {
			if math.IsNaN(s) {
				scores[i] = math.Inf(-1)
			}
			if !math.IsInf(scores[i], 0) {
				finite++
			}
		}
		if finite == 0 {
			return nil, fmt.Errorf("iteration %d: %w", iter, ErrOptimizerDiverged)
		}

		elites := rankDescending(scores)[:o.numElites]
		for j := 0; j < dim; j++ {
			for k, idx := range elites {
				column[k] = population[idx][j]
			}
			eliteMean, eliteVar := stat.PopMeanVariance(column, nil)
			mu[j] = o.cfg.Alpha*mu[j] + (1-o.cfg.Alpha)*eliteMean
			variance[j] = o.cfg.Alpha*variance[j] + (1-o.cfg.Alpha)*eliteVar
		}

		if top := elites[0]; scores[top] > bestValue {
			bestValue = scores[top]
			best = append(best[:0], population[top]...)
		}
	}

	if o.cfg.ReturnMeanElites || best == nil {
		return mu, nil
	}
	return best, nil
}

// sample fills population around mu and clips every sample to the bounds
// before it is scored. For truncated noise the variance of each element is
// capped so that two standard deviations stay inside the bounds; clipped
// normal noise uses the variance as is.
func (o *CEMOptimizer) sample(population [][]float64, mu, variance []float64) {
	std := make([]float64, len(mu))
	for j := range mu {
		v := variance[j]
		if !o.cfg.ClippedNormal {
			lbDist := (mu[j] - o.cfg.LowerBound[j]) / 2
			ubDist := (o.cfg.UpperBound[j] - mu[j]) / 2
			v = math.Min(v, math.Min(lbDist*lbDist, ubDist*ubDist))
		}
		std[j] = math.Sqrt(v)
	}
	for _, candidate := range population {
		for j := range candidate {
			candidate[j] = mu[j] + std[j]*o.noise()
		}
		clip(candidate, o.cfg.LowerBound, o.cfg.UpperBound)
	}
}

func (o *CEMOptimizer) noise() float64 {
	z := o.rng.NormFloat64()
	if o.cfg.ClippedNormal {
		return z
	}
	for z < -2 || z > 2 {
		z = o.rng.NormFloat64()
	}
	return z
}

// rankDescending orders indices by score, highest first. Equal scores keep
// population order.
func rankDescending(scores []float64) []int {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return scores[idx[a]] > scores[idx[b]]
	})
	return idx
}

func clip(x, lower, upper []float64) {
	for i := range x {
		x[i] = math.Max(lower[i], math.Min(upper[i], x[i]))
	}
}

// tile repeats v n times.
func tile(v []float64, n int) []float64 {
	out := make([]float64, 0, len(v)*n)
	for i := 0; i < n; i++ {
		out = append(out, v...)
	}
	return out
}

func midpoint(lower, upper []float64) []float64 {
	mid := make([]float64, len(lower))
	floats.AddTo(mid, lower, upper)
	floats.Scale(0.5, mid)
	return mid
}
