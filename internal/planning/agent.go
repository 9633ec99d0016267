package planning

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime"

	"github.com/sourcegraph/conc/pool"

	"pets-cartpole/internal/config"
	"pets-cartpole/internal/model"
)

// Agent picks an action for an observation. Reset is called at the start of
// every trial.
type Agent interface {
	Act(ctx context.Context, obs []float64) ([]float64, error)
	Reset()
}

// RandomAgent draws actions uniformly within the action bounds.
type RandomAgent struct {
	lower, upper []float64
	rng          *rand.Rand
}

func NewRandomAgent(lower, upper []float64, rng *rand.Rand) (*RandomAgent, error) {
	if len(lower) == 0 || len(lower) != len(upper) {
		return nil, fmt.Errorf("action bounds have lengths %d and %d", len(lower), len(upper))
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return &RandomAgent{lower: lower, upper: upper, rng: rng}, nil
}

func (a *RandomAgent) Act(_ context.Context, _ []float64) ([]float64, error) {
	action := make([]float64, len(a.lower))
	for i := range action {
		action[i] = a.lower[i] + a.rng.Float64()*(a.upper[i]-a.lower[i])
	}
	return action, nil
}

func (a *RandomAgent) Reset() {}

// TrajectoryOptimizerAgent plans against a model env and executes the first
// replanFreq actions of each plan before planning again.
type TrajectoryOptimizerAgent struct {
	optimizer    *TrajectoryOptimizer
	modelEnv     *model.Env
	numParticles int
	workers      int
	replanFreq   int
	rng          *rand.Rand

	queue [][]float64
}

type TrajectoryAgentOption func(*TrajectoryOptimizerAgent)

func WithNumParticles(n int) TrajectoryAgentOption {
	return func(a *TrajectoryOptimizerAgent) {
		a.numParticles = n
	}
}

// WithWorkers bounds the goroutines scoring candidates. Zero means GOMAXPROCS.
func WithWorkers(n int) TrajectoryAgentOption {
	return func(a *TrajectoryOptimizerAgent) {
		a.workers = n
	}
}

func WithAgentRand(rng *rand.Rand) TrajectoryAgentOption {
	return func(a *TrajectoryOptimizerAgent) {
		a.rng = rng
	}
}

func NewTrajectoryOptimizerAgent(optimizer *TrajectoryOptimizer, modelEnv *model.Env, opts ...TrajectoryAgentOption) (*TrajectoryOptimizerAgent, error) {
	if optimizer == nil || modelEnv == nil {
		return nil, errors.New("trajectory agent needs an optimizer and a model env")
	}
	a := &TrajectoryOptimizerAgent{
		optimizer:    optimizer,
		modelEnv:     modelEnv,
		numParticles: 1,
		replanFreq:   optimizer.replanFreq,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.numParticles <= 0 {
		return nil, fmt.Errorf("%w: num particles must be > 0, got %d", config.ErrInvalidConfig, a.numParticles)
	}
	if a.workers <= 0 {
		a.workers = runtime.GOMAXPROCS(0)
	}
	if a.rng == nil {
		a.rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return a, nil
}

// NewAgentFromConfig wires a CEM trajectory agent from a resolved config.
func NewAgentFromConfig(cfg *config.Config, modelEnv *model.Env, rng *rand.Rand) (*TrajectoryOptimizerAgent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(cfg.Seed))
	}
	cemCfg := CEMConfig{
		NumIterations:    cfg.Optimizer.NumIterations,
		EliteRatio:       cfg.Optimizer.EliteRatio,
		PopulationSize:   cfg.Optimizer.PopulationSize,
		Alpha:            cfg.Optimizer.Alpha,
		ReturnMeanElites: cfg.Optimizer.ReturnMeanElites,
		ClippedNormal:    cfg.Optimizer.ClippedNormal,
	}
	optimizer, err := NewTrajectoryOptimizer(cemCfg, cfg.Agent.ActionLB, cfg.Agent.ActionUB,
		cfg.Agent.PlanningHorizon, cfg.Agent.ReplanFreq, rand.New(rand.NewSource(rng.Int63())))
	if err != nil {
		return nil, err
	}
	return NewTrajectoryOptimizerAgent(optimizer, modelEnv,
		WithNumParticles(cfg.Agent.NumParticles),
		WithWorkers(cfg.Agent.Workers),
		WithAgentRand(rand.New(rand.NewSource(rng.Int63()))),
	)
}

func (a *TrajectoryOptimizerAgent) Act(ctx context.Context, obs []float64) ([]float64, error) {
	if len(a.queue) == 0 {
		plan, err := a.Plan(ctx, obs)
		if err != nil {
			return nil, err
		}
		a.queue = plan[:a.replanFreq]
	}
	action := a.queue[0]
	a.queue = a.queue[1:]
	return action, nil
}

// Plan optimizes a full horizon of actions from obs.
func (a *TrajectoryOptimizerAgent) Plan(ctx context.Context, obs []float64) ([][]float64, error) {
	flat, err := a.optimizer.Optimize(ctx, a.objective(obs))
	if err != nil {
		return nil, err
	}
	size := a.optimizer.ActionSize()
	plan := make([][]float64, a.optimizer.Horizon())
	for t := range plan {
		plan[t] = append([]float64(nil), flat[t*size:(t+1)*size]...)
	}
	return plan, nil
}

func (a *TrajectoryOptimizerAgent) Reset() {
	a.queue = nil
	a.optimizer.Reset()
}

// objective scores candidates by simulated return from obs. Candidates are
// rolled out concurrently, each with an rng seeded up front so results do not
// depend on scheduling.
func (a *TrajectoryOptimizerAgent) objective(obs []float64) ObjectiveFunc {
	initial := append([]float64(nil), obs...)
	return func(ctx context.Context, population [][]float64) ([]float64, error) {
		scores := make([]float64, len(population))
		seeds := make([]int64, len(population))
		for i := range seeds {
			seeds[i] = a.rng.Int63()
		}

		p := pool.New().WithMaxGoroutines(a.workers).WithContext(ctx).WithCancelOnError()
		for i, candidate := range population {
			i, candidate := i, candidate
			p.Go(func(ctx context.Context) error {
				if err := ctx.Err(); err != nil {
					return err
				}
				score, err := a.modelEnv.EvaluateSequence(candidate, a.optimizer.ActionSize(), initial,
					a.numParticles, rand.New(rand.NewSource(seeds[i])))
				if err != nil {
					return err
				}
				scores[i] = score
				return nil
			})
		}
		if err := p.Wait(); err != nil {
			return nil, err
		}
		return scores, nil
	}
}
