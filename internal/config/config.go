package config

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidConfig is wrapped by every configuration problem reported by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

const (
	PropagationFixedModel  = "fixed_model"
	PropagationRandomModel = "random_model"
	PropagationExpectation = "expectation"
)

// Config is the full set of options for a PETS run. Action bounds start out
// unset and are filled in by Resolve once the environment is known.
type Config struct {
	Seed      int64           `json:"seed"`
	Dynamics  DynamicsConfig  `json:"dynamics_model"`
	Algorithm AlgorithmConfig `json:"algorithm"`
	Overrides OverridesConfig `json:"overrides"`
	Agent     AgentConfig     `json:"agent"`
	Optimizer OptimizerConfig `json:"optimizer"`
	StatsAddr string          `json:"stats_addr,omitempty"`
}

type DynamicsConfig struct {
	EnsembleSize      int     `json:"ensemble_size"`
	PropagationMethod string  `json:"propagation_method"`
	LearningRate      float64 `json:"learning_rate"`
	WeightDecay       float64 `json:"weight_decay"`
	// Deterministic drops the predicted variance, leaving ensemble
	// disagreement as the only model uncertainty.
	Deterministic bool `json:"deterministic"`
}

type AlgorithmConfig struct {
	LearnedRewards bool `json:"learned_rewards"`
	TargetIsDelta  bool `json:"target_is_delta"`
	Normalize      bool `json:"normalize"`
}

type OverridesConfig struct {
	TrialLength      int     `json:"trial_length"`
	NumTrials        int     `json:"num_trials"`
	NumSteps         int     `json:"num_steps"` // replay buffer capacity
	ExplorationSteps int     `json:"exploration_steps"`
	ModelBatchSize   int     `json:"model_batch_size"`
	ValidationRatio  float64 `json:"validation_ratio"`
	NumEpochs        int     `json:"num_epochs"`
	Patience         int     `json:"patience"`
}

type AgentConfig struct {
	PlanningHorizon int       `json:"planning_horizon"`
	ReplanFreq      int       `json:"replan_freq"`
	NumParticles    int       `json:"num_particles"`
	Workers         int       `json:"workers"`
	ActionLB        []float64 `json:"action_lb"`
	ActionUB        []float64 `json:"action_ub"`
}

type OptimizerConfig struct {
	NumIterations    int     `json:"num_iterations"`
	EliteRatio       float64 `json:"elite_ratio"`
	PopulationSize   int     `json:"population_size"`
	Alpha            float64 `json:"alpha"`
	ReturnMeanElites bool    `json:"return_mean_elites"`
	ClippedNormal    bool    `json:"clipped_normal"`
}

// Default returns the cartpole PETS setup: 10 trials of 200 steps, a single
// member ensemble, and CEM with 500 candidates over a 15 step horizon.
func Default() *Config {
	const (
		trialLength = 200
		numTrials   = 10
	)
	return &Config{
		Seed: 0,
		Dynamics: DynamicsConfig{
			EnsembleSize:      1,
			PropagationMethod: PropagationFixedModel,
			LearningRate:      1e-3,
			WeightDecay:       5e-5,
			Deterministic:     false,
		},
		Algorithm: AlgorithmConfig{
			LearnedRewards: false,
			TargetIsDelta:  true,
			Normalize:      true,
		},
		Overrides: OverridesConfig{
			TrialLength:      trialLength,
			NumTrials:        numTrials,
			NumSteps:         numTrials * trialLength,
			ExplorationSteps: trialLength,
			ModelBatchSize:   32,
			ValidationRatio:  0.05,
			NumEpochs:        50,
			Patience:         50,
		},
		Agent: AgentConfig{
			PlanningHorizon: 15,
			ReplanFreq:      1,
			NumParticles:    20,
		},
		Optimizer: OptimizerConfig{
			NumIterations:    5,
			EliteRatio:       0.1,
			PopulationSize:   500,
			Alpha:            0.1,
			ReturnMeanElites: true,
			ClippedNormal:    false,
		},
	}
}

// Resolve fills the action bounds from the environment when they were left unset.
func (c *Config) Resolve(lower, upper []float64) {
	if len(c.Agent.ActionLB) == 0 {
		c.Agent.ActionLB = append([]float64(nil), lower...)
	}
	if len(c.Agent.ActionUB) == 0 {
		c.Agent.ActionUB = append([]float64(nil), upper...)
	}
}

// NumElites is the elite set size CEM will keep each iteration.
func (c *Config) NumElites() int {
	return int(math.Ceil(c.Optimizer.EliteRatio * float64(c.Optimizer.PopulationSize)))
}

// Validate reports every problem at once. Each one wraps ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...))
		}
	}

	check(c.Dynamics.EnsembleSize > 0, "dynamics_model.ensemble_size must be > 0, got %d", c.Dynamics.EnsembleSize)
	switch c.Dynamics.PropagationMethod {
	case PropagationFixedModel, PropagationRandomModel, PropagationExpectation:
	default:
		check(false, "dynamics_model.propagation_method %q is not supported", c.Dynamics.PropagationMethod)
	}
	check(c.Dynamics.LearningRate > 0, "dynamics_model.learning_rate must be > 0")
	check(c.Dynamics.WeightDecay >= 0, "dynamics_model.weight_decay must be >= 0")

	o := c.Overrides
	check(o.TrialLength > 0, "overrides.trial_length must be > 0, got %d", o.TrialLength)
	check(o.NumTrials > 0, "overrides.num_trials must be > 0, got %d", o.NumTrials)
	check(o.NumSteps > 0, "overrides.num_steps must be > 0, got %d", o.NumSteps)
	check(o.ExplorationSteps >= 0, "overrides.exploration_steps must be >= 0")
	check(o.ModelBatchSize > 0, "overrides.model_batch_size must be > 0, got %d", o.ModelBatchSize)
	check(o.ValidationRatio >= 0 && o.ValidationRatio < 1, "overrides.validation_ratio must be in [0, 1), got %g", o.ValidationRatio)
	check(o.NumEpochs > 0, "overrides.num_epochs must be > 0, got %d", o.NumEpochs)
	check(o.Patience >= 0, "overrides.patience must be >= 0")

	a := c.Agent
	check(a.PlanningHorizon > 0, "agent.planning_horizon must be > 0, got %d", a.PlanningHorizon)
	check(a.ReplanFreq > 0 && a.ReplanFreq <= a.PlanningHorizon, "agent.replan_freq must be in [1, planning_horizon], got %d", a.ReplanFreq)
	check(a.NumParticles > 0, "agent.num_particles must be > 0, got %d", a.NumParticles)
	check(a.Workers >= 0, "agent.workers must be >= 0")
	check(len(a.ActionLB) > 0 && len(a.ActionUB) > 0, "agent.action_lb and agent.action_ub are unset")
	check(len(a.ActionLB) == len(a.ActionUB), "agent.action_lb has %d entries, agent.action_ub has %d", len(a.ActionLB), len(a.ActionUB))
	if len(a.ActionLB) == len(a.ActionUB) {
		for i := range a.ActionLB {
			check(a.ActionLB[i] <= a.ActionUB[i], "agent.action_lb[%d] > agent.action_ub[%d]", i, i)
		}
	}

	opt := c.Optimizer
	check(opt.NumIterations > 0, "optimizer.num_iterations must be > 0, got %d", opt.NumIterations)
	check(opt.PopulationSize > 0, "optimizer.population_size must be > 0, got %d", opt.PopulationSize)
	check(opt.Alpha >= 0 && opt.Alpha < 1, "optimizer.alpha must be in [0, 1), got %g", opt.Alpha)
	elites := c.NumElites()
	check(elites >= 1 && elites <= opt.PopulationSize, "optimizer.elite_ratio %g gives %d elites for population %d", opt.EliteRatio, elites, opt.PopulationSize)

	return errors.Join(errs...)
}
