package model

import (
	"errors"
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/floats"

	"pets-cartpole/internal/config"
)

// RewardFunc scores a transition from the action taken and the observation it led to.
type RewardFunc func(action, nextObs []float64) float64

// TerminationFunc reports whether nextObs ends the episode.
type TerminationFunc func(action, nextObs []float64) bool

// Env steps a Dynamics model as if it were the environment. It only ever
// touches its own simulated state. An Env is not safe for concurrent use;
// Fork one per goroutine.
type Env struct {
	dynamics    Dynamics
	termFn      TerminationFunc
	rewardFn    RewardFunc
	propagation string
	rng         *rand.Rand

	obs    []float64
	member int
}

type EnvOption func(*Env)

// WithPropagation selects how ensemble members are used across simulated
// steps: config.PropagationFixedModel, PropagationRandomModel or
// PropagationExpectation.
func WithPropagation(method string) EnvOption {
	return func(e *Env) {
		e.propagation = method
	}
}

func WithEnvRand(rng *rand.Rand) EnvOption {
	return func(e *Env) {
		e.rng = rng
	}
}

// NewEnv wraps dynamics. A nil rewardFn uses the model's own reward
// prediction; a nil termFn never terminates.
func NewEnv(dynamics Dynamics, termFn TerminationFunc, rewardFn RewardFunc, opts ...EnvOption) (*Env, error) {
	if dynamics == nil {
		return nil, errors.New("model env: dynamics is nil")
	}
	e := &Env{
		dynamics:    dynamics,
		termFn:      termFn,
		rewardFn:    rewardFn,
		propagation: config.PropagationFixedModel,
	}
	for _, opt := range opts {
		opt(e)
	}
	switch e.propagation {
	case config.PropagationFixedModel, config.PropagationRandomModel, config.PropagationExpectation:
	default:
		return nil, fmt.Errorf("%w: propagation method %q is not supported", config.ErrInvalidConfig, e.propagation)
	}
	if e.rng == nil {
		e.rng = rand.New(rand.NewSource(rand.Int63()))
	}
	return e, nil
}

// Fork returns an Env sharing the model and functions but with its own state and rng.
func (e *Env) Fork(rng *rand.Rand) *Env {
	if rng == nil {
		rng = rand.New(rand.NewSource(e.rng.Int63()))
	}
	return &Env{
		dynamics:    e.dynamics,
		termFn:      e.termFn,
		rewardFn:    e.rewardFn,
		propagation: e.propagation,
		rng:         rng,
		member:      e.member,
	}
}

// Reset sets the simulated state to obs and binds the rollout to member.
// member is ignored by the expectation and random_model methods.
func (e *Env) Reset(obs []float64, member int) {
	e.obs = append(e.obs[:0], obs...)
	e.member = member
}

func (e *Env) Observation() []float64 {
	return append([]float64(nil), e.obs...)
}

func (e *Env) Member() int {
	return e.member
}

// Step advances the simulated state by one predicted transition. When the
// model reports a standard deviation the next state is drawn from the
// prediction with the Env's rng, so Step is a function of the state, the
// action, the member and the rng state.
func (e *Env) Step(action []float64) ([]float64, float64, bool, error) {
	if e.obs == nil {
		return nil, 0, false, errors.New("model env: Step called before Reset")
	}

	member := e.member
	switch e.propagation {
	case config.PropagationRandomModel:
		member = e.rng.Intn(e.dynamics.EnsembleSize())
	case config.PropagationExpectation:
		member = AllMembers
	}

	pred, err := e.dynamics.Predict(e.obs, action, member)
	if err != nil {
		return nil, 0, false, fmt.Errorf("model env: %w", err)
	}
	next := make([]float64, len(e.obs))
	floats.AddTo(next, e.obs, pred.Delta)
	for i, std := range pred.DeltaStd {
		next[i] += std * e.rng.NormFloat64()
	}

	var reward float64
	if e.rewardFn != nil {
		reward = e.rewardFn(action, next)
	} else {
		reward = pred.Reward
		if pred.RewardStd > 0 {
			reward += pred.RewardStd * e.rng.NormFloat64()
		}
	}
	done := e.termFn != nil && e.termFn(action, next)

	e.obs = next
	return append([]float64(nil), next...), reward, done, nil
}

// EvaluateSequence rolls out numParticles simulated trajectories of the flat
// action sequence seq from initialObs and returns their mean total reward.
// Particle p is bound to ensemble member p mod EnsembleSize. A particle
// stops collecting reward after the step that terminates it.
func (e *Env) EvaluateSequence(seq []float64, actionSize int, initialObs []float64, numParticles int, rng *rand.Rand) (float64, error) {
	if actionSize <= 0 || len(seq)%actionSize != 0 {
		return 0, fmt.Errorf("model env: sequence length %d is not a multiple of action size %d", len(seq), actionSize)
	}
	if numParticles <= 0 {
		return 0, fmt.Errorf("model env: num particles must be > 0, got %d", numParticles)
	}
	horizon := len(seq) / actionSize
	size := e.dynamics.EnsembleSize()

	sim := e.Fork(rng)
	var total float64
	for p := 0; p < numParticles; p++ {
		sim.Reset(initialObs, p%size)
		for t := 0; t < horizon; t++ {
			_, reward, done, err := sim.Step(seq[t*actionSize : (t+1)*actionSize])
			if err != nil {
				return 0, err
			}
			total += reward
			if done {
				break
			}
		}
	}
	return total / float64(numParticles), nil
}
