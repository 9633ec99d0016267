package control

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"

	"pets-cartpole/internal/buffer"
	"pets-cartpole/internal/config"
	"pets-cartpole/internal/model"
	"pets-cartpole/internal/planning"
)

// ErrEnvironment wraps every failure of the real environment. Such failures
// end the current trial and are not retried.
var ErrEnvironment = errors.New("environment failure")

// Environment is the real system being controlled.
type Environment interface {
	Reset() ([]float64, error)
	Step(action []float64) (obs []float64, reward float64, done bool, err error)
}

type TrialResult struct {
	Trial      int     `json:"trial"`
	Steps      int     `json:"steps"`
	Reward     float64 `json:"reward"`
	Terminated bool    `json:"terminated"`
}

// Runner is the PETS loop: it collects experience in Env, refits Dynamics
// at the start of every trial and acts through Agent. A Runner runs one
// trial at a time; Stats may be called from other goroutines.
type Runner struct {
	RunID    string
	Env      Environment
	Agent    planning.Agent
	Dynamics model.Dynamics
	Buffer   *buffer.ReplayBuffer

	// Explorer, when set, collects ExplorationSteps transitions before the
	// first trial so the model has data to fit.
	Explorer         planning.Agent
	ExplorationSteps int

	NumTrials       int
	TrialLength     int
	ModelBatchSize  int
	ValidationRatio float64
	NumEpochs       int
	Patience        int
	Seed            int64

	OnEpoch model.EpochCallback
	OnTrial func(TrialResult)
	Logger  *log.Logger

	mu      sync.Mutex
	state   State
	trial   int
	step    int
	rewards []float64
	rng     *rand.Rand
}

func (r *Runner) validate() error {
	var errs []error
	if r.Env == nil || r.Agent == nil || r.Dynamics == nil || r.Buffer == nil {
		errs = append(errs, fmt.Errorf("%w: runner needs an environment, agent, dynamics model and buffer", config.ErrInvalidConfig))
	}
	if r.NumTrials <= 0 {
		errs = append(errs, fmt.Errorf("%w: num trials must be > 0, got %d", config.ErrInvalidConfig, r.NumTrials))
	}
	if r.TrialLength <= 0 {
		errs = append(errs, fmt.Errorf("%w: trial length must be > 0, got %d", config.ErrInvalidConfig, r.TrialLength))
	}
	if r.ModelBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: model batch size must be > 0, got %d", config.ErrInvalidConfig, r.ModelBatchSize))
	}
	if r.NumEpochs <= 0 {
		errs = append(errs, fmt.Errorf("%w: num epochs must be > 0, got %d", config.ErrInvalidConfig, r.NumEpochs))
	}
	if r.ValidationRatio < 0 || r.ValidationRatio >= 1 {
		errs = append(errs, fmt.Errorf("%w: validation ratio must be in [0, 1), got %g", config.ErrInvalidConfig, r.ValidationRatio))
	}
	return errors.Join(errs...)
}

func (r *Runner) logger() *log.Logger {
	if r.Logger == nil {
		return log.Default()
	}
	return r.Logger
}

// Run explores if configured, then runs NumTrials trials. It returns the
// results of the trials that completed, along with the first error.
func (r *Runner) Run(ctx context.Context) ([]TrialResult, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(r.Seed))
	}

	if r.Explorer != nil && r.ExplorationSteps > 0 {
		if err := r.Explore(ctx, r.Explorer, r.ExplorationSteps); err != nil {
			return nil, err
		}
		r.logger().Printf("[%s] exploration done, %d transitions stored", r.RunID, r.Buffer.Size())
	}

	results := make([]TrialResult, 0, r.NumTrials)
	for trial := 0; trial < r.NumTrials; trial++ {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		result, err := r.RunTrial(ctx, trial)
		if err != nil {
			return results, err
		}
		results = append(results, result)
		r.logger().Printf("[%s] trial %d: reward %.1f over %d steps (terminated=%v)",
			r.RunID, trial, result.Reward, result.Steps, result.Terminated)
		if r.OnTrial != nil {
			r.OnTrial(result)
		}
	}
	return results, nil
}

// RunTrial runs one episode: reset, refit the model, then act until the
// environment terminates or TrialLength steps have been taken.
func (r *Runner) RunTrial(ctx context.Context, trial int) (TrialResult, error) {
	if r.rng == nil {
		r.rng = rand.New(rand.NewSource(r.Seed))
	}
	result := TrialResult{Trial: trial}
	defer func() { r.setState(StateIdle, trial, result.Steps) }()

	r.setState(StateResetting, trial, 0)
	obs, err := r.Env.Reset()
	if err != nil {
		return result, fmt.Errorf("trial %d: reset: %w: %w", trial, ErrEnvironment, err)
	}
	r.Agent.Reset()

	for result.Steps < r.TrialLength {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		r.setState(StateStepping, trial, result.Steps)
		if result.Steps == 0 {
			r.setState(StateTrainingModel, trial, 0)
			if err := r.trainModel(ctx, trial); err != nil {
				return result, err
			}
			r.setState(StateStepping, trial, 0)
		}

		action, err := r.Agent.Act(ctx, obs)
		if err != nil {
			return result, fmt.Errorf("trial %d step %d: act: %w", trial, result.Steps, err)
		}
		next, reward, done, err := r.Env.Step(action)
		if err != nil {
			return result, fmt.Errorf("trial %d step %d: %w: %w", trial, result.Steps, ErrEnvironment, err)
		}
		r.Buffer.Add(buffer.Transition{
			Obs:     obs,
			Action:  action,
			Reward:  reward,
			NextObs: next,
			Done:    done,
		})

		obs = next
		result.Reward += reward
		result.Steps++
		if done {
			result.Terminated = true
			break
		}
	}

	r.setState(StateTrialComplete, trial, result.Steps)
	r.mu.Lock()
	r.rewards = append(r.rewards, result.Reward)
	r.mu.Unlock()
	return result, nil
}

// Explore collects steps transitions with agent, resetting the environment
// on termination or after TrialLength steps.
func (r *Runner) Explore(ctx context.Context, agent planning.Agent, steps int) error {
	var obs []float64
	episodeSteps := 0
	for collected := 0; collected < steps; collected++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if obs == nil {
			var err error
			if obs, err = r.Env.Reset(); err != nil {
				return fmt.Errorf("exploration: reset: %w: %w", ErrEnvironment, err)
			}
			agent.Reset()
			episodeSteps = 0
		}

		action, err := agent.Act(ctx, obs)
		if err != nil {
			return fmt.Errorf("exploration step %d: act: %w", collected, err)
		}
		next, reward, done, err := r.Env.Step(action)
		if err != nil {
			return fmt.Errorf("exploration step %d: %w: %w", collected, ErrEnvironment, err)
		}
		r.Buffer.Add(buffer.Transition{Obs: obs, Action: action, Reward: reward, NextObs: next, Done: done})

		obs = next
		episodeSteps++
		if done || (r.TrialLength > 0 && episodeSteps >= r.TrialLength) {
			obs = nil
		}
	}
	return nil
}

func (r *Runner) trainModel(ctx context.Context, trial int) error {
	all := r.Buffer.All()
	if len(all) == 0 {
		return fmt.Errorf("trial %d: train model: %w", trial, buffer.ErrBufferEmpty)
	}
	if err := r.Dynamics.UpdateNormalizer(all); err != nil {
		return fmt.Errorf("trial %d: update normalizer: %w", trial, err)
	}
	train, val, err := r.Buffer.SampleBatches(r.ModelBatchSize, r.ValidationRatio, true, r.rng)
	if err != nil {
		return fmt.Errorf("trial %d: sample batches: %w", trial, err)
	}
	fit, err := r.Dynamics.Fit(ctx, train, val, model.FitOptions{
		NumEpochs: r.NumEpochs,
		Patience:  r.Patience,
		Callback:  r.OnEpoch,
	})
	if err != nil {
		return fmt.Errorf("trial %d: fit model: %w", trial, err)
	}
	r.logger().Printf("[%s] trial %d: model fit on %d transitions, %d epochs, best val score %.6f",
		r.RunID, trial, len(all), fit.Epochs, fit.BestValScore)
	return nil
}

func (r *Runner) setState(state State, trial, step int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.state = state
	r.trial = trial
	r.step = step
}
