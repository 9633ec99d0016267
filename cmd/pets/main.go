package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/google/uuid"
	"github.com/logrusorgru/aurora"
	"github.com/spf13/cobra"

	"pets-cartpole/internal/buffer"
	"pets-cartpole/internal/cartpole"
	"pets-cartpole/internal/config"
	"pets-cartpole/internal/control"
	"pets-cartpole/internal/model"
	"pets-cartpole/internal/monitor"
	"pets-cartpole/internal/planning"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pets",
		Short: "pets runs model-based control of cartpole with a learned dynamics ensemble and CEM planning.",
	}

	cfg := config.FromEnv()
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Explore, then alternate model fitting and planned trials",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	flags := runCmd.Flags()
	flags.Int64Var(&cfg.Seed, "seed", cfg.Seed, "random seed")
	flags.IntVar(&cfg.Overrides.NumTrials, "trials", cfg.Overrides.NumTrials, "number of trials")
	flags.IntVar(&cfg.Overrides.TrialLength, "trial-length", cfg.Overrides.TrialLength, "maximum steps per trial")
	flags.IntVar(&cfg.Overrides.NumSteps, "buffer-capacity", cfg.Overrides.NumSteps, "replay buffer capacity")
	flags.IntVar(&cfg.Optimizer.PopulationSize, "population", cfg.Optimizer.PopulationSize, "CEM population size")
	flags.IntVar(&cfg.Agent.NumParticles, "particles", cfg.Agent.NumParticles, "particles per candidate")
	flags.IntVar(&cfg.Agent.PlanningHorizon, "horizon", cfg.Agent.PlanningHorizon, "planning horizon")
	flags.IntVar(&cfg.Dynamics.EnsembleSize, "ensemble-size", cfg.Dynamics.EnsembleSize, "dynamics ensemble size")
	flags.BoolVar(&cfg.Dynamics.Deterministic, "deterministic", cfg.Dynamics.Deterministic, "predict means only, without a variance head")
	flags.StringVar(&cfg.Dynamics.PropagationMethod, "propagation", cfg.Dynamics.PropagationMethod, "fixed_model, random_model or expectation")
	flags.StringVar(&cfg.StatsAddr, "stats-addr", cfg.StatsAddr, "serve run stats on this address, e.g. :9001")

	rootCmd.AddCommand(runCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	if loaded := config.LoadDotEnv(".env", "../../.env"); loaded != "" {
		log.Printf("loaded %s", loaded)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
			cancel()
		case <-ctx.Done():
		}
	}()

	runner, replay, err := newRunner(cfg, newCartpole)
	if err != nil {
		return err
	}

	if cfg.StatsAddr != "" {
		server := monitor.NewServer(cfg.StatsAddr, runner, cfg, replay)
		go func() {
			log.Printf("[%s] stats listening on %s", runner.RunID, cfg.StatsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("[%s] stats server: %v", runner.RunID, err)
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	log.Printf("[%s] starting %d trials of up to %d steps (population=%d particles=%d horizon=%d ensemble=%d)",
		runner.RunID, cfg.Overrides.NumTrials, cfg.Overrides.TrialLength, cfg.Optimizer.PopulationSize,
		cfg.Agent.NumParticles, cfg.Agent.PlanningHorizon, cfg.Dynamics.EnsembleSize)
	results, err := runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("run %s: %w", runner.RunID, err)
	}

	var best float64
	for _, r := range results {
		best = max(best, r.Reward)
	}
	fmt.Printf("%s best trial reward %.1f, %d transitions stored\n",
		aurora.Bold("done:"), best, replay.Size())
	return nil
}

func newCartpole(rng *rand.Rand) control.Environment {
	return cartpole.NewEnv(rng)
}

// newRunner validates cfg against the cartpole action space, then builds the
// environment, model, agents and buffer. newEnv is not called for an
// invalid cfg.
func newRunner(cfg *config.Config, newEnv func(*rand.Rand) control.Environment) (*control.Runner, *buffer.ReplayBuffer, error) {
	lower, upper := cartpole.ActionBounds()
	cfg.Resolve(lower, upper)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if len(cfg.Agent.ActionLB) != len(lower) {
		return nil, nil, fmt.Errorf("%w: cartpole takes %d action dimensions, bounds have %d",
			config.ErrInvalidConfig, len(lower), len(cfg.Agent.ActionLB))
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	dynamics, err := model.NewLinearEnsemble(cartpole.ObservationSize(), len(lower), cfg.Dynamics.EnsembleSize,
		model.WithLearningRate(cfg.Dynamics.LearningRate),
		model.WithWeightDecay(cfg.Dynamics.WeightDecay),
		model.WithNormalize(cfg.Algorithm.Normalize),
		model.WithTargetIsDelta(cfg.Algorithm.TargetIsDelta),
		model.WithDeterministic(cfg.Dynamics.Deterministic),
		model.WithModelRand(rand.New(rand.NewSource(rng.Int63()))),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create dynamics model: %w", err)
	}

	var rewardFn model.RewardFunc = cartpole.Reward
	if cfg.Algorithm.LearnedRewards {
		rewardFn = nil
	}
	modelEnv, err := model.NewEnv(dynamics, cartpole.Terminated, rewardFn,
		model.WithPropagation(cfg.Dynamics.PropagationMethod),
		model.WithEnvRand(rand.New(rand.NewSource(rng.Int63()))),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create model env: %w", err)
	}

	agent, err := planning.NewAgentFromConfig(cfg, modelEnv, rng)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create agent: %w", err)
	}
	explorer, err := planning.NewRandomAgent(cfg.Agent.ActionLB, cfg.Agent.ActionUB, rand.New(rand.NewSource(rng.Int63())))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create explorer: %w", err)
	}
	replay, err := buffer.NewReplayBuffer(cfg.Overrides.NumSteps)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create replay buffer: %w", err)
	}

	runner := &control.Runner{
		RunID:            uuid.NewString(),
		Env:              newEnv(rand.New(rand.NewSource(rng.Int63()))),
		Agent:            agent,
		Dynamics:         dynamics,
		Buffer:           replay,
		Explorer:         explorer,
		ExplorationSteps: cfg.Overrides.ExplorationSteps,
		NumTrials:        cfg.Overrides.NumTrials,
		TrialLength:      cfg.Overrides.TrialLength,
		ModelBatchSize:   cfg.Overrides.ModelBatchSize,
		ValidationRatio:  cfg.Overrides.ValidationRatio,
		NumEpochs:        cfg.Overrides.NumEpochs,
		Patience:         cfg.Overrides.Patience,
		Seed:             rng.Int63(),
		OnTrial:          printTrial(cfg.Overrides.TrialLength),
	}
	return runner, replay, nil
}

// printTrial colors a trial green when it ran the full length.
func printTrial(trialLength int) func(control.TrialResult) {
	return func(r control.TrialResult) {
		summary := fmt.Sprintf("trial %2d  reward %6.1f  steps %4d", r.Trial, r.Reward, r.Steps)
		if r.Steps >= trialLength {
			fmt.Println(aurora.Green(summary))
			return
		}
		fmt.Println(aurora.Yellow(summary))
	}
}
