package main

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"pets-cartpole/internal/config"
	"pets-cartpole/internal/control"
)

func smallConfig() *config.Config {
	cfg := config.Default()
	cfg.Overrides.NumTrials = 1
	cfg.Overrides.TrialLength = 5
	cfg.Overrides.ExplorationSteps = 20
	cfg.Overrides.NumSteps = 100
	cfg.Overrides.NumEpochs = 2
	cfg.Agent.PlanningHorizon = 3
	cfg.Agent.NumParticles = 2
	cfg.Optimizer.PopulationSize = 10
	cfg.Optimizer.NumIterations = 2
	return cfg
}

func TestNewRunner(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(*config.Config) {}},
		{name: "zero population", mutate: func(c *config.Config) { c.Optimizer.PopulationSize = 0 }, wantErr: true},
		{name: "unknown propagation", mutate: func(c *config.Config) { c.Dynamics.PropagationMethod = "ts_inf" }, wantErr: true},
		{name: "two action dimensions", mutate: func(c *config.Config) {
			c.Agent.ActionLB = []float64{-1, -1}
			c.Agent.ActionUB = []float64{1, 1}
		}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := smallConfig()
			tt.mutate(cfg)

			built := 0
			runner, replay, err := newRunner(cfg, func(rng *rand.Rand) control.Environment {
				built++
				return newCartpole(rng)
			})
			if tt.wantErr {
				if !errors.Is(err, config.ErrInvalidConfig) {
					t.Fatalf("Expected ErrInvalidConfig, got %v", err)
				}
				if built != 0 {
					t.Errorf("Expected no environment for an invalid config, built %d", built)
				}
				return
			}
			if err != nil {
				t.Fatalf("newRunner failed: %v", err)
			}
			if built != 1 {
				t.Errorf("Expected one environment, built %d", built)
			}
			if replay.Capacity() != 100 || runner.Buffer != replay {
				t.Errorf("Expected the runner to own a 100 slot buffer")
			}
			if runner.RunID == "" {
				t.Error("Expected a run id")
			}
		})
	}
}

func TestNewRunnerRuns(t *testing.T) {
	runner, replay, err := newRunner(smallConfig(), newCartpole)
	if err != nil {
		t.Fatalf("newRunner failed: %v", err)
	}
	runner.OnTrial = nil
	results, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(results) != 1 || results[0].Steps == 0 {
		t.Fatalf("Unexpected results %+v", results)
	}
	if results[0].Reward != float64(results[0].Steps) {
		t.Errorf("Expected every real step to score 1, got %v over %d steps", results[0].Reward, results[0].Steps)
	}
	if replay.Size() != 20+results[0].Steps {
		t.Errorf("Expected %d stored transitions, got %d", 20+results[0].Steps, replay.Size())
	}
}
