package planning

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync/atomic"
	"testing"

	"gonum.org/v1/gonum/floats"

	"pets-cartpole/internal/buffer"
	"pets-cartpole/internal/config"
	"pets-cartpole/internal/model"
)

func sumObjective(_ context.Context, population [][]float64) ([]float64, error) {
	scores := make([]float64, len(population))
	for i, c := range population {
		scores[i] = floats.Sum(c)
	}
	return scores, nil
}

func boundedConfig(dim int) CEMConfig {
	lower, upper := make([]float64, dim), make([]float64, dim)
	for i := range lower {
		lower[i], upper[i] = -1, 1
	}
	return CEMConfig{
		NumIterations:    20,
		EliteRatio:       0.1,
		PopulationSize:   100,
		Alpha:            0.1,
		LowerBound:       lower,
		UpperBound:       upper,
		ReturnMeanElites: true,
	}
}

func TestNewCEMOptimizer(t *testing.T) {
	t.Run("single elite rounds up", func(t *testing.T) {
		cfg := boundedConfig(2)
		cfg.PopulationSize = 5
		o, err := NewCEMOptimizer(cfg, nil)
		if err != nil {
			t.Fatalf("Expected valid config, got %v", err)
		}
		if o.NumElites() != 1 {
			t.Errorf("Expected 1 elite, got %d", o.NumElites())
		}
	})

	tests := []struct {
		name   string
		mutate func(*CEMConfig)
	}{
		{"zero elite ratio", func(c *CEMConfig) { c.EliteRatio = 0 }},
		{"elite ratio above one", func(c *CEMConfig) { c.EliteRatio = 1.2 }},
		{"alpha of one", func(c *CEMConfig) { c.Alpha = 1 }},
		{"no iterations", func(c *CEMConfig) { c.NumIterations = 0 }},
		{"mismatched bounds", func(c *CEMConfig) { c.UpperBound = c.UpperBound[:1] }},
		{"inverted bounds", func(c *CEMConfig) { c.LowerBound[0] = 2 }},
		{"bad initial variance", func(c *CEMConfig) { c.InitialVariance = []float64{1} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := boundedConfig(2)
			tt.mutate(&cfg)
			if _, err := NewCEMOptimizer(cfg, nil); !errors.Is(err, config.ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestCEMConvergesToBoundary(t *testing.T) {
	for _, returnMean := range []bool{true, false} {
		cfg := boundedConfig(3)
		cfg.ReturnMeanElites = returnMean
		o, err := NewCEMOptimizer(cfg, rand.New(rand.NewSource(4)))
		if err != nil {
			t.Fatalf("NewCEMOptimizer failed: %v", err)
		}
		solution, err := o.Optimize(context.Background(), sumObjective, make([]float64, 3))
		if err != nil {
			t.Fatalf("Optimize failed: %v", err)
		}
		for i, v := range solution {
			if v < 0.9 || v > 1 {
				t.Errorf("returnMean=%v: solution[%d] = %v, want close to upper bound 1", returnMean, i, v)
			}
		}
	}
}

func TestCEMSamplesStayInBounds(t *testing.T) {
	cfg := boundedConfig(4)
	cfg.ClippedNormal = true
	cfg.InitialVariance = []float64{100, 100, 100, 100}
	o, err := NewCEMOptimizer(cfg, rand.New(rand.NewSource(8)))
	if err != nil {
		t.Fatalf("NewCEMOptimizer failed: %v", err)
	}
	check := func(ctx context.Context, population [][]float64) ([]float64, error) {
		for _, c := range population {
			for _, v := range c {
				if v < -1 || v > 1 {
					t.Fatalf("Sample %v outside bounds", v)
				}
			}
		}
		return sumObjective(ctx, population)
	}
	if _, err := o.Optimize(context.Background(), check, []float64{0.9, -0.9, 0, 0}); err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
}

func TestCEMSampleAtBound(t *testing.T) {
	tests := []struct {
		name          string
		clippedNormal bool
		wantSpread    bool
	}{
		{name: "truncated normal is capped by the bound", clippedNormal: false, wantSpread: false},
		{name: "clipped normal keeps its variance", clippedNormal: true, wantSpread: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := boundedConfig(1)
			cfg.ClippedNormal = tt.clippedNormal
			o, err := NewCEMOptimizer(cfg, rand.New(rand.NewSource(4)))
			if err != nil {
				t.Fatalf("NewCEMOptimizer failed: %v", err)
			}
			population := make([][]float64, 50)
			for i := range population {
				population[i] = make([]float64, 1)
			}
			o.sample(population, []float64{1}, []float64{0.25})

			below := 0
			for _, c := range population {
				if c[0] > 1 || c[0] < -1 {
					t.Fatalf("Sample %v outside bounds", c[0])
				}
				if c[0] < 1 {
					below++
				}
			}
			if spread := below > 0; spread != tt.wantSpread {
				t.Errorf("Expected spread=%v, %d of %d samples below the bound", tt.wantSpread, below, len(population))
			}
		})
	}
}

func TestCEMErrors(t *testing.T) {
	o, err := NewCEMOptimizer(boundedConfig(2), rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewCEMOptimizer failed: %v", err)
	}

	t.Run("all scores non-finite", func(t *testing.T) {
		nan := func(_ context.Context, population [][]float64) ([]float64, error) {
			scores := make([]float64, len(population))
			for i := range scores {
				scores[i] = math.NaN()
			}
			return scores, nil
		}
		if _, err := o.Optimize(context.Background(), nan, make([]float64, 2)); !errors.Is(err, ErrOptimizerDiverged) {
			t.Errorf("Expected ErrOptimizerDiverged, got %v", err)
		}
	})

	t.Run("objective error", func(t *testing.T) {
		boom := errors.New("boom")
		failing := func(context.Context, [][]float64) ([]float64, error) { return nil, boom }
		if _, err := o.Optimize(context.Background(), failing, make([]float64, 2)); !errors.Is(err, boom) {
			t.Errorf("Expected objective error, got %v", err)
		}
	})

	t.Run("wrong initial length", func(t *testing.T) {
		if _, err := o.Optimize(context.Background(), sumObjective, make([]float64, 3)); err == nil {
			t.Error("Expected error for wrong x0 length")
		}
	})
}

func TestRankDescendingTies(t *testing.T) {
	got := rankDescending([]float64{1, 3, 3, 2, math.Inf(-1)})
	want := []int{1, 2, 3, 0, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("rankDescending = %v, want %v", got, want)
		}
	}
}

func TestTrajectoryOptimizerWarmStart(t *testing.T) {
	cfg := boundedConfig(1)
	cfg.PopulationSize = 500
	opt, err := NewTrajectoryOptimizer(cfg, []float64{-1}, []float64{1}, 3, 1, rand.New(rand.NewSource(2)))
	if err != nil {
		t.Fatalf("NewTrajectoryOptimizer failed: %v", err)
	}
	if ws := opt.WarmStart(); len(ws) != 3 || floats.Sum(ws) != 0 {
		t.Fatalf("Expected midpoint warm start, got %v", ws)
	}

	first, err := opt.Optimize(context.Background(), sumObjective)
	if err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	ws := opt.WarmStart()
	want := []float64{first[1], first[2], 0}
	for i := range want {
		if ws[i] != want[i] {
			t.Fatalf("WarmStart = %v, want shifted %v", ws, want)
		}
	}

	var firstPopulation [][]float64
	record := func(ctx context.Context, population [][]float64) ([]float64, error) {
		if firstPopulation == nil {
			for _, c := range population {
				firstPopulation = append(firstPopulation, append([]float64(nil), c...))
			}
		}
		return sumObjective(ctx, population)
	}
	if _, err := opt.Optimize(context.Background(), record); err != nil {
		t.Fatalf("Optimize failed: %v", err)
	}
	for j := 0; j < 3; j++ {
		var mean float64
		for _, c := range firstPopulation {
			mean += c[j]
		}
		mean /= float64(len(firstPopulation))
		if math.Abs(mean-want[j]) > 0.1 {
			t.Errorf("Second call sampled element %d around %v, want warm start %v", j, mean, want[j])
		}
	}

	opt.Reset()
	if ws := opt.WarmStart(); floats.Sum(ws) != 0 {
		t.Errorf("Expected Reset to restore the midpoint, got %v", ws)
	}
}

func TestRandomAgent(t *testing.T) {
	a, err := NewRandomAgent([]float64{-1, 0}, []float64{1, 5}, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewRandomAgent failed: %v", err)
	}
	for i := 0; i < 100; i++ {
		action, err := a.Act(context.Background(), nil)
		if err != nil {
			t.Fatalf("Act failed: %v", err)
		}
		if action[0] < -1 || action[0] > 1 || action[1] < 0 || action[1] > 5 {
			t.Fatalf("Action %v outside bounds", action)
		}
	}
	if _, err := NewRandomAgent([]float64{-1}, nil, nil); err == nil {
		t.Error("Expected error for mismatched bounds")
	}
}

// driftDynamics moves a 1-d state by the action and counts predictions.
type driftDynamics struct {
	calls atomic.Int64
	err   error
}

func (d *driftDynamics) EnsembleSize() int { return 2 }

func (d *driftDynamics) Predict(obs, action []float64, member int) (model.Prediction, error) {
	d.calls.Add(1)
	if d.err != nil {
		return model.Prediction{}, d.err
	}
	return model.Prediction{Delta: []float64{action[0]}}, nil
}

func (d *driftDynamics) UpdateNormalizer([]buffer.Transition) error { return nil }

func (d *driftDynamics) Fit(context.Context, *buffer.BatchIterator, *buffer.BatchIterator, model.FitOptions) (model.FitResult, error) {
	return model.FitResult{}, nil
}

func positionReward(_ []float64, next []float64) float64 { return next[0] }

func newTestAgent(t *testing.T, dyn model.Dynamics, replanFreq int) *TrajectoryOptimizerAgent {
	t.Helper()
	cfg := config.Default()
	cfg.Resolve([]float64{-1}, []float64{1})
	cfg.Agent.PlanningHorizon = 5
	cfg.Agent.ReplanFreq = replanFreq
	cfg.Agent.NumParticles = 2
	cfg.Agent.Workers = 4
	cfg.Optimizer.PopulationSize = 50
	cfg.Optimizer.NumIterations = 5

	env, err := model.NewEnv(dyn, nil, positionReward)
	if err != nil {
		t.Fatalf("NewEnv failed: %v", err)
	}
	agent, err := NewAgentFromConfig(cfg, env, rand.New(rand.NewSource(6)))
	if err != nil {
		t.Fatalf("NewAgentFromConfig failed: %v", err)
	}
	return agent
}

func TestTrajectoryOptimizerAgent(t *testing.T) {
	t.Run("plans toward higher reward", func(t *testing.T) {
		agent := newTestAgent(t, &driftDynamics{}, 1)
		plan, err := agent.Plan(context.Background(), []float64{0})
		if err != nil {
			t.Fatalf("Plan failed: %v", err)
		}
		if len(plan) != 5 {
			t.Fatalf("Expected 5 planned actions, got %d", len(plan))
		}
		if plan[0][0] < 0.5 {
			t.Errorf("Expected first action to push right, got %v", plan[0][0])
		}
	})

	t.Run("reuses plan for replan frequency", func(t *testing.T) {
		dyn := &driftDynamics{}
		agent := newTestAgent(t, dyn, 2)
		ctx := context.Background()

		if _, err := agent.Act(ctx, []float64{0}); err != nil {
			t.Fatalf("Act failed: %v", err)
		}
		afterFirst := dyn.calls.Load()
		if afterFirst == 0 {
			t.Fatal("Expected the first Act to plan")
		}
		if _, err := agent.Act(ctx, []float64{0}); err != nil {
			t.Fatalf("Act failed: %v", err)
		}
		if dyn.calls.Load() != afterFirst {
			t.Error("Expected the second Act to reuse the plan")
		}
		if _, err := agent.Act(ctx, []float64{0}); err != nil {
			t.Fatalf("Act failed: %v", err)
		}
		if dyn.calls.Load() == afterFirst {
			t.Error("Expected the third Act to replan")
		}

		agent.Reset()
		if len(agent.queue) != 0 {
			t.Error("Expected Reset to clear queued actions")
		}
	})

	t.Run("model errors propagate", func(t *testing.T) {
		boom := errors.New("boom")
		agent := newTestAgent(t, &driftDynamics{err: boom}, 1)
		if _, err := agent.Act(context.Background(), []float64{0}); !errors.Is(err, boom) {
			t.Errorf("Expected model error, got %v", err)
		}
	})

	t.Run("invalid config", func(t *testing.T) {
		env, _ := model.NewEnv(&driftDynamics{}, nil, positionReward)
		if _, err := NewAgentFromConfig(config.Default(), env, nil); !errors.Is(err, config.ErrInvalidConfig) {
			t.Errorf("Expected ErrInvalidConfig for unresolved bounds, got %v", err)
		}
	})
}
