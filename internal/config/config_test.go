package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func resolvedDefault() *Config {
	c := Default()
	c.Resolve([]float64{-1}, []float64{1})
	return c
}

func TestDefault(t *testing.T) {
	c := Default()

	if c.Overrides.TrialLength != 200 {
		t.Errorf("Expected trial length 200, got %d", c.Overrides.TrialLength)
	}
	if c.Overrides.NumSteps != 2000 {
		t.Errorf("Expected buffer capacity 2000, got %d", c.Overrides.NumSteps)
	}
	if c.Optimizer.PopulationSize != 500 || c.Optimizer.EliteRatio != 0.1 {
		t.Errorf("Unexpected optimizer defaults: %+v", c.Optimizer)
	}
	if c.NumElites() != 50 {
		t.Errorf("Expected 50 elites, got %d", c.NumElites())
	}
	if c.Agent.NumParticles != 20 || c.Agent.PlanningHorizon != 15 {
		t.Errorf("Unexpected agent defaults: %+v", c.Agent)
	}
	if c.Dynamics.PropagationMethod != PropagationFixedModel {
		t.Errorf("Expected fixed_model propagation, got %s", c.Dynamics.PropagationMethod)
	}
	if c.Dynamics.Deterministic {
		t.Error("Expected a probabilistic dynamics model by default")
	}
}

func TestValidate(t *testing.T) {
	t.Run("unset action bounds", func(t *testing.T) {
		err := Default().Validate()
		if !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("Expected ErrInvalidConfig for unset bounds, got %v", err)
		}
	})

	t.Run("resolved default is valid", func(t *testing.T) {
		if err := resolvedDefault().Validate(); err != nil {
			t.Fatalf("Expected valid config, got %v", err)
		}
	})

	t.Run("resolve keeps explicit bounds", func(t *testing.T) {
		c := Default()
		c.Agent.ActionLB = []float64{-0.5}
		c.Agent.ActionUB = []float64{0.5}
		c.Resolve([]float64{-1}, []float64{1})
		if c.Agent.ActionLB[0] != -0.5 || c.Agent.ActionUB[0] != 0.5 {
			t.Errorf("Resolve overwrote explicit bounds: %v %v", c.Agent.ActionLB, c.Agent.ActionUB)
		}
	})

	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero elites", func(c *Config) { c.Optimizer.EliteRatio = 0 }},
		{"too many elites", func(c *Config) { c.Optimizer.EliteRatio = 1.5 }},
		{"alpha out of range", func(c *Config) { c.Optimizer.Alpha = 1 }},
		{"unknown propagation", func(c *Config) { c.Dynamics.PropagationMethod = "bogus" }},
		{"replan longer than horizon", func(c *Config) { c.Agent.ReplanFreq = 16 }},
		{"validation ratio of one", func(c *Config) { c.Overrides.ValidationRatio = 1 }},
		{"inverted bounds", func(c *Config) { c.Agent.ActionLB = []float64{2} }},
		{"mismatched bounds", func(c *Config) { c.Agent.ActionUB = []float64{1, 1} }},
		{"no particles", func(c *Config) { c.Agent.NumParticles = 0 }},
		{"no trials", func(c *Config) { c.Overrides.NumTrials = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := resolvedDefault()
			tt.mutate(c)
			if err := c.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Setenv("PETS_NUM_TRIALS", "3")
	t.Setenv("PETS_POPULATION_SIZE", "64")
	t.Setenv("PETS_ALPHA", "0.25")
	t.Setenv("PETS_RETURN_MEAN_ELITES", "false")
	t.Setenv("PETS_ACTION_LB", "-2, -3")
	t.Setenv("PETS_PLANNING_HORIZON", "not-a-number")
	t.Setenv("PETS_DETERMINISTIC", "true")

	c := FromEnv()
	if c.Overrides.NumTrials != 3 {
		t.Errorf("Expected 3 trials, got %d", c.Overrides.NumTrials)
	}
	if c.Optimizer.PopulationSize != 64 {
		t.Errorf("Expected population 64, got %d", c.Optimizer.PopulationSize)
	}
	if c.Optimizer.Alpha != 0.25 {
		t.Errorf("Expected alpha 0.25, got %g", c.Optimizer.Alpha)
	}
	if c.Optimizer.ReturnMeanElites {
		t.Error("Expected return_mean_elites to be overridden to false")
	}
	if len(c.Agent.ActionLB) != 2 || c.Agent.ActionLB[1] != -3 {
		t.Errorf("Unexpected action lower bound: %v", c.Agent.ActionLB)
	}
	if c.Agent.PlanningHorizon != 15 {
		t.Errorf("Expected unparsable horizon to fall back to 15, got %d", c.Agent.PlanningHorizon)
	}
	if !c.Dynamics.Deterministic {
		t.Error("Expected deterministic to be overridden to true")
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("PETS_TEST_DOTENV_KEY=42\n"), 0o600); err != nil {
		t.Fatalf("Failed to write .env: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("PETS_TEST_DOTENV_KEY") })

	loaded := LoadDotEnv(filepath.Join(dir, "missing.env"), path)
	if loaded != path {
		t.Fatalf("Expected %s to be loaded, got %q", path, loaded)
	}
	if got := getenvInt("PETS_TEST_DOTENV_KEY", 0); got != 42 {
		t.Errorf("Expected 42 from .env, got %d", got)
	}
}
