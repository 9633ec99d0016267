package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads the first .env file found among paths. Missing files are
// not an error; it returns the path that was loaded, or "".
func LoadDotEnv(paths ...string) string {
	for _, envFile := range paths {
		if err := godotenv.Load(envFile); err == nil {
			return envFile
		}
	}
	return ""
}

// FromEnv returns Default overridden by any PETS_* variables that are set.
func FromEnv() *Config {
	c := Default()

	c.Seed = getenvInt64("PETS_SEED", c.Seed)
	c.StatsAddr = getenv("PETS_STATS_ADDR", c.StatsAddr)

	c.Dynamics.EnsembleSize = getenvInt("PETS_ENSEMBLE_SIZE", c.Dynamics.EnsembleSize)
	c.Dynamics.PropagationMethod = getenv("PETS_PROPAGATION_METHOD", c.Dynamics.PropagationMethod)
	c.Dynamics.LearningRate = getenvFloat("PETS_LEARNING_RATE", c.Dynamics.LearningRate)
	c.Dynamics.WeightDecay = getenvFloat("PETS_WEIGHT_DECAY", c.Dynamics.WeightDecay)
	c.Dynamics.Deterministic = getenvBool("PETS_DETERMINISTIC", c.Dynamics.Deterministic)

	c.Algorithm.LearnedRewards = getenvBool("PETS_LEARNED_REWARDS", c.Algorithm.LearnedRewards)
	c.Algorithm.TargetIsDelta = getenvBool("PETS_TARGET_IS_DELTA", c.Algorithm.TargetIsDelta)
	c.Algorithm.Normalize = getenvBool("PETS_NORMALIZE", c.Algorithm.Normalize)

	c.Overrides.TrialLength = getenvInt("PETS_TRIAL_LENGTH", c.Overrides.TrialLength)
	c.Overrides.NumTrials = getenvInt("PETS_NUM_TRIALS", c.Overrides.NumTrials)
	c.Overrides.NumSteps = getenvInt("PETS_NUM_STEPS", c.Overrides.NumSteps)
	c.Overrides.ExplorationSteps = getenvInt("PETS_EXPLORATION_STEPS", c.Overrides.ExplorationSteps)
	c.Overrides.ModelBatchSize = getenvInt("PETS_MODEL_BATCH_SIZE", c.Overrides.ModelBatchSize)
	c.Overrides.ValidationRatio = getenvFloat("PETS_VALIDATION_RATIO", c.Overrides.ValidationRatio)
	c.Overrides.NumEpochs = getenvInt("PETS_NUM_EPOCHS", c.Overrides.NumEpochs)
	c.Overrides.Patience = getenvInt("PETS_PATIENCE", c.Overrides.Patience)

	c.Agent.PlanningHorizon = getenvInt("PETS_PLANNING_HORIZON", c.Agent.PlanningHorizon)
	c.Agent.ReplanFreq = getenvInt("PETS_REPLAN_FREQ", c.Agent.ReplanFreq)
	c.Agent.NumParticles = getenvInt("PETS_NUM_PARTICLES", c.Agent.NumParticles)
	c.Agent.Workers = getenvInt("PETS_WORKERS", c.Agent.Workers)
	c.Agent.ActionLB = getenvFloats("PETS_ACTION_LB", c.Agent.ActionLB)
	c.Agent.ActionUB = getenvFloats("PETS_ACTION_UB", c.Agent.ActionUB)

	c.Optimizer.NumIterations = getenvInt("PETS_NUM_ITERATIONS", c.Optimizer.NumIterations)
	c.Optimizer.EliteRatio = getenvFloat("PETS_ELITE_RATIO", c.Optimizer.EliteRatio)
	c.Optimizer.PopulationSize = getenvInt("PETS_POPULATION_SIZE", c.Optimizer.PopulationSize)
	c.Optimizer.Alpha = getenvFloat("PETS_ALPHA", c.Optimizer.Alpha)
	c.Optimizer.ReturnMeanElites = getenvBool("PETS_RETURN_MEAN_ELITES", c.Optimizer.ReturnMeanElites)
	c.Optimizer.ClippedNormal = getenvBool("PETS_CLIPPED_NORMAL", c.Optimizer.ClippedNormal)

	return c
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvInt64(key string, fallback int64) int64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// getenvFloats parses a comma separated list such as "-1,-1".
func getenvFloats(key string, fallback []float64) []float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	values := make([]float64, 0, len(parts))
	for _, part := range parts {
		parsed, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return fallback
		}
		values = append(values, parsed)
	}
	return values
}
