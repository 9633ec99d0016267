package planning

import (
	"context"
	"fmt"
	"math/rand"
)

// TrajectoryOptimizer plans horizon-long action sequences with CEM and warm
// starts each call from the previous plan shifted by replanFreq steps.
type TrajectoryOptimizer struct {
	cem        *CEMOptimizer
	horizon    int
	actionSize int
	replanFreq int

	initial  []float64
	previous []float64
}

func NewTrajectoryOptimizer(cfg CEMConfig, actionLB, actionUB []float64, horizon, replanFreq int, rng *rand.Rand) (*TrajectoryOptimizer, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("planning horizon must be > 0, got %d", horizon)
	}
	if replanFreq <= 0 || replanFreq > horizon {
		return nil, fmt.Errorf("replan frequency must be in [1, %d], got %d", horizon, replanFreq)
	}
	if len(actionLB) == 0 || len(actionLB) != len(actionUB) {
		return nil, fmt.Errorf("action bounds have lengths %d and %d", len(actionLB), len(actionUB))
	}

	cfg.LowerBound = tile(actionLB, horizon)
	cfg.UpperBound = tile(actionUB, horizon)
	cem, err := NewCEMOptimizer(cfg, rng)
	if err != nil {
		return nil, err
	}

	initial := tile(midpoint(actionLB, actionUB), horizon)
	return &TrajectoryOptimizer{
		cem:        cem,
		horizon:    horizon,
		actionSize: len(actionLB),
		replanFreq: replanFreq,
		initial:    initial,
		previous:   append([]float64(nil), initial...),
	}, nil
}

func (t *TrajectoryOptimizer) Horizon() int    { return t.horizon }
func (t *TrajectoryOptimizer) ActionSize() int { return t.actionSize }

// Optimize returns a flat sequence of horizon*actionSize values.
func (t *TrajectoryOptimizer) Optimize(ctx context.Context, objective ObjectiveFunc) ([]float64, error) {
	best, err := t.cem.Optimize(ctx, objective, t.previous)
	if err != nil {
		return nil, err
	}
	shift := t.replanFreq * t.actionSize
	next := make([]float64, 0, len(best))
	next = append(next, best[shift:]...)
	next = append(next, t.initial[len(t.initial)-shift:]...)
	t.previous = next
	return best, nil
}

// WarmStart is the mean the next Optimize call will start from.
func (t *TrajectoryOptimizer) WarmStart() []float64 {
	return append([]float64(nil), t.previous...)
}

// Reset drops the warm start.
func (t *TrajectoryOptimizer) Reset() {
	t.previous = append(t.previous[:0], t.initial...)
}
