// Package model holds the learned dynamics used for planning: an ensemble
// regressor fitted on replay buffer contents, and Env, which steps that
// regressor in place of the real environment.
package model

import (
	"context"

	"pets-cartpole/internal/buffer"
)

// AllMembers asks Predict for the mean prediction over the ensemble.
const AllMembers = -1

// Prediction is the model output for one (observation, action) pair. The
// Std fields are nil and zero for a deterministic model; otherwise each
// output is Gaussian with the given mean and standard deviation.
type Prediction struct {
	Delta  []float64 // next observation minus current observation
	Reward float64

	DeltaStd  []float64
	RewardStd float64
}

// EpochCallback is called after every training epoch, outside the model's
// lock, so it may call Predict.
type EpochCallback func(epoch int, trainLoss, valScore, bestValScore float64)

type FitOptions struct {
	NumEpochs int
	// Patience is the number of epochs without validation improvement
	// before training stops. Zero disables early stopping.
	Patience int
	Callback EpochCallback
}

type FitResult struct {
	Epochs       int
	TrainLosses  []float64
	ValScores    []float64
	BestValScore float64
}

// Dynamics is a trainable ensemble model of environment transitions.
// Predict must be safe for concurrent use once Fit has returned. Predict does
// not sample: callers draw from the returned distribution with their own rng.
type Dynamics interface {
	EnsembleSize() int
	Predict(obs, action []float64, member int) (Prediction, error)
	UpdateNormalizer(transitions []buffer.Transition) error
	Fit(ctx context.Context, train, val *buffer.BatchIterator, opts FitOptions) (FitResult, error)
}
