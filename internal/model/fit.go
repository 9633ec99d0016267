package model

import (
	"context"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"pets-cartpole/internal/buffer"
)

// minRelativeImprovement is the validation score drop, relative to the best
// so far, that resets the patience counter.
const minRelativeImprovement = 0.01

// Fit trains every member on train for up to opts.NumEpochs epochs and keeps
// the weights with the best validation score. With a nil val the training
// set is used for scoring. Predict calls block while an epoch trains; the
// callback runs between epochs with the lock released.
func (le *LinearEnsemble) Fit(ctx context.Context, train, val *buffer.BatchIterator, opts FitOptions) (FitResult, error) {
	if train == nil || train.Len() == 0 {
		return FitResult{}, fmt.Errorf("fit: %w", buffer.ErrBufferEmpty)
	}
	if opts.NumEpochs <= 0 {
		return FitResult{}, fmt.Errorf("fit: num epochs must be > 0, got %d", opts.NumEpochs)
	}
	scoreSet := val
	if scoreSet == nil || scoreSet.Len() == 0 {
		scoreSet = train
	}

	le.mu.Lock()
	defer le.mu.Unlock()

	best, err := le.validationScore(scoreSet)
	if err != nil {
		return FitResult{}, err
	}
	bestWeights := le.snapshot()
	result := FitResult{BestValScore: best}

	epochsSinceUpdate := 0
	for epoch := 0; epoch < opts.NumEpochs; epoch++ {
		if err := ctx.Err(); err != nil {
			le.restore(bestWeights)
			return result, err
		}

		trainLoss, err := le.trainEpoch(train)
		if err != nil {
			le.restore(bestWeights)
			return result, err
		}
		valScore, err := le.validationScore(scoreSet)
		if err != nil {
			le.restore(bestWeights)
			return result, err
		}

		if improved(best, valScore) {
			best = valScore
			bestWeights = le.snapshot()
			epochsSinceUpdate = 0
		} else {
			epochsSinceUpdate++
		}

		result.Epochs++
		result.TrainLosses = append(result.TrainLosses, trainLoss)
		result.ValScores = append(result.ValScores, valScore)
		result.BestValScore = best
		if opts.Callback != nil {
			le.unlocked(func() { opts.Callback(epoch, trainLoss, valScore, best) })
		}

		if opts.Patience > 0 && epochsSinceUpdate >= opts.Patience {
			break
		}
	}

	le.restore(bestWeights)
	return result, nil
}

// unlocked runs fn with le.mu released. The caller holds the write lock.
func (le *LinearEnsemble) unlocked(fn func()) {
	le.mu.Unlock()
	defer le.mu.Lock()
	fn()
}

func (le *LinearEnsemble) trainEpoch(train *buffer.BatchIterator) (float64, error) {
	var losses []float64
	train.Reset()
	for batch, ok := train.Next(); ok; batch, ok = train.Next() {
		loss, err := le.trainBatch(batch)
		if err != nil {
			return 0, err
		}
		losses = append(losses, loss)
	}
	return stat.Mean(losses, nil), nil
}

// validationScore is the mean of the per-member MSE.
func (le *LinearEnsemble) validationScore(it *buffer.BatchIterator) (float64, error) {
	scores, err := le.memberScores(it)
	if err != nil {
		return 0, err
	}
	return stat.Mean(scores, nil), nil
}

func improved(best, current float64) bool {
	if math.IsNaN(current) {
		return false
	}
	if math.IsInf(best, 1) || math.IsNaN(best) {
		return true
	}
	if best == 0 {
		return false
	}
	return (best-current)/math.Abs(best) > minRelativeImprovement
}
