package buffer

import (
	"fmt"
	"math/rand"
)

// SampleBatches splits the stored transitions, without replacement, into a
// training and a validation iterator. val is nil when valRatio leaves no
// validation transitions. Only the training iterator reshuffles between epochs.
func (rb *ReplayBuffer) SampleBatches(batchSize int, valRatio float64, shuffle bool, rng *rand.Rand) (train, val *BatchIterator, err error) {
	if batchSize <= 0 {
		return nil, nil, fmt.Errorf("%w: batch size must be > 0, got %d", ErrInvalidArgument, batchSize)
	}
	if valRatio < 0 || valRatio >= 1 {
		return nil, nil, fmt.Errorf("%w: validation ratio must be in [0, 1), got %g", ErrInvalidArgument, valRatio)
	}

	data := rb.All()
	if len(data) == 0 {
		return nil, nil, ErrBufferEmpty
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}

	perm := rng.Perm(len(data))
	valSize := int(float64(len(data)) * valRatio)
	trainSize := len(data) - valSize

	trainData := make([]Transition, 0, trainSize)
	for _, idx := range perm[:trainSize] {
		trainData = append(trainData, data[idx])
	}
	train = newBatchIterator(trainData, batchSize, shuffle, rng)

	if valSize > 0 {
		valData := make([]Transition, 0, valSize)
		for _, idx := range perm[trainSize:] {
			valData = append(valData, data[idx])
		}
		val = newBatchIterator(valData, batchSize, false, nil)
	}
	return train, val, nil
}

// BatchIterator walks a fixed set of transitions in mini-batches. The final
// batch of an epoch may be short. Reset starts a new epoch.
type BatchIterator struct {
	data      []Transition
	order     []int
	batchSize int
	shuffle   bool
	rng       *rand.Rand
	pos       int
}

func newBatchIterator(data []Transition, batchSize int, shuffle bool, rng *rand.Rand) *BatchIterator {
	it := &BatchIterator{
		data:      data,
		order:     make([]int, len(data)),
		batchSize: batchSize,
		shuffle:   shuffle,
		rng:       rng,
	}
	for i := range it.order {
		it.order[i] = i
	}
	it.Reset()
	return it
}

// NewBatchIterator builds an unshuffled iterator over data.
func NewBatchIterator(data []Transition, batchSize int) *BatchIterator {
	if batchSize <= 0 {
		batchSize = 1
	}
	return newBatchIterator(data, batchSize, false, nil)
}

func (it *BatchIterator) Reset() {
	it.pos = 0
	if it.shuffle && it.rng != nil {
		it.rng.Shuffle(len(it.order), func(i, j int) {
			it.order[i], it.order[j] = it.order[j], it.order[i]
		})
	}
}

// Next returns the next mini-batch, or false once the epoch is exhausted.
func (it *BatchIterator) Next() ([]Transition, bool) {
	if it.pos >= len(it.order) {
		return nil, false
	}
	end := it.pos + it.batchSize
	if end > len(it.order) {
		end = len(it.order)
	}
	batch := make([]Transition, 0, end-it.pos)
	for _, idx := range it.order[it.pos:end] {
		batch = append(batch, it.data[idx])
	}
	it.pos = end
	return batch, true
}

func (it *BatchIterator) Len() int {
	return len(it.data)
}

func (it *BatchIterator) NumBatches() int {
	return (len(it.data) + it.batchSize - 1) / it.batchSize
}
