package buffer

import (
	"errors"
	"sync"
)

// ReplayBuffer is a fixed-capacity ring of transitions. Once full, each Add
// overwrites the oldest entry.
type ReplayBuffer struct {
	mu       sync.Mutex
	items    []Transition
	capacity int
	next     int // slot the next Add writes to
	count    int
}

var (
	ErrBufferEmpty     = errors.New("buffer is empty")
	ErrInvalidArgument = errors.New("invalid argument")
)

func NewReplayBuffer(capacity int) (*ReplayBuffer, error) {
	if capacity <= 0 {
		return nil, errors.New("capacity must be greater than zero")
	}
	return &ReplayBuffer{
		items:    make([]Transition, capacity),
		capacity: capacity,
	}, nil
}

func (rb *ReplayBuffer) Add(t Transition) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.items[rb.next] = t
	rb.next = (rb.next + 1) % rb.capacity
	if rb.count < rb.capacity {
		rb.count++
	}
}

// All returns the stored transitions, oldest first.
func (rb *ReplayBuffer) All() []Transition {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.latestLocked(rb.count)
}

// Latest returns up to n of the most recent transitions, oldest first.
func (rb *ReplayBuffer) Latest(n int) []Transition {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if n > rb.count {
		n = rb.count
	}
	if n < 0 {
		n = 0
	}
	return rb.latestLocked(n)
}

func (rb *ReplayBuffer) latestLocked(n int) []Transition {
	out := make([]Transition, n)
	start := rb.next - n
	if start < 0 {
		start += rb.capacity
	}
	for i := 0; i < n; i++ {
		out[i] = rb.items[(start+i)%rb.capacity]
	}
	return out
}

func (rb *ReplayBuffer) Capacity() int {
	return rb.capacity
}

func (rb *ReplayBuffer) Size() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.count
}
