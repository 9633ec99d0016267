package control

// State is the phase of the control loop.
type State int

const (
	StateIdle State = iota
	StateResetting
	StateStepping
	StateTrainingModel
	StateTrialComplete
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResetting:
		return "resetting"
	case StateStepping:
		return "stepping"
	case StateTrainingModel:
		return "training_model"
	case StateTrialComplete:
		return "trial_complete"
	default:
		return "unknown"
	}
}

// Stats is a point-in-time view of a Runner.
type Stats struct {
	RunID    string    `json:"run_id"`
	State    string    `json:"state"`
	Trial    int       `json:"trial"`
	Step     int       `json:"step"`
	Stored   int       `json:"stored"`
	Capacity int       `json:"capacity"`
	Rewards  []float64 `json:"rewards"`
}

func (r *Runner) Stats() Stats {
	r.mu.Lock()
	stats := Stats{
		RunID:   r.RunID,
		State:   r.state.String(),
		Trial:   r.trial,
		Step:    r.step,
		Rewards: append([]float64(nil), r.rewards...),
	}
	r.mu.Unlock()

	if r.Buffer != nil {
		stats.Stored = r.Buffer.Size()
		stats.Capacity = r.Buffer.Capacity()
	}
	return stats
}

func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.state
}
