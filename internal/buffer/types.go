package buffer

// Transition is one real environment step. It is not modified after Add.
type Transition struct {
	Obs     []float64 `json:"obs"`
	Action  []float64 `json:"action"`
	Reward  float64   `json:"reward"`
	NextObs []float64 `json:"next_obs"`
	Done    bool      `json:"done"`
}

type TransitionsResponse struct {
	Stored      int          `json:"stored"`
	Capacity    int          `json:"capacity"`
	Transitions []Transition `json:"transitions"`
}
