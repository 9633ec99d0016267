package cartpole

import (
	"fmt"
	"math"
	"math/rand"
)

const (
	gravity        = 9.8
	massCart       = 1.0
	massPole       = 0.1
	length         = 0.5
	totalMass      = massCart + massPole
	poleMassLength = massPole * length
	forceMag       = 10.0
	tau            = 0.02

	xThreshold     = 2.4
	thetaThreshold = 12.0 * math.Pi / 180.0

	obsSize    = 4
	actionSize = 1
)

type State struct {
	X        float64 `json:"x"`
	XDot     float64 `json:"x_dot"`
	Theta    float64 `json:"theta"`
	ThetaDot float64 `json:"theta_dot"`
}

func (s State) Vector() []float64 {
	return []float64{s.X, s.XDot, s.Theta, s.ThetaDot}
}

// Env is cartpole with a single continuous action in [-1, 1] that scales the
// push force. It has no step limit of its own.
type Env struct {
	State State
	Steps int
	Rand  *rand.Rand
}

func NewEnv(rng *rand.Rand) *Env {
	if rng == nil {
		rng = rand.New(rand.NewSource(rand.Int63()))
	}
	env := &Env{Rand: rng}
	env.Reset()
	return env
}

func (e *Env) Reset() ([]float64, error) {
	e.State = State{
		X:        e.Rand.Float64()*0.1 - 0.05,
		XDot:     e.Rand.Float64()*0.1 - 0.05,
		Theta:    e.Rand.Float64()*0.1 - 0.05,
		ThetaDot: e.Rand.Float64()*0.1 - 0.05,
	}
	e.Steps = 0
	return e.State.Vector(), nil
}

func (e *Env) Step(action []float64) ([]float64, float64, bool, error) {
	if len(action) != actionSize {
		return nil, 0, false, fmt.Errorf("cartpole: action has %d dimensions, want %d", len(action), actionSize)
	}
	a := action[0]
	if math.IsNaN(a) || math.IsInf(a, 0) {
		return nil, 0, false, fmt.Errorf("cartpole: non-finite action %v", a)
	}
	force := forceMag * math.Max(-1, math.Min(1, a))

	x := e.State.X
	xDot := e.State.XDot
	theta := e.State.Theta
	thetaDot := e.State.ThetaDot

	cosTheta := math.Cos(theta)
	sinTheta := math.Sin(theta)

	temp := (force + poleMassLength*thetaDot*thetaDot*sinTheta) / totalMass
	thetaAcc := (gravity*sinTheta - cosTheta*temp) / (length * (4.0/3.0 - massPole*cosTheta*cosTheta/totalMass))
	xAcc := temp - poleMassLength*thetaAcc*cosTheta/totalMass
	x += tau * xDot
	xDot += tau * xAcc
	theta += tau * thetaDot
	thetaDot += tau * thetaAcc

	e.State = State{
		X:        x,
		XDot:     xDot,
		Theta:    theta,
		ThetaDot: thetaDot,
	}
	e.Steps++

	// the step that knocks the pole over still scores 1, as in gym
	next := e.State.Vector()
	return next, 1, Terminated(action, next), nil
}

func (e *Env) ActionBounds() (lower, upper []float64) {
	return ActionBounds()
}

func (e *Env) ObservationSize() int {
	return ObservationSize()
}

// ActionBounds are the limits of the single push action. They are known
// without constructing an Env.
func ActionBounds() (lower, upper []float64) {
	return []float64{-1}, []float64{1}
}

func ObservationSize() int {
	return obsSize
}

// Terminated reports whether nextObs has left the allowed cart position or
// pole angle range.
func Terminated(_ []float64, nextObs []float64) bool {
	x, theta := nextObs[0], nextObs[2]
	return x < -xThreshold || x > xThreshold || theta < -thetaThreshold || theta > thetaThreshold
}

// Reward scores a predicted transition for planning: 1 while the pole is up
// and 0 once the model predicts it has fallen.
func Reward(action, nextObs []float64) float64 {
	if Terminated(action, nextObs) {
		return 0
	}
	return 1
}
