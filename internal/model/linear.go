package model

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"pets-cartpole/internal/buffer"
)

const (
	adamBeta1   = 0.9
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
	initScale   = 0.01

	// soft limits of the predicted log-variance
	maxLogVar = 0.5
	minLogVar = -10.0
)

// LinearEnsemble is an ensemble of affine regressors from a normalized
// (observation, action) pair to [observation delta..., reward]. Members share
// training data and differ by their random initialization.
//
// Unless built WithDeterministic, every member also predicts a per-output
// log-variance and is trained on the Gaussian negative log-likelihood.
type LinearEnsemble struct {
	mu sync.RWMutex

	obsDim, actDim int
	members        []*member
	normalizer     *Normalizer

	normalize     bool
	targetIsDelta bool
	deterministic bool
	learningRate  float64
	weightDecay   float64
	rng           *rand.Rand
}

type member struct {
	mean   *adamParam
	logVar *adamParam // nil for a deterministic ensemble
}

// adamParam is a (in+1) x out weight matrix, last row the bias, with its
// Adam moment estimates.
type adamParam struct {
	w *mat.Dense
	m *mat.Dense
	v *mat.Dense

	steps int
}

type memberWeights struct {
	mean, logVar *mat.Dense
}

type LinearOption func(*LinearEnsemble)

func WithLearningRate(lr float64) LinearOption {
	return func(le *LinearEnsemble) {
		le.learningRate = lr
	}
}

func WithWeightDecay(wd float64) LinearOption {
	return func(le *LinearEnsemble) {
		le.weightDecay = wd
	}
}

func WithNormalize(normalize bool) LinearOption {
	return func(le *LinearEnsemble) {
		le.normalize = normalize
	}
}

// WithTargetIsDelta selects whether the regressors are fitted to the
// observation delta (default) or to the next observation itself.
func WithTargetIsDelta(delta bool) LinearOption {
	return func(le *LinearEnsemble) {
		le.targetIsDelta = delta
	}
}

// WithDeterministic drops the variance head: predictions carry no Std and
// training minimizes the squared error.
func WithDeterministic(deterministic bool) LinearOption {
	return func(le *LinearEnsemble) {
		le.deterministic = deterministic
	}
}

func WithModelRand(rng *rand.Rand) LinearOption {
	return func(le *LinearEnsemble) {
		le.rng = rng
	}
}

func NewLinearEnsemble(obsDim, actDim, ensembleSize int, opts ...LinearOption) (*LinearEnsemble, error) {
	if obsDim <= 0 || actDim <= 0 {
		return nil, fmt.Errorf("observation and action sizes must be > 0, got %d and %d", obsDim, actDim)
	}
	if ensembleSize <= 0 {
		return nil, fmt.Errorf("ensemble size must be > 0, got %d", ensembleSize)
	}

	le := &LinearEnsemble{
		obsDim:        obsDim,
		actDim:        actDim,
		normalizer:    NewNormalizer(obsDim + actDim),
		normalize:     true,
		targetIsDelta: true,
		learningRate:  1e-3,
		weightDecay:   0,
	}
	for _, opt := range opts {
		opt(le)
	}
	if le.rng == nil {
		le.rng = rand.New(rand.NewSource(rand.Int63()))
	}
	if !(le.learningRate > 0) {
		return nil, fmt.Errorf("learning rate must be > 0, got %g", le.learningRate)
	}

	rows, cols := le.inDim()+1, le.outDim()
	le.members = make([]*member, ensembleSize)
	for i := range le.members {
		mb := &member{mean: newAdamParam(rows, cols, le.rng)}
		if !le.deterministic {
			mb.logVar = newAdamParam(rows, cols, le.rng)
		}
		le.members[i] = mb
	}
	return le, nil
}

func newAdamParam(rows, cols int, rng *rand.Rand) *adamParam {
	w := make([]float64, rows*cols)
	for j := range w {
		w[j] = rng.NormFloat64() * initScale
	}
	return &adamParam{
		w: mat.NewDense(rows, cols, w),
		m: mat.NewDense(rows, cols, nil),
		v: mat.NewDense(rows, cols, nil),
	}
}

func (le *LinearEnsemble) inDim() int  { return le.obsDim + le.actDim }
func (le *LinearEnsemble) outDim() int { return le.obsDim + 1 }

func (le *LinearEnsemble) EnsembleSize() int {
	return len(le.members)
}

func (le *LinearEnsemble) Deterministic() bool {
	return le.deterministic
}

func (le *LinearEnsemble) UpdateNormalizer(transitions []buffer.Transition) error {
	if len(transitions) == 0 {
		return fmt.Errorf("update normalizer: %w", buffer.ErrBufferEmpty)
	}
	if !le.normalize {
		return nil
	}
	rows := make([][]float64, 0, len(transitions))
	for _, t := range transitions {
		if err := le.checkShapes(t.Obs, t.Action); err != nil {
			return err
		}
		rows = append(rows, concat(t.Obs, t.Action))
	}

	le.mu.Lock()
	defer le.mu.Unlock()
	le.normalizer.Update(rows)
	return nil
}

// Predict returns the mean of member memberIdx, or with AllMembers the
// average of the member means and variances.
func (le *LinearEnsemble) Predict(obs, action []float64, memberIdx int) (Prediction, error) {
	if err := le.checkShapes(obs, action); err != nil {
		return Prediction{}, err
	}
	if memberIdx != AllMembers && (memberIdx < 0 || memberIdx >= len(le.members)) {
		return Prediction{}, fmt.Errorf("ensemble member %d out of range [0, %d)", memberIdx, len(le.members))
	}

	le.mu.RLock()
	defer le.mu.RUnlock()

	members := le.members
	if memberIdx != AllMembers {
		members = le.members[memberIdx : memberIdx+1]
	}

	x := mat.NewVecDense(le.inDim()+1, le.features(make([]float64, le.inDim()+1), obs, action))
	out := make([]float64, le.outDim())
	var variance []float64
	if !le.deterministic {
		variance = make([]float64, le.outDim())
	}
	var o mat.VecDense
	for _, mb := range members {
		o.MulVec(mb.mean.w.T(), x)
		floats.Add(out, o.RawVector().Data)
		if variance != nil {
			o.MulVec(mb.logVar.w.T(), x)
			for i, raw := range o.RawVector().Data {
				logVar, _ := softBound(raw)
				variance[i] += math.Exp(logVar)
			}
		}
	}
	scale := 1 / float64(len(members))
	floats.Scale(scale, out)

	delta := out[:le.obsDim]
	if !le.targetIsDelta {
		floats.Sub(delta, obs)
	}
	pred := Prediction{Delta: delta, Reward: out[le.obsDim]}
	if variance != nil {
		std := make([]float64, len(variance))
		for i, v := range variance {
			std[i] = math.Sqrt(v * scale)
		}
		pred.DeltaStd = std[:le.obsDim]
		pred.RewardStd = std[le.obsDim]
	}
	return pred, nil
}

func (le *LinearEnsemble) checkShapes(obs, action []float64) error {
	if len(obs) != le.obsDim || len(action) != le.actDim {
		return fmt.Errorf("model expects observation size %d and action size %d, got %d and %d",
			le.obsDim, le.actDim, len(obs), len(action))
	}
	return nil
}

// features writes the normalized input row with a trailing bias term into dst.
func (le *LinearEnsemble) features(dst, obs, action []float64) []float64 {
	copy(dst, obs)
	copy(dst[le.obsDim:], action)
	if le.normalize {
		le.normalizer.Apply(dst[:le.inDim()], dst[:le.inDim()])
	}
	dst[le.inDim()] = 1
	return dst
}

// design builds the input and target matrices for a batch. Callers hold mu.
func (le *LinearEnsemble) design(batch []buffer.Transition) (*mat.Dense, *mat.Dense, error) {
	in, out := le.inDim()+1, le.outDim()
	xs := make([]float64, len(batch)*in)
	ys := make([]float64, len(batch)*out)
	for i, t := range batch {
		if err := le.checkShapes(t.Obs, t.Action); err != nil {
			return nil, nil, err
		}
		if len(t.NextObs) != le.obsDim {
			return nil, nil, fmt.Errorf("next observation size %d, want %d", len(t.NextObs), le.obsDim)
		}
		le.features(xs[i*in:(i+1)*in], t.Obs, t.Action)
		target := ys[i*out : (i+1)*out]
		copy(target, t.NextObs)
		if le.targetIsDelta {
			floats.Sub(target[:le.obsDim], t.Obs)
		}
		target[le.obsDim] = t.Reward
	}
	return mat.NewDense(len(batch), in, xs), mat.NewDense(len(batch), out, ys), nil
}

// trainBatch takes one Adam step per member and returns the mean pre-step
// loss: squared error for a deterministic ensemble, else Gaussian NLL.
func (le *LinearEnsemble) trainBatch(batch []buffer.Transition) (float64, error) {
	if len(batch) == 0 {
		return 0, errors.New("empty training batch")
	}
	x, y, err := le.design(batch)
	if err != nil {
		return 0, err
	}
	n, out := y.Dims()
	norm := float64(n * out)

	var total float64
	for _, mb := range le.members {
		var resid mat.Dense
		resid.Mul(x, mb.mean.w)
		resid.Sub(&resid, y)
		r := resid.RawMatrix().Data

		if mb.logVar == nil {
			total += floats.Dot(r, r) / norm
			var grad mat.Dense
			grad.Mul(x.T(), &resid)
			grad.Scale(2/norm, &grad)
			le.step(mb.mean, &grad)
			continue
		}

		var raw mat.Dense
		raw.Mul(x, mb.logVar.w)
		rawData := raw.RawMatrix().Data
		gMean := make([]float64, len(r))
		gRaw := make([]float64, len(r))
		var nll float64
		for i, e := range r {
			logVar, dLogVar := softBound(rawData[i])
			inv := math.Exp(-logVar)
			nll += 0.5 * (e*e*inv + logVar)
			gMean[i] = e * inv / norm
			gRaw[i] = 0.5 * (1 - e*e*inv) * dLogVar / norm
		}
		total += nll / norm

		var grad, gradLogVar mat.Dense
		grad.Mul(x.T(), mat.NewDense(n, out, gMean))
		gradLogVar.Mul(x.T(), mat.NewDense(n, out, gRaw))
		le.step(mb.mean, &grad)
		le.step(mb.logVar, &gradLogVar)
	}
	return total / float64(len(le.members)), nil
}

func (le *LinearEnsemble) step(p *adamParam, grad *mat.Dense) {
	if le.weightDecay > 0 {
		var decay mat.Dense
		decay.Scale(2*le.weightDecay, p.w)
		grad.Add(grad, &decay)
	}
	p.adamStep(grad, le.learningRate)
}

func (p *adamParam) adamStep(grad *mat.Dense, lr float64) {
	p.steps++
	c1 := 1 - math.Pow(adamBeta1, float64(p.steps))
	c2 := 1 - math.Pow(adamBeta2, float64(p.steps))

	g := grad.RawMatrix().Data
	m := p.m.RawMatrix().Data
	v := p.v.RawMatrix().Data
	w := p.w.RawMatrix().Data
	for i := range g {
		m[i] = adamBeta1*m[i] + (1-adamBeta1)*g[i]
		v[i] = adamBeta2*v[i] + (1-adamBeta2)*g[i]*g[i]
		w[i] -= lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + adamEpsilon)
	}
}

// softBound squashes a raw log-variance into (minLogVar, maxLogVar) and
// returns its derivative with respect to raw.
func softBound(raw float64) (logVar, grad float64) {
	upper := maxLogVar - softplus(maxLogVar-raw)
	logVar = minLogVar + softplus(upper-minLogVar)
	return logVar, sigmoid(maxLogVar-raw) * sigmoid(upper-minLogVar)
}

func softplus(x float64) float64 {
	if x > 30 {
		return x
	}
	return math.Log1p(math.Exp(x))
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// memberScores returns each member's MSE over every batch of it.
func (le *LinearEnsemble) memberScores(it *buffer.BatchIterator) ([]float64, error) {
	scores := make([]float64, len(le.members))
	var count float64
	it.Reset()
	for batch, ok := it.Next(); ok; batch, ok = it.Next() {
		x, y, err := le.design(batch)
		if err != nil {
			return nil, err
		}
		n, out := y.Dims()
		for i, mb := range le.members {
			var resid mat.Dense
			resid.Mul(x, mb.mean.w)
			resid.Sub(&resid, y)
			r := resid.RawMatrix().Data
			scores[i] += floats.Dot(r, r)
		}
		count += float64(n * out)
	}
	if count == 0 {
		return nil, fmt.Errorf("evaluate: %w", buffer.ErrBufferEmpty)
	}
	floats.Scale(1/count, scores)
	return scores, nil
}

func (le *LinearEnsemble) snapshot() []memberWeights {
	weights := make([]memberWeights, len(le.members))
	for i, mb := range le.members {
		weights[i].mean = mat.DenseCopyOf(mb.mean.w)
		if mb.logVar != nil {
			weights[i].logVar = mat.DenseCopyOf(mb.logVar.w)
		}
	}
	return weights
}

func (le *LinearEnsemble) restore(weights []memberWeights) {
	for i, mb := range le.members {
		mb.mean.w.Copy(weights[i].mean)
		if mb.logVar != nil {
			mb.logVar.w.Copy(weights[i].logVar)
		}
	}
}

func concat(a, b []float64) []float64 {
	out := make([]float64, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
