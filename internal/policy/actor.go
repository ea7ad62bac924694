package policy

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
)

const actorHidden = 128

// ActorCritic is a Gaussian policy with a state-value head. Both heads read
// the same hidden representation; the action spread is a learned
// per-dimension log standard deviation shared by all states.
type ActorCritic struct {
	trunk  *MLP
	mean   *Dense
	value  *Dense
	LogStd []float64
}

// NewActorCritic builds an actor-critic for the given widths with weights
// drawn from a generator seeded by seed. LogStd starts at zero.
func NewActorCritic(inputDim, actionDim int, seed uint64) *ActorCritic {
	rng := rand.New(rand.NewPCG(seed, seed^0xbf58476d1ce4e5b9))
	trunk := NewMLP([]int{inputDim, actorHidden, actorHidden}, rng)
	trunk.ActivateOutput = true
	return &ActorCritic{
		trunk:  trunk,
		mean:   NewDense(actorHidden, actionDim, rng),
		value:  NewDense(actorHidden, 1, rng),
		LogStd: make([]float64, actionDim),
	}
}

// InputWidth returns the expected feature vector width.
func (a *ActorCritic) InputWidth() int { return a.trunk.In() }

// ActionWidth returns the action dimensionality.
func (a *ActorCritic) ActionWidth() int { return a.mean.Out() }

// Forward returns the action mean and state value for features.
func (a *ActorCritic) Forward(features []float64) ([]float64, float64, error) {
	if err := checkFeatures(features, a.InputWidth()); err != nil {
		return nil, 0, err
	}
	h := a.trunk.Forward(rowVector(features), false, nil)
	mean := a.mean.Forward(h).RawRowView(0)
	value := a.value.Forward(h).At(0, 0)
	return mean, value, nil
}

// SelectAction samples an action from Normal(mean, exp(LogStd)) and
// returns it with its summed log-density.
func (a *ActorCritic) SelectAction(features []float64, rng *rand.Rand) ([]float64, float64, error) {
	mean, _, err := a.Forward(features)
	if err != nil {
		return nil, 0, err
	}
	action := make([]float64, len(mean))
	for i, mu := range mean {
		action[i] = mu + math.Exp(a.LogStd[i])*rng.NormFloat64()
	}
	return action, a.logProb(mean, action), nil
}

// LogProb returns the summed log-density of action under the policy at
// features.
func (a *ActorCritic) LogProb(features, action []float64) (float64, error) {
	mean, _, err := a.Forward(features)
	if err != nil {
		return 0, err
	}
	if len(action) != len(mean) {
		return 0, fmt.Errorf("%w: want %d action values, got %d", ErrInputWidth, len(mean), len(action))
	}
	return a.logProb(mean, action), nil
}

func (a *ActorCritic) logProb(mean, action []float64) float64 {
	var sum float64
	for i, mu := range mean {
		d := distuv.Normal{Mu: mu, Sigma: math.Exp(a.LogStd[i])}
		sum += d.LogProb(action[i])
	}
	return sum
}

// PolicyLoss is the negative mean log-probability of a batch of sampled
// actions. It is a simplified policy-gradient proxy with no advantage
// weighting.
func PolicyLoss(logProbs []float64) float64 {
	if len(logProbs) == 0 {
		return 0
	}
	var sum float64
	for _, lp := range logProbs {
		sum += lp
	}
	return -sum / float64(len(logProbs))
}
