package controlloop

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/ctrlbridge/internal/control"
	"github.com/banshee-data/ctrlbridge/internal/policy"
)

// PolicyMode selects which network produces the command.
type PolicyMode string

const (
	// ModePINN uses the synthesizer output directly.
	ModePINN PolicyMode = "pinn"
	// ModeActor uses the actor head: its mean, or a sample when stochastic.
	ModeActor PolicyMode = "actor"
)

// ParsePolicyMode validates a mode name.
func ParsePolicyMode(s string) (PolicyMode, error) {
	switch PolicyMode(s) {
	case ModePINN, ModeActor:
		return PolicyMode(s), nil
	}
	return "", fmt.Errorf("unknown policy mode %q", s)
}

// Losses are the optional per-tick training telemetry values.
type Losses struct {
	Stability    float64 `json:"stability"`
	Manipulation float64 `json:"manipulation"`
	Total        float64 `json:"total"`
	Policy       float64 `json:"policy"`
	HasPolicy    bool    `json:"has_policy"`
}

// command runs the selected policy. The returned log-probability is only
// meaningful in actor mode.
func (c *Context) command(features []float64) (control.Vector, float64, error) {
	switch c.cfg.Mode {
	case ModeActor:
		var action []float64
		var logProb float64
		var err error
		if c.cfg.Stochastic {
			action, logProb, err = c.actor.SelectAction(features, c.rng)
		} else {
			action, _, err = c.actor.Forward(features)
			if err == nil {
				logProb, err = c.actor.LogProb(features, action)
			}
		}
		if err != nil {
			return control.Vector{}, 0, err
		}
		v, err := control.FromFloat64s(action)
		if err == nil && !v.Finite() {
			err = fmt.Errorf("actor produced non-finite action")
		}
		return v, logProb, err
	default:
		v, err := c.synth.Infer(features)
		return v, 0, err
	}
}

// losses evaluates the synthesizer's physics-consistency losses on one
// feature vector and, in actor mode, the policy loss of the chosen action.
func (c *Context) losses(features []float64, logProb float64) Losses {
	out := c.synth.Forward(mat.NewDense(1, len(features), features), false, nil)
	l := Losses{
		Stability:    policy.StabilityLoss(out, c.cfg.LossTargets),
		Manipulation: policy.ManipulationLoss(out, c.cfg.LossTargets),
	}
	l.Total = l.Stability + c.cfg.StabilityWeight*l.Manipulation
	if c.cfg.Mode == ModeActor && !math.IsNaN(logProb) {
		l.Policy = policy.PolicyLoss([]float64{logProb})
		l.HasPolicy = true
	}
	return l
}

func newRNG(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed+1))
}
