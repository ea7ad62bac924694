package policy

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/ctrlbridge/internal/control"
)

// Reference synthesizer architecture.
var synthesizerWidths = []int{control.Width, 256, 256, 128, control.Width}

const (
	// synthesizerDropoutLayer is the hidden layer (0-based) whose output is
	// dropped out during training.
	synthesizerDropoutLayer = 1
	synthesizerDropoutRate  = 0.3
)

// Synthesizer is the physics-informed feed-forward policy mapping a feature
// vector to a control vector.
type Synthesizer struct {
	net *MLP
}

// NewSynthesizer returns a synthesizer with weights drawn from a generator
// seeded by seed, so equal seeds give equal parameters.
func NewSynthesizer(seed uint64) *Synthesizer {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	net := NewMLP(synthesizerWidths, rng)
	net.DropoutAfter = synthesizerDropoutLayer
	net.DropoutRate = synthesizerDropoutRate
	return &Synthesizer{net: net}
}

// InputWidth returns the expected feature vector width.
func (s *Synthesizer) InputWidth() int { return s.net.In() }

// Infer runs a deterministic forward pass (dropout disabled). Identical
// features and parameters always yield identical output.
func (s *Synthesizer) Infer(features []float64) (control.Vector, error) {
	if err := checkFeatures(features, s.InputWidth()); err != nil {
		return control.Vector{}, err
	}
	out := s.net.Forward(rowVector(features), false, nil)
	v, err := control.FromFloat64s(out.RawRowView(0))
	if err != nil {
		return control.Vector{}, err
	}
	if !v.Finite() {
		return control.Vector{}, fmt.Errorf("synthesizer produced non-finite output")
	}
	return v, nil
}

// Forward runs a batch (one sample per row). In training mode dropout is
// active and rng must be non-nil.
func (s *Synthesizer) Forward(batch mat.Matrix, training bool, rng *rand.Rand) *mat.Dense {
	return s.net.Forward(batch, training, rng)
}

// LossTargets are the desired values of the physics-consistency proxies.
type LossTargets struct {
	CenterOfMass   float64
	ObjectPosition float64
	ObjectForce    float64
}

// DefaultStabilityWeight weights the manipulation term of TrainingLoss.
const DefaultStabilityWeight = 0.01

// StabilityLoss is the mean squared deviation of each row's first-half mean
// (a center-of-mass proxy) from the target.
func StabilityLoss(out mat.Matrix, targets LossTargets) float64 {
	rows, cols := out.Dims()
	half := cols / 2
	var sum float64
	for i := 0; i < rows; i++ {
		var com float64
		for j := 0; j < half; j++ {
			com += out.At(i, j)
		}
		com /= float64(half)
		d := com - targets.CenterOfMass
		sum += d * d
	}
	return sum / float64(rows)
}

// ManipulationLoss treats the second half of each row as the object
// interaction proxy: its first quarter-width is object position and its
// last quarter-width object force. The result is the sum of the two mean
// squared deviations from their targets.
func ManipulationLoss(out mat.Matrix, targets LossTargets) float64 {
	rows, cols := out.Dims()
	half := cols / 2
	quarter := half / 2
	posEnd := half + quarter

	var pos, force float64
	for i := 0; i < rows; i++ {
		for j := half; j < posEnd; j++ {
			d := out.At(i, j) - targets.ObjectPosition
			pos += d * d
		}
		for j := posEnd; j < cols; j++ {
			d := out.At(i, j) - targets.ObjectForce
			force += d * d
		}
	}
	pos /= float64(rows * (posEnd - half))
	force /= float64(rows * (cols - posEnd))
	return pos + force
}

// TrainingLoss is StabilityLoss + k·ManipulationLoss.
func TrainingLoss(out mat.Matrix, targets LossTargets, k float64) float64 {
	return StabilityLoss(out, targets) + k*ManipulationLoss(out, targets)
}

// Loss evaluates TrainingLoss on the synthesizer output for a single
// feature vector using a deterministic pass.
func (s *Synthesizer) Loss(features []float64, targets LossTargets, k float64) (float64, error) {
	if err := checkFeatures(features, s.InputWidth()); err != nil {
		return math.NaN(), err
	}
	out := s.net.Forward(rowVector(features), false, nil)
	return TrainingLoss(out, targets, k), nil
}
