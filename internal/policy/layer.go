// Package policy implements the feed-forward control synthesizer and the
// stochastic actor-critic head that map a feature vector to actuator
// commands.
package policy

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Dense is a fully connected layer computing x·Wᵀ + b.
type Dense struct {
	W *mat.Dense // out × in
	B []float64  // out
}

// NewDense initialises a layer with weights and biases drawn uniformly from
// ±1/sqrt(in).
func NewDense(in, out int, rng *rand.Rand) *Dense {
	bound := 1 / math.Sqrt(float64(in))
	w := make([]float64, out*in)
	for i := range w {
		w[i] = (rng.Float64()*2 - 1) * bound
	}
	b := make([]float64, out)
	for i := range b {
		b[i] = (rng.Float64()*2 - 1) * bound
	}
	return &Dense{W: mat.NewDense(out, in, w), B: b}
}

// In returns the input width.
func (d *Dense) In() int {
	_, c := d.W.Dims()
	return c
}

// Out returns the output width.
func (d *Dense) Out() int {
	r, _ := d.W.Dims()
	return r
}

// Forward applies the layer to a batch of row vectors.
func (d *Dense) Forward(x mat.Matrix) *mat.Dense {
	var y mat.Dense
	y.Mul(x, d.W.T())
	y.Apply(func(_, j int, v float64) float64 { return v + d.B[j] }, &y)
	return &y
}

// MLP is a stack of Dense layers with a shared hidden activation.
type MLP struct {
	Layers []*Dense

	// ActivateOutput applies the activation after the last layer too.
	ActivateOutput bool

	// DropoutAfter is the index of the layer whose activated output is
	// subject to dropout in training mode; negative disables dropout.
	DropoutAfter int
	DropoutRate  float64
}

// NewMLP builds layers of the given widths, e.g. 60, 256, 60.
func NewMLP(widths []int, rng *rand.Rand) *MLP {
	layers := make([]*Dense, 0, len(widths)-1)
	for i := 0; i+1 < len(widths); i++ {
		layers = append(layers, NewDense(widths[i], widths[i+1], rng))
	}
	return &MLP{Layers: layers, DropoutAfter: -1}
}

// In returns the network input width.
func (m *MLP) In() int { return m.Layers[0].In() }

// Out returns the network output width.
func (m *MLP) Out() int { return m.Layers[len(m.Layers)-1].Out() }

// Forward runs the batch through every layer. Dropout is applied only when
// training is set; with training false the pass is deterministic and rng
// may be nil.
func (m *MLP) Forward(x mat.Matrix, training bool, rng *rand.Rand) *mat.Dense {
	var h *mat.Dense
	in := x
	last := len(m.Layers) - 1
	for i, layer := range m.Layers {
		h = layer.Forward(in)
		if i < last || m.ActivateOutput {
			h.Apply(func(_, _ int, v float64) float64 { return math.Tanh(v) }, h)
		}
		if training && i == m.DropoutAfter && m.DropoutRate > 0 {
			dropout(h, m.DropoutRate, rng)
		}
		in = h
	}
	return h
}

// dropout zeroes each activation with probability p and rescales the
// survivors by 1/(1-p).
func dropout(h *mat.Dense, p float64, rng *rand.Rand) {
	scale := 1 / (1 - p)
	h.Apply(func(_, _ int, v float64) float64 {
		if rng.Float64() < p {
			return 0
		}
		return v * scale
	}, h)
}

func rowVector(features []float64) *mat.Dense {
	cp := make([]float64, len(features))
	copy(cp, features)
	return mat.NewDense(1, len(cp), cp)
}

func checkFeatures(features []float64, width int) error {
	if len(features) != width {
		return fmt.Errorf("%w: want %d features, got %d", ErrInputWidth, width, len(features))
	}
	for i, v := range features {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: feature %d is %v", ErrNonFiniteInput, i, v)
		}
	}
	return nil
}
