// Package refine projects a raw control vector into actuator box limits by
// solving a small bounded minimisation warm-started at the raw vector.
package refine

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"

	"github.com/banshee-data/ctrlbridge/internal/control"
)

// ErrNonConvergence is returned when the optimizer stops without reaching a
// minimum. The accompanying vector is the raw input projected onto the box.
var ErrNonConvergence = errors.New("refine: optimizer did not converge")

// Bounds are elementwise box limits lb ≤ u ≤ ub.
type Bounds struct {
	Lower control.Vector
	Upper control.Vector
}

// UniformBounds returns bounds with the same limits on every component.
func UniformBounds(lower, upper float32) Bounds {
	var b Bounds
	for i := range b.Lower {
		b.Lower[i] = lower
		b.Upper[i] = upper
	}
	return b
}

// DefaultBounds is the ±1 reference actuator envelope.
func DefaultBounds() Bounds { return UniformBounds(-1, 1) }

// Validate rejects non-finite or inverted limits.
func (b Bounds) Validate() error {
	for i := range b.Lower {
		lo, hi := float64(b.Lower[i]), float64(b.Upper[i])
		if math.IsNaN(lo) || math.IsNaN(hi) || math.IsInf(lo, 0) || math.IsInf(hi, 0) {
			return fmt.Errorf("bound %d is not finite", i)
		}
		if lo > hi {
			return fmt.Errorf("bound %d: lower %v exceeds upper %v", i, lo, hi)
		}
	}
	return nil
}

// Project clamps v onto the box.
func (b Bounds) Project(v control.Vector) control.Vector {
	for i, x := range v {
		switch {
		case math.IsNaN(float64(x)):
			v[i] = clamp(0, b.Lower[i], b.Upper[i])
		default:
			v[i] = clamp(x, b.Lower[i], b.Upper[i])
		}
	}
	return v
}

// Contains reports whether every component of v lies within the box.
func (b Bounds) Contains(v control.Vector) bool {
	for i, x := range v {
		if !(x >= b.Lower[i] && x <= b.Upper[i]) {
			return false
		}
	}
	return true
}

func clamp(x, lo, hi float32) float32 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// Settings tune the refiner.
type Settings struct {
	// TrackingWeight adds w·||u-raw||² to the control effort objective.
	// Zero minimises control effort alone.
	TrackingWeight float64

	// MaxIterations bounds the optimizer's major iterations.
	MaxIterations int

	// GradientThreshold is the convergence tolerance on the gradient norm.
	GradientThreshold float64
}

// DefaultSettings returns the reference refiner settings.
func DefaultSettings() Settings {
	return Settings{
		TrackingWeight:    0,
		MaxIterations:     200,
		GradientThreshold: 1e-8,
	}
}

// Refiner solves minimize ||u||² + w·||u-raw||² subject to lb ≤ u ≤ ub.
type Refiner struct {
	bounds   Bounds
	settings Settings
	method   optimize.Method
}

// New returns a refiner for bounds.
func New(bounds Bounds, settings Settings) (*Refiner, error) {
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	if settings.TrackingWeight < 0 {
		return nil, fmt.Errorf("tracking weight must be non-negative, got %v", settings.TrackingWeight)
	}
	if settings.MaxIterations <= 0 {
		settings.MaxIterations = DefaultSettings().MaxIterations
	}
	if settings.GradientThreshold <= 0 {
		settings.GradientThreshold = DefaultSettings().GradientThreshold
	}
	return &Refiner{bounds: bounds, settings: settings}, nil
}

// Bounds returns the refiner's box.
func (r *Refiner) Bounds() Bounds { return r.bounds }

// Refine returns the constrained minimiser. The box is enforced through
// u = c + h·tanh(z), so every iterate is feasible, and the solution is
// projected once more to absorb float32 rounding. If the optimizer fails the
// raw vector projected onto the box is returned with ErrNonConvergence.
func (r *Refiner) Refine(raw control.Vector) (control.Vector, error) {
	fallback := r.bounds.Project(raw)
	if !raw.Finite() {
		return fallback, fmt.Errorf("%w: raw vector is not finite", ErrNonConvergence)
	}

	n := control.Width
	center := make([]float64, n)
	half := make([]float64, n)
	target := raw.Float64s()
	z0 := make([]float64, n)
	for i := 0; i < n; i++ {
		lo, hi := float64(r.bounds.Lower[i]), float64(r.bounds.Upper[i])
		center[i] = (lo + hi) / 2
		half[i] = (hi - lo) / 2
		if half[i] > 0 {
			// warm start at the raw vector, pulled just inside the box
			s := (target[i] - center[i]) / half[i]
			s = math.Max(-1+1e-6, math.Min(1-1e-6, s))
			z0[i] = math.Atanh(s)
		}
	}

	w := r.settings.TrackingWeight
	toU := func(u, z []float64) {
		for i := range z {
			u[i] = center[i] + half[i]*math.Tanh(z[i])
		}
	}
	u := make([]float64, n)
	problem := optimize.Problem{
		Func: func(z []float64) float64 {
			toU(u, z)
			var f float64
			for i, ui := range u {
				d := ui - target[i]
				f += ui*ui + w*d*d
			}
			return f
		},
		Grad: func(grad, z []float64) {
			toU(u, z)
			for i, ui := range u {
				t := math.Tanh(z[i])
				du := 2*ui + 2*w*(ui-target[i])
				grad[i] = du * half[i] * (1 - t*t)
			}
		},
	}

	settings := &optimize.Settings{
		GradientThreshold: r.settings.GradientThreshold,
		MajorIterations:   r.settings.MaxIterations,
	}
	method := r.method
	if method == nil {
		method = &optimize.LBFGS{}
	}
	result, err := optimize.Minimize(problem, z0, settings, method)
	if err != nil {
		return fallback, fmt.Errorf("%w: %v", ErrNonConvergence, err)
	}
	if !converged(result.Status) {
		return fallback, fmt.Errorf("%w: status %v", ErrNonConvergence, result.Status)
	}

	sol := make([]float64, n)
	toU(sol, result.X)
	out, err := control.FromFloat64s(sol)
	if err != nil {
		return fallback, err
	}
	return r.bounds.Project(out), nil
}

func converged(s optimize.Status) bool {
	switch s {
	case optimize.Success, optimize.GradientThreshold, optimize.FunctionConvergence, optimize.MethodConverge:
		return true
	default:
		return false
	}
}
