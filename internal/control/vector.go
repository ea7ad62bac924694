// Package control holds the fixed-width command vector exchanged between the
// policy, the refiner and the actuation controller.
package control

import (
	"fmt"
	"math"
)

// Width is the number of actuator commands in one control vector. It also
// fixes the policy output width and the actuation frame size.
const Width = 60

// Vector is one tick's worth of actuator commands.
type Vector [Width]float32

// FromFloat64s converts a float64 slice of exactly Width entries.
func FromFloat64s(vals []float64) (Vector, error) {
	var v Vector
	if len(vals) != Width {
		return v, fmt.Errorf("control vector needs %d values, got %d", Width, len(vals))
	}
	for i, x := range vals {
		v[i] = float32(x)
	}
	return v, nil
}

// Float64s widens the vector for numeric work.
func (v Vector) Float64s() []float64 {
	out := make([]float64, Width)
	for i, x := range v {
		out[i] = float64(x)
	}
	return out
}

// IsZero reports whether every command is exactly zero.
func (v Vector) IsZero() bool {
	return v == Vector{}
}

// Finite reports whether the vector contains no NaN or Inf entries.
func (v Vector) Finite() bool {
	for _, x := range v {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// Norm returns the Euclidean norm.
func (v Vector) Norm() float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
