package refine

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ctrlbridge/internal/control"
)

func uniformVector(x float32) control.Vector {
	var v control.Vector
	for i := range v {
		v[i] = x
	}
	return v
}

func TestRefineOutputAlwaysWithinBounds(t *testing.T) {
	r, err := New(DefaultBounds(), DefaultSettings())
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(5, 6))
	for trial := 0; trial < 25; trial++ {
		var raw control.Vector
		for i := range raw {
			raw[i] = float32(rng.NormFloat64() * 5) // mostly outside ±1
		}
		out, _ := r.Refine(raw)
		require.True(t, r.Bounds().Contains(out), "trial %d: %v", trial, out)
	}

	for _, raw := range []control.Vector{
		uniformVector(1e6),
		uniformVector(-1e6),
		uniformVector(float32(math.NaN())),
		uniformVector(float32(math.Inf(1))),
	} {
		out, _ := r.Refine(raw)
		assert.True(t, r.Bounds().Contains(out))
	}
}

func TestRefineMinimisesEffort(t *testing.T) {
	r, err := New(DefaultBounds(), DefaultSettings())
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(1, 2))
	var raw control.Vector
	for i := range raw {
		raw[i] = float32(rng.Float64()*1.8 - 0.9)
	}
	out, err := r.Refine(raw)
	require.NoError(t, err)
	for i, x := range out {
		assert.InDelta(t, 0, x, 1e-4, "component %d", i)
	}
}

func TestRefineTrackingWeight(t *testing.T) {
	r, err := New(DefaultBounds(), Settings{TrackingWeight: 1})
	require.NoError(t, err)

	out, err := r.Refine(uniformVector(0.5))
	require.NoError(t, err)
	// argmin u² + (u-0.5)² = 0.25
	for i, x := range out {
		assert.InDelta(t, 0.25, x, 1e-4, "component %d", i)
	}
}

func TestRefineBoxExcludingZero(t *testing.T) {
	r, err := New(UniformBounds(0.2, 0.8), DefaultSettings())
	require.NoError(t, err)
	out, err := r.Refine(uniformVector(0.5))
	assert.True(t, r.Bounds().Contains(out))
	if err != nil {
		// the minimum sits on the boundary; a stalled solve still falls
		// back to a feasible vector
		assert.ErrorIs(t, err, ErrNonConvergence)
		return
	}
	for _, x := range out {
		assert.InDelta(t, 0.2, x, 0.05)
	}
}

func TestRefineNonConvergenceFallsBack(t *testing.T) {
	r, err := New(UniformBounds(-0.5, 0.5), Settings{MaxIterations: 1})
	require.NoError(t, err)

	raw := uniformVector(0.8)
	out, err := r.Refine(raw)
	require.ErrorIs(t, err, ErrNonConvergence)
	assert.Equal(t, uniformVector(0.5), out, "fallback is the raw vector projected onto the box")
}

func TestBoundsValidate(t *testing.T) {
	_, err := New(UniformBounds(1, -1), DefaultSettings())
	assert.Error(t, err)
	_, err = New(UniformBounds(float32(math.NaN()), 1), DefaultSettings())
	assert.Error(t, err)
	_, err = New(DefaultBounds(), Settings{TrackingWeight: -1})
	assert.Error(t, err)
}

func TestProjectAndContains(t *testing.T) {
	b := DefaultBounds()
	v := uniformVector(2)
	v[0] = -3
	v[1] = 0.5
	p := b.Project(v)
	assert.Equal(t, float32(-1), p[0])
	assert.Equal(t, float32(0.5), p[1])
	assert.Equal(t, float32(1), p[2])
	assert.True(t, b.Contains(p))
	assert.False(t, b.Contains(v))
}
