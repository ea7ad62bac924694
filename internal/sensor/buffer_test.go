package sensor

import (
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferNotReadyUntilFull(t *testing.T) {
	b := NewBuffer(FootForces, ForceDim, 5)
	for i := 0; i < 4; i++ {
		norm, ok, err := b.Ingest([]float64{float64(i), 0, 9.8})
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Nil(t, norm)
	}
	_, ok := b.Latest()
	assert.False(t, ok)

	norm, ok, err := b.Ingest([]float64{4, 0, 9.8})
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, norm, 5)

	latest, ok := b.Latest()
	require.True(t, ok)
	assert.Equal(t, norm.Latest(), latest)
}

func TestBufferRefitsAfterEviction(t *testing.T) {
	b := NewBuffer(ObjectForces, ForceDim, 3)
	for i := 0; i < 3; i++ {
		_, _, err := b.Ingest([]float64{float64(i), 1, 1})
		require.NoError(t, err)
	}
	first, _ := b.Latest()

	norm, ok, err := b.Ingest([]float64{10, 1, 1})
	require.NoError(t, err)
	require.True(t, ok)

	// window is now {1, 2, 10}; refit changes the latest row
	want := Normalize([][]float64{{1, 1, 1}, {2, 1, 1}, {10, 1, 1}})
	assert.Equal(t, want, norm)
	assert.NotEqual(t, first, norm.Latest())
}

func TestBufferShapeMismatchKeepsState(t *testing.T) {
	b := NewBuffer(JointAngles, 12, 3)
	_, _, err := b.Ingest(make([]float64, 12))
	require.NoError(t, err)

	_, _, err = b.Ingest(make([]float64, 11))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrShapeMismatch))

	stats := b.Stats()
	assert.Equal(t, 1, stats.Len)
	assert.Equal(t, uint64(1), stats.Accepted)
	assert.Equal(t, uint64(1), stats.Rejected)
}

func TestBufferRejectsNonFinite(t *testing.T) {
	b := NewBuffer(FootForces, ForceDim, 3)
	_, _, err := b.Ingest([]float64{0, math.NaN(), 0})
	assert.ErrorIs(t, err, ErrNonFinite)
	assert.Equal(t, 0, b.Stats().Len)
}

func TestBufferConcurrentIngestAndRead(t *testing.T) {
	b := NewBuffer(Torques, 4, 10)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				v := float64(g*1000 + i)
				_, _, err := b.Ingest([]float64{v, v, v, v})
				assert.NoError(t, err)
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if row, ok := b.Latest(); ok {
				// all four columns carry the same series, so a consistent
				// snapshot has four equal values
				for _, v := range row[1:] {
					assert.InDelta(t, row[0], v, 1e-12)
				}
			}
		}
	}()
	wg.Wait()
	assert.Equal(t, uint64(800), b.Stats().Accepted)
}

func TestNewBankValidation(t *testing.T) {
	_, err := NewBank(Layout{BodyJoints: 0, HandJoints: 18}, 100)
	assert.Error(t, err)
	_, err = NewBank(DefaultLayout(), 1)
	assert.Error(t, err)

	bank, err := NewBank(DefaultLayout(), 100)
	require.NoError(t, err)
	_, _, err = bank.Ingest(Modality(42), []float64{1})
	assert.ErrorIs(t, err, ErrUnknownModality)
	assert.Len(t, bank.Stats(), len(Modalities()))
}
