package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/ctrlbridge/internal/control"
	"github.com/banshee-data/ctrlbridge/internal/db"
)

func TestParseComponents(t *testing.T) {
	idx, err := parseComponents("0, 12,,59")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 12, 59}, idx)

	_, err = parseComponents("60")
	assert.Error(t, err)
	_, err = parseComponents("x")
	assert.Error(t, err)
}

func TestBuildPlotsAndSave(t *testing.T) {
	start := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	var ticks []db.TickRecord
	for i := 0; i < 20; i++ {
		var v control.Vector
		v[0] = float32(i) / 20
		ticks = append(ticks, db.TickRecord{
			RunID:    "run-1",
			Seq:      uint64(i + 1),
			Time:     start.Add(time.Duration(i) * 100 * time.Millisecond),
			Command:  v,
			Applied:  v,
			Fallback: i == 7,
		})
	}

	norms, comps, err := buildPlots(ticks, []int{0, 1})
	require.NoError(t, err)
	assert.Contains(t, norms.Title.Text, "run-1")

	out := filepath.Join(t.TempDir(), "ticks.png")
	require.NoError(t, norms.Save(4*vg.Inch, 3*vg.Inch, out))
	require.NoError(t, comps.Save(4*vg.Inch, 3*vg.Inch, out+"c.png"))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), data[:4])
}

func TestBuildPlotsEmpty(t *testing.T) {
	_, _, err := buildPlots(nil, nil)
	assert.Error(t, err)
}
