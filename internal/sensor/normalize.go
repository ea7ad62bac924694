package sensor

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// epsilon is the float64 machine epsilon.
const epsilon = 0x1p-52

// NormalizedWindow is the z-score standardised copy of a full Window, oldest
// row first.
type NormalizedWindow [][]float64

// Latest returns the most recent standardised row.
func (n NormalizedWindow) Latest() []float64 {
	if len(n) == 0 {
		return nil
	}
	return n[len(n)-1]
}

// Normalize standardises every feature column of rows to zero mean and unit
// population standard deviation. The statistics are refitted from the full
// set of rows on every call. A column with zero spread normalises to zeros;
// spread within rounding error of the mean counts as zero.
func Normalize(rows [][]float64) NormalizedWindow {
	if len(rows) == 0 {
		return nil
	}
	dim := len(rows[0])
	out := make(NormalizedWindow, len(rows))
	for i := range out {
		out[i] = make([]float64, dim)
	}

	col := make([]float64, len(rows))
	for j := 0; j < dim; j++ {
		for i, row := range rows {
			col[i] = row[j]
		}
		mean, std := stat.PopMeanStdDev(col, nil)
		if constantColumn(mean, std, len(rows)) {
			continue
		}
		for i := range rows {
			out[i][j] = (col[i] - mean) / std
		}
	}
	return out
}

// constantColumn treats a standard deviation that is only accumulated
// rounding error as zero, so a window of identical readings never divides by
// noise.
func constantColumn(mean, std float64, n int) bool {
	if std == 0 {
		return true
	}
	return std <= float64(n)*math.Abs(mean)*epsilon
}
