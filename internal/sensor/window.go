package sensor

// Window is a fixed-capacity FIFO of raw samples. Once full, each push
// evicts the oldest row. Window is not safe for concurrent use; Buffer
// serialises access to it.
type Window struct {
	rows  [][]float64
	head  int // index of the oldest row once full
	count int
}

// NewWindow allocates a window holding up to capacity rows.
func NewWindow(capacity int) *Window {
	return &Window{rows: make([][]float64, capacity)}
}

// Cap returns the window capacity.
func (w *Window) Cap() int { return len(w.rows) }

// Len returns the number of rows currently held.
func (w *Window) Len() int { return w.count }

// Full reports whether the window holds Cap rows.
func (w *Window) Full() bool { return w.count == len(w.rows) }

// Push appends a copy of row, evicting the oldest row when full.
func (w *Window) Push(row []float64) {
	cp := make([]float64, len(row))
	copy(cp, row)

	if w.count < len(w.rows) {
		w.rows[w.count] = cp
		w.count++
		return
	}
	w.rows[w.head] = cp
	w.head = (w.head + 1) % len(w.rows)
}

// Rows returns the held rows oldest first. The row slices are shared with
// the window and must not be modified.
func (w *Window) Rows() [][]float64 {
	out := make([][]float64, 0, w.count)
	if w.count < len(w.rows) {
		return append(out, w.rows[:w.count]...)
	}
	out = append(out, w.rows[w.head:]...)
	return append(out, w.rows[:w.head]...)
}

// Reset drops all rows.
func (w *Window) Reset() {
	for i := range w.rows {
		w.rows[i] = nil
	}
	w.head, w.count = 0, 0
}
