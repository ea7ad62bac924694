package sensor

import (
	"fmt"
	"math"
	"sync"
)

// DefaultWindowCapacity is the reference window length in samples.
const DefaultWindowCapacity = 100

// Buffer owns the window of one modality. Ingest calls for the same
// modality are serialised; readers see either the state before or after an
// ingest, never a mixture.
type Buffer struct {
	modality Modality
	dim      int

	mu         sync.RWMutex
	window     *Window
	normalized NormalizedWindow
	accepted   uint64
	rejected   uint64
}

// BufferStats is a point-in-time view of a buffer's counters.
type BufferStats struct {
	Modality string `json:"modality"`
	Dim      int    `json:"dim"`
	Len      int    `json:"len"`
	Capacity int    `json:"capacity"`
	Ready    bool   `json:"ready"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
}

// NewBuffer creates a buffer for modality m with samples of width dim.
func NewBuffer(m Modality, dim, capacity int) *Buffer {
	return &Buffer{
		modality: m,
		dim:      dim,
		window:   NewWindow(capacity),
	}
}

// Modality returns the buffered modality.
func (b *Buffer) Modality() Modality { return b.modality }

// Dim returns the declared sample width.
func (b *Buffer) Dim() int { return b.dim }

// Ingest appends sample to the window. Once the window holds its full
// capacity the returned NormalizedWindow is refitted over the whole window
// and ok is true; before that ok is false. Rejected samples leave the buffer
// untouched.
func (b *Buffer) Ingest(sample []float64) (NormalizedWindow, bool, error) {
	if err := b.check(sample); err != nil {
		b.mu.Lock()
		b.rejected++
		b.mu.Unlock()
		return nil, false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.window.Push(sample)
	b.accepted++
	if !b.window.Full() {
		return nil, false, nil
	}
	b.normalized = Normalize(b.window.Rows())
	return b.normalized, true, nil
}

func (b *Buffer) check(sample []float64) error {
	if len(sample) != b.dim {
		return fmt.Errorf("%w: %s expects %d values, got %d", ErrShapeMismatch, b.modality, b.dim, len(sample))
	}
	for i, v := range sample {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s[%d]=%v", ErrNonFinite, b.modality, i, v)
		}
	}
	return nil
}

// Latest returns a copy of the most recent standardised row, or false if
// the window has never been full.
func (b *Buffer) Latest() ([]float64, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.normalized == nil {
		return nil, false
	}
	latest := b.normalized.Latest()
	out := make([]float64, len(latest))
	copy(out, latest)
	return out, true
}

// Ready reports whether a NormalizedWindow exists.
func (b *Buffer) Ready() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.normalized != nil
}

// Stats returns the buffer counters.
func (b *Buffer) Stats() BufferStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return BufferStats{
		Modality: b.modality.String(),
		Dim:      b.dim,
		Len:      b.window.Len(),
		Capacity: b.window.Cap(),
		Ready:    b.normalized != nil,
		Accepted: b.accepted,
		Rejected: b.rejected,
	}
}

// Reset drops all samples and the normalized window.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.window.Reset()
	b.normalized = nil
}

// Bank holds one Buffer per modality.
type Bank struct {
	layout  Layout
	buffers [numModalities]*Buffer
}

// NewBank creates buffers for every modality in layout.
func NewBank(layout Layout, capacity int) (*Bank, error) {
	if err := layout.Validate(); err != nil {
		return nil, err
	}
	if capacity < 2 {
		return nil, fmt.Errorf("window capacity must be at least 2, got %d", capacity)
	}
	b := &Bank{layout: layout}
	for _, m := range Modalities() {
		b.buffers[m] = NewBuffer(m, layout.Dim(m), capacity)
	}
	return b, nil
}

// Layout returns the bank's modality layout.
func (b *Bank) Layout() Layout { return b.layout }

// Buffer returns the buffer for m, or nil if m is not a declared modality.
func (b *Bank) Buffer(m Modality) *Buffer {
	if !m.Valid() {
		return nil
	}
	return b.buffers[m]
}

// Ingest routes sample to the buffer for m.
func (b *Bank) Ingest(m Modality, sample []float64) (NormalizedWindow, bool, error) {
	buf := b.Buffer(m)
	if buf == nil {
		return nil, false, fmt.Errorf("%w: %d", ErrUnknownModality, int(m))
	}
	return buf.Ingest(sample)
}

// Stats returns counters for every buffer in feature order.
func (b *Bank) Stats() []BufferStats {
	out := make([]BufferStats, 0, numModalities)
	for _, buf := range b.buffers {
		out = append(out, buf.Stats())
	}
	return out
}
