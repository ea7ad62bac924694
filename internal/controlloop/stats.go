package controlloop

import (
	"github.com/banshee-data/ctrlbridge/internal/actuation"
	"github.com/banshee-data/ctrlbridge/internal/sensor"
)

// Stats is a snapshot of loop counters.
type Stats struct {
	RunID          string                  `json:"run_id,omitempty"`
	Mode           PolicyMode              `json:"mode"`
	Ticks          uint64                  `json:"ticks"`
	Skipped        uint64                  `json:"skipped"`
	Fallbacks      uint64                  `json:"fallbacks"`
	RefineFailures uint64                  `json:"refine_failures"`
	PolicyErrors   uint64                  `json:"policy_errors"`
	Rejected       map[string]uint64       `json:"rejected"`
	UnknownSamples uint64                  `json:"unknown_samples"`
	LastLosses     *Losses                 `json:"last_losses,omitempty"`
	Buffers        []sensor.BufferStats    `json:"buffers"`
	Link           actuation.FallbackStats `json:"link"`
}

// Stats returns current counters.
func (c *Context) Stats() Stats {
	st := Stats{
		RunID:          c.cfg.RunID,
		Mode:           c.cfg.Mode,
		Ticks:          c.ticks.Load(),
		Skipped:        c.skipped.Load(),
		Fallbacks:      c.fallbacks.Load(),
		RefineFailures: c.refineFailures.Load(),
		PolicyErrors:   c.policyErrors.Load(),
		Rejected:       make(map[string]uint64, len(c.rejected)),
		UnknownSamples: c.unknown.Load(),
		Buffers:        c.bank.Stats(),
		Link:           c.link.Stats(),
	}
	for i, m := range sensor.Modalities() {
		st.Rejected[m.String()] = c.rejected[i].Load()
	}
	c.mu.RLock()
	if c.lastLosses != nil {
		l := *c.lastLosses
		st.LastLosses = &l
	}
	c.mu.RUnlock()
	return st
}

// Latest returns the most recent completed tick.
func (c *Context) Latest() (TickResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return TickResult{}, false
	}
	return *c.last, true
}

// History returns up to n of the most recent completed ticks, oldest first.
func (c *Context) History(n int) []TickResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	size := len(c.history)
	if n <= 0 || n > size {
		n = size
	}
	out := make([]TickResult, 0, n)
	start := c.histNext - n
	if size < historySize {
		start = size - n
	}
	for i := 0; i < n; i++ {
		out = append(out, c.history[(start+i+size)%size])
	}
	return out
}
