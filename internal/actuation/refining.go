package actuation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/ctrlbridge/internal/control"
	"github.com/banshee-data/ctrlbridge/internal/monitoring"
	"github.com/banshee-data/ctrlbridge/internal/refine"
)

// Refiner adjusts a raw command before it is sent. On failure it still
// returns a usable vector alongside the error.
type Refiner interface {
	Refine(raw control.Vector) (control.Vector, error)
}

// RefiningTransport runs every outgoing vector through a Refiner. A refiner
// error is logged and counted; the vector it returned is sent anyway.
type RefiningTransport struct {
	Transport
	refiner  Refiner
	throttle *monitoring.Throttle

	failures atomic.Uint64

	mu       sync.Mutex
	lastSent control.Vector
}

// NewRefiningTransport wraps t.
func NewRefiningTransport(t Transport, r Refiner) *RefiningTransport {
	return &RefiningTransport{
		Transport: t,
		refiner:   r,
		throttle:  monitoring.NewThrottle(5 * time.Second),
	}
}

// Exchange refines v and exchanges the result.
func (t *RefiningTransport) Exchange(ctx context.Context, v control.Vector) (control.Vector, error) {
	refined, err := t.refiner.Refine(v)
	if err != nil {
		t.failures.Add(1)
		if errors.Is(err, refine.ErrNonConvergence) {
			t.throttle.Logf("actuation: refinement did not converge, sending projected command")
		} else {
			t.throttle.Logf("actuation: refinement failed, sending fallback command: %v", err)
		}
	}
	t.mu.Lock()
	t.lastSent = refined
	t.mu.Unlock()
	return t.Transport.Exchange(ctx, refined)
}

// OpenOnce forwards to the wrapped transport when it supports single-shot
// opens.
func (t *RefiningTransport) OpenOnce(ctx context.Context) error {
	if o, ok := t.Transport.(onceOpener); ok {
		return o.OpenOnce(ctx)
	}
	return t.Transport.Open(ctx)
}

// LastSent returns the most recent vector handed to the wrapped transport.
func (t *RefiningTransport) LastSent() control.Vector {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastSent
}

// RefineFailures counts refiner errors.
func (t *RefiningTransport) RefineFailures() uint64 { return t.failures.Load() }
