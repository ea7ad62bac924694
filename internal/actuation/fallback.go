package actuation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/ctrlbridge/internal/control"
	"github.com/banshee-data/ctrlbridge/internal/monitoring"
	"github.com/banshee-data/ctrlbridge/internal/timeutil"
)

// ErrNonFiniteReply marks a controller reply containing NaN or Inf. Such a
// reply is never accepted as the last good vector.
var ErrNonFiniteReply = errors.New("actuation: non-finite reply")

type onceOpener interface {
	OpenOnce(ctx context.Context) error
}

// Outcome is the result of applying one command through a FallbackLink.
type Outcome struct {
	// Command is the vector handed to the link.
	Command control.Vector
	// Applied is the controller's reply, or the fallback vector.
	Applied control.Vector
	// Fallback is set when Applied did not come from the controller.
	Fallback bool
	// Err is the absorbed transport error when Fallback is set.
	Err error
}

// FallbackStats summarizes link health.
type FallbackStats struct {
	State     State     `json:"state"`
	Fallbacks uint64    `json:"fallbacks"`
	Reopens   uint64    `json:"reopens"`
	LastError string    `json:"last_error,omitempty"`
	LastGood  time.Time `json:"last_good,omitempty"`
}

// FallbackLink applies the safe-fallback policy on top of a Transport. A
// failed exchange never reaches the caller as an error: the last vector the
// controller acknowledged is reused, or the zero vector if none exists yet.
// Disconnected transports are reopened with one attempt per backoff step.
type FallbackLink struct {
	transport     Transport
	clock         timeutil.Clock
	retry         BackoffConfig
	reopenTimeout time.Duration
	throttle      *monitoring.Throttle

	mu         sync.Mutex
	lastGood   control.Vector
	lastGoodAt time.Time
	haveGood   bool
	attempt    int
	nextReopen time.Time
	fallbacks  uint64
	reopens    uint64
	lastErr    error
}

// NewFallbackLink wraps an opened transport.
func NewFallbackLink(t Transport, retry BackoffConfig, clock timeutil.Clock) *FallbackLink {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &FallbackLink{
		transport:     t,
		clock:         clock,
		retry:         retry,
		reopenTimeout: 50 * time.Millisecond,
		throttle:      monitoring.NewThrottle(5 * time.Second),
	}
}

// Transport returns the wrapped transport.
func (f *FallbackLink) Transport() Transport { return f.transport }

// Apply exchanges v, substituting the fallback vector on any failure.
func (f *FallbackLink) Apply(ctx context.Context, v control.Vector) Outcome {
	if f.transport.State() == Disconnected {
		if err := f.reopen(ctx); err != nil {
			return f.fallback(v, err)
		}
	}

	reply, err := f.transport.Exchange(ctx, v)
	if err != nil {
		return f.fallback(v, err)
	}
	if !reply.Finite() {
		return f.fallback(v, fmt.Errorf("%w: %s: %w", ErrTransportIO, f.transport, ErrNonFiniteReply))
	}

	f.mu.Lock()
	f.lastGood = reply
	f.lastGoodAt = f.clock.Now()
	f.haveGood = true
	f.attempt = 0
	f.nextReopen = time.Time{}
	f.mu.Unlock()
	return Outcome{Command: v, Applied: reply}
}

func (f *FallbackLink) reopen(ctx context.Context) error {
	f.mu.Lock()
	now := f.clock.Now()
	if now.Before(f.nextReopen) {
		f.mu.Unlock()
		return fmt.Errorf("%w: %s: waiting to reconnect", ErrTransportUnavailable, f.transport)
	}
	f.attempt++
	f.nextReopen = now.Add(NextBackoffDelay(f.retry, f.attempt, nil))
	f.reopens++
	f.mu.Unlock()

	rctx, cancel := context.WithTimeout(ctx, f.reopenTimeout)
	defer cancel()
	var err error
	if o, ok := f.transport.(onceOpener); ok {
		err = o.OpenOnce(rctx)
	} else {
		err = f.transport.Open(rctx)
	}
	if err == nil {
		monitoring.Logf("actuation: reconnected to %s", f.transport)
	}
	return err
}

func (f *FallbackLink) fallback(v control.Vector, err error) Outcome {
	f.mu.Lock()
	f.fallbacks++
	f.lastErr = err
	applied := f.lastGood
	f.mu.Unlock()

	f.throttle.Logf("actuation: exchange with %s failed, applying fallback: %v", f.transport, err)
	return Outcome{Command: v, Applied: applied, Fallback: true, Err: err}
}

// LastGood returns the last vector acknowledged by the controller.
func (f *FallbackLink) LastGood() (control.Vector, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastGood, f.haveGood
}

// Stats reports fallback counters.
func (f *FallbackLink) Stats() FallbackStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := FallbackStats{
		State:     f.transport.State(),
		Fallbacks: f.fallbacks,
		Reopens:   f.reopens,
		LastGood:  f.lastGoodAt,
	}
	if f.lastErr != nil {
		st.LastError = f.lastErr.Error()
	}
	return st
}
