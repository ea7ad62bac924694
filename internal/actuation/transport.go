package actuation

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/ctrlbridge/internal/control"
	"github.com/banshee-data/ctrlbridge/internal/timeutil"
)

// Transport is a bidirectional channel to one actuation controller. Each
// Exchange writes one frame and then blocks for exactly one frame back.
// Implementations allow a single exchange in flight at a time.
type Transport interface {
	// Open connects to the endpoint, retrying with backoff. Failure wraps
	// ErrTransportUnavailable.
	Open(ctx context.Context) error
	// Exchange sends v and returns the controller's reply. Failure wraps
	// ErrTransportIO and leaves the transport Disconnected.
	Exchange(ctx context.Context, v control.Vector) (control.Vector, error)
	State() State
	Close() error
	String() string
}

// LinkConfig holds the settings shared by every stream transport.
type LinkConfig struct {
	Retry BackoffConfig
	// IOTimeout bounds a single exchange. Zero blocks until the peer
	// answers or the context is cancelled.
	IOTimeout time.Duration
	Clock     timeutil.Clock
}

// DefaultLinkConfig returns bounded retries and a one second exchange timeout.
func DefaultLinkConfig() LinkConfig {
	return LinkConfig{
		Retry:     DefaultBackoff(),
		IOTimeout: time.Second,
		Clock:     timeutil.RealClock{},
	}
}

// LinkStats counts exchanges on one transport.
type LinkStats struct {
	State     State  `json:"state"`
	Endpoint  string `json:"endpoint"`
	Opens     uint64 `json:"opens"`
	Exchanges uint64 `json:"exchanges"`
	Failures  uint64 `json:"failures"`
}

type dialFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// stream implements the framing, locking and state machine on top of any
// byte stream. The serial and socket transports only supply dial.
type stream struct {
	name string
	dial dialFunc
	cfg  LinkConfig

	mu     sync.Mutex
	conn   io.ReadWriteCloser
	closed bool
	state  stateCell

	opens, exchanges, failures atomic.Uint64
}

func newStream(name string, dial dialFunc, cfg LinkConfig) *stream {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &stream{name: name, dial: dial, cfg: cfg}
}

func (s *stream) String() string { return s.name }

func (s *stream) State() State { return s.state.load() }

func (s *stream) Stats() LinkStats {
	return LinkStats{
		State:     s.State(),
		Endpoint:  s.name,
		Opens:     s.opens.Load(),
		Exchanges: s.exchanges.Load(),
		Failures:  s.failures.Load(),
	}
}

func (s *stream) Open(ctx context.Context) error {
	return s.open(ctx, s.cfg.Retry.attempts())
}

// OpenOnce makes a single connection attempt without backoff.
func (s *stream) OpenOnce(ctx context.Context) error {
	return s.open(ctx, 1)
}

func (s *stream) open(ctx context.Context, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.conn != nil {
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := s.dial(ctx)
		if err == nil {
			s.conn = conn
			s.opens.Add(1)
			s.state.store(Connected)
			return nil
		}
		lastErr = err
		if ctx.Err() != nil || attempt == attempts {
			break
		}
		delay := NextBackoffDelay(s.cfg.Retry, attempt, nil)
		log.Printf("actuation: open %s failed (attempt %d/%d): %v; retrying in %v", s.name, attempt, attempts, err, delay)
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-s.cfg.Clock.After(delay):
			continue
		}
		break
	}
	return fmt.Errorf("%w: %s: %w", ErrTransportUnavailable, s.name, lastErr)
}

func (s *stream) Exchange(ctx context.Context, v control.Vector) (control.Vector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return control.Vector{}, ErrClosed
	}
	if s.conn == nil {
		return control.Vector{}, fmt.Errorf("%w: %s: not connected", ErrTransportIO, s.name)
	}
	if err := ctx.Err(); err != nil {
		return control.Vector{}, err
	}

	stop := s.armDeadline(ctx)
	defer stop()

	s.state.store(Streaming)
	if err := WriteFrame(s.conn, v); err != nil {
		return control.Vector{}, s.fail("write", err)
	}
	reply, err := ReadFrame(s.conn)
	if err != nil {
		return control.Vector{}, s.fail("read", err)
	}
	s.exchanges.Add(1)
	return reply, nil
}

// fail drops the connection so the next Open starts clean. Caller holds mu.
func (s *stream) fail(op string, err error) error {
	s.failures.Add(1)
	_ = s.conn.Close()
	s.conn = nil
	s.state.store(Disconnected)
	return fmt.Errorf("%w: %s %s: %w", ErrTransportIO, op, s.name, err)
}

type deadliner interface {
	SetDeadline(t time.Time) error
}

// armDeadline applies IOTimeout and context cancellation to connections that
// support deadlines. Serial ports get their timeout at open instead.
func (s *stream) armDeadline(ctx context.Context) func() {
	d, ok := s.conn.(deadliner)
	if !ok {
		return func() {}
	}
	var deadline time.Time
	if s.cfg.IOTimeout > 0 {
		deadline = time.Now().Add(s.cfg.IOTimeout)
	}
	if cd, ok := ctx.Deadline(); ok && (deadline.IsZero() || cd.Before(deadline)) {
		deadline = cd
	}
	_ = d.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = d.SetDeadline(time.Unix(1, 0))
	})
	return func() { stop() }
}

func (s *stream) disconnectLocked() error {
	s.state.store(Disconnected)
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.disconnectLocked()
}
