package actuation

import (
	"errors"
	"fmt"
	"sync/atomic"
)

var (
	// ErrTransportUnavailable means the endpoint could not be opened. Fatal at
	// startup, recoverable afterwards.
	ErrTransportUnavailable = errors.New("actuation: transport unavailable")
	// ErrTransportIO wraps read or write failures during an exchange.
	ErrTransportIO = errors.New("actuation: transport i/o error")
	// ErrClosed is returned by operations on a transport after Close.
	ErrClosed = errors.New("actuation: transport closed")
)

// State is the connection state of a Transport.
type State int32

const (
	Disconnected State = iota
	Connected
	Streaming
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	case Streaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON status payloads.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{Disconnected, Connected, Streaming} {
		if string(b) == st.String() {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("actuation: unknown state %q", b)
}

type stateCell struct {
	v atomic.Int32
}

func (c *stateCell) load() State   { return State(c.v.Load()) }
func (c *stateCell) store(s State) { c.v.Store(int32(s)) }
