package actuation

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/banshee-data/ctrlbridge/internal/control"
)

// TestablePort implements TimeoutSerialPorter with scripted behaviour for
// tests: queued reply bytes, chunked reads, injected errors.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port
	WriteBuffer *bytes.Buffer

	// ReadChunk caps the bytes returned by one Read; zero means no cap
	ReadChunk int

	// WriteChunk caps the bytes accepted by one Write; zero means no cap
	WriteChunk int

	// ReadError is returned by the next Read call if set
	ReadError error

	// WriteError is returned by the next Write call if set
	WriteError error

	// Closed indicates whether Close was called
	Closed bool

	ReadCalls  int
	WriteCalls int

	// ReadTimeout is the timeout set through SetReadTimeout
	ReadTimeout time.Duration

	// Respond, if set, is called with every complete frame written and its
	// result is queued as the reply
	Respond func(control.Vector) control.Vector

	pending []byte
}

// NewTestablePort creates an empty TestablePort.
func NewTestablePort() *TestablePort {
	return &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

// NewEchoPort returns a port that answers every frame with the same frame.
func NewEchoPort() *TestablePort {
	p := NewTestablePort()
	p.Respond = func(v control.Vector) control.Vector { return v }
	return p
}

// Read returns queued data. An empty buffer reads as (0, nil), which is how
// go.bug.st/serial reports a read timeout.
func (t *TestablePort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++
	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.ReadChunk > 0 && len(p) > t.ReadChunk {
		p = p[:t.ReadChunk]
	}
	if t.ReadBuffer.Len() == 0 {
		return 0, nil
	}
	return t.ReadBuffer.Read(p)
}

// Write records data, optionally accepting only WriteChunk bytes per call.
func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.WriteCalls++
	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	if t.WriteChunk > 0 && len(p) > t.WriteChunk {
		p = p[:t.WriteChunk]
	}
	t.WriteBuffer.Write(p)

	if t.Respond != nil {
		t.pending = append(t.pending, p...)
		for len(t.pending) >= FrameSize {
			v, _ := DecodeFrame(t.pending[:FrameSize])
			t.pending = t.pending[FrameSize:]
			reply := EncodeFrame(t.Respond(v))
			t.ReadBuffer.Write(reply[:])
		}
	}
	return len(p), nil
}

// Close marks the port as closed.
func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return nil
}

// SetReadTimeout implements TimeoutSerialPorter.
func (t *TestablePort) SetReadTimeout(timeout time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = timeout
	return nil
}

// AddReadData queues bytes for subsequent reads.
func (t *TestablePort) AddReadData(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(data)
}

// GetWrittenData returns a copy of everything written to the port.
func (t *TestablePort) GetWrittenData() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}

// MockOpener hands out ports from a list and records open calls. Once the
// list is exhausted the last port is reused; Err fails every open.
type MockOpener struct {
	mu    sync.Mutex
	Ports []SerialPorter
	Err   error
	Calls []MockOpenCall
}

// MockOpenCall records details of an Open call.
type MockOpenCall struct {
	Path string
	Mode *serial.Mode
}

// Open implements SerialPortOpener.
func (o *MockOpener) Open(path string, mode *serial.Mode) (SerialPorter, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Calls = append(o.Calls, MockOpenCall{Path: path, Mode: mode})
	if o.Err != nil {
		return nil, o.Err
	}
	if len(o.Ports) == 0 {
		return nil, errors.New("no mock port configured")
	}
	port := o.Ports[0]
	if len(o.Ports) > 1 {
		o.Ports = o.Ports[1:]
	}
	return port, nil
}

// OpenCalls returns the number of Open calls so far.
func (o *MockOpener) OpenCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.Calls)
}

// Simulator stands in for the actuation controller in development mode. It
// answers each frame with Respond(frame), or echoes it when Respond is nil.
type Simulator struct {
	Respond func(control.Vector) control.Vector
}

// Serve answers frames on rw until it fails or ctx is cancelled.
func (s Simulator) Serve(ctx context.Context, rw io.ReadWriter) error {
	for ctx.Err() == nil {
		v, err := ReadFrame(rw)
		if err != nil {
			return err
		}
		if s.Respond != nil {
			v = s.Respond(v)
		}
		if err := WriteFrame(rw, v); err != nil {
			return err
		}
	}
	return ctx.Err()
}

// DialAndServe connects to a Listen-mode transport at addr and serves frames,
// redialling after disconnects until ctx is cancelled.
func (s Simulator) DialAndServe(ctx context.Context, addr string) error {
	var d net.Dialer
	for {
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err == nil {
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			err = s.Serve(ctx, conn)
			stop()
			_ = conn.Close()
			if err != nil && ctx.Err() == nil {
				log.Printf("simulator: connection to %s ended: %v", addr, err)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}
