package actuation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/banshee-data/ctrlbridge/internal/control"
	"github.com/banshee-data/ctrlbridge/internal/timeutil"
)

func TestPortOptionsNormalize(t *testing.T) {
	opts, err := PortOptions{}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, PortOptions{BaudRate: 9600, DataBits: 8, StopBits: 1, Parity: "N"}, opts)

	opts, err = PortOptions{BaudRate: 115200, Parity: "even", StopBits: 2}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "E", opts.Parity)
	assert.Equal(t, 115200, opts.BaudRate)

	bad := []PortOptions{
		{DataBits: 9},
		{StopBits: 3},
		{Parity: "mark"},
	}
	for _, o := range bad {
		_, err := o.Normalize()
		assert.Error(t, err, "%+v", o)
	}
}

func TestPortOptionsSerialMode(t *testing.T) {
	mode, err := PortOptions{Parity: "O", StopBits: 2}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 9600, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, serial.OddParity, mode.Parity)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
}

func testLink() LinkConfig {
	return LinkConfig{
		Retry: BackoffConfig{MaxAttempts: 3},
		Clock: timeutil.NewMockClock(time.Unix(0, 0)),
	}
}

func newSerial(t *testing.T, opener *MockOpener) *SerialTransport {
	t.Helper()
	tr, err := NewSerialTransport(SerialConfig{
		Path:        "/dev/ttyACM0",
		ReadTimeout: 50 * time.Millisecond,
		Link:        testLink(),
		Opener:      opener.Open,
	})
	require.NoError(t, err)
	return tr
}

func TestSerialTransportExchange(t *testing.T) {
	port := NewEchoPort()
	opener := &MockOpener{Ports: []SerialPorter{port}}
	tr := newSerial(t, opener)
	assert.Equal(t, Disconnected, tr.State())

	require.NoError(t, tr.Open(context.Background()))
	assert.Equal(t, Connected, tr.State())
	assert.Equal(t, 50*time.Millisecond, port.ReadTimeout)
	require.Len(t, opener.Calls, 1)
	assert.Equal(t, "/dev/ttyACM0", opener.Calls[0].Path)
	assert.Equal(t, 9600, opener.Calls[0].Mode.BaudRate)

	v := rampVector()
	got, err := tr.Exchange(context.Background(), v)
	require.NoError(t, err)
	assert.Equal(t, v, got)
	assert.Equal(t, Streaming, tr.State())
	assert.Len(t, port.GetWrittenData(), FrameSize)

	st := tr.Stats()
	assert.Equal(t, uint64(1), st.Exchanges)
	assert.Equal(t, uint64(0), st.Failures)
}

func TestSerialTransportPartialReplies(t *testing.T) {
	port := NewEchoPort()
	port.ReadChunk = 13
	port.WriteChunk = 50
	tr := newSerial(t, &MockOpener{Ports: []SerialPorter{port}})
	require.NoError(t, tr.Open(context.Background()))

	for i := 0; i < 3; i++ {
		v := rampVector()
		v[0] = float32(i)
		got, err := tr.Exchange(context.Background(), v)
		require.NoError(t, err)
		assert.Equal(t, v, got)
	}
}

func TestSerialTransportReadTimeout(t *testing.T) {
	port := NewTestablePort() // never replies
	tr := newSerial(t, &MockOpener{Ports: []SerialPorter{port}})
	require.NoError(t, tr.Open(context.Background()))

	_, err := tr.Exchange(context.Background(), rampVector())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransportIO)
	assert.ErrorIs(t, err, ErrReadTimeout)
	assert.Equal(t, Disconnected, tr.State())
	assert.True(t, port.Closed)

	_, err = tr.Exchange(context.Background(), rampVector())
	assert.ErrorIs(t, err, ErrTransportIO)
}

func TestSerialTransportWriteError(t *testing.T) {
	port := NewEchoPort()
	port.WriteError = errors.New("device unplugged")
	tr := newSerial(t, &MockOpener{Ports: []SerialPorter{port}})
	require.NoError(t, tr.Open(context.Background()))

	_, err := tr.Exchange(context.Background(), control.Vector{})
	assert.ErrorIs(t, err, ErrTransportIO)
	assert.Equal(t, Disconnected, tr.State())
	assert.Equal(t, uint64(1), tr.Stats().Failures)
}

func TestSerialTransportOpenRetriesThenFails(t *testing.T) {
	opener := &MockOpener{Err: errors.New("no such device")}
	tr := newSerial(t, opener)

	err := tr.Open(context.Background())
	assert.ErrorIs(t, err, ErrTransportUnavailable)
	assert.Equal(t, 3, opener.OpenCalls())
	assert.Equal(t, Disconnected, tr.State())
}

func TestSerialTransportOpenOnce(t *testing.T) {
	opener := &MockOpener{Err: errors.New("busy")}
	tr := newSerial(t, opener)
	assert.ErrorIs(t, tr.OpenOnce(context.Background()), ErrTransportUnavailable)
	assert.Equal(t, 1, opener.OpenCalls())
}

func TestSerialTransportClosed(t *testing.T) {
	tr := newSerial(t, &MockOpener{Ports: []SerialPorter{NewEchoPort()}})
	require.NoError(t, tr.Open(context.Background()))
	require.NoError(t, tr.Close())
	assert.Equal(t, Disconnected, tr.State())
	assert.ErrorIs(t, tr.Open(context.Background()), ErrClosed)
	_, err := tr.Exchange(context.Background(), control.Vector{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewSerialTransportRejectsBadOptions(t *testing.T) {
	_, err := NewSerialTransport(SerialConfig{Path: "/dev/null", Options: PortOptions{DataBits: 4}})
	assert.Error(t, err)
}
