package actuation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.bug.st/serial"
)

// DefaultBaudRate is the actuation controller's line rate.
const DefaultBaudRate = 9600

// ErrReadTimeout is returned when a serial read times out mid-frame.
var ErrReadTimeout = errors.New("actuation: serial read timeout")

// SerialPorter is the minimal interface needed from a serial port. It lets
// tests substitute TestablePort for real hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// TimeoutSerialPorter is implemented by ports that support read timeouts.
type TimeoutSerialPorter interface {
	SerialPorter
	SetReadTimeout(timeout time.Duration) error
}

// SerialPortOpener opens the device at path. Replaced in tests.
type SerialPortOpener func(path string, mode *serial.Mode) (SerialPorter, error)

// OpenRealPort opens a hardware port through go.bug.st/serial.
func OpenRealPort(path string, mode *serial.Mode) (SerialPorter, error) {
	return serial.Open(path, mode)
}

// PortOptions describes the serial line settings. JSON tags match the
// control configuration file.
type PortOptions struct {
	BaudRate int    `json:"baud_rate" toml:"baud_rate"`
	DataBits int    `json:"data_bits" toml:"data_bits"`
	StopBits int    `json:"stop_bits" toml:"stop_bits"`
	Parity   string `json:"parity" toml:"parity"`
}

// Normalize validates the options and fills in 9600 8N1 for unset values.
func (o PortOptions) Normalize() (PortOptions, error) {
	opts := o

	if opts.BaudRate <= 0 {
		opts.BaudRate = DefaultBaudRate
	}

	if opts.DataBits == 0 {
		opts.DataBits = 8
	}
	if opts.DataBits < 5 || opts.DataBits > 8 {
		return opts, fmt.Errorf("invalid data bits %d: must be between 5 and 8", opts.DataBits)
	}

	if opts.StopBits == 0 {
		opts.StopBits = 1
	}
	if opts.StopBits != 1 && opts.StopBits != 2 {
		return opts, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", opts.StopBits)
	}

	parity := strings.TrimSpace(strings.ToUpper(opts.Parity))
	switch parity {
	case "", "N", "NONE":
		parity = "N"
	case "E", "EVEN":
		parity = "E"
	case "O", "ODD":
		parity = "O"
	default:
		return opts, fmt.Errorf("unsupported parity %q: expected N, E, or O", opts.Parity)
	}

	opts.Parity = parity
	return opts, nil
}

// SerialMode converts the options into the go.bug.st/serial mode.
func (o PortOptions) SerialMode() (*serial.Mode, error) {
	opts, err := o.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
		DataBits: opts.DataBits,
		StopBits: serial.OneStopBit,
	}
	if opts.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch opts.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	default:
		mode.Parity = serial.NoParity
	}
	return mode, nil
}

// SerialConfig configures a SerialTransport.
type SerialConfig struct {
	Path    string
	Options PortOptions
	// ReadTimeout is applied to the port after open. Zero blocks forever.
	ReadTimeout time.Duration
	Link        LinkConfig
	Opener      SerialPortOpener
}

// SerialTransport talks to the controller over a serial line.
type SerialTransport struct {
	*stream
	path string
}

// NewSerialTransport validates the port options and returns a closed
// transport; call Open before exchanging.
func NewSerialTransport(cfg SerialConfig) (*SerialTransport, error) {
	mode, err := cfg.Options.SerialMode()
	if err != nil {
		return nil, err
	}
	opener := cfg.Opener
	if opener == nil {
		opener = OpenRealPort
	}
	timeout := cfg.ReadTimeout
	dial := func(ctx context.Context) (io.ReadWriteCloser, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		port, err := opener(cfg.Path, mode)
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			if tp, ok := port.(TimeoutSerialPorter); ok {
				if err := tp.SetReadTimeout(timeout); err != nil {
					_ = port.Close()
					return nil, fmt.Errorf("set read timeout: %w", err)
				}
			}
		}
		return serialConn{SerialPorter: port}, nil
	}
	return &SerialTransport{
		stream: newStream("serial:"+cfg.Path, dial, cfg.Link),
		path:   cfg.Path,
	}, nil
}

// Path returns the device path.
func (t *SerialTransport) Path() string { return t.path }

// serialConn maps go.bug.st/serial's timeout signal, a zero-byte read with
// no error, to ErrReadTimeout so io.ReadFull does not spin.
type serialConn struct {
	SerialPorter
}

func (c serialConn) Read(p []byte) (int, error) {
	n, err := c.SerialPorter.Read(p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, ErrReadTimeout
	}
	return n, err
}
