// Package actuation exchanges fixed-width control frames with the actuation
// controller over a serial line or a TCP socket.
package actuation

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/banshee-data/ctrlbridge/internal/control"
)

// FrameSize is the wire size of one actuation frame: control.Width IEEE-754
// float32 values, little-endian, no header or checksum. The same layout is
// used in both directions.
const FrameSize = control.Width * 4

// ErrShortFrame is returned by DecodeFrame for buffers that are not exactly
// FrameSize bytes.
var ErrShortFrame = errors.New("actuation: frame must be 240 bytes")

// EncodeFrame serializes v into its wire form.
func EncodeFrame(v control.Vector) [FrameSize]byte {
	var buf [FrameSize]byte
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

// DecodeFrame parses a wire frame. Every bit pattern is accepted, including
// NaN payloads, so the round trip is exact.
func DecodeFrame(b []byte) (control.Vector, error) {
	var v control.Vector
	if len(b) != FrameSize {
		return v, fmt.Errorf("%w: got %d", ErrShortFrame, len(b))
	}
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}

// WriteFrame writes the full frame, retrying short writes until all
// FrameSize bytes are out or the writer fails.
func WriteFrame(w io.Writer, v control.Vector) error {
	buf := EncodeFrame(v)
	written := 0
	for written < FrameSize {
		n, err := w.Write(buf[written:])
		written += n
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

// ReadFrame blocks until a complete frame has been read. Partial reads are
// accumulated; a stream that ends mid-frame yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) (control.Vector, error) {
	var buf [FrameSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return control.Vector{}, err
	}
	return DecodeFrame(buf[:])
}
