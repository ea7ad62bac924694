// Package capture recovers actuation frames from packet captures of the
// TCP link between the bridge and a motor controller.
package capture

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/ctrlbridge/internal/actuation"
	"github.com/banshee-data/ctrlbridge/internal/control"
)

// Direction tells which side sent a frame.
type Direction int

const (
	// ToController frames are commands written by the bridge.
	ToController Direction = iota
	// FromController frames are the controller's replies.
	FromController
)

func (d Direction) String() string {
	if d == ToController {
		return "command"
	}
	return "reply"
}

// Frame is one decoded actuation frame and the capture time of the
// segment that completed it.
type Frame struct {
	Direction Direction
	Index     int
	Time      time.Time
	Vector    control.Vector
}

// Stats summarises an extraction.
type Stats struct {
	Packets        int
	Segments       int
	Retransmitted  int
	Gaps           int
	DiscardedBytes int
}

type flowKey struct {
	src, dst gopacket.Endpoint
	srcPort  layers.TCPPort
	dstPort  layers.TCPPort
}

// flow reassembles one direction of a TCP stream in sequence order.
type flow struct {
	started bool
	next    uint32
	buf     []byte
	count   int
}

// Extractor splits the byte streams of one TCP port into frames.
type Extractor struct {
	Port  layers.TCPPort
	flows map[flowKey]*flow
	stats Stats
}

// NewExtractor returns an extractor for connections involving port.
func NewExtractor(port uint16) *Extractor {
	return &Extractor{Port: layers.TCPPort(port), flows: make(map[flowKey]*flow)}
}

// Stats returns the counters accumulated so far.
func (e *Extractor) Stats() Stats { return e.stats }

// Packet feeds one captured packet and returns any frames it completes.
func (e *Extractor) Packet(p gopacket.Packet) []Frame {
	e.stats.Packets++
	netLayer := p.NetworkLayer()
	tcpLayer := p.Layer(layers.LayerTypeTCP)
	if netLayer == nil || tcpLayer == nil {
		return nil
	}
	tcp, ok := tcpLayer.(*layers.TCP)
	if !ok {
		return nil
	}
	var dir Direction
	switch {
	case tcp.DstPort == e.Port:
		dir = ToController
	case tcp.SrcPort == e.Port:
		dir = FromController
	default:
		return nil
	}

	net := netLayer.NetworkFlow()
	key := flowKey{src: net.Src(), dst: net.Dst(), srcPort: tcp.SrcPort, dstPort: tcp.DstPort}
	f := e.flows[key]
	if f == nil {
		f = &flow{}
		e.flows[key] = f
	}
	if tcp.SYN {
		f.started = true
		f.next = tcp.Seq + 1
		f.buf = f.buf[:0]
	}
	payload := tcp.Payload
	if len(payload) == 0 {
		return nil
	}
	e.stats.Segments++

	if !f.started {
		f.started = true
		f.next = tcp.Seq
	}
	switch delta := int32(tcp.Seq - f.next); {
	case delta < 0:
		overlap := int(-delta)
		if overlap >= len(payload) {
			e.stats.Retransmitted++
			return nil
		}
		payload = payload[overlap:]
	case delta > 0:
		// Lost bytes break frame alignment; resume at this segment.
		e.stats.Gaps++
		e.stats.DiscardedBytes += len(f.buf)
		f.buf = f.buf[:0]
		f.next = tcp.Seq
	}
	f.next += uint32(len(payload))
	f.buf = append(f.buf, payload...)

	var out []Frame
	at := p.Metadata().Timestamp
	for len(f.buf) >= actuation.FrameSize {
		v, err := actuation.DecodeFrame(f.buf[:actuation.FrameSize])
		if err == nil {
			out = append(out, Frame{Direction: dir, Index: f.count, Time: at, Vector: v})
			f.count++
		}
		f.buf = f.buf[actuation.FrameSize:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return out
}

// Extract reads a pcap stream and returns every complete frame for port in
// capture order.
func Extract(r io.Reader, port uint16) ([]Frame, Stats, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, Stats{}, fmt.Errorf("failed to read pcap header: %w", err)
	}
	e := NewExtractor(port)
	source := gopacket.NewPacketSource(reader, reader.LinkType())
	source.NoCopy = true

	var frames []Frame
	for {
		p, err := source.NextPacket()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return frames, e.Stats(), fmt.Errorf("failed to read packet %d: %w", e.stats.Packets+1, err)
		}
		frames = append(frames, e.Packet(p)...)
	}
	for _, f := range e.flows {
		e.stats.DiscardedBytes += len(f.buf)
	}
	return frames, e.Stats(), nil
}
