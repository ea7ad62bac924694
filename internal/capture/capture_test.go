package capture

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ctrlbridge/internal/actuation"
	"github.com/banshee-data/ctrlbridge/internal/control"
)

var (
	bridgeIP     = net.IPv4(10, 0, 0, 1)
	controllerIP = net.IPv4(10, 0, 0, 2)
	epoch        = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
)

const controllerPort = 5005

type segment struct {
	toController bool
	seq          uint32
	syn          bool
	payload      []byte
}

func serialize(t *testing.T, s segment) []byte {
	t.Helper()
	src, dst := bridgeIP, controllerIP
	srcPort, dstPort := layers.TCPPort(40000), layers.TCPPort(controllerPort)
	if !s.toController {
		src, dst = dst, src
		srcPort, dstPort = dstPort, srcPort
	}
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{Version: 4, TTL: 64, Protocol: layers.IPProtocolTCP, SrcIP: src, DstIP: dst}
	tcp := &layers.TCP{SrcPort: srcPort, DstPort: dstPort, Seq: s.seq, SYN: s.syn, ACK: !s.syn, Window: 65535}
	require.NoError(t, tcp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, tcp, gopacket.Payload(s.payload)))
	return buf.Bytes()
}

func writePcap(t *testing.T, segs ...segment) *bytes.Buffer {
	t.Helper()
	var out bytes.Buffer
	w := pcapgo.NewWriter(&out)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for i, s := range segs {
		data := serialize(t, s)
		ci := gopacket.CaptureInfo{
			Timestamp:     epoch.Add(time.Duration(i) * time.Millisecond),
			CaptureLength: len(data),
			Length:        len(data),
		}
		require.NoError(t, w.WritePacket(ci, data))
	}
	return &out
}

func vec(seed float32) control.Vector {
	var v control.Vector
	for i := range v {
		v[i] = seed + float32(i)/100
	}
	return v
}

func frameBytes(vs ...control.Vector) []byte {
	var out []byte
	for _, v := range vs {
		f := actuation.EncodeFrame(v)
		out = append(out, f[:]...)
	}
	return out
}

func TestExtractReassemblesSplitFrames(t *testing.T) {
	cmds := frameBytes(vec(1), vec(2))
	reply := frameBytes(vec(-1))
	pcap := writePcap(t,
		segment{toController: true, seq: 999, syn: true},
		segment{toController: true, seq: 1000, payload: cmds[:100]},
		segment{toController: true, seq: 1100, payload: cmds[100:]},
		segment{toController: false, seq: 5000, payload: reply},
	)

	frames, stats, err := Extract(pcap, controllerPort)
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assert.Equal(t, ToController, frames[0].Direction)
	assert.Equal(t, vec(1), frames[0].Vector)
	assert.Equal(t, 0, frames[0].Index)
	assert.Equal(t, vec(2), frames[1].Vector)
	assert.Equal(t, 1, frames[1].Index)
	assert.Equal(t, epoch.Add(2*time.Millisecond), frames[1].Time)

	assert.Equal(t, FromController, frames[2].Direction)
	assert.Equal(t, vec(-1), frames[2].Vector)
	assert.Equal(t, 0, frames[2].Index)

	assert.Equal(t, 4, stats.Packets)
	assert.Equal(t, 3, stats.Segments)
	assert.Zero(t, stats.Gaps)
	assert.Zero(t, stats.DiscardedBytes)
}

func TestExtractSkipsRetransmissions(t *testing.T) {
	cmds := frameBytes(vec(3))
	pcap := writePcap(t,
		segment{toController: true, seq: 1, payload: cmds[:200]},
		segment{toController: true, seq: 1, payload: cmds[:200]},
		// Overlaps the first 40 bytes already seen.
		segment{toController: true, seq: 161, payload: cmds[160:]},
	)

	frames, stats, err := Extract(pcap, controllerPort)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, vec(3), frames[0].Vector)
	assert.Equal(t, 1, stats.Retransmitted)
}

func TestExtractResyncsAfterGap(t *testing.T) {
	cmds := frameBytes(vec(4), vec(5))
	pcap := writePcap(t,
		segment{toController: true, seq: 1, payload: cmds[:100]},
		// Bytes 100..240 were never captured.
		segment{toController: true, seq: 241, payload: cmds[240:]},
	)

	frames, stats, err := Extract(pcap, controllerPort)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, vec(5), frames[0].Vector)
	assert.Equal(t, 1, stats.Gaps)
	assert.Equal(t, 100, stats.DiscardedBytes)
}

func TestExtractIgnoresOtherPorts(t *testing.T) {
	pcap := writePcap(t, segment{toController: true, seq: 1, payload: frameBytes(vec(1))})
	frames, stats, err := Extract(pcap, 6000)
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Equal(t, 1, stats.Packets)
	assert.Zero(t, stats.Segments)
}

func TestExtractTrailingPartialFrame(t *testing.T) {
	cmds := frameBytes(vec(6))
	pcap := writePcap(t, segment{toController: true, seq: 1, payload: append(cmds, 1, 2, 3)})
	frames, stats, err := Extract(pcap, controllerPort)
	require.NoError(t, err)
	assert.Len(t, frames, 1)
	assert.Equal(t, 3, stats.DiscardedBytes)
}

func TestExtractRejectsNonPcap(t *testing.T) {
	_, _, err := Extract(bytes.NewReader([]byte("not a capture")), controllerPort)
	assert.Error(t, err)
}

func TestDirectionString(t *testing.T) {
	assert.Equal(t, "command", ToController.String())
	assert.Equal(t, "reply", FromController.String())
}
