package sensor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/banshee-data/ctrlbridge/internal/monitoring"
)

// Ingester accepts one sample for one modality.
type Ingester interface {
	Ingest(m Modality, sample []float64) error
}

// SampleMessage is the JSON datagram accepted by UDPListener.
type SampleMessage struct {
	Modality string    `json:"modality"`
	Values   []float64 `json:"values"`
}

// Decode parses a datagram into a modality and sample.
func (SampleMessage) Decode(payload []byte) (Modality, []float64, error) {
	var msg SampleMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return 0, nil, fmt.Errorf("failed to unmarshal sample: %w", err)
	}
	m, err := ParseModality(msg.Modality)
	if err != nil {
		return 0, nil, err
	}
	return m, msg.Values, nil
}

// UDPListener receives SampleMessage datagrams and forwards them to an
// Ingester. It stands in for the robot's message bus.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	ingester    Ingester

	conn     *net.UDPConn
	ready    chan struct{}
	received atomic.Uint64
	dropped  atomic.Uint64
	dropLog  *monitoring.Throttle
}

// UDPListenerConfig contains configuration options for the UDP listener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Ingester    Ingester
}

// NewUDPListener creates a listener with the provided configuration.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      config.RcvBuf,
		logInterval: logInterval,
		ingester:    config.Ingester,
		ready:       make(chan struct{}),
		dropLog:     monitoring.NewThrottle(5 * time.Second),
	}
}

// Addr blocks until the socket is bound and returns its local address.
func (l *UDPListener) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-l.ready:
		return l.conn.LocalAddr(), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Counts returns the number of accepted and dropped datagrams.
func (l *UDPListener) Counts() (received, dropped uint64) {
	return l.received.Load(), l.dropped.Load()
}

// Start listens until ctx is cancelled.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	defer conn.Close()
	l.conn = conn
	close(l.ready)

	if l.rcvBuf > 0 {
		if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
			log.Printf("Warning: failed to set UDP receive buffer size to %d: %v", l.rcvBuf, err)
		}
	}
	log.Printf("sensor listener started on %s", conn.LocalAddr())

	statsTicker := time.NewTicker(l.logInterval)
	defer statsTicker.Stop()

	var decoder SampleMessage
	buffer := make([]byte, 64*1024)
	for {
		select {
		case <-ctx.Done():
			log.Print("sensor listener stopping due to context cancellation")
			return ctx.Err()
		case <-statsTicker.C:
			log.Printf("sensor listener: received=%d dropped=%d", l.received.Load(), l.dropped.Load())
		default:
		}

		// short deadline so cancellation is noticed promptly
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("sensor listener read failed: %w", err)
		}

		m, sample, err := decoder.Decode(buffer[:n])
		if err != nil {
			l.dropped.Add(1)
			l.dropLog.Logf("sensor listener: dropping datagram: %v", err)
			continue
		}
		if err := l.ingester.Ingest(m, sample); err != nil {
			l.dropped.Add(1)
			continue
		}
		l.received.Add(1)
	}
}
