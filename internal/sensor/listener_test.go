package sensor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/ctrlbridge/internal/monitoring"
)

type recordingIngester struct {
	mu      sync.Mutex
	samples map[Modality][][]float64
	fail    bool
}

func (r *recordingIngester) Ingest(m Modality, sample []float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("rejected")
	}
	if r.samples == nil {
		r.samples = make(map[Modality][][]float64)
	}
	r.samples[m] = append(r.samples[m], sample)
	return nil
}

func (r *recordingIngester) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.samples {
		n += len(s)
	}
	return n
}

func TestSampleMessageDecode(t *testing.T) {
	var dec SampleMessage
	m, vals, err := dec.Decode([]byte(`{"modality":"foot_forces","values":[0,0,9.8]}`))
	require.NoError(t, err)
	assert.Equal(t, FootForces, m)
	assert.Equal(t, []float64{0, 0, 9.8}, vals)

	_, _, err = dec.Decode([]byte(`{"modality":"sonar","values":[1]}`))
	assert.Error(t, err)
	_, _, err = dec.Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestUDPListenerForwardsSamples(t *testing.T) {
	ing := &recordingIngester{}
	l := NewUDPListener(UDPListenerConfig{Address: "127.0.0.1:0", Ingester: ing})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()

	addr, err := l.Addr(ctx)
	require.NoError(t, err)
	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte(`{"modality":"object_forces","values":[1,2,3]}`))
	require.NoError(t, err)
	_, err = conn.Write([]byte(`garbage`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, dropped := l.Counts()
		return ing.count() == 1 && dropped == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
}

func TestUDPListenerThrottlesDropLogging(t *testing.T) {
	var mu sync.Mutex
	var lines []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, fmt.Sprintf(format, v...))
	})
	defer monitoring.SetLogger(log.Printf)

	ing := &recordingIngester{}
	l := NewUDPListener(UDPListenerConfig{Address: "127.0.0.1:0", Ingester: ing})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Start(ctx) }()

	addr, err := l.Addr(ctx)
	require.NoError(t, err)
	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	for i := 0; i < 20; i++ {
		_, err = conn.Write([]byte(`{"modality":"sonar","values":[1]}`))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		_, dropped := l.Counts()
		return dropped == 20
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	n := 0
	for _, line := range lines {
		if strings.Contains(line, "dropping datagram") {
			n++
		}
	}
	assert.Equal(t, 1, n)
}
