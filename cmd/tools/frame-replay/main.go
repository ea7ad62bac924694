// Command frame-replay extracts actuation frames from a pcap of the
// bridge's TCP link. It can print them or replay the command stream to a
// controller at the original pacing.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/ctrlbridge/internal/actuation"
	"github.com/banshee-data/ctrlbridge/internal/capture"
)

var (
	pcapFile = flag.String("pcap", "", "Capture file to read (required)")
	port     = flag.Uint("port", 5005, "Controller TCP port")
	asJSON   = flag.Bool("json", false, "Emit one JSON object per frame")
	sendTo   = flag.String("send", "", "Replay command frames to a controller at this address")
	speed    = flag.Float64("speed", 1.0, "Replay speed multiplier (0 sends as fast as possible)")
)

type frameJSON struct {
	Direction string    `json:"direction"`
	Index     int       `json:"index"`
	Time      time.Time `json:"time"`
	Norm      float64   `json:"norm"`
	Values    []float64 `json:"values"`
}

func main() {
	flag.Parse()
	if *pcapFile == "" {
		flag.Usage()
		os.Exit(2)
	}
	if *port == 0 || *port > 65535 {
		log.Fatalf("invalid port %d", *port)
	}

	f, err := os.Open(*pcapFile)
	if err != nil {
		log.Fatalf("failed to open %s: %v", *pcapFile, err)
	}
	frames, stats, err := capture.Extract(f, uint16(*port))
	f.Close()
	if err != nil {
		log.Fatalf("failed to extract frames: %v", err)
	}
	log.Printf("%d packets, %d segments, %d retransmitted, %d gaps, %d bytes discarded: %d frames",
		stats.Packets, stats.Segments, stats.Retransmitted, stats.Gaps, stats.DiscardedBytes, len(frames))

	if *sendTo == "" {
		printFrames(frames)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := replay(ctx, frames); err != nil {
		log.Fatalf("replay failed: %v", err)
	}
}

func printFrames(frames []capture.Frame) {
	enc := json.NewEncoder(os.Stdout)
	for _, fr := range frames {
		if *asJSON {
			if err := enc.Encode(frameJSON{
				Direction: fr.Direction.String(),
				Index:     fr.Index,
				Time:      fr.Time,
				Norm:      fr.Vector.Norm(),
				Values:    fr.Vector.Float64s(),
			}); err != nil {
				log.Fatalf("failed to encode frame: %v", err)
			}
			continue
		}
		fmt.Printf("%s %-7s #%-6d |u|=%.4f u[0..3]=%.4f %.4f %.4f %.4f\n",
			fr.Time.Format("15:04:05.000"), fr.Direction, fr.Index, fr.Vector.Norm(),
			fr.Vector[0], fr.Vector[1], fr.Vector[2], fr.Vector[3])
	}
}

// replay sends the captured commands over a fresh socket transport and
// reports how far each reply drifted from the recorded one.
func replay(ctx context.Context, frames []capture.Frame) error {
	tr, err := actuation.NewSocketTransport(actuation.SocketConfig{
		Address: *sendTo,
		Mode:    actuation.Dial,
		Link:    actuation.DefaultLinkConfig(),
	})
	if err != nil {
		return err
	}
	defer tr.Close()
	if err := tr.Open(ctx); err != nil {
		return err
	}

	recorded := make(map[int]capture.Frame)
	for _, fr := range frames {
		if fr.Direction == capture.FromController {
			recorded[fr.Index] = fr
		}
	}

	var prev time.Time
	sent := 0
	for _, fr := range frames {
		if fr.Direction != capture.ToController {
			continue
		}
		if *speed > 0 && !prev.IsZero() {
			wait := time.Duration(float64(fr.Time.Sub(prev)) / *speed)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		prev = fr.Time

		reply, err := tr.Exchange(ctx, fr.Vector)
		if err != nil {
			return fmt.Errorf("frame %d: %w", fr.Index, err)
		}
		sent++
		if want, ok := recorded[fr.Index]; ok {
			var drift float64
			for i := range reply {
				d := float64(reply[i] - want.Vector[i])
				drift += d * d
			}
			log.Printf("frame %d: reply squared error %.6g", fr.Index, drift)
		}
	}
	log.Printf("replayed %d command frames to %s", sent, *sendTo)
	return nil
}
