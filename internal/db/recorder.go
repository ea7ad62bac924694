package db

import (
	"context"
	"log"
	"sync/atomic"
	"time"
)

// Recorder persists tick records off the control path. Record never
// blocks; when the queue is full the record is dropped and counted.
type Recorder struct {
	db            *DB
	queue         chan TickRecord
	batchSize     int
	flushInterval time.Duration

	written atomic.Uint64
	dropped atomic.Uint64
}

// NewRecorder creates a recorder with a queue of the given depth.
func NewRecorder(db *DB, depth int) *Recorder {
	if depth < 1 {
		depth = 1
	}
	return &Recorder{
		db:            db,
		queue:         make(chan TickRecord, depth),
		batchSize:     50,
		flushInterval: 500 * time.Millisecond,
	}
}

// Record enqueues t, reporting false if it had to be dropped.
func (r *Recorder) Record(t TickRecord) bool {
	select {
	case r.queue <- t:
		return true
	default:
		r.dropped.Add(1)
		return false
	}
}

// Written and Dropped count persisted and discarded records.
func (r *Recorder) Written() uint64 { return r.written.Load() }
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Run writes queued records in batches until ctx is cancelled, then drains
// what is left.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]TickRecord, 0, r.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := r.db.InsertTicks(batch); err != nil {
			log.Printf("recorder: failed to write %d ticks: %v", len(batch), err)
			r.dropped.Add(uint64(len(batch)))
		} else {
			r.written.Add(uint64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case t := <-r.queue:
			batch = append(batch, t)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case t := <-r.queue:
					batch = append(batch, t)
				default:
					flush()
					return ctx.Err()
				}
			}
		}
	}
}
