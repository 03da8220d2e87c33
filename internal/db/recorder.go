package db

import (
	"context"
	"log"
	"sync/atomic"

	"github.com/banshee-data/camera-fusion/internal/fusion"
)

// FrameSource is the subscription side of the frame publisher.
type FrameSource interface {
	Subscribe(buffer int) (string, <-chan *fusion.FusedFrame)
	Unsubscribe(id string)
}

// Recorder persists every published frame.
type Recorder struct {
	db     *DB
	source FrameSource
	buffer int

	recorded atomic.Uint64
	failed   atomic.Uint64
}

// NewRecorder creates a recorder writing frames from source into db.
func NewRecorder(db *DB, source FrameSource, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 64
	}
	return &Recorder{db: db, source: source, buffer: buffer}
}

// Run records frames until ctx is cancelled or the source closes the
// subscription.
func (r *Recorder) Run(ctx context.Context) error {
	id, frames := r.source.Subscribe(r.buffer)
	defer r.source.Unsubscribe(id)
	log.Printf("[db] recorder subscribed as %s", id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case frame, ok := <-frames:
			if !ok {
				return nil
			}
			if err := r.db.RecordFrame(frame); err != nil {
				if n := r.failed.Add(1); n == 1 || n%100 == 0 {
					log.Printf("[db] failed to record frame %s: %v (failures: %d)", frame.ID, err, n)
				}
				continue
			}
			r.recorded.Add(1)
		}
	}
}

// Recorded returns how many frames were written.
func (r *Recorder) Recorded() uint64 { return r.recorded.Load() }

// Failed returns how many frames could not be written.
func (r *Recorder) Failed() uint64 { return r.failed.Load() }
