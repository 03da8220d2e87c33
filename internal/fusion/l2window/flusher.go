package l2window

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/banshee-data/camera-fusion/internal/timeutil"
)

// FlushFunc performs one flush cycle. It reports whether a window was
// flushed.
type FlushFunc func() bool

// Flusher periodically invokes a FlushFunc. The cadence is driven by wall
// time, not by any single camera's arrivals, so a silent camera never stalls
// the others. Cycles never overlap: each runs to completion on the Run
// goroutine before the next tick is read.
type Flusher struct {
	flush    FlushFunc
	interval time.Duration
	clock    timeutil.Clock
	logger   *log.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// FlusherConfig contains configuration for Flusher.
type FlusherConfig struct {
	// Flush is called once per tick.
	Flush FlushFunc
	// Interval is the tick period, typically a fraction of one frame period.
	Interval time.Duration
	// Clock is optional; if nil, uses timeutil.RealClock.
	Clock timeutil.Clock
	// Logger is optional; if nil, uses log.Default()
	Logger *log.Logger
}

// NewFlusher creates a new Flusher.
func NewFlusher(cfg FlusherConfig) *Flusher {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Flusher{
		flush:    cfg.Flush,
		interval: cfg.Interval,
		clock:    clock,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Run starts the periodic flush loop. It blocks until the context is
// cancelled or Stop() is called. Returns nil on clean shutdown. Buffered
// detections are not drained on shutdown.
func (f *Flusher) Run(ctx context.Context) error {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return nil // already running
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	f.mu.Unlock()

	defer func() {
		close(f.doneCh)
		f.mu.Lock()
		f.running = false
		f.mu.Unlock()
	}()

	if f.interval <= 0 || f.flush == nil {
		f.logger.Printf("[fusion] flusher: interval %v or flush func not set, not starting", f.interval)
		return nil
	}

	ticker := f.clock.NewTicker(f.interval)
	defer ticker.Stop()

	f.logger.Printf("[fusion] flusher started: interval=%v", f.interval)

	for {
		select {
		case <-ctx.Done():
			f.logger.Printf("[fusion] flusher stopping due to context cancellation")
			return nil
		case <-f.stopCh:
			f.logger.Printf("[fusion] flusher stopping due to Stop() call")
			return nil
		case <-ticker.C():
			f.flush()
		}
	}
}

// Stop requests the flusher to stop. It is safe to call multiple times.
func (f *Flusher) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	select {
	case <-f.stopCh:
		// already closed
	default:
		close(f.stopCh)
	}
	doneCh := f.doneCh
	f.mu.Unlock()

	<-doneCh
}

// IsRunning returns whether the flusher is currently running.
func (f *Flusher) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}
