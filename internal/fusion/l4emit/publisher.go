package l4emit

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/banshee-data/camera-fusion/internal/fusion"
)

// DefaultSubscriberBuffer is the channel depth given to each subscriber.
const DefaultSubscriberBuffer = 16

// Publisher fans fused frames out to subscribers. Publish never blocks: a
// subscriber whose channel is full misses that frame, and the drop is
// counted. Frames reach each subscriber in publish order.
type Publisher struct {
	mu          sync.RWMutex
	subscribers map[string]chan *fusion.FusedFrame
	closed      bool

	frameCount   atomic.Uint64
	droppedCount atomic.Uint64
}

// NewPublisher creates a Publisher with no subscribers.
func NewPublisher() *Publisher {
	return &Publisher{
		subscribers: make(map[string]chan *fusion.FusedFrame),
	}
}

// Subscribe registers a new subscriber with a channel of depth buffer
// (DefaultSubscriberBuffer if buffer <= 0). The id identifies it to
// Unsubscribe. Subscribing to a closed publisher returns a closed channel.
func (p *Publisher) Subscribe(buffer int) (string, <-chan *fusion.FusedFrame) {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	id := uuid.NewString()
	ch := make(chan *fusion.FusedFrame, buffer)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		close(ch)
		return id, ch
	}
	p.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (p *Publisher) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.subscribers[id]; ok {
		close(ch)
		delete(p.subscribers, id)
	}
}

// Publish delivers frame to every subscriber. A nil frame is ignored.
func (p *Publisher) Publish(frame *fusion.FusedFrame) {
	if frame == nil {
		return
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	p.frameCount.Add(1)
	for id, ch := range p.subscribers {
		select {
		case ch <- frame:
		default:
			// slow subscriber, skip so as not to stall the flush loop
			if n := p.droppedCount.Add(1); n == 1 || n%100 == 0 {
				log.Printf("[fusion] subscriber %s is slow, dropped frame %s (total dropped: %d)", id, frame.ID, n)
			}
		}
	}
}

// Close closes every subscriber channel. Later publishes are ignored.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.subscribers {
		close(ch)
		delete(p.subscribers, id)
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	FrameCount  uint64 `json:"frame_count"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	p.mu.RLock()
	n := len(p.subscribers)
	p.mu.RUnlock()
	return PublisherStats{
		FrameCount:  p.frameCount.Load(),
		Dropped:     p.droppedCount.Load(),
		Subscribers: n,
	}
}
