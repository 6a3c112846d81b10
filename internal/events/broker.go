// Package events fans job events out to in-process subscribers.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"jobengine/internal/core"
)

// DefaultBufferSize is the channel capacity given to subscribers.
const DefaultBufferSize = 64

// Subscription receives published events on C until it is closed.
type Subscription struct {
	ID uuid.UUID
	C  <-chan core.JobEvent

	ch      chan core.JobEvent
	filter  func(core.JobEvent) bool
	dropped atomic.Int64
}

// Dropped reports how many events were discarded because the subscriber fell behind.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Broker implements core.Publisher. Publish never blocks: a subscriber whose buffer is full
// misses the event.
type Broker struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]*Subscription
	closed bool
	logger *zap.SugaredLogger
}

// NewBroker creates an empty broker.
func NewBroker(logger *zap.SugaredLogger) *Broker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Broker{subs: make(map[uuid.UUID]*Subscription), logger: logger}
}

// Subscribe registers a subscriber. filter may be nil to receive every event.
func (b *Broker) Subscribe(buffer int, filter func(core.JobEvent) bool) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	ch := make(chan core.JobEvent, buffer)
	sub := &Subscription{ID: uuid.New(), C: ch, ch: ch, filter: filter}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes the subscriber and closes its channel. Unknown IDs are ignored.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.ID]; !ok {
		return
	}
	delete(b.subs, sub.ID)
	close(sub.ch)
}

// Publish delivers the event to every matching subscriber.
func (b *Broker) Publish(event core.JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			b.logger.Debugw("subscriber is behind, dropping event",
				"subscription", sub.ID, "type", event.Type, "job_id", event.JobID)
		}
	}
}

// Len returns the number of subscribers.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later subscriptions are closed immediately.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		close(sub.ch)
		delete(b.subs, id)
	}
}

// Multi publishes each event to several publishers.
type Multi []core.Publisher

func (m Multi) Publish(event core.JobEvent) {
	for _, p := range m {
		p.Publish(event)
	}
}
