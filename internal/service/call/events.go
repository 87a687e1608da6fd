package call

import (
	"sync"

	"peercall-backend/internal/domain"
	"peercall-backend/pkg/metrics"
)

// eventBroker fans call events out to UI subscribers. A subscriber that
// cannot keep up loses events rather than stalling the manager.
type eventBroker struct {
	mu     sync.RWMutex
	subs   map[chan domain.CallEvent]struct{}
	buffer int
	closed bool
}

func newEventBroker(buffer int) *eventBroker {
	if buffer <= 0 {
		buffer = 64
	}
	return &eventBroker{subs: make(map[chan domain.CallEvent]struct{}), buffer: buffer}
}

func (b *eventBroker) subscribe() (<-chan domain.CallEvent, func()) {
	ch := make(chan domain.CallEvent, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

func (b *eventBroker) publish(ev domain.CallEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			metrics.CallEventsDroppedTotal.Inc()
		}
	}
}

func (b *eventBroker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
