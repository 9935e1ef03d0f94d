package engine

import (
	"log"
	gosync "sync"

	"github.com/mikedesigns-nvisia/spiralsync/internal/sync"
)

// Bus fans coordinator events out to subscribers over bounded channels.
// A slow subscriber never blocks publication: when a subscriber's buffer
// is full the oldest buffered event is dropped to make room.
type Bus struct {
	mu      gosync.Mutex
	subs    map[int]chan sync.Event
	nextID  int
	size    int
	dropped uint64
	logger  *log.Logger
}

// NewBus creates a bus whose subscriber channels buffer size events.
func NewBus(size int, logger *log.Logger) *Bus {
	if size <= 0 {
		size = 64
	}
	return &Bus{
		subs:   make(map[int]chan sync.Event),
		size:   size,
		logger: logger,
	}
}

// Subscribe returns a channel of events and a cancel function. The
// channel is closed on cancel.
func (b *Bus) Subscribe() (<-chan sync.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	ch := make(chan sync.Event, b.size)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if ch, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// Publish implements sync.Notifier. Never blocks.
func (b *Bus) Publish(e sync.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subs {
		select {
		case ch <- e:
			continue
		default:
		}
		// Buffer full: drop the oldest event, then retry once. The
		// second send can still miss if the subscriber drained and
		// refilled in between, which is fine.
		select {
		case <-ch:
			b.dropped++
		default:
		}
		select {
		case ch <- e:
		default:
			b.dropped++
		}
	}
}

// Dropped returns how many events were discarded for slow subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
