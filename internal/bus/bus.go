// Package bus carries domain events between the daemon's components.
package bus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Bus fans events out to subscribers by kind prefix. Subscribe is best
// effort: a subscriber whose buffer is full misses the event and the drop
// is counted. SubscribeQueued never drops; its backlog grows instead. A nil
// *Bus discards everything.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	next    uint64
	dropped atomic.Uint64
}

type subscription struct {
	namespace string
	ch        chan Event
	dropped   atomic.Uint64
	queue     *queue
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{subs: make(map[uint64]*subscription)}
}

// Publish offers evt to every subscriber whose namespace prefixes evt.Kind.
// It never blocks. A zero Timestamp is stamped with the current time.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !strings.HasPrefix(evt.Kind, sub.namespace) {
			continue
		}
		if sub.queue != nil {
			sub.queue.push(evt)
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel receiving events whose kind starts with
// namespace ("" matches everything), and a function ending the
// subscription. The channel is never closed; calling the function twice is
// harmless.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	sub := &subscription{namespace: namespace, ch: make(chan Event, max(bufSize, 0))}
	return sub.ch, b.add(sub, nil)
}

// SubscribeQueued is Subscribe for consumers that must see every event.
// Publish appends to an unbounded per-subscription queue that a goroutine
// feeds into the channel in publish order. Events still queued when the
// subscription ends are discarded.
func (b *Bus) SubscribeQueued(namespace string) (<-chan Event, func()) {
	q := &queue{wake: make(chan struct{}, 1), stop: make(chan struct{})}
	sub := &subscription{namespace: namespace, ch: make(chan Event), queue: q}
	go q.pump(sub.ch)
	return sub.ch, b.add(sub, func() { close(q.stop) })
}

func (b *Bus) add(sub *subscription, onEnd func()) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			if onEnd != nil {
				onEnd()
			}
		})
	}
}

// queue is the backlog of a queued subscription.
type queue struct {
	mu    sync.Mutex
	items []Event
	wake  chan struct{}
	stop  chan struct{}
}

func (q *queue) push(evt Event) {
	q.mu.Lock()
	q.items = append(q.items, evt)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Event{}, false
	}
	evt := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	return evt, true
}

func (q *queue) pump(out chan<- Event) {
	for {
		evt, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.stop:
				return
			}
		}
		select {
		case out <- evt:
		case <-q.stop:
			return
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber
// was full, over the bus lifetime.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
