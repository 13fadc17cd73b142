// Package eventbus carries engine events between the posting workers and
// their consumers without coupling the packages to each other.
package eventbus

import (
	"sync"
	"time"
)

// Event is an in-process signal. Payloads should stay small; the bus copies
// nothing and delivers the same value to every subscriber.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event. Consumers that cannot afford drops
// must size their buffer for their worst burst.
type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

type fanout struct {
	mu   sync.Mutex
	subs []*subscriber
	next int
}

type subscriber struct {
	id int
	ch chan Event
}

// New returns an in-memory bus. It runs no goroutines of its own.
func New() Bus {
	return &fanout{}
}

func (b *fanout) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	snapshot := make([]*subscriber, len(b.subs))
	copy(snapshot, b.subs)
	b.mu.Unlock()

	for _, s := range snapshot {
		deliver(s.ch, e)
	}
}

// deliver sends without blocking. An unsubscribe racing with Publish can
// close the channel under us, so the send panic is absorbed here.
func deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *fanout) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}

	b.mu.Lock()
	b.next++
	s := &subscriber{id: b.next, ch: make(chan Event, buffer)}
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			for i, cur := range b.subs {
				if cur.id == s.id {
					b.subs = append(b.subs[:i], b.subs[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(s.ch)
		})
	}
}
