package recordstore

import (
	"context"
	"sync"
)

const subscriberBufferSize = 64

type subscriber struct {
	zone    string
	exclude string
	ch      chan Change
}

// Broker fans zone changes out to in-process subscribers.
type Broker struct {
	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[*subscriber]struct{})}
}

// Subscribe registers for changes to zone (every zone when zone is empty)
// not made by excludingDeviceID. The channel is closed when ctx ends.
func (b *Broker) Subscribe(ctx context.Context, zone, excludingDeviceID string) <-chan Change {
	s := &subscriber{zone: zone, exclude: excludingDeviceID, ch: make(chan Change, subscriberBufferSize)}

	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, s)
		close(s.ch)
		b.mu.Unlock()
	}()

	return s.ch
}

// Publish delivers c to every matching subscriber without blocking. A
// subscriber whose buffer is full misses c; it still has an undelivered
// change pending, which is enough to make it catch up.
func (b *Broker) Publish(c Change) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for s := range b.subs {
		if s.zone != "" && s.zone != c.ZoneID {
			continue
		}
		if s.exclude != "" && s.exclude == c.DeviceID {
			continue
		}
		select {
		case s.ch <- c:
		default:
		}
	}
}

func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
