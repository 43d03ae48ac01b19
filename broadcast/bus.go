// Package broadcast fans opaque messages out to every subscriber of a room.
package broadcast

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Subscriber owns a bounded outbound queue. Deliver must not block; it
// reports false when the queue is full or closed.
type Subscriber interface {
	ID() string
	Deliver(msg []byte) bool
}

type PublishOption func(*publishOptions)

type publishOptions struct {
	except string
}

// Except skips the subscriber with the given id.
func Except(id string) PublishOption {
	return func(o *publishOptions) { o.except = id }
}

type Bus struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Subscriber
}

func NewBus() *Bus {
	return &Bus{rooms: make(map[string]map[string]Subscriber)}
}

func (b *Bus) Subscribe(room string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.rooms[room]
	if !ok {
		subs = make(map[string]Subscriber)
		b.rooms[room] = subs
	}
	subs[sub.ID()] = sub
}

func (b *Bus) Unsubscribe(room string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.rooms[room]
	if !ok {
		return
	}
	delete(subs, sub.ID())
	if len(subs) == 0 {
		delete(b.rooms, room)
	}
}

// Publish enqueues msg for every subscriber of room and returns how many
// accepted it. Subscribers that could not keep up are logged; their
// transport is responsible for closing them.
func (b *Bus) Publish(room string, msg []byte, opts ...PublishOption) int {
	var o publishOptions
	for _, opt := range opts {
		opt(&o)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	delivered := 0
	for id, sub := range b.rooms[room] {
		if o.except != "" && id == o.except {
			continue
		}
		if sub.Deliver(msg) {
			delivered++
			continue
		}
		logrus.WithFields(logrus.Fields{
			"diagram_id": room,
			"conn_id":    id,
		}).Warn("Dropped broadcast for slow subscriber")
	}
	return delivered
}

func (b *Bus) Subscribers(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[room])
}

func (b *Bus) Rooms() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms)
}
