package broadcast

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type queue struct {
	id  string
	mu  sync.Mutex
	cap int
	got [][]byte
}

func newQueue(id string, capacity int) *queue { return &queue{id: id, cap: capacity} }

func (q *queue) ID() string { return q.id }

func (q *queue) Deliver(msg []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.got) >= q.cap {
		return false
	}
	q.got = append(q.got, msg)
	return true
}

func (q *queue) messages() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.got))
	for i, m := range q.got {
		out[i] = string(m)
	}
	return out
}

func TestPublishReachesEveryRoomMember(t *testing.T) {
	bus := NewBus()
	a, b, other := newQueue("a", 8), newQueue("b", 8), newQueue("x", 8)
	bus.Subscribe("d1", a)
	bus.Subscribe("d1", b)
	bus.Subscribe("d2", other)

	n := bus.Publish("d1", []byte("u1"))

	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"u1"}, a.messages())
	assert.Equal(t, []string{"u1"}, b.messages())
	assert.Empty(t, other.messages())
}

func TestPublishExcept(t *testing.T) {
	bus := NewBus()
	a, b := newQueue("a", 8), newQueue("b", 8)
	bus.Subscribe("d1", a)
	bus.Subscribe("d1", b)

	n := bus.Publish("d1", []byte("u1"), Except("a"))

	assert.Equal(t, 1, n)
	assert.Empty(t, a.messages())
	assert.Equal(t, []string{"u1"}, b.messages())
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	bus := NewBus()
	slow, fast := newQueue("slow", 1), newQueue("fast", 8)
	bus.Subscribe("d1", slow)
	bus.Subscribe("d1", fast)

	bus.Publish("d1", []byte("u1"))
	n := bus.Publish("d1", []byte("u2"))

	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"u1"}, slow.messages())
	assert.Equal(t, []string{"u1", "u2"}, fast.messages())
}

func TestUnsubscribeRemovesEmptyRoom(t *testing.T) {
	bus := NewBus()
	a := newQueue("a", 8)
	bus.Subscribe("d1", a)
	require.Equal(t, 1, bus.Subscribers("d1"))

	bus.Unsubscribe("d1", a)
	bus.Unsubscribe("d1", a)
	bus.Unsubscribe("missing", a)

	assert.Equal(t, 0, bus.Subscribers("d1"))
	assert.Equal(t, 0, bus.Rooms())
	assert.Equal(t, 0, bus.Publish("d1", []byte("u1")))
}

func TestPublishOrderIsPreservedPerSubscriber(t *testing.T) {
	bus := NewBus()
	a := newQueue("a", 1000)
	bus.Subscribe("d1", a)

	want := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		msg := fmt.Sprintf("u%d", i)
		want = append(want, msg)
		bus.Publish("d1", []byte(msg))
	}
	assert.Equal(t, want, a.messages())
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	bus := NewBus()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			q := newQueue(fmt.Sprintf("q%d", i), 100)
			room := fmt.Sprintf("d%d", i%3)
			bus.Subscribe(room, q)
			bus.Publish(room, []byte("hello"))
			bus.Unsubscribe(room, q)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, bus.Rooms())
}
