package protocol

import (
	"context"
	"diagram-sync/broadcast"
	"diagram-sync/core"
	"diagram-sync/crdt"
	"diagram-sync/session"
	"diagram-sync/stores/memory"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id       string
	capacity int

	mu     sync.Mutex
	queue  [][]byte
	closed string
}

func newConn(id string) *fakeConn { return &fakeConn{id: id, capacity: 64} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Deliver(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed != "" || len(c.queue) >= c.capacity {
		return false
	}
	c.queue = append(c.queue, msg)
	return true
}

func (c *fakeConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed == "" {
		c.closed = reason
	}
}

func (c *fakeConn) closedWith() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// take drains and decodes every queued message.
func (c *fakeConn) take(t *testing.T) []Message {
	t.Helper()
	c.mu.Lock()
	raw := c.queue
	c.queue = nil
	c.mu.Unlock()

	out := make([]Message, 0, len(raw))
	for _, r := range raw {
		var m Message
		require.NoError(t, json.Unmarshal(r, &m))
		out = append(out, m)
	}
	return out
}

type harness struct {
	registry *session.Registry
	store    core.SnapshotStore
}

func newHarness(opts session.Options) *harness {
	store := memory.NewSnapshotStore()
	return &harness{
		registry: session.NewRegistry(crdt.Engine{}, store, broadcast.NewBus(), opts),
		store:    store,
	}
}

func (h *harness) connect(t *testing.T, diagramID, connID string) (*Handler, *fakeConn) {
	t.Helper()
	conn := newConn(connID)
	handler := NewHandler(h.registry, diagramID, conn)
	require.NoError(t, handler.Connect(context.Background()))
	require.Equal(t, Open, handler.State())
	return handler, conn
}

func frame(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func toInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

func TestConnectSendsFullState(t *testing.T) {
	h := newHarness(session.Options{EchoToOrigin: true})
	_, conn := h.connect(t, "d1", "a")

	msgs := conn.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeSync, msgs[0].Type)
	assert.Nil(t, msgs[0].SyncStep)
	require.NotNil(t, msgs[0].Data)

	doc := crdt.NewWithClient(7)
	require.NoError(t, doc.ApplyUpdate(msgs[0].Data))
	assert.Empty(t, doc.Content())
}

// Scenario: two clients join, one edits, both converge.
func TestUpdateRelayedToRoom(t *testing.T) {
	h := newHarness(session.Options{EchoToOrigin: true})
	a, connA := h.connect(t, "d1", "a")
	_, connB := h.connect(t, "d1", "b")
	connA.take(t)
	connB.take(t)

	client := crdt.NewWithClient(1)
	update, err := client.Set("nodes", []byte(`["n1"]`))
	require.NoError(t, err)

	require.NoError(t, a.Receive(context.Background(), frame(t, map[string]any{"type": "update", "update": toInts(update)})))

	for _, conn := range []*fakeConn{connA, connB} {
		msgs := conn.take(t)
		require.Len(t, msgs, 1, conn.id)
		assert.Equal(t, TypeUpdate, msgs[0].Type)
		assert.Equal(t, update, []byte(msgs[0].Update))
	}

	stored, err := h.store.Load(context.Background(), "d1")
	require.NoError(t, err)
	replica := crdt.NewWithClient(9)
	require.NoError(t, replica.ApplyUpdate(stored.Data))
	assert.Equal(t, client.Content(), replica.Content())
}

func TestUpdateNotEchoedWhenDisabled(t *testing.T) {
	h := newHarness(session.Options{EchoToOrigin: false})
	a, connA := h.connect(t, "d1", "a")
	_, connB := h.connect(t, "d1", "b")
	connA.take(t)
	connB.take(t)

	update, err := crdt.NewWithClient(1).Set("k", []byte("v"))
	require.NoError(t, err)
	require.NoError(t, a.Receive(context.Background(), UpdateMessage(update)))

	assert.Empty(t, connA.take(t))
	assert.Len(t, connB.take(t), 1)
}

// Scenario: a reconnecting client exchanges state vectors and receives only
// what it is missing.
func TestSyncHandshake(t *testing.T) {
	h := newHarness(session.Options{EchoToOrigin: true})
	a, connA := h.connect(t, "d1", "a")
	connA.take(t)

	server := crdt.NewWithClient(1)
	for i := 0; i < 3; i++ {
		u, err := server.Set(fmt.Sprintf("k%d", i), []byte("v"))
		require.NoError(t, err)
		require.NoError(t, a.Receive(context.Background(), UpdateMessage(u)))
	}
	connA.take(t)

	require.NoError(t, a.Receive(context.Background(), []byte(`{"type":"sync"}`)))
	msgs := connA.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, StepStateVector, msgs[0].Step())
	assert.NotEmpty(t, msgs[0].StateVector)

	behind := crdt.NewWithClient(2)
	sv, err := behind.EncodeStateVector()
	require.NoError(t, err)
	require.NoError(t, a.Receive(context.Background(), frame(t, map[string]any{"type": "sync", "sync_step": 1, "state_vector": toInts(sv)})))

	msgs = connA.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, StepUpdate, msgs[0].Step())
	require.NoError(t, behind.ApplyUpdate(msgs[0].Update))
	assert.Equal(t, server.Content(), behind.Content())
}

func TestSyncStepTwoFromClientIsApplied(t *testing.T) {
	h := newHarness(session.Options{EchoToOrigin: true})
	a, connA := h.connect(t, "d1", "a")
	_, connB := h.connect(t, "d1", "b")
	connA.take(t)
	connB.take(t)

	update, err := crdt.NewWithClient(1).Set("offline", []byte("edit"))
	require.NoError(t, err)
	require.NoError(t, a.Receive(context.Background(), SyncUpdateMessage(update)))

	msgs := connB.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeUpdate, msgs[0].Type)
}

func TestProtocolErrorsCloseOnlyOffender(t *testing.T) {
	frames := map[string]string{
		"bad json":            `{"type":`,
		"unknown type":        `{"type":"cursor"}`,
		"missing type":        `{"update":[1]}`,
		"update without body": `{"type":"update"}`,
		"byte out of range":   `{"type":"update","update":[1,256]}`,
		"negative byte":       `{"type":"update","update":[-1]}`,
		"step 1 without sv":   `{"type":"sync","sync_step":1}`,
		"undecodable sv":      `{"type":"sync","sync_step":1,"state_vector":[255,255]}`,
		"unknown step":        `{"type":"sync","sync_step":7}`,
	}
	for name, raw := range frames {
		t.Run(name, func(t *testing.T) {
			h := newHarness(session.Options{EchoToOrigin: true})
			bad, badConn := h.connect(t, "d1", "bad")
			good, goodConn := h.connect(t, "d1", "good")
			badConn.take(t)
			goodConn.take(t)

			err := bad.Receive(context.Background(), []byte(raw))
			var perr *core.ProtocolError
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, Closed, bad.State())
			assert.NotEmpty(t, badConn.closedWith())

			msgs := badConn.take(t)
			require.Len(t, msgs, 1)
			assert.Equal(t, TypeError, msgs[0].Type)
			assert.NotEmpty(t, msgs[0].Error)

			assert.Equal(t, Open, good.State())
			assert.Empty(t, goodConn.closedWith())
			update, err := crdt.NewWithClient(1).Set("k", []byte("v"))
			require.NoError(t, err)
			require.NoError(t, good.Receive(context.Background(), UpdateMessage(update)))
		})
	}
}

func TestRejectedUpdateKeepsConnectionOpen(t *testing.T) {
	h := newHarness(session.Options{EchoToOrigin: true})
	a, connA := h.connect(t, "d1", "a")
	_, connB := h.connect(t, "d1", "b")
	connA.take(t)
	connB.take(t)

	require.NoError(t, a.Receive(context.Background(), []byte(`{"type":"update","update":[255,0,19]}`)))

	msgs := connA.take(t)
	require.Len(t, msgs, 1)
	assert.Equal(t, TypeError, msgs[0].Type)
	assert.Empty(t, connB.take(t), "rejected update must not be broadcast")
	assert.Equal(t, Open, a.State())
	assert.Empty(t, connA.closedWith())

	_, err := h.store.Load(context.Background(), "d1")
	assert.True(t, errors.Is(err, core.ErrNotFound), "rejected update must not be persisted")
}

func TestMessagesAfterCloseAreRejected(t *testing.T) {
	h := newHarness(session.Options{})
	a, _ := h.connect(t, "d1", "a")
	require.NoError(t, a.Disconnect(context.Background()))

	err := a.Receive(context.Background(), []byte(`{"type":"sync"}`))
	var perr *core.ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestSlowConsumerIsClosed(t *testing.T) {
	h := newHarness(session.Options{EchoToOrigin: true})
	a, connA := h.connect(t, "d1", "a")
	connA.take(t)
	connA.capacity = 0

	err := a.Receive(context.Background(), []byte(`{"type":"sync","sync_step":0}`))
	assert.ErrorIs(t, err, ErrSlowConsumer)
	assert.Equal(t, "slow consumer", connA.closedWith())
}

func TestDisconnectPersistsAndTearsDown(t *testing.T) {
	h := newHarness(session.Options{EchoToOrigin: true})
	a, _ := h.connect(t, "d1", "a")

	update, err := crdt.NewWithClient(1).Set("k", []byte("v"))
	require.NoError(t, err)
	require.NoError(t, a.Receive(context.Background(), UpdateMessage(update)))

	require.NoError(t, a.Disconnect(context.Background()))
	require.NoError(t, a.Disconnect(context.Background()))
	assert.Equal(t, Closed, a.State())

	_, ok := h.registry.Lookup("d1")
	assert.False(t, ok)

	// Scenario: a later joiner starts from the persisted snapshot.
	_, conn := h.connect(t, "d1", "late")
	msgs := conn.take(t)
	require.Len(t, msgs, 1)
	replica := crdt.NewWithClient(5)
	require.NoError(t, replica.ApplyUpdate(msgs[0].Data))
	value, ok := replica.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", string(value))
}

func TestConnectFailureClosesConnection(t *testing.T) {
	h := newHarness(session.Options{})
	conn := newConn("a")
	handler := NewHandler(h.registry, "../escape", conn)

	assert.Error(t, handler.Connect(context.Background()))
	assert.Equal(t, Closed, handler.State())
	assert.Equal(t, "join failed", conn.closedWith())
	assert.NoError(t, handler.Disconnect(context.Background()))
}

func TestStateMachine(t *testing.T) {
	var m Machine
	assert.Equal(t, Connecting, m.State())
	require.NoError(t, m.Transition(Syncing))

	var illegal *IllegalTransitionError
	assert.ErrorAs(t, m.Transition(Connecting), &illegal)
	require.NoError(t, m.Transition(Open))
	assert.ErrorAs(t, m.Transition(Syncing), &illegal)
	require.NoError(t, m.Transition(Closed))
	assert.ErrorAs(t, m.Transition(Open), &illegal)
	assert.ErrorAs(t, m.Transition(Closed), &illegal)
	assert.Equal(t, "CLOSED", m.State().String())
}

func TestBytesJSON(t *testing.T) {
	raw, err := json.Marshal(Message{Type: TypeUpdate, Update: Bytes{0, 1, 255}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"update","update":[0,1,255]}`, string(raw))

	var msg Message
	require.NoError(t, json.Unmarshal([]byte(`{"type":"update","update":[]}`), &msg))
	assert.NotNil(t, msg.Update)
	assert.Empty(t, msg.Update)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"update","update":null}`), &msg))
	assert.Nil(t, msg.Update)

	assert.Error(t, json.Unmarshal([]byte(`{"type":"update","update":"AAE="}`), &msg))
}
