// Package crdt implements the document engine: a delta-state replicated
// map of last-writer-wins registers.
//
// A document is the set of operations it has seen. Merging is set union,
// so applying an update is idempotent and order independent. The visible
// value of a key is the operation with the greatest (lamport, client,
// clock). The state vector records, per client, the highest clock held
// without gaps; a diff against a state vector carries every operation
// above that clock.
package crdt

import (
	"fmt"
	"math/rand"
	"sort"

	"diagram-sync/core"
)

// Document is not safe for concurrent use.
type Document struct {
	client   uint64
	ops      map[uint64]map[uint64]Op
	vector   map[uint64]uint64
	maxClock map[uint64]uint64
	entries  map[string]Op
	lamport  uint64
}

// New returns an empty document with a random client id.
func New() *Document {
	id := rand.Uint64()
	for id == 0 {
		id = rand.Uint64()
	}
	return NewWithClient(id)
}

func NewWithClient(client uint64) *Document {
	return &Document{
		client:   client,
		ops:      make(map[uint64]map[uint64]Op),
		vector:   make(map[uint64]uint64),
		maxClock: make(map[uint64]uint64),
		entries:  make(map[string]Op),
	}
}

func (d *Document) ClientID() uint64 { return d.client }

// ApplyUpdate merges an encoded update. The whole update is decoded and
// validated first; on error the document is unchanged.
func (d *Document) ApplyUpdate(data []byte) error {
	ops, err := decodeUpdate(data)
	if err != nil {
		return err
	}

	batch := make(map[opID]Op, len(ops))
	for _, op := range ops {
		if err := op.validate(); err != nil {
			return err
		}
		if prev, ok := batch[op.id()]; ok && !prev.equal(op) {
			return fmt.Errorf("%w: %d:%d", ErrConflictingOp, op.Client, op.Clock)
		}
		if prev, ok := d.lookup(op.id()); ok && !prev.equal(op) {
			return fmt.Errorf("%w: %d:%d", ErrConflictingOp, op.Client, op.Clock)
		}
		batch[op.id()] = op
	}

	for _, op := range ops {
		d.insert(op)
	}
	return nil
}

func (d *Document) EncodeStateAsUpdate() ([]byte, error) {
	return encodeUpdate(d.collect(nil))
}

func (d *Document) EncodeStateVector() ([]byte, error) {
	clocks := make(map[uint64]uint64, len(d.vector))
	for client, clock := range d.vector {
		if clock > 0 {
			clocks[client] = clock
		}
	}
	return encodeStateVector(clocks)
}

// EncodeDiff returns the operations missing from a replica whose state
// vector is sv.
func (d *Document) EncodeDiff(sv []byte) ([]byte, error) {
	clocks, err := decodeStateVector(sv)
	if err != nil {
		return nil, err
	}
	return encodeUpdate(d.collect(clocks))
}

// Set writes value under key and returns the update to ship to peers.
func (d *Document) Set(key string, value []byte) ([]byte, error) {
	if value == nil {
		value = []byte{}
	}
	return d.local(Op{Key: key, Value: append([]byte(nil), value...)})
}

// Delete tombstones key and returns the update to ship to peers.
func (d *Document) Delete(key string) ([]byte, error) {
	return d.local(Op{Key: key, Deleted: true})
}

func (d *Document) Get(key string) ([]byte, bool) {
	op, ok := d.entries[key]
	if !ok || op.Deleted {
		return nil, false
	}
	return op.Value, true
}

// Content returns the visible key/value pairs.
func (d *Document) Content() map[string][]byte {
	out := make(map[string][]byte, len(d.entries))
	for key, op := range d.entries {
		if !op.Deleted {
			out[key] = op.Value
		}
	}
	return out
}

func (d *Document) Keys() []string {
	keys := make([]string, 0, len(d.entries))
	for key, op := range d.entries {
		if !op.Deleted {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Len is the number of operations held, including superseded ones.
func (d *Document) Len() int {
	n := 0
	for _, byClock := range d.ops {
		n += len(byClock)
	}
	return n
}

func (d *Document) local(op Op) ([]byte, error) {
	op.Client = d.client
	op.Clock = d.maxClock[d.client] + 1
	op.Lamport = d.lamport + 1
	d.insert(op)
	return encodeUpdate([]Op{op})
}

func (d *Document) lookup(id opID) (Op, bool) {
	op, ok := d.ops[id.client][id.clock]
	return op, ok
}

func (d *Document) insert(op Op) {
	byClock, ok := d.ops[op.Client]
	if !ok {
		byClock = make(map[uint64]Op)
		d.ops[op.Client] = byClock
	}
	if _, dup := byClock[op.Clock]; dup {
		return
	}
	byClock[op.Clock] = op

	if op.Lamport > d.lamport {
		d.lamport = op.Lamport
	}
	if op.Clock > d.maxClock[op.Client] {
		d.maxClock[op.Client] = op.Clock
	}
	next := d.vector[op.Client]
	for {
		if _, ok := byClock[next+1]; !ok {
			break
		}
		next++
	}
	d.vector[op.Client] = next

	if cur, ok := d.entries[op.Key]; !ok || op.after(cur) {
		d.entries[op.Key] = op
	}
}

// collect returns operations above since[client] ordered by client then
// clock. A nil since selects everything.
func (d *Document) collect(since map[uint64]uint64) []Op {
	clients := make([]uint64, 0, len(d.ops))
	for client := range d.ops {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	out := make([]Op, 0)
	for _, client := range clients {
		floor := since[client]
		byClock := d.ops[client]
		clocks := make([]uint64, 0, len(byClock))
		for clock := range byClock {
			if clock > floor {
				clocks = append(clocks, clock)
			}
		}
		sort.Slice(clocks, func(i, j int) bool { return clocks[i] < clocks[j] })
		for _, clock := range clocks {
			out = append(out, byClock[clock])
		}
	}
	return out
}

// Engine creates documents for the session registry.
type Engine struct{}

func (Engine) NewDocument() core.Document { return New() }
