package crdt

import (
	"errors"
	"fmt"
	"math"

	"github.com/fxamacker/cbor/v2"
)

const formatVersion = 1

var (
	ErrInvalidUpdate      = errors.New("crdt: invalid update")
	ErrInvalidStateVector = errors.New("crdt: invalid state vector")
	ErrConflictingOp      = errors.New("crdt: operation id reused with different content")
)

// encMode uses Core Deterministic Encoding so that equal document state
// always produces identical bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("crdt: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1 << 24,
		MaxMapPairs:      1 << 20,
	}.DecMode()
	if err != nil {
		panic("crdt: CBOR decoder initialization failed: " + err.Error())
	}
}

// Op is a single register write or tombstone. (Client, Clock) identifies
// it; (Lamport, Client, Clock) orders concurrent writes to the same key.
type Op struct {
	_       struct{} `cbor:",toarray"`
	Client  uint64
	Clock   uint64
	Lamport uint64
	Key     string
	Value   []byte
	Deleted bool
}

type opID struct {
	client uint64
	clock  uint64
}

func (o Op) id() opID { return opID{o.Client, o.Clock} }

func (o Op) equal(p Op) bool {
	return o.Client == p.Client &&
		o.Clock == p.Clock &&
		o.Lamport == p.Lamport &&
		o.Key == p.Key &&
		o.Deleted == p.Deleted &&
		string(o.Value) == string(p.Value)
}

// after reports whether o wins over p for the same key.
func (o Op) after(p Op) bool {
	if o.Lamport != p.Lamport {
		return o.Lamport > p.Lamport
	}
	if o.Client != p.Client {
		return o.Client > p.Client
	}
	return o.Clock > p.Clock
}

func (o Op) validate() error {
	if o.Client == 0 {
		return fmt.Errorf("%w: zero client id", ErrInvalidUpdate)
	}
	if o.Clock == 0 {
		return fmt.Errorf("%w: zero clock for client %d", ErrInvalidUpdate, o.Client)
	}
	if o.Lamport == math.MaxUint64 {
		return fmt.Errorf("%w: lamport timestamp of %d:%d is exhausted", ErrInvalidUpdate, o.Client, o.Clock)
	}
	if o.Deleted && len(o.Value) > 0 {
		return fmt.Errorf("%w: tombstone %d:%d carries a value", ErrInvalidUpdate, o.Client, o.Clock)
	}
	return nil
}

type update struct {
	_       struct{} `cbor:",toarray"`
	Version uint64
	Ops     []Op
}

type stateVector struct {
	_       struct{} `cbor:",toarray"`
	Version uint64
	Clocks  map[uint64]uint64
}

func encodeUpdate(ops []Op) ([]byte, error) {
	if ops == nil {
		ops = []Op{}
	}
	return encMode.Marshal(update{Version: formatVersion, Ops: ops})
}

func decodeUpdate(data []byte) ([]Op, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidUpdate)
	}
	var u update
	if err := decMode.Unmarshal(data, &u); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpdate, err)
	}
	if u.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidUpdate, u.Version)
	}
	return u.Ops, nil
}

func encodeStateVector(clocks map[uint64]uint64) ([]byte, error) {
	if clocks == nil {
		clocks = map[uint64]uint64{}
	}
	return encMode.Marshal(stateVector{Version: formatVersion, Clocks: clocks})
}

func decodeStateVector(data []byte) (map[uint64]uint64, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidStateVector)
	}
	var sv stateVector
	if err := decMode.Unmarshal(data, &sv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStateVector, err)
	}
	if sv.Version != formatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrInvalidStateVector, sv.Version)
	}
	return sv.Clocks, nil
}

// DecodeStateVector exposes a state vector's per-client clocks.
func DecodeStateVector(data []byte) (map[uint64]uint64, error) {
	return decodeStateVector(data)
}
