package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	TypeSync   = "sync"
	TypeUpdate = "update"
	TypeError  = "error"
)

const (
	StepRequestVector = 0
	StepStateVector   = 1
	StepUpdate        = 2
)

// Message is the JSON envelope exchanged with clients. Binary fields travel
// as arrays of integers in 0..255.
type Message struct {
	Type        string `json:"type"`
	SyncStep    *int   `json:"sync_step,omitempty"`
	StateVector Bytes  `json:"state_vector,omitempty"`
	Update      Bytes  `json:"update,omitempty"`
	Data        Bytes  `json:"data,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Step returns the sync step, treating an absent step as 0.
func (m *Message) Step() int {
	if m.SyncStep == nil {
		return StepRequestVector
	}
	return *m.SyncStep
}

// Bytes marshals as a JSON array of byte values rather than base64.
// An absent or null field decodes to nil; [] decodes to an empty non-nil
// slice.
type Bytes []byte

func (b Bytes) MarshalJSON() ([]byte, error) {
	if b == nil {
		return []byte("null"), nil
	}
	var buf bytes.Buffer
	buf.Grow(len(b)*4 + 2)
	buf.WriteByte('[')
	for i, v := range b {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(strconv.Itoa(int(v)))
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func (b *Bytes) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*b = nil
		return nil
	}
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("expected an array of bytes: %w", err)
	}
	out := make(Bytes, len(values))
	for i, v := range values {
		if v < 0 || v > 255 {
			return fmt.Errorf("byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Decode parses a client envelope.
func Decode(raw []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("missing message type")
	}
	return &msg, nil
}

func step(n int) *int { return &n }

func encode(msg Message) []byte {
	out, err := json.Marshal(msg)
	if err != nil {
		// Every field is a string, an int or Bytes, none of which fail.
		panic(fmt.Sprintf("protocol: encode %s message: %v", msg.Type, err))
	}
	return out
}

// WelcomeMessage carries the full document state sent on connect.
func WelcomeMessage(snapshot []byte) []byte {
	return encode(Message{Type: TypeSync, Data: snapshot})
}

func StateVectorMessage(sv []byte) []byte {
	return encode(Message{Type: TypeSync, SyncStep: step(StepStateVector), StateVector: sv})
}

func SyncUpdateMessage(update []byte) []byte {
	return encode(Message{Type: TypeSync, SyncStep: step(StepUpdate), Update: update})
}

func UpdateMessage(update []byte) []byte {
	return encode(Message{Type: TypeUpdate, Update: update})
}

func ErrorMessage(reason string) []byte {
	return encode(Message{Type: TypeError, Error: reason})
}
