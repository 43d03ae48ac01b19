package core

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrSessionClosed = errors.New("session closed")
	ErrDiagramExists = errors.New("diagram already exists")
	// ErrInvalidDiagramID is returned for ids that ValidDiagramID rejects.
	// Retrying cannot fix it.
	ErrInvalidDiagramID = errors.New("invalid diagram id")
)

// ProtocolError is a malformed or out-of-state message. It terminates
// the offending connection only.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// DocumentError means the document engine rejected update bytes. The
// update was not applied.
type DocumentError struct {
	DiagramID string
	Err       error
}

func (e *DocumentError) Error() string {
	return fmt.Sprintf("document %s rejected update: %v", e.DiagramID, e.Err)
}

func (e *DocumentError) Unwrap() error { return e.Err }

// PersistenceError wraps a store failure that survived the retry policy.
type PersistenceError struct {
	Op        string
	DiagramID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s %s: %v", e.Op, e.DiagramID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func NewProtocolError(reason string, err error) *ProtocolError {
	return &ProtocolError{Reason: reason, Err: err}
}
