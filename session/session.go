// Package session owns the live document of every diagram being edited.
// A Session is created on first join, serializes every mutation of its
// document and is torn down after a final flush when its last member
// leaves.
package session

import (
	"context"
	"diagram-sync/broadcast"
	"diagram-sync/core"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Member is one connection joined to a session.
type Member = broadcast.Subscriber

type Session struct {
	id       string
	registry *Registry

	// mu serializes apply, persist and publish for this diagram.
	mu         sync.Mutex
	doc        core.Document
	members    map[string]Member
	loaded     bool
	closed     bool
	dirty      bool
	lastActive time.Time
}

// Info is a point-in-time view of a live session.
type Info struct {
	ID         string
	Members    int
	Dirty      bool
	LastActive time.Time
}

func newSession(id string, r *Registry) *Session {
	return &Session{
		id:       id,
		registry: r,
		members:  make(map[string]Member),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) log() *logrus.Entry {
	return logrus.WithField("diagram_id", s.id)
}

// load replaces the empty document with the stored snapshot. Caller holds mu.
func (s *Session) load(ctx context.Context) error {
	doc := s.registry.engine.NewDocument()

	snapshot, err := s.registry.store.Load(ctx, s.id)
	switch {
	case errors.Is(err, core.ErrNotFound):
		s.log().Debug("No stored snapshot, starting empty document")
	case err != nil:
		var perr *core.PersistenceError
		if errors.As(err, &perr) {
			return err
		}
		return &core.PersistenceError{Op: "load", DiagramID: s.id, Err: err}
	case len(snapshot.Data) > 0:
		if err := doc.ApplyUpdate(snapshot.Data); err != nil {
			return &core.PersistenceError{Op: "load", DiagramID: s.id, Err: fmt.Errorf("unreadable snapshot: %w", err)}
		}
		s.log().WithField("data_length", len(snapshot.Data)).Info("Loaded snapshot")
	}

	s.doc = doc
	s.loaded = true
	return nil
}

// persist writes the full document state. A failed write leaves the session
// dirty for the next flush. Caller holds mu.
func (s *Session) persist(ctx context.Context) error {
	data, err := s.doc.EncodeStateAsUpdate()
	if err != nil {
		s.dirty = true
		s.log().WithError(err).Error("Failed to encode snapshot")
		return &core.DocumentError{DiagramID: s.id, Err: err}
	}
	if err := s.registry.store.Save(ctx, s.id, data); err != nil {
		s.dirty = true
		s.log().WithError(err).Error("Failed to persist snapshot")
		return err
	}
	s.dirty = false
	s.log().WithField("data_length", len(data)).Debug("Snapshot persisted")
	return nil
}

// Apply merges update into the document, writes the snapshot through to the
// store and publishes relay to the room. A rejected update is neither
// applied nor published. Save failures are logged and do not stop the
// publish.
func (s *Session) Apply(ctx context.Context, origin string, update, relay []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.ErrSessionClosed
	}
	if err := s.doc.ApplyUpdate(update); err != nil {
		return &core.DocumentError{DiagramID: s.id, Err: err}
	}
	s.dirty = true
	s.lastActive = time.Now()

	_ = s.persist(ctx)

	var opts []broadcast.PublishOption
	if !s.registry.opts.EchoToOrigin {
		opts = append(opts, broadcast.Except(origin))
	}
	delivered := s.registry.bus.Publish(s.id, relay, opts...)
	s.log().WithFields(logrus.Fields{
		"conn_id":     origin,
		"update_size": len(update),
		"delivered":   delivered,
	}).Debug("Update applied")
	return nil
}

func (s *Session) StateVector() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrSessionClosed
	}
	return s.doc.EncodeStateVector()
}

// Diff returns every change the holder of stateVector is missing.
func (s *Session) Diff(stateVector []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrSessionClosed
	}
	return s.doc.EncodeDiff(stateVector)
}

// Snapshot returns the full document state.
func (s *Session) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrSessionClosed
	}
	return s.doc.EncodeStateAsUpdate()
}

func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:         s.id,
		Members:    len(s.members),
		Dirty:      s.dirty,
		LastActive: s.lastActive,
	}
}
