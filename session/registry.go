package session

import (
	"context"
	"diagram-sync/broadcast"
	"diagram-sync/core"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultFlushTimeout = 10 * time.Second

type Options struct {
	// EchoToOrigin relays an update back to the member that sent it.
	EchoToOrigin bool
	// FlushTimeout bounds the snapshot write done on Leave.
	FlushTimeout time.Duration
}

type Registry struct {
	engine core.DocumentEngine
	store  core.SnapshotStore
	rooms  core.RoomRegistry
	bus    *broadcast.Bus
	opts   Options

	// mu guards sessions only and is never held across I/O. When both are
	// needed, Session.mu is taken first.
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates a registry. A store that also implements
// core.RoomRegistry has its room activity touched on every join.
func NewRegistry(engine core.DocumentEngine, store core.SnapshotStore, bus *broadcast.Bus, opts Options) *Registry {
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = defaultFlushTimeout
	}
	r := &Registry{
		engine:   engine,
		store:    store,
		bus:      bus,
		opts:     opts,
		sessions: make(map[string]*Session),
	}
	if rooms, ok := store.(core.RoomRegistry); ok {
		r.rooms = rooms
	}
	return r
}

func (r *Registry) acquire(diagramID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[diagramID]
	if !ok {
		s = newSession(diagramID, r)
		r.sessions[diagramID] = s
	}
	return s
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
}

// Join adds member to the session for diagramID, creating and loading it
// when absent. welcome receives the full document state before the member
// is subscribed, under the session lock, so nothing can be published to
// the member ahead of it. If welcome fails the member is not joined.
func (r *Registry) Join(ctx context.Context, diagramID string, member Member, welcome func(snapshot []byte) error) (*Session, error) {
	if !core.ValidDiagramID(diagramID) {
		return nil, fmt.Errorf("%w %q", core.ErrInvalidDiagramID, diagramID)
	}
	log := logrus.WithFields(logrus.Fields{"diagram_id": diagramID, "conn_id": member.ID()})

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s := r.acquire(diagramID)

		s.mu.Lock()
		if s.closed {
			// Lost a race with teardown; the next acquire creates a fresh
			// session that loads the snapshot just flushed.
			s.mu.Unlock()
			continue
		}
		if !s.loaded {
			if err := s.load(ctx); err != nil {
				s.closed = true
				r.remove(s)
				s.mu.Unlock()
				log.WithError(err).Error("Failed to load session")
				return nil, err
			}
			log.Info("Session created")
		}

		err := r.welcome(s, welcome)
		if err != nil {
			if len(s.members) == 0 {
				s.closed = true
				r.remove(s)
			}
			s.mu.Unlock()
			return nil, err
		}

		s.members[member.ID()] = member
		r.bus.Subscribe(diagramID, member)
		s.lastActive = time.Now()
		members := len(s.members)
		s.mu.Unlock()

		if r.rooms != nil {
			if err := r.rooms.TouchRoom(ctx, diagramID); err != nil {
				log.WithError(err).Warn("Failed to touch room")
			}
		}
		log.WithField("members", members).Info("Member joined")
		return s, nil
	}
}

func (r *Registry) welcome(s *Session, welcome func([]byte) error) error {
	snapshot, err := s.doc.EncodeStateAsUpdate()
	if err != nil {
		return &core.DocumentError{DiagramID: s.id, Err: err}
	}
	if welcome == nil {
		return nil
	}
	return welcome(snapshot)
}

// Leave removes member and persists the document. The write runs on a
// context detached from ctx's cancellation and bounded by FlushTimeout, so
// a closing connection still completes it. The last member to leave tears
// the session down. Leaving twice is a no-op.
func (r *Registry) Leave(ctx context.Context, s *Session, member Member) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.FlushTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.members[member.ID()]; !ok {
		return nil
	}
	delete(s.members, member.ID())
	r.bus.Unsubscribe(s.id, member)

	log := logrus.WithFields(logrus.Fields{"diagram_id": s.id, "conn_id": member.ID(), "members": len(s.members)})
	err := s.persist(ctx)
	if len(s.members) == 0 {
		s.closed = true
		r.remove(s)
		if err != nil {
			log.WithError(err).Error("Session closed with unpersisted changes")
		} else {
			log.Info("Session closed")
		}
		return err
	}
	log.Info("Member left")
	return err
}

// Lookup returns the live session for diagramID.
func (r *Registry) Lookup(diagramID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[diagramID]
	return s, ok
}

func (r *Registry) live() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Sessions lists live sessions ordered by id.
func (r *Registry) Sessions() []Info {
	var infos []Info
	for _, s := range r.live() {
		info := s.Info()
		if info.Members == 0 {
			continue
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

func (r *Registry) flush(ctx context.Context, onlyDirty bool) error {
	var errs []error
	for _, s := range r.live() {
		s.mu.Lock()
		if !s.closed && s.loaded && (s.dirty || !onlyDirty) {
			if err := s.persist(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		s.mu.Unlock()
	}
	return errors.Join(errs...)
}

// FlushDirty persists every session with unpersisted changes.
func (r *Registry) FlushDirty(ctx context.Context) error {
	return r.flush(ctx, true)
}

// Run flushes dirty sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.FlushDirty(ctx); err != nil {
				logrus.WithError(err).Warn("Autosave incomplete")
			}
		}
	}
}

// Close persists every live session. Members stay joined; their transports
// are expected to disconnect afterwards.
func (r *Registry) Close(ctx context.Context) error {
	err := r.flush(ctx, false)
	logrus.WithField("sessions", len(r.live())).Info("Session registry flushed")
	return err
}
