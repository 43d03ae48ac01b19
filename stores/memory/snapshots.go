package memory

import (
	"context"
	"diagram-sync/core"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type snapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string]core.Snapshot
	rooms     map[string]int64
	diagrams  map[string]core.Diagram
}

func NewSnapshotStore() *snapshotStore {
	return &snapshotStore{
		snapshots: make(map[string]core.Snapshot),
		rooms:     make(map[string]int64),
		diagrams:  make(map[string]core.Diagram),
	}
}

func (s *snapshotStore) Load(ctx context.Context, diagramID string) (*core.Snapshot, error) {
	log := logrus.WithField("diagram_id", diagramID)

	s.mu.RLock()
	snapshot, ok := s.snapshots[diagramID]
	s.mu.RUnlock()

	if !ok {
		log.Debug("No snapshot stored for diagram")
		return nil, fmt.Errorf("diagram %s: %w", diagramID, core.ErrNotFound)
	}

	snapshot.Data = append([]byte(nil), snapshot.Data...)
	log.WithField("data_length", len(snapshot.Data)).Debug("Snapshot loaded")
	return &snapshot, nil
}

func (s *snapshotStore) Save(ctx context.Context, diagramID string, data []byte) error {
	if diagramID == "" {
		return fmt.Errorf("diagram id is required")
	}
	now := time.Now()

	s.mu.Lock()
	s.snapshots[diagramID] = core.Snapshot{
		DiagramID: diagramID,
		Data:      append([]byte(nil), data...),
		UpdatedAt: now,
	}
	s.rooms[diagramID] = now.UnixMilli()
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"diagram_id":  diagramID,
		"data_length": len(data),
	}).Debug("Snapshot saved")
	return nil
}

func (s *snapshotStore) Delete(ctx context.Context, diagramID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.snapshots[diagramID]; !ok {
		return fmt.Errorf("diagram %s: %w", diagramID, core.ErrNotFound)
	}
	delete(s.snapshots, diagramID)
	delete(s.rooms, diagramID)
	return nil
}

func (s *snapshotStore) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}

	s.mu.Lock()
	s.rooms[roomID] = time.Now().UnixMilli()
	s.mu.Unlock()

	return nil
}

func (s *snapshotStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]core.Room, 0, len(s.rooms))
	for id, last := range s.rooms {
		rooms = append(rooms, core.Room{ID: id, LastActive: last})
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})

	return rooms, nil
}
