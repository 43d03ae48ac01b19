package filesystem

import (
	"context"
	"diagram-sync/core"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const snapshotExt = ".snapshot"

type fsStore struct {
	basePath string
}

// NewSnapshotStore creates a filesystem-based store rooted at basePath.
func NewSnapshotStore(basePath string) *fsStore {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		log.Fatalf("failed to create base directory: %v", err)
	}
	return &fsStore{basePath: basePath}
}

func (s *fsStore) path(diagramID string) (string, error) {
	if !core.ValidDiagramID(diagramID) || filepath.Base(diagramID) != diagramID {
		return "", fmt.Errorf("%w %q", core.ErrInvalidDiagramID, diagramID)
	}
	return filepath.Join(s.basePath, diagramID+snapshotExt), nil
}

func (s *fsStore) Load(ctx context.Context, diagramID string) (*core.Snapshot, error) {
	filePath, err := s.path(diagramID)
	if err != nil {
		return nil, err
	}
	log := logrus.WithFields(logrus.Fields{"diagram_id": diagramID, "file_path": filePath})

	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Debug("No snapshot file for diagram")
			return nil, fmt.Errorf("diagram %s: %w", diagramID, core.ErrNotFound)
		}
		log.WithError(err).Error("Failed to read snapshot file")
		return nil, err
	}

	info, err := os.Stat(filePath)
	if err != nil {
		log.WithError(err).Error("Failed to get file stats")
		return nil, err
	}

	log.WithField("data_length", len(data)).Debug("Snapshot loaded")
	return &core.Snapshot{DiagramID: diagramID, Data: data, UpdatedAt: info.ModTime()}, nil
}

// Save writes to a temporary file and renames it over the old snapshot so
// a crash never leaves a torn file behind.
func (s *fsStore) Save(ctx context.Context, diagramID string, data []byte) error {
	filePath, err := s.path(diagramID)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{"diagram_id": diagramID, "file_path": filePath})

	tmpName, err := s.writeTemp(diagramID, data)
	if err != nil {
		log.WithError(err).Error("Failed to write snapshot file")
		return err
	}
	defer os.Remove(tmpName)

	if err := os.Rename(tmpName, filePath); err != nil {
		log.WithError(err).Error("Failed to replace snapshot file")
		return err
	}

	log.WithField("data_length", len(data)).Debug("Snapshot saved")
	return nil
}

// writeTemp writes data to a synced temporary file in basePath and returns
// its name. The caller removes it.
func (s *fsStore) writeTemp(diagramID string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(s.basePath, diagramID+".*.tmp")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	return tmpName, nil
}

func (s *fsStore) Delete(ctx context.Context, diagramID string) error {
	filePath, err := s.path(diagramID)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("diagram %s: %w", diagramID, core.ErrNotFound)
		}
		return err
	}
	logrus.WithField("diagram_id", diagramID).Info("Snapshot file deleted")
	return nil
}

// TouchRoom bumps the snapshot's modification time. Rooms without a
// snapshot yet are picked up by their first save.
func (s *fsStore) TouchRoom(ctx context.Context, roomID string) error {
	filePath, err := s.path(roomID)
	if err != nil {
		return err
	}
	now := time.Now()
	if err := os.Chtimes(filePath, now, now); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *fsStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	rooms := make([]core.Room, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			logrus.WithError(err).Warnf("Failed to get file info for %s, skipping", name)
			continue
		}
		rooms = append(rooms, core.Room{
			ID:         strings.TrimSuffix(name, snapshotExt),
			LastActive: info.ModTime().UnixMilli(),
		})
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})
	return rooms, nil
}
