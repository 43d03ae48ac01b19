package filesystem

import (
	"context"
	"diagram-sync/core"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

const diagramExt = ".diagram.json"

func (s *fsStore) diagramPath(diagramID string) (string, error) {
	if _, err := s.path(diagramID); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, diagramID+diagramExt), nil
}

// CreateDiagram links a fully written temporary file into place, so the
// existence check and the write are one step.
func (s *fsStore) CreateDiagram(ctx context.Context, diagram *core.Diagram) error {
	filePath, err := s.diagramPath(diagram.ID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(diagram)
	if err != nil {
		return err
	}
	tmpName, err := s.writeTemp(diagram.ID, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmpName)

	if err := os.Link(tmpName, filePath); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("diagram %s: %w", diagram.ID, core.ErrDiagramExists)
		}
		return err
	}
	logrus.WithField("diagram_id", diagram.ID).Debug("Diagram created")
	return nil
}

func (s *fsStore) GetDiagram(ctx context.Context, diagramID string) (*core.Diagram, error) {
	filePath, err := s.diagramPath(diagramID)
	if err != nil {
		return nil, err
	}
	return readDiagram(diagramID, filePath)
}

func readDiagram(diagramID, filePath string) (*core.Diagram, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("diagram %s: %w", diagramID, core.ErrNotFound)
		}
		return nil, err
	}
	var diagram core.Diagram
	if err := json.Unmarshal(data, &diagram); err != nil {
		return nil, fmt.Errorf("failed to decode diagram %s: %w", diagramID, err)
	}
	return &diagram, nil
}

func (s *fsStore) ListDiagrams(ctx context.Context) ([]core.Diagram, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}

	var diagrams []core.Diagram
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, diagramExt) {
			continue
		}
		id := strings.TrimSuffix(name, diagramExt)
		diagram, err := readDiagram(id, filepath.Join(s.basePath, name))
		if err != nil {
			logrus.WithError(err).Warnf("Failed to read diagram file %s, skipping", name)
			continue
		}
		diagrams = append(diagrams, *diagram)
	}
	return diagrams, nil
}

func (s *fsStore) UpdateDiagram(ctx context.Context, diagram *core.Diagram) error {
	filePath, err := s.diagramPath(diagram.ID)
	if err != nil {
		return err
	}
	if _, err := os.Stat(filePath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("diagram %s: %w", diagram.ID, core.ErrNotFound)
		}
		return err
	}
	data, err := json.Marshal(diagram)
	if err != nil {
		return err
	}
	tmpName, err := s.writeTemp(diagram.ID, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmpName)
	return os.Rename(tmpName, filePath)
}

func (s *fsStore) DeleteDiagram(ctx context.Context, diagramID string) error {
	filePath, err := s.diagramPath(diagramID)
	if err != nil {
		return err
	}
	if err := os.Remove(filePath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("diagram %s: %w", diagramID, core.ErrNotFound)
		}
		return err
	}
	return nil
}
