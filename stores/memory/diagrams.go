package memory

import (
	"context"
	"diagram-sync/core"
	"fmt"
)

func (s *snapshotStore) CreateDiagram(ctx context.Context, diagram *core.Diagram) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.diagrams[diagram.ID]; ok {
		return fmt.Errorf("diagram %s: %w", diagram.ID, core.ErrDiagramExists)
	}
	s.diagrams[diagram.ID] = *diagram
	return nil
}

func (s *snapshotStore) GetDiagram(ctx context.Context, diagramID string) (*core.Diagram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	diagram, ok := s.diagrams[diagramID]
	if !ok {
		return nil, fmt.Errorf("diagram %s: %w", diagramID, core.ErrNotFound)
	}
	return &diagram, nil
}

func (s *snapshotStore) ListDiagrams(ctx context.Context) ([]core.Diagram, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	diagrams := make([]core.Diagram, 0, len(s.diagrams))
	for _, diagram := range s.diagrams {
		diagrams = append(diagrams, diagram)
	}
	return diagrams, nil
}

func (s *snapshotStore) UpdateDiagram(ctx context.Context, diagram *core.Diagram) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.diagrams[diagram.ID]; !ok {
		return fmt.Errorf("diagram %s: %w", diagram.ID, core.ErrNotFound)
	}
	s.diagrams[diagram.ID] = *diagram
	return nil
}

func (s *snapshotStore) DeleteDiagram(ctx context.Context, diagramID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.diagrams[diagramID]; !ok {
		return fmt.Errorf("diagram %s: %w", diagramID, core.ErrNotFound)
	}
	delete(s.diagrams, diagramID)
	return nil
}
