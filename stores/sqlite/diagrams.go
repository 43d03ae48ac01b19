package sqlite

import (
	"context"
	"database/sql"
	"diagram-sync/core"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

func (s *snapshotStore) CreateDiagram(ctx context.Context, diagram *core.Diagram) error {
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO diagrams (id, name, description, created_at, updated_at) VALUES (?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING",
		diagram.ID, diagram.Name, diagram.Description, diagram.CreatedAt.UnixMilli(), diagram.UpdatedAt.UnixMilli())
	if err != nil {
		logrus.WithError(err).WithField("diagram_id", diagram.ID).Error("Failed to create diagram")
		return err
	}
	return affected(result, diagram.ID, core.ErrDiagramExists)
}

func (s *snapshotStore) GetDiagram(ctx context.Context, diagramID string) (*core.Diagram, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT id, name, description, created_at, updated_at FROM diagrams WHERE id = ?", diagramID)
	diagram, err := scanDiagram(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("diagram %s: %w", diagramID, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return diagram, nil
}

func (s *snapshotStore) ListDiagrams(ctx context.Context) ([]core.Diagram, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, description, created_at, updated_at FROM diagrams ORDER BY updated_at DESC, id ASC")
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close diagram rows")
		}
	}()

	var diagrams []core.Diagram
	for rows.Next() {
		diagram, err := scanDiagram(rows)
		if err != nil {
			return nil, err
		}
		diagrams = append(diagrams, *diagram)
	}
	return diagrams, rows.Err()
}

func (s *snapshotStore) UpdateDiagram(ctx context.Context, diagram *core.Diagram) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE diagrams SET name = ?, description = ?, created_at = ?, updated_at = ? WHERE id = ?",
		diagram.Name, diagram.Description, diagram.CreatedAt.UnixMilli(), diagram.UpdatedAt.UnixMilli(), diagram.ID)
	if err != nil {
		logrus.WithError(err).WithField("diagram_id", diagram.ID).Error("Failed to update diagram")
		return err
	}
	return affected(result, diagram.ID, core.ErrNotFound)
}

func (s *snapshotStore) DeleteDiagram(ctx context.Context, diagramID string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM diagrams WHERE id = ?", diagramID)
	if err != nil {
		return err
	}
	return affected(result, diagramID, core.ErrNotFound)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDiagram(row scanner) (*core.Diagram, error) {
	var (
		diagram              core.Diagram
		createdAt, updatedAt int64
	)
	if err := row.Scan(&diagram.ID, &diagram.Name, &diagram.Description, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	diagram.CreatedAt = time.UnixMilli(createdAt)
	diagram.UpdatedAt = time.UnixMilli(updatedAt)
	return &diagram, nil
}

// affected maps a statement that touched no row to sentinel.
func affected(result sql.Result, diagramID string, sentinel error) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("diagram %s: %w", diagramID, sentinel)
	}
	return nil
}
