package core

import (
	"context"
	"regexp"
	"time"
)

type (
	// Snapshot is the full serialized state of one diagram's document.
	Snapshot struct {
		DiagramID string
		Data      []byte
		UpdatedAt time.Time
	}

	// SnapshotStore is the persistence boundary for diagram snapshots.
	// Load returns ErrNotFound when no snapshot has been written yet.
	SnapshotStore interface {
		Load(ctx context.Context, diagramID string) (*Snapshot, error)
		Save(ctx context.Context, diagramID string, data []byte) error
		Delete(ctx context.Context, diagramID string) error
	}

	Room struct {
		ID         string
		LastActive int64
	}

	RoomRegistry interface {
		ListRooms(ctx context.Context) ([]Room, error)
		TouchRoom(ctx context.Context, roomID string) error
	}

	// Diagram is the descriptive record kept alongside a diagram's
	// snapshot. It is optional: a diagram syncs without one.
	Diagram struct {
		ID          string    `json:"id"`
		Name        string    `json:"name"`
		Description string    `json:"description"`
		CreatedAt   time.Time `json:"created_at"`
		UpdatedAt   time.Time `json:"updated_at"`
	}

	// DiagramStore persists Diagram records as given; callers own the
	// timestamps. CreateDiagram returns ErrDiagramExists for a taken id.
	// GetDiagram, UpdateDiagram and DeleteDiagram return ErrNotFound for
	// an unknown one.
	DiagramStore interface {
		CreateDiagram(ctx context.Context, diagram *Diagram) error
		GetDiagram(ctx context.Context, diagramID string) (*Diagram, error)
		ListDiagrams(ctx context.Context) ([]Diagram, error)
		UpdateDiagram(ctx context.Context, diagram *Diagram) error
		DeleteDiagram(ctx context.Context, diagramID string) error
	}

	// Document is a live replica. Implementations are not safe for
	// concurrent use; callers serialize access.
	Document interface {
		ApplyUpdate(update []byte) error
		EncodeStateAsUpdate() ([]byte, error)
		EncodeStateVector() ([]byte, error)
		EncodeDiff(stateVector []byte) ([]byte, error)
	}

	DocumentEngine interface {
		NewDocument() Document
	}
)

var diagramIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]{0,127}$`)

// ValidDiagramID reports whether id is usable as a room key, a file name
// and an object key.
func ValidDiagramID(id string) bool {
	return diagramIDPattern.MatchString(id)
}
