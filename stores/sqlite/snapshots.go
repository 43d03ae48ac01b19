package sqlite

import (
	"context"
	"database/sql"
	"diagram-sync/core"
	"errors"
	"fmt"
	stdlog "log"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

type snapshotStore struct {
	db *sql.DB
}

func NewSnapshotStore(dataSourceName string) *snapshotStore {
	db, err := sql.Open("sqlite", dataSourceName)
	if err != nil {
		stdlog.Fatalf("failed to open sqlite database: %v", err)
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	snapshotsTable := `CREATE TABLE IF NOT EXISTS diagram_snapshots (
		id TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err = db.Exec(snapshotsTable); err != nil {
		stdlog.Fatalf("failed to create diagram_snapshots table: %v", err)
	}

	roomsTable := `CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		last_active INTEGER NOT NULL
	);`
	if _, err = db.Exec(roomsTable); err != nil {
		stdlog.Fatalf("failed to create rooms table: %v", err)
	}

	diagramsTable := `CREATE TABLE IF NOT EXISTS diagrams (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err = db.Exec(diagramsTable); err != nil {
		stdlog.Fatalf("failed to create diagrams table: %v", err)
	}

	return &snapshotStore{db}
}

func (s *snapshotStore) Load(ctx context.Context, diagramID string) (*core.Snapshot, error) {
	log := logrus.WithField("diagram_id", diagramID)
	log.Debug("Retrieving snapshot")

	var (
		data      []byte
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT data, updated_at FROM diagram_snapshots WHERE id = ?", diagramID).Scan(&data, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			log.Debug("No snapshot stored for diagram")
			return nil, fmt.Errorf("diagram %s: %w", diagramID, core.ErrNotFound)
		}
		log.WithError(err).Error("Failed to retrieve snapshot")
		return nil, err
	}

	log.WithField("data_length", len(data)).Debug("Snapshot loaded")
	return &core.Snapshot{
		DiagramID: diagramID,
		Data:      data,
		UpdatedAt: time.UnixMilli(updatedAt),
	}, nil
}

func (s *snapshotStore) Save(ctx context.Context, diagramID string, data []byte) error {
	if diagramID == "" {
		return fmt.Errorf("diagram id is required")
	}
	now := time.Now().UnixMilli()
	log := logrus.WithFields(logrus.Fields{
		"diagram_id":  diagramID,
		"data_length": len(data),
	})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if data == nil {
		data = []byte{}
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO diagram_snapshots (id, data, updated_at) VALUES (?, ?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at",
		diagramID, data, now)
	if err != nil {
		log.WithError(err).Error("Failed to save snapshot")
		return err
	}
	if err = touch(ctx, tx, diagramID, now); err != nil {
		log.WithError(err).Error("Failed to update room activity")
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}

	log.Debug("Snapshot saved")
	return nil
}

func (s *snapshotStore) Delete(ctx context.Context, diagramID string) error {
	log := logrus.WithField("diagram_id", diagramID)

	result, err := s.db.ExecContext(ctx, "DELETE FROM diagram_snapshots WHERE id = ?", diagramID)
	if err != nil {
		log.WithError(err).Error("Failed to delete snapshot")
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("diagram %s: %w", diagramID, core.ErrNotFound)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM rooms WHERE id = ?", diagramID); err != nil {
		log.WithError(err).Warn("Failed to delete room activity")
	}

	log.Info("Snapshot deleted")
	return nil
}

func (s *snapshotStore) TouchRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return fmt.Errorf("room id is required")
	}
	return touch(ctx, s.db, roomID, time.Now().UnixMilli())
}

func (s *snapshotStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, last_active FROM rooms ORDER BY last_active DESC, id ASC")
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logrus.WithError(cerr).Warn("Failed to close room rows")
		}
	}()

	var rooms []core.Room
	for rows.Next() {
		var room core.Room
		if err := rows.Scan(&room.ID, &room.LastActive); err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *snapshotStore) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func touch(ctx context.Context, db execer, roomID string, at int64) error {
	_, err := db.ExecContext(ctx,
		"INSERT INTO rooms (id, last_active) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET last_active = excluded.last_active",
		roomID, at)
	return err
}
