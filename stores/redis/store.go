package redis

import (
	"context"
	"diagram-sync/core"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const roomsKey = "diagrams:active"

// client is the subset of redis.Cmdable the store relies on.
type client interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZScore(ctx context.Context, key, member string) *redis.FloatCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZRevRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
	HSetNX(ctx context.Context, key, field string, value interface{}) *redis.BoolCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGet(ctx context.Context, key, field string) *redis.StringCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	HExists(ctx context.Context, key, field string) *redis.BoolCmd
	HDel(ctx context.Context, key string, fields ...string) *redis.IntCmd
}

type redisStore struct {
	client client
}

// NewSnapshotStore connects to the server described by redisURL.
func NewSnapshotStore(ctx context.Context, redisURL string) *redisStore {
	if redisURL == "" {
		log.Fatalf("REDIS_URL is required for redis storage")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		log.Fatalf("failed to parse REDIS_URL: %v", err)
	}
	c := redis.NewClient(opts)
	if _, err := c.Ping(ctx).Result(); err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}
	return newStore(c)
}

func newStore(c client) *redisStore {
	return &redisStore{client: c}
}

// Close releases the connection pool.
func (s *redisStore) Close() error {
	if closer, ok := s.client.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func snapshotKey(diagramID string) string {
	return fmt.Sprintf("diagram:%s", diagramID)
}

func (s *redisStore) Load(ctx context.Context, diagramID string) (*core.Snapshot, error) {
	data, err := s.client.Get(ctx, snapshotKey(diagramID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("diagram %s: %w", diagramID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get snapshot %s: %w", diagramID, err)
	}

	snapshot := &core.Snapshot{DiagramID: diagramID, Data: data}
	if score, err := s.client.ZScore(ctx, roomsKey, diagramID).Result(); err == nil {
		snapshot.UpdatedAt = time.UnixMilli(int64(score))
	}
	logrus.WithFields(logrus.Fields{"diagram_id": diagramID, "data_length": len(data)}).Debug("Snapshot loaded")
	return snapshot, nil
}

func (s *redisStore) Save(ctx context.Context, diagramID string, data []byte) error {
	if !core.ValidDiagramID(diagramID) {
		return fmt.Errorf("%w %q", core.ErrInvalidDiagramID, diagramID)
	}
	if data == nil {
		data = []byte{}
	}
	if err := s.client.Set(ctx, snapshotKey(diagramID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot %s: %w", diagramID, err)
	}
	if err := s.TouchRoom(ctx, diagramID); err != nil {
		logrus.WithError(err).WithField("diagram_id", diagramID).Warn("Failed to update room activity")
	}
	logrus.WithFields(logrus.Fields{"diagram_id": diagramID, "data_length": len(data)}).Debug("Snapshot saved")
	return nil
}

func (s *redisStore) Delete(ctx context.Context, diagramID string) error {
	n, err := s.client.Del(ctx, snapshotKey(diagramID)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", diagramID, err)
	}
	if n == 0 {
		return fmt.Errorf("diagram %s: %w", diagramID, core.ErrNotFound)
	}
	if err := s.client.ZRem(ctx, roomsKey, diagramID).Err(); err != nil {
		logrus.WithError(err).WithField("diagram_id", diagramID).Warn("Failed to delete room activity")
	}
	logrus.WithField("diagram_id", diagramID).Info("Snapshot deleted")
	return nil
}

func (s *redisStore) TouchRoom(ctx context.Context, roomID string) error {
	if !core.ValidDiagramID(roomID) {
		return fmt.Errorf("%w %q", core.ErrInvalidDiagramID, roomID)
	}
	member := redis.Z{Score: float64(time.Now().UnixMilli()), Member: roomID}
	return s.client.ZAdd(ctx, roomsKey, member).Err()
}

func (s *redisStore) ListRooms(ctx context.Context) ([]core.Room, error) {
	members, err := s.client.ZRevRangeWithScores(ctx, roomsKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	rooms := make([]core.Room, 0, len(members))
	for _, m := range members {
		id, ok := m.Member.(string)
		if !ok {
			continue
		}
		rooms = append(rooms, core.Room{ID: id, LastActive: int64(m.Score)})
	}
	return rooms, nil
}
