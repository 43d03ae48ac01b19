package stores

import (
	"context"
	"diagram-sync/config"
	"diagram-sync/core"
	"diagram-sync/stores/aws"
	"diagram-sync/stores/filesystem"
	"diagram-sync/stores/memory"
	"diagram-sync/stores/redis"
	"diagram-sync/stores/sqlite"
	"io"

	"github.com/sirupsen/logrus"
)

// Store is a snapshot backend that also records room activity and diagram
// metadata.
type Store interface {
	core.SnapshotStore
	core.RoomRegistry
	core.DiagramStore
}

func GetStore(ctx context.Context, cfg config.Storage) Store {
	var store Store

	storageField := logrus.Fields{
		"storageType": cfg.Type,
	}

	switch cfg.Type {
	case "filesystem":
		storageField["basePath"] = cfg.LocalPath
		store = filesystem.NewSnapshotStore(cfg.LocalPath)
	case "sqlite":
		storageField["dataSourceName"] = cfg.DataSourceName
		store = sqlite.NewSnapshotStore(cfg.DataSourceName)
	case "s3":
		storageField["bucket"] = cfg.S3Bucket
		storageField["prefix"] = cfg.S3Prefix
		store = aws.NewSnapshotStore(cfg.S3Bucket, cfg.S3Prefix)
	case "redis":
		store = redis.NewSnapshotStore(ctx, cfg.RedisURL)
	default:
		store = memory.NewSnapshotStore()
		storageField["storageType"] = "in-memory"
	}

	if cfg.Compression == "zstd" {
		store = WithCompression(store)
		storageField["compression"] = cfg.Compression
	}
	store = WithRetry(store, cfg.Retries, cfg.RetryMaxInterval)
	storageField["retries"] = cfg.Retries

	logrus.WithFields(storageField).Info("Use storage")
	return store
}

func closeStore(store Store) error {
	if closer, ok := store.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
