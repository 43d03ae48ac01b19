package aws

import (
	"bytes"
	"context"
	"diagram-sync/core"
	"errors"
	"fmt"
	"io"
	"log"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

// objectAPI is the subset of the S3 client the store relies on.
type objectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type s3Store struct {
	client objectAPI
	bucket string
	prefix string
}

// NewSnapshotStore creates a new S3-based store. Snapshots are written to
// <prefix>/<diagramID> inside bucketName.
func NewSnapshotStore(bucketName, prefix string) *s3Store {
	cfg, err := config.LoadDefaultConfig(context.TODO())
	if err != nil {
		log.Fatalf("unable to load SDK config, %v", err)
	}
	return newStore(s3.NewFromConfig(cfg), bucketName, prefix)
}

func newStore(client objectAPI, bucketName, prefix string) *s3Store {
	return &s3Store{
		client: client,
		bucket: bucketName,
		prefix: strings.Trim(prefix, "/"),
	}
}

func (s *s3Store) key(diagramID string) (string, error) {
	if !core.ValidDiagramID(diagramID) || path.Base(diagramID) != diagramID {
		return "", fmt.Errorf("%w %q", core.ErrInvalidDiagramID, diagramID)
	}
	if s.prefix == "" {
		return diagramID, nil
	}
	return s.prefix + "/" + diagramID, nil
}

func (s *s3Store) listPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + "/"
}

func (s *s3Store) Load(ctx context.Context, diagramID string) (*core.Snapshot, error) {
	key, err := s.key(diagramID)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("diagram %s: %w", diagramID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get snapshot %s: %w", diagramID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot data: %w", err)
	}

	snapshot := &core.Snapshot{DiagramID: diagramID, Data: data}
	if resp.LastModified != nil {
		snapshot.UpdatedAt = *resp.LastModified
	}
	logrus.WithFields(logrus.Fields{"diagram_id": diagramID, "data_length": len(data)}).Debug("Snapshot loaded")
	return snapshot, nil
}

func (s *s3Store) Save(ctx context.Context, diagramID string, data []byte) error {
	key, err := s.key(diagramID)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload snapshot %s: %w", diagramID, err)
	}
	logrus.WithFields(logrus.Fields{"diagram_id": diagramID, "data_length": len(data)}).Debug("Snapshot saved")
	return nil
}

// Delete reports ErrNotFound for missing objects. S3 deletes are idempotent
// so existence is checked first.
func (s *s3Store) Delete(ctx context.Context, diagramID string) error {
	key, err := s.key(diagramID)
	if err != nil {
		return err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *s3types.NotFound
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nf) || errors.As(err, &nsk) {
			return fmt.Errorf("diagram %s: %w", diagramID, core.ErrNotFound)
		}
		return fmt.Errorf("failed to stat snapshot %s: %w", diagramID, err)
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %s: %w", diagramID, err)
	}
	logrus.WithField("diagram_id", diagramID).Info("Snapshot deleted")
	return nil
}

// TouchRoom is a no-op; activity is derived from object modification times.
func (s *s3Store) TouchRoom(ctx context.Context, roomID string) error {
	if _, err := s.key(roomID); err != nil {
		return err
	}
	return nil
}

func (s *s3Store) ListRooms(ctx context.Context) ([]core.Room, error) {
	prefix := s.listPrefix()
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var rooms []core.Room
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list snapshots: %w", err)
		}
		for _, object := range page.Contents {
			if object.Key == nil {
				continue
			}
			id := strings.TrimPrefix(*object.Key, prefix)
			if !core.ValidDiagramID(id) {
				continue
			}
			var lastActive time.Time
			if object.LastModified != nil {
				lastActive = *object.LastModified
			}
			rooms = append(rooms, core.Room{ID: id, LastActive: lastActive.UnixMilli()})
		}
	}

	sort.Slice(rooms, func(i, j int) bool {
		if rooms[i].LastActive == rooms[j].LastActive {
			return rooms[i].ID < rooms[j].ID
		}
		return rooms[i].LastActive > rooms[j].LastActive
	})
	return rooms, nil
}
