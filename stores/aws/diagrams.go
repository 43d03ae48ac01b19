package aws

import (
	"bytes"
	"context"
	"diagram-sync/core"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sirupsen/logrus"
)

// Diagram records live under <prefix>/.meta/. Diagram ids cannot contain a
// slash, so ListRooms never mistakes them for snapshots.
const metaDir = ".meta/"

func (s *s3Store) metaPrefix() string {
	return s.listPrefix() + metaDir
}

func (s *s3Store) metaKey(diagramID string) (string, error) {
	if _, err := s.key(diagramID); err != nil {
		return "", err
	}
	return s.metaPrefix() + diagramID + ".json", nil
}

func (s *s3Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *s3types.NotFound
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nf) || errors.As(err, &nsk) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *s3Store) putDiagram(ctx context.Context, key string, diagram *core.Diagram) error {
	data, err := json.Marshal(diagram)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload diagram %s: %w", diagram.ID, err)
	}
	return nil
}

// CreateDiagram checks for an existing record before writing. Two
// concurrent creates of one id can both succeed; the later write wins.
func (s *s3Store) CreateDiagram(ctx context.Context, diagram *core.Diagram) error {
	key, err := s.metaKey(diagram.ID)
	if err != nil {
		return err
	}
	found, err := s.exists(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to stat diagram %s: %w", diagram.ID, err)
	}
	if found {
		return fmt.Errorf("diagram %s: %w", diagram.ID, core.ErrDiagramExists)
	}
	return s.putDiagram(ctx, key, diagram)
}

func (s *s3Store) GetDiagram(ctx context.Context, diagramID string) (*core.Diagram, error) {
	key, err := s.metaKey(diagramID)
	if err != nil {
		return nil, err
	}
	return s.getDiagram(ctx, diagramID, key)
}

func (s *s3Store) getDiagram(ctx context.Context, diagramID, key string) (*core.Diagram, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("diagram %s: %w", diagramID, core.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get diagram %s: %w", diagramID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read diagram %s: %w", diagramID, err)
	}
	var diagram core.Diagram
	if err := json.Unmarshal(data, &diagram); err != nil {
		return nil, fmt.Errorf("failed to decode diagram %s: %w", diagramID, err)
	}
	return &diagram, nil
}

func (s *s3Store) ListDiagrams(ctx context.Context) ([]core.Diagram, error) {
	prefix := s.metaPrefix()
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})

	var diagrams []core.Diagram
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list diagrams: %w", err)
		}
		for _, object := range page.Contents {
			key := aws.ToString(object.Key)
			id := strings.TrimSuffix(strings.TrimPrefix(key, prefix), ".json")
			if !core.ValidDiagramID(id) {
				continue
			}
			diagram, err := s.getDiagram(ctx, id, key)
			if err != nil {
				logrus.WithError(err).WithField("diagram_id", id).Warn("Skipping unreadable diagram record")
				continue
			}
			diagrams = append(diagrams, *diagram)
		}
	}
	return diagrams, nil
}

func (s *s3Store) UpdateDiagram(ctx context.Context, diagram *core.Diagram) error {
	key, err := s.metaKey(diagram.ID)
	if err != nil {
		return err
	}
	found, err := s.exists(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to stat diagram %s: %w", diagram.ID, err)
	}
	if !found {
		return fmt.Errorf("diagram %s: %w", diagram.ID, core.ErrNotFound)
	}
	return s.putDiagram(ctx, key, diagram)
}

func (s *s3Store) DeleteDiagram(ctx context.Context, diagramID string) error {
	key, err := s.metaKey(diagramID)
	if err != nil {
		return err
	}
	found, err := s.exists(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to stat diagram %s: %w", diagramID, err)
	}
	if !found {
		return fmt.Errorf("diagram %s: %w", diagramID, core.ErrNotFound)
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to delete diagram %s: %w", diagramID, err)
	}
	return nil
}
