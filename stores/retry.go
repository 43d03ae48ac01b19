package stores

import (
	"context"
	"diagram-sync/core"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

const initialRetryInterval = 50 * time.Millisecond

type retryStore struct {
	Store
	retries     uint64
	maxInterval time.Duration
}

// WithRetry retries Load, Save and Delete with exponential backoff.
// ErrNotFound is returned immediately and ErrInvalidDiagramID is not
// retried. Failures that outlive the policy
// come back as *core.PersistenceError.
func WithRetry(store Store, retries uint64, maxInterval time.Duration) Store {
	if maxInterval <= 0 {
		maxInterval = initialRetryInterval
	}
	return &retryStore{Store: store, retries: retries, maxInterval: maxInterval}
}

func (s *retryStore) policy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = min(initialRetryInterval, s.maxInterval)
	b.MaxInterval = s.maxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, s.retries), ctx)
}

func (s *retryStore) do(ctx context.Context, op, diagramID string, fn func() error) error {
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if errors.Is(err, core.ErrNotFound) || errors.Is(err, core.ErrInvalidDiagramID) {
			return backoff.Permanent(err)
		}
		return err
	}, s.policy(ctx), func(err error, next time.Duration) {
		logrus.WithFields(logrus.Fields{
			"diagram_id": diagramID,
			"op":         op,
			"attempt":    attempt,
			"retry_in":   next,
		}).WithError(err).Warn("Snapshot store operation failed, retrying")
	})
	if err == nil || errors.Is(err, core.ErrNotFound) {
		return err
	}
	return &core.PersistenceError{Op: op, DiagramID: diagramID, Err: err}
}

func (s *retryStore) Load(ctx context.Context, diagramID string) (*core.Snapshot, error) {
	var snapshot *core.Snapshot
	err := s.do(ctx, "load", diagramID, func() error {
		var err error
		snapshot, err = s.Store.Load(ctx, diagramID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return snapshot, nil
}

func (s *retryStore) Save(ctx context.Context, diagramID string, data []byte) error {
	return s.do(ctx, "save", diagramID, func() error {
		return s.Store.Save(ctx, diagramID, data)
	})
}

func (s *retryStore) Delete(ctx context.Context, diagramID string) error {
	return s.do(ctx, "delete", diagramID, func() error {
		return s.Store.Delete(ctx, diagramID)
	})
}

func (s *retryStore) Close() error { return closeStore(s.Store) }
