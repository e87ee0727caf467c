// Package queue is the consumer-facing read side of the item queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"carminepf/internal/metrics"
	"carminepf/internal/model"
	"carminepf/internal/storage"
)

// DefaultBatch bounds how many items a single read hands out.
const DefaultBatch = 3

// Store is the persistence the queue needs.
type Store interface {
	GetConfig(ctx context.Context) (*model.MonitorConfig, error)
	Dequeue(ctx context.Context, limit int, minProfitRate *float64, at time.Time) ([]model.Item, error)
	CountUnprocessed(ctx context.Context) (int64, error)
}

// Service hands out queued items at most once.
type Service struct {
	store   Store
	batch   int
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Service. A non-positive batch uses DefaultBatch.
func New(store Store, batch int, m *metrics.Metrics, logger *slog.Logger) *Service {
	if batch <= 0 {
		batch = DefaultBatch
	}
	return &Service{store: store, batch: batch, metrics: m, logger: logger, now: time.Now}
}

// ReadBatch returns up to limit unprocessed items, oldest first, and marks
// them processed. limit is clamped to the service batch size. When the
// active config sets a profit floor, only items meeting it are returned.
func (s *Service) ReadBatch(ctx context.Context, limit int) ([]model.Item, error) {
	if limit <= 0 || limit > s.batch {
		limit = s.batch
	}

	var floor *float64
	cfg, err := s.store.GetConfig(ctx)
	switch {
	case err == nil:
		floor = cfg.MinProfitRate
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, fmt.Errorf("load config: %w", err)
	}

	items, err := s.store.Dequeue(ctx, limit, floor, s.now())
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if len(items) > 0 {
		s.metrics.AddItemsDequeued(len(items))
		s.logger.Info("items handed out", "count", len(items))
	}
	return items, nil
}

// Pending returns the number of unprocessed items.
func (s *Service) Pending(ctx context.Context) (int64, error) {
	return s.store.CountUnprocessed(ctx)
}
