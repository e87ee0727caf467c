// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"carminepf/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ConfigStore persists the singleton monitoring configuration.
type ConfigStore interface {
	// GetConfig returns the authoritative config or ErrNotFound.
	GetConfig(ctx context.Context) (*model.MonitorConfig, error)
	// ReplaceConfig swaps the config for a new inactive first-run one and
	// clears the baseline and queue in the same transaction.
	ReplaceConfig(ctx context.Context, upd model.ConfigUpdate) (*model.MonitorConfig, error)
	SetActive(ctx context.Context, active bool) error
	SetFirstRun(ctx context.Context, firstRun bool) error
}

// Baseline is the durable set of every identifier ever observed.
type Baseline interface {
	Partition(ctx context.Context, asins []string) (known, fresh []string, err error)
	RecordNew(ctx context.Context, asins []string, at time.Time) error
	// ASINsWithoutItem returns the subset of asins that have no Item yet.
	ASINsWithoutItem(ctx context.Context, asins []string) ([]string, error)
	// DeleteSeenBefore removes entries first seen before cutoff, with their items.
	DeleteSeenBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Queue is the durable ordered collection of acquisition candidates.
type Queue interface {
	// CreateDiscovered records each identifier in the baseline (if absent) and
	// creates its Item (if absent), atomically.
	CreateDiscovered(ctx context.Context, items []model.NewItem, at time.Time) ([]model.Item, error)
	// Dequeue returns up to limit unprocessed items, oldest first, and marks
	// them processed in the same transaction.
	Dequeue(ctx context.Context, limit int, minProfitRate *float64, at time.Time) ([]model.Item, error)
	MarkAllProcessed(ctx context.Context, at time.Time) (int64, error)
	CountUnprocessed(ctx context.Context) (int64, error)
}

// Storage is the interface for all persistence operations.
type Storage interface {
	ConfigStore
	Baseline
	Queue

	ClearData(ctx context.Context) error
	Close() error
}
