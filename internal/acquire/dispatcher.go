package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"carminepf/internal/apperror"
	"carminepf/internal/filter"
	"carminepf/internal/model"
	"carminepf/internal/storage"
)

// ItemSource hands out queued items at most once.
type ItemSource interface {
	ReadBatch(ctx context.Context, limit int) ([]model.Item, error)
}

// PageFactory opens a product page for item. The returned release func is
// called once the attempt is over.
type PageFactory interface {
	Open(ctx context.Context, item model.Item) (Page, func(), error)
}

// ConfigStore provides the gates of the active monitor.
type ConfigStore interface {
	GetConfig(ctx context.Context) (*model.MonitorConfig, error)
}

// Dispatcher reads a batch from the queue and runs one attempt per item.
type Dispatcher struct {
	source      ItemSource
	pages       PageFactory
	configs     ConfigStore
	automaton   *Automaton
	concurrency int
	log         *slog.Logger
}

// NewDispatcher creates a Dispatcher running at most concurrency attempts
// at once. A non-positive concurrency runs them one by one.
func NewDispatcher(source ItemSource, pages PageFactory, configs ConfigStore, a *Automaton, concurrency int, log *slog.Logger) *Dispatcher {
	return &Dispatcher{
		source:      source,
		pages:       pages,
		configs:     configs,
		automaton:   a,
		concurrency: max(concurrency, 1),
		log:         log,
	}
}

// Drain reads up to limit items and attempts each. It returns the outcomes
// in queue order.
func (d *Dispatcher) Drain(ctx context.Context, limit int) ([]Outcome, error) {
	var gates filter.Gates
	cfg, err := d.configs.GetConfig(ctx)
	switch {
	case err == nil:
		gates = filter.GatesFromConfig(cfg)
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, fmt.Errorf("load config: %w", err)
	}

	items, err := d.source.ReadBatch(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	if len(items) == 0 {
		return nil, nil
	}

	outcomes := make([]Outcome, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, item := range items {
		g.Go(func() error {
			outcomes[i] = d.attempt(gctx, item, gates)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes, nil
}

func (d *Dispatcher) attempt(ctx context.Context, item model.Item, gates filter.Gates) Outcome {
	req := Request{ItemID: item.ID, ASIN: item.ASIN, Gates: gates}

	page, release, err := d.pages.Open(ctx, item)
	if err != nil {
		d.log.Error("open product page", "asin", item.ASIN, "error", err)
		return d.automaton.openFailed(ctx, req, err)
	}
	defer release()

	return d.automaton.Attempt(ctx, page, req)
}

// openFailed reports an attempt that never reached a page.
func (a *Automaton) openFailed(ctx context.Context, req Request, err error) Outcome {
	now := a.now()
	reason := fmt.Sprintf("open product page: %v", err)
	out := Outcome{
		AttemptID: a.newID(),
		ItemID:    req.ItemID,
		ASIN:      req.ASIN,
		State:     StateFailed,
		Code:      apperror.GetCode(err),
		Reason:    reason,
		Snapshot: &Snapshot{
			Stage:    StateInit,
			Reason:   reason,
			Controls: map[Role]ControlState{},
			TakenAt:  now,
		},
		StartedAt: now,
	}
	return a.finish(context.WithoutCancel(ctx), out)
}
