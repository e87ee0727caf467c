// Package pipeline runs one discovery pass: fetch the feed, keep the
// identifiers not seen before, enrich and price them, and queue them.
package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"carminepf/internal/apperror"
	"carminepf/internal/fetcher"
	"carminepf/internal/filter"
	"carminepf/internal/metrics"
	"carminepf/internal/model"
	"carminepf/internal/profit"
	"carminepf/internal/storage"
)

// Store is the persistence the pipeline needs.
type Store interface {
	GetConfig(ctx context.Context) (*model.MonitorConfig, error)
	SetFirstRun(ctx context.Context, firstRun bool) error
	storage.Baseline
	CreateDiscovered(ctx context.Context, items []model.NewItem, at time.Time) ([]model.Item, error)
	MarkAllProcessed(ctx context.Context, at time.Time) (int64, error)
}

// FeedFetcher downloads the identifier feed.
type FeedFetcher interface {
	Fetch(ctx context.Context, url string) (*fetcher.Result, error)
}

// Enricher looks up offer data for identifiers.
type Enricher interface {
	Enrich(ctx context.Context, apiKey string, asins []string) ([]model.OfferInfo, error)
}

// Notifier is told about newly queued items that clear the profit floor.
type Notifier interface {
	NotifyCandidates(ctx context.Context, items []model.Item) error
}

// Summary describes one run.
type Summary struct {
	Skipped  bool
	FirstRun bool
	Fetched  int
	Valid    int
	Known    int
	New      int
	Created  int
}

// Pipeline wires the discovery stages together.
type Pipeline struct {
	store     Store
	feed      FeedFetcher
	enricher  Enricher
	estimator *profit.Estimator
	notifier  Notifier
	metrics   *metrics.Metrics
	apiKey    string
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithNotifier announces profitable new items.
func WithNotifier(n Notifier) Option {
	return func(p *Pipeline) { p.notifier = n }
}

// WithMetrics records run counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithAPIKey sets the enrichment key. It takes precedence over the key
// stored in the configuration.
func WithAPIKey(key string) Option {
	return func(p *Pipeline) { p.apiKey = key }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a Pipeline.
func New(store Store, feed FeedFetcher, enricher Enricher, est *profit.Estimator, logger *slog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:     store,
		feed:      feed,
		enricher:  enricher,
		estimator: est,
		logger:    logger,
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Run executes one discovery pass. A missing or inactive config is not an
// error; the run is skipped.
func (p *Pipeline) Run(ctx context.Context) (sum Summary, err error) {
	started := p.now()
	defer func() { p.metrics.ObserveRun(err, p.now().Sub(started)) }()

	cfg, err := p.store.GetConfig(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		p.logger.Info("skipping run: no configuration")
		return Summary{Skipped: true}, nil
	}
	if err != nil {
		return sum, fmt.Errorf("load config: %w", err)
	}
	if !cfg.IsActive {
		p.logger.Info("skipping run: configuration not active")
		return Summary{Skipped: true}, nil
	}

	res, err := p.feed.Fetch(ctx, cfg.URL)
	if err != nil {
		return sum, fmt.Errorf("fetch feed: %w", err)
	}
	if res.TokensLeft != nil {
		p.metrics.SetTokensLeft(*res.TokensLeft)
	}
	sum.Fetched = len(res.ASINs)
	p.metrics.AddIdentifiers("fetched", sum.Fetched)
	if sum.Fetched == 0 {
		p.logger.Info("feed returned no identifiers")
		return sum, nil
	}

	valid, rejected := filter.SplitASINs(res.ASINs)
	for _, r := range rejected {
		p.logger.Warn("dropping malformed identifier", "asin", r,
			"code", apperror.CodeValidationSkip)
	}
	p.metrics.AddIdentifiers("invalid", len(rejected))
	sum.Valid = len(valid)
	if sum.Valid == 0 {
		return sum, nil
	}

	known, fresh, err := p.store.Partition(ctx, valid)
	if err != nil {
		return sum, fmt.Errorf("partition baseline: %w", err)
	}
	sum.Known, sum.New = len(known), len(fresh)
	p.metrics.AddIdentifiers("known", sum.Known)
	p.metrics.AddIdentifiers("new", sum.New)

	key := cmp.Or(p.apiKey, cfg.APIKey)
	if cfg.IsFirstRun {
		sum.FirstRun = true
		created, err := p.firstRun(ctx, key, valid)
		sum.Created = created
		if err != nil {
			return sum, err
		}
	} else {
		items, err := p.subsequentRun(ctx, key, fresh)
		sum.Created = len(items)
		if err != nil {
			return sum, err
		}
		p.announce(ctx, cfg, items)
	}
	p.metrics.AddItemsCreated(sum.Created)

	p.logger.Info("discovery run complete",
		"first_run", sum.FirstRun, "fetched", sum.Fetched, "valid", sum.Valid,
		"known", sum.Known, "new", sum.New, "created", sum.Created)
	return sum, nil
}

// firstRun records every identifier as the baseline, creates their items
// and consumes them at once so nothing reaches the queue consumer.
func (p *Pipeline) firstRun(ctx context.Context, key string, valid []string) (int, error) {
	now := p.now()

	// Recorded before enrichment so a retried first run does not re-download.
	if err := p.store.RecordNew(ctx, valid, now); err != nil {
		return 0, fmt.Errorf("record baseline: %w", err)
	}

	pending, err := p.store.ASINsWithoutItem(ctx, valid)
	if err != nil {
		return 0, fmt.Errorf("find baseline without items: %w", err)
	}

	var created int
	if len(pending) > 0 {
		infos, err := p.enricher.Enrich(ctx, key, pending)
		if err != nil {
			return 0, fmt.Errorf("enrich first run: %w", err)
		}
		items, err := p.store.CreateDiscovered(ctx, p.buildItems(pending, infos), now)
		if err != nil {
			return 0, fmt.Errorf("create baseline items: %w", err)
		}
		created = len(items)
	}

	marked, err := p.store.MarkAllProcessed(ctx, p.now())
	if err != nil {
		return created, fmt.Errorf("mark baseline processed: %w", err)
	}
	if err := p.store.SetFirstRun(ctx, false); err != nil {
		return created, fmt.Errorf("clear first run: %w", err)
	}

	p.logger.Info("baseline established", "identifiers", len(valid), "items", created, "consumed", marked)
	return created, nil
}

// subsequentRun enriches only fresh identifiers and records them together
// with their items. Nothing is recorded when enrichment fails.
func (p *Pipeline) subsequentRun(ctx context.Context, key string, fresh []string) ([]model.Item, error) {
	if len(fresh) == 0 {
		return nil, nil
	}

	infos, err := p.enricher.Enrich(ctx, key, fresh)
	if err != nil {
		return nil, fmt.Errorf("enrich new identifiers: %w", err)
	}

	items, err := p.store.CreateDiscovered(ctx, p.buildItems(fresh, infos), p.now())
	if err != nil {
		return nil, fmt.Errorf("create items: %w", err)
	}
	return items, nil
}

// buildItems pairs each identifier with its offer data, in discovery order.
// Identifiers without offer data still get an item with empty fields.
func (p *Pipeline) buildItems(asins []string, infos []model.OfferInfo) []model.NewItem {
	byASIN := make(map[string]model.OfferInfo, len(infos))
	for _, info := range infos {
		byASIN[info.ASIN] = info
	}

	items := make([]model.NewItem, 0, len(asins))
	for _, a := range asins {
		info, ok := byASIN[a]
		if !ok {
			items = append(items, model.NewItem{ASIN: a})
			continue
		}
		est := p.estimator.Estimate(profit.Input{
			PurchasePrice:  info.PurchasePrice,
			ReferencePrice: info.ReferencePrice90d,
			FeeRatePercent: info.FeeRatePercent,
			FixedFees:      info.FixedFees,
		})
		items = append(items, model.NewItem{
			ASIN:           a,
			SellerID:       info.SellerID,
			PurchasePrice:  info.PurchasePrice,
			ReferencePrice: info.ReferencePrice90d,
			FeeRatePercent: info.FeeRatePercent,
			FixedFees:      info.FixedFees,
			ProfitAmount:   est.Amount,
			ProfitRate:     est.Rate,
			IsFBA:          info.IsFulfilledByPlatform,
			IsPrime:        info.IsExpeditedEligible,
		})
	}
	return items
}

func (p *Pipeline) announce(ctx context.Context, cfg *model.MonitorConfig, items []model.Item) {
	if p.notifier == nil || len(items) == 0 {
		return
	}
	var profitable []model.Item
	for _, it := range items {
		if it.ProfitRate == nil {
			continue
		}
		if cfg.MinProfitRate != nil && *it.ProfitRate < *cfg.MinProfitRate {
			continue
		}
		profitable = append(profitable, it)
	}
	if len(profitable) == 0 {
		return
	}
	if err := p.notifier.NotifyCandidates(ctx, profitable); err != nil {
		p.logger.Warn("notify candidates", "error", err)
	}
}
