package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"carminepf/internal/apperror"
	"carminepf/internal/fetcher"
	"carminepf/internal/model"
	"carminepf/internal/profit"
	"carminepf/internal/storage"
)

type fakeFeed struct {
	asins []string
	err   error
	urls  []string
}

func (f *fakeFeed) Fetch(_ context.Context, url string) (*fetcher.Result, error) {
	f.urls = append(f.urls, url)
	if f.err != nil {
		return nil, f.err
	}
	return &fetcher.Result{ASINs: f.asins}, nil
}

type fakeEnricher struct {
	calls [][]string
	keys  []string
	err   error
	// offers by identifier; identifiers not listed get no info.
	offers map[string]model.OfferInfo
}

func (f *fakeEnricher) Enrich(_ context.Context, key string, asins []string) ([]model.OfferInfo, error) {
	f.calls = append(f.calls, asins)
	f.keys = append(f.keys, key)
	if f.err != nil {
		return nil, f.err
	}
	var out []model.OfferInfo
	for _, a := range asins {
		if info, ok := f.offers[a]; ok {
			info.ASIN = a
			out = append(out, info)
		}
	}
	return out, nil
}

type fakeNotifier struct {
	got []model.Item
}

func (f *fakeNotifier) NotifyCandidates(_ context.Context, items []model.Item) error {
	f.got = append(f.got, items...)
	return nil
}

func ptr[T any](v T) *T { return &v }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *storage.SQLite {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func activeConfig(t *testing.T, s *storage.SQLite, upd model.ConfigUpdate) {
	t.Helper()
	ctx := context.Background()
	if upd.URL == "" {
		upd.URL = "https://api.keepa.com/query?key=k"
	}
	if _, err := s.ReplaceConfig(ctx, upd); err != nil {
		t.Fatalf("ReplaceConfig: %v", err)
	}
	if err := s.SetActive(ctx, true); err != nil {
		t.Fatalf("SetActive: %v", err)
	}
}

func profitable() model.OfferInfo {
	return model.OfferInfo{
		SellerID:          ptr("S1"),
		PurchasePrice:     ptr(1000.0),
		ReferencePrice90d: ptr(2000.0),
		FeeRatePercent:    ptr(0.15),
		FixedFees:         ptr(450.0),
	}
}

func newPipeline(s *storage.SQLite, feed *fakeFeed, enr *fakeEnricher, opts ...Option) *Pipeline {
	return New(s, feed, enr, profit.NewEstimator(profit.DefaultTaxRate), discardLogger(), opts...)
}

func unprocessed(t *testing.T, s *storage.SQLite) []string {
	t.Helper()
	items, err := s.Dequeue(context.Background(), 100, nil, time.Now())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	var out []string
	for _, it := range items {
		out = append(out, it.ASIN)
	}
	return out
}

func TestFirstRunExposesNothing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	activeConfig(t, s, model.ConfigUpdate{})

	feed := &fakeFeed{asins: []string{"B00000000A", "B00000000B", "bad", "B00000000A", "B00000000C"}}
	enr := &fakeEnricher{offers: map[string]model.OfferInfo{"B00000000A": profitable()}}
	p := newPipeline(s, feed, enr)

	sum, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := Summary{FirstRun: true, Fetched: 5, Valid: 3, New: 3, Created: 3}
	if diff := cmp.Diff(want, sum); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}

	if got := unprocessed(t, s); len(got) != 0 {
		t.Errorf("queue after first run = %v, want empty", got)
	}

	cfg, err := s.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if cfg.IsFirstRun {
		t.Error("IsFirstRun still set after first run")
	}

	item, err := s.GetItemByASIN(ctx, "B00000000A")
	if err != nil {
		t.Fatalf("GetItemByASIN: %v", err)
	}
	if diff := cmp.Diff(ptr(11.0), item.ProfitRate); diff != "" {
		t.Errorf("profit rate mismatch (-want +got):\n%s", diff)
	}
}

func TestFirstRunRetryAfterEnrichFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	activeConfig(t, s, model.ConfigUpdate{})

	feed := &fakeFeed{asins: []string{"B00000000A", "B00000000B"}}
	enr := &fakeEnricher{err: apperror.New(apperror.CodeQuotaExhausted)}
	p := newPipeline(s, feed, enr)

	if _, err := p.Run(ctx); !apperror.HasCode(err, apperror.CodeQuotaExhausted) {
		t.Fatalf("Run error = %v, want QUOTA_EXHAUSTED", err)
	}

	// The baseline survives the failed first run.
	known, _, err := s.Partition(ctx, feed.asins)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	if diff := cmp.Diff(feed.asins, known); diff != "" {
		t.Errorf("baseline mismatch (-want +got):\n%s", diff)
	}

	enr.err = nil
	sum, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("retry Run: %v", err)
	}
	if !sum.FirstRun || sum.Created != 2 {
		t.Errorf("retry summary = %+v, want first run with 2 created", sum)
	}
	if got := unprocessed(t, s); len(got) != 0 {
		t.Errorf("queue after retried first run = %v, want empty", got)
	}
}

func TestSubsequentRunCreatesOnlyNew(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	activeConfig(t, s, model.ConfigUpdate{})

	feed := &fakeFeed{asins: []string{"B00000000A", "B00000000B"}}
	enr := &fakeEnricher{offers: map[string]model.OfferInfo{"B00000000C": profitable()}}
	p := newPipeline(s, feed, enr)

	if _, err := p.Run(ctx); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	before, err := s.GetItemByASIN(ctx, "B00000000A")
	if err != nil {
		t.Fatalf("GetItemByASIN: %v", err)
	}

	feed.asins = []string{"B00000000A", "B00000000C"}
	enr.calls = nil
	sum, err := p.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	want := Summary{Fetched: 2, Valid: 2, Known: 1, New: 1, Created: 1}
	if diff := cmp.Diff(want, sum); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"B00000000C"}}, enr.calls); diff != "" {
		t.Errorf("enrich calls mismatch (-want +got):\n%s", diff)
	}

	after, err := s.GetItemByASIN(ctx, "B00000000A")
	if err != nil {
		t.Fatalf("GetItemByASIN: %v", err)
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("known item changed (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"B00000000C"}, unprocessed(t, s)); diff != "" {
		t.Errorf("queue mismatch (-want +got):\n%s", diff)
	}
}

func TestSubsequentRunEnrichFailureRecordsNothing(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	activeConfig(t, s, model.ConfigUpdate{})
	if err := s.SetFirstRun(ctx, false); err != nil {
		t.Fatalf("SetFirstRun: %v", err)
	}

	feed := &fakeFeed{asins: []string{"B00000000A"}}
	enr := &fakeEnricher{err: apperror.New(apperror.CodeRateLimited)}
	p := newPipeline(s, feed, enr)

	if _, err := p.Run(ctx); !apperror.HasCode(err, apperror.CodeRateLimited) {
		t.Fatalf("Run error = %v, want RATE_LIMITED", err)
	}
	_, fresh, err := s.Partition(ctx, feed.asins)
	if err != nil {
		t.Fatalf("Partition: %v", err)
	}
	if diff := cmp.Diff([]string{"B00000000A"}, fresh); diff != "" {
		t.Errorf("identifier recorded despite failure (-want +got):\n%s", diff)
	}
}

func TestItemCreatedWithoutProfit(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	activeConfig(t, s, model.ConfigUpdate{})
	if err := s.SetFirstRun(ctx, false); err != nil {
		t.Fatalf("SetFirstRun: %v", err)
	}

	noReference := profitable()
	noReference.ReferencePrice90d = nil
	feed := &fakeFeed{asins: []string{"B00000000A", "B00000000B"}}
	enr := &fakeEnricher{offers: map[string]model.OfferInfo{"B00000000A": noReference}}

	if _, err := newPipeline(s, feed, enr).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	for _, asin := range feed.asins {
		it, err := s.GetItemByASIN(ctx, asin)
		if err != nil {
			t.Fatalf("GetItemByASIN %s: %v", asin, err)
		}
		if it.ProfitAmount != nil || it.ProfitRate != nil {
			t.Errorf("%s profit = %v/%v, want nil", asin, it.ProfitAmount, it.ProfitRate)
		}
	}
}

func TestEmptyFeedHasNoSideEffects(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	activeConfig(t, s, model.ConfigUpdate{})

	feed := &fakeFeed{}
	enr := &fakeEnricher{}
	sum, err := newPipeline(s, feed, enr).Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff(Summary{}, sum); diff != "" {
		t.Errorf("summary mismatch (-want +got):\n%s", diff)
	}
	if len(enr.calls) != 0 {
		t.Errorf("enricher called %d times", len(enr.calls))
	}
	n, err := s.CountBaseline(ctx)
	if err != nil {
		t.Fatalf("CountBaseline: %v", err)
	}
	if n != 0 {
		t.Errorf("baseline size = %d, want 0", n)
	}
	cfg, err := s.GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if !cfg.IsFirstRun {
		t.Error("empty feed cleared IsFirstRun")
	}
}

func TestSkipsWithoutActiveConfig(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	feed := &fakeFeed{asins: []string{"B00000000A"}}
	p := newPipeline(s, feed, &fakeEnricher{})

	sum, err := p.Run(ctx)
	if err != nil || !sum.Skipped {
		t.Fatalf("Run without config = %+v, %v; want skipped", sum, err)
	}

	if _, err := s.ReplaceConfig(ctx, model.ConfigUpdate{URL: "u"}); err != nil {
		t.Fatalf("ReplaceConfig: %v", err)
	}
	sum, err = p.Run(ctx)
	if err != nil || !sum.Skipped {
		t.Fatalf("Run with inactive config = %+v, %v; want skipped", sum, err)
	}
	if len(feed.urls) != 0 {
		t.Errorf("feed fetched %d times, want 0", len(feed.urls))
	}
}

func TestFetchErrorAbortsRun(t *testing.T) {
	s := newTestStore(t)
	activeConfig(t, s, model.ConfigUpdate{})
	feed := &fakeFeed{err: errors.New("connection refused")}

	if _, err := newPipeline(s, feed, &fakeEnricher{}).Run(context.Background()); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestAPIKeyPrecedence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	activeConfig(t, s, model.ConfigUpdate{APIKey: "from-config"})

	feed := &fakeFeed{asins: []string{"B00000000A"}}
	enr := &fakeEnricher{}
	if _, err := newPipeline(s, feed, enr).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	feed.asins = []string{"B00000000B"}
	if _, err := newPipeline(s, feed, enr, WithAPIKey("from-env")).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{"from-config", "from-env"}, enr.keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

func TestNotifierReceivesProfitableItems(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	activeConfig(t, s, model.ConfigUpdate{MinProfitRate: ptr(10.0)})
	if err := s.SetFirstRun(ctx, false); err != nil {
		t.Fatalf("SetFirstRun: %v", err)
	}

	thin := profitable()
	thin.PurchasePrice = ptr(1200.0) // rate 1.0
	feed := &fakeFeed{asins: []string{"B00000000A", "B00000000B", "B00000000C"}}
	enr := &fakeEnricher{offers: map[string]model.OfferInfo{"B00000000A": profitable(), "B00000000B": thin}}
	n := &fakeNotifier{}

	if _, err := newPipeline(s, feed, enr, WithNotifier(n)).Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(n.got) != 1 || n.got[0].ASIN != "B00000000A" {
		t.Errorf("notified = %+v, want only B00000000A", n.got)
	}
}
