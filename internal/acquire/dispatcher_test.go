package acquire

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"carminepf/internal/model"
	"carminepf/internal/storage"
)

type fakeSource struct {
	items []model.Item
	limit int
}

func (s *fakeSource) ReadBatch(_ context.Context, limit int) ([]model.Item, error) {
	s.limit = limit
	out := s.items
	s.items = nil
	return out, nil
}

type fakeConfigs struct {
	cfg *model.MonitorConfig
}

func (c fakeConfigs) GetConfig(context.Context) (*model.MonitorConfig, error) {
	if c.cfg == nil {
		return nil, storage.ErrNotFound
	}
	return c.cfg, nil
}

type fakeFactory struct {
	mu       sync.Mutex
	pages    map[string]*fakePage
	failing  map[string]bool
	released int
}

func (f *fakeFactory) Open(_ context.Context, item model.Item) (Page, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing[item.ASIN] {
		return nil, nil, errors.New("browser unavailable")
	}
	release := func() {
		f.mu.Lock()
		f.released++
		f.mu.Unlock()
	}
	return f.pages[item.ASIN], release, nil
}

func TestDispatcherDrain(t *testing.T) {
	lowRated := newFakePage()
	lowRated.candidate.StarRating = ptr(3.0)

	factory := &fakeFactory{
		pages: map[string]*fakePage{
			"B000000001": newFakePage(),
			"B000000002": lowRated,
		},
		failing: map[string]bool{"B000000003": true},
	}
	source := &fakeSource{items: []model.Item{
		{ID: 1, ASIN: "B000000001"},
		{ID: 2, ASIN: "B000000002"},
		{ID: 3, ASIN: "B000000003"},
	}}
	rep := &recordingReporter{}
	cfg := &model.MonitorConfig{MinStarRating: ptr(4.0)}

	d := NewDispatcher(source, factory, fakeConfigs{cfg: cfg}, newTestAutomaton(rep), 2,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	outcomes, err := d.Drain(context.Background(), 3)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if source.limit != 3 {
		t.Errorf("ReadBatch limit = %d, want 3", source.limit)
	}

	want := []State{StateCompleted, StateRejected, StateFailed}
	if len(outcomes) != len(want) {
		t.Fatalf("got %d outcomes, want %d", len(outcomes), len(want))
	}
	for i, s := range want {
		if outcomes[i].State != s {
			t.Errorf("outcome %d state = %s, want %s", i, outcomes[i].State, s)
		}
		if outcomes[i].ItemID != int64(i+1) {
			t.Errorf("outcome %d item = %d", i, outcomes[i].ItemID)
		}
	}
	if outcomes[2].Snapshot == nil {
		t.Error("open failure has no snapshot")
	}
	if len(rep.outcomes) != 3 {
		t.Errorf("reported %d outcomes, want 3", len(rep.outcomes))
	}
	if factory.released != 2 {
		t.Errorf("released %d pages, want 2", factory.released)
	}
}

func TestDispatcherEmptyQueue(t *testing.T) {
	rep := &recordingReporter{}
	d := NewDispatcher(&fakeSource{}, &fakeFactory{}, fakeConfigs{}, newTestAutomaton(rep), 1,
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	outcomes, err := d.Drain(context.Background(), 3)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(outcomes) != 0 || len(rep.outcomes) != 0 {
		t.Errorf("outcomes=%v reported=%v, want none", outcomes, rep.outcomes)
	}
}
