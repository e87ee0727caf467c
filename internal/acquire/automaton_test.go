package acquire

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"carminepf/internal/apperror"
	"carminepf/internal/filter"
	"carminepf/internal/model"
)

// fakePage is a scripted page. After the n-th click it shows surfaces[n-1];
// the last surface repeats.
type fakePage struct {
	mu sync.Mutex

	ready     bool
	candidate model.Candidate
	controls  map[Role]*Control
	surfaces  []Surface
	location  string
	text      string

	// qtyAccepts controls whether SetQuantity changes the control value.
	qtyAccepts bool

	clicks []Role
	setQty []string
}

func newFakePage() *fakePage {
	return &fakePage{
		ready: true,
		candidate: model.Candidate{
			ASIN:       "B000000001",
			IsInStock:  true,
			StarRating: ptr(4.5),
		},
		controls: map[Role]*Control{
			RoleQuantity:      {Role: RoleQuantity, Enabled: true, Editable: true, Value: "1", Options: []string{"1", "2", "3"}},
			RolePrimaryAction: {Role: RolePrimaryAction, Enabled: true},
			RolePlaceOrder:    {Role: RolePlaceOrder, Enabled: true},
		},
		surfaces:   []Surface{{Kind: SurfaceCheckoutPage}, {Kind: SurfaceConfirmation}},
		location:   "https://shop.example/dp/B000000001",
		text:       "Thank you. Order #503-1234567-7654321 placed.",
		qtyAccepts: true,
	}
}

func ptr[T any](v T) *T { return &v }

func (p *fakePage) Ready(context.Context) (bool, error) { return p.ready, nil }

func (p *fakePage) Inspect(context.Context) (model.Candidate, error) { return p.candidate, nil }

func (p *fakePage) FindControl(_ context.Context, role Role) (*Control, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.controls[role]
	if !ok {
		return nil, nil
	}
	cp := *c
	return &cp, nil
}

func (p *fakePage) SetQuantity(_ context.Context, v string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setQty = append(p.setQty, v)
	if p.qtyAccepts {
		p.controls[RoleQuantity].Value = v
	}
	return nil
}

func (p *fakePage) Click(_ context.Context, role Role) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks = append(p.clicks, role)
	return nil
}

func (p *fakePage) Surface(context.Context) (Surface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.clicks) == 0 || len(p.surfaces) == 0 {
		return Surface{}, nil
	}
	return p.surfaces[min(len(p.clicks), len(p.surfaces))-1], nil
}

func (p *fakePage) Location(context.Context) (string, error) { return p.location, nil }

func (p *fakePage) Text(context.Context) (string, error) { return p.text, nil }

type recordingReporter struct {
	mu       sync.Mutex
	outcomes []Outcome
	err      error
}

func (r *recordingReporter) Report(_ context.Context, out Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, out)
	return r.err
}

var fastTimeouts = Timeouts{
	PageReady:       20 * time.Millisecond,
	PrimaryAction:   20 * time.Millisecond,
	CheckoutSurface: 30 * time.Millisecond,
	Confirmation:    30 * time.Millisecond,
	Poll:            2 * time.Millisecond,
}

func newTestAutomaton(r Reporter) *Automaton {
	a := NewAutomaton(fastTimeouts, r, nil, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.newID = func() string { return "attempt-1" }
	return a
}

func TestAttemptCompletes(t *testing.T) {
	rep := &recordingReporter{}
	page := newFakePage()

	out := newTestAutomaton(rep).Attempt(context.Background(), page, Request{ItemID: 7, ASIN: "B000000001"})

	if out.State != StateCompleted {
		t.Fatalf("state = %s (%s), want completed", out.State, out.Reason)
	}
	if out.OrderID != "503-1234567-7654321" {
		t.Errorf("order id = %q", out.OrderID)
	}
	if out.Quantity != "3" {
		t.Errorf("quantity = %q, want 3", out.Quantity)
	}
	if out.Snapshot != nil {
		t.Error("completed outcome carries a snapshot")
	}
	if diff := cmp.Diff([]Role{RolePrimaryAction, RolePlaceOrder}, page.clicks); diff != "" {
		t.Errorf("clicks mismatch (-want +got):\n%s", diff)
	}
	if len(rep.outcomes) != 1 {
		t.Fatalf("reported %d outcomes, want 1", len(rep.outcomes))
	}
	if rep.outcomes[0].AttemptID != "attempt-1" || rep.outcomes[0].ItemID != 7 {
		t.Errorf("reported outcome = %+v", rep.outcomes[0])
	}
}

func TestAttemptFramePath(t *testing.T) {
	page := newFakePage()
	delete(page.controls, RolePlaceOrder)
	page.controls[RoleFramePlaceOrder] = &Control{Role: RoleFramePlaceOrder, Enabled: true}
	page.surfaces = []Surface{{Kind: SurfaceCheckoutFrame}, {Kind: SurfaceConfirmation}}
	page.text = ""
	page.location = "https://shop.example/thankyou?purchaseId=106-7777777-1111111"

	out := newTestAutomaton(nil).Attempt(context.Background(), page, Request{})

	if out.State != StateCompleted {
		t.Fatalf("state = %s (%s), want completed", out.State, out.Reason)
	}
	if out.OrderID != "106-7777777-1111111" {
		t.Errorf("order id = %q", out.OrderID)
	}
	if diff := cmp.Diff([]Role{RolePrimaryAction, RoleFramePlaceOrder}, page.clicks); diff != "" {
		t.Errorf("clicks mismatch (-want +got):\n%s", diff)
	}
}

func TestAttemptFailures(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(p *fakePage)
		wantCode  apperror.Code
		wantStage State
		wantClick []Role
	}{
		{
			name:      "primary action missing",
			setup:     func(p *fakePage) { delete(p.controls, RolePrimaryAction) },
			wantCode:  apperror.CodeControlNotFound,
			wantStage: StateClickingPrimaryAction,
		},
		{
			name:      "primary action disabled",
			setup:     func(p *fakePage) { p.controls[RolePrimaryAction].Enabled = false },
			wantCode:  apperror.CodeControlDisabled,
			wantStage: StateClickingPrimaryAction,
		},
		{
			name:      "checkout never appears",
			setup:     func(p *fakePage) { p.surfaces = []Surface{{Kind: SurfaceNone}} },
			wantCode:  apperror.CodeTimeout,
			wantStage: StateAwaitingCheckout,
			wantClick: []Role{RolePrimaryAction},
		},
		{
			name:      "place order disabled",
			setup:     func(p *fakePage) { p.controls[RolePlaceOrder].Enabled = false },
			wantCode:  apperror.CodeControlDisabled,
			wantStage: StateAwaitingCheckout,
			wantClick: []Role{RolePrimaryAction},
		},
		{
			name: "frame button missing",
			setup: func(p *fakePage) {
				p.surfaces = []Surface{{Kind: SurfaceCheckoutFrame}}
			},
			wantCode:  apperror.CodeControlNotFound,
			wantStage: StateAwaitingCheckout,
			wantClick: []Role{RolePrimaryAction},
		},
		{
			name: "order error marker",
			setup: func(p *fakePage) {
				p.surfaces = []Surface{{Kind: SurfaceCheckoutPage}, {Kind: SurfaceError, Message: "payment declined"}}
			},
			wantCode:  apperror.CodeOrderRejected,
			wantStage: StateAwaitingConfirmation,
			wantClick: []Role{RolePrimaryAction, RolePlaceOrder},
		},
		{
			name: "confirmation timeout",
			setup: func(p *fakePage) {
				p.surfaces = []Surface{{Kind: SurfaceCheckoutPage}, {Kind: SurfaceCheckoutPage}}
			},
			wantCode:  apperror.CodeTimeout,
			wantStage: StateAwaitingConfirmation,
			wantClick: []Role{RolePrimaryAction, RolePlaceOrder},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep := &recordingReporter{}
			page := newFakePage()
			tt.setup(page)

			out := newTestAutomaton(rep).Attempt(context.Background(), page, Request{})

			if out.State != StateFailed {
				t.Fatalf("state = %s, want failed", out.State)
			}
			if out.Code != tt.wantCode {
				t.Errorf("code = %s, want %s (reason %q)", out.Code, tt.wantCode, out.Reason)
			}
			if out.Snapshot == nil {
				t.Fatal("failed outcome has no snapshot")
			}
			if out.Snapshot.Stage != tt.wantStage {
				t.Errorf("snapshot stage = %s, want %s", out.Snapshot.Stage, tt.wantStage)
			}
			if out.Snapshot.Location != page.location {
				t.Errorf("snapshot location = %q", out.Snapshot.Location)
			}
			if len(out.Snapshot.Controls) != len(diagnosticRoles) {
				t.Errorf("snapshot controls = %v", out.Snapshot.Controls)
			}
			if diff := cmp.Diff(tt.wantClick, page.clicks); diff != "" {
				t.Errorf("clicks mismatch (-want +got):\n%s", diff)
			}
			if len(rep.outcomes) != 1 {
				t.Errorf("reported %d outcomes, want 1", len(rep.outcomes))
			}
		})
	}
}

func TestAttemptRejectsBelowMinimumRating(t *testing.T) {
	rep := &recordingReporter{}
	page := newFakePage()
	page.candidate.StarRating = ptr(3.9)

	out := newTestAutomaton(rep).Attempt(context.Background(), page, Request{
		Gates: filter.Gates{MinStarRating: ptr(4.0)},
	})

	if out.State != StateRejected {
		t.Fatalf("state = %s, want rejected", out.State)
	}
	if out.Reason == "" {
		t.Error("rejection has no reason")
	}
	if len(page.clicks) != 0 || len(page.setQty) != 0 {
		t.Errorf("rejected candidate was touched: clicks=%v qty=%v", page.clicks, page.setQty)
	}
	if len(rep.outcomes) != 1 {
		t.Errorf("reported %d outcomes, want 1", len(rep.outcomes))
	}
}

func TestAttemptQuantityProblemsAreWarnings(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(p *fakePage)
		wantQty string
	}{
		{
			name:    "control missing",
			setup:   func(p *fakePage) { delete(p.controls, RoleQuantity) },
			wantQty: "1",
		},
		{
			name:    "value did not change",
			setup:   func(p *fakePage) { p.qtyAccepts = false },
			wantQty: "1",
		},
		{
			name: "numeric input uses max",
			setup: func(p *fakePage) {
				p.controls[RoleQuantity] = &Control{Role: RoleQuantity, Enabled: true, Editable: true, Value: "1", Max: "5"}
			},
			wantQty: "5",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page := newFakePage()
			tt.setup(page)

			out := newTestAutomaton(nil).Attempt(context.Background(), page, Request{})

			if out.State != StateCompleted {
				t.Fatalf("state = %s (%s), want completed", out.State, out.Reason)
			}
			if out.Quantity != tt.wantQty {
				t.Errorf("quantity = %q, want %q", out.Quantity, tt.wantQty)
			}
			if tt.wantQty == "1" && len(out.Warnings) == 0 {
				t.Error("no warning recorded")
			}
		})
	}
}

func TestAttemptSlowPageOnlyWarns(t *testing.T) {
	page := newFakePage()
	page.ready = false

	out := newTestAutomaton(nil).Attempt(context.Background(), page, Request{})

	if out.State != StateCompleted {
		t.Fatalf("state = %s, want completed", out.State)
	}
	if len(out.Warnings) == 0 {
		t.Error("slow page did not produce a warning")
	}
}

func TestAttemptIgnoresCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := newTestAutomaton(nil).Attempt(ctx, newFakePage(), Request{})
	if out.State != StateCompleted {
		t.Fatalf("state = %s (%s), want completed", out.State, out.Reason)
	}
}

func TestAttemptReporterErrorIsSwallowed(t *testing.T) {
	rep := &recordingReporter{err: errors.New("sink down")}

	out := newTestAutomaton(rep).Attempt(context.Background(), newFakePage(), Request{})
	if out.State != StateCompleted {
		t.Fatalf("state = %s, want completed", out.State)
	}
	if len(rep.outcomes) != 1 {
		t.Errorf("reported %d outcomes, want 1", len(rep.outcomes))
	}
}
