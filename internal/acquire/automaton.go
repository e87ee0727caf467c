package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"carminepf/internal/apperror"
	"carminepf/internal/filter"
	"carminepf/internal/metrics"
)

// Timeouts bounds every wait of an attempt.
type Timeouts struct {
	PageReady       time.Duration
	PrimaryAction   time.Duration
	CheckoutSurface time.Duration
	Confirmation    time.Duration
	// Settle is the pause after setting the quantity and after reaching the
	// checkout surface, letting the page react.
	Settle time.Duration
	Poll   time.Duration
}

// DefaultTimeouts are tuned for a live storefront.
var DefaultTimeouts = Timeouts{
	PageReady:       10 * time.Second,
	PrimaryAction:   5 * time.Second,
	CheckoutSurface: 30 * time.Second,
	Confirmation:    30 * time.Second,
	Settle:          time.Second,
	Poll:            250 * time.Millisecond,
}

var orderPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)order[#\s]*([0-9-]+)`),
	regexp.MustCompile(`(?i)注文番号[#\s]*([0-9-]+)`),
	regexp.MustCompile(`(?i)purchaseId=([0-9-]+)`),
}

// diagnosticRoles are the controls captured in every snapshot.
var diagnosticRoles = []Role{RoleQuantity, RolePrimaryAction, RolePlaceOrder, RoleFramePlaceOrder}

var errWaitTimeout = errors.New("wait timed out")

// Request identifies the item an attempt is for and the gates it must pass.
type Request struct {
	ItemID int64
	ASIN   string
	Gates  filter.Gates
}

// Automaton runs acquisition attempts. It is safe for concurrent use; each
// attempt is sequential.
type Automaton struct {
	timeouts Timeouts
	reporter Reporter
	metrics  *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
}

// NewAutomaton creates an Automaton reporting outcomes to r.
func NewAutomaton(t Timeouts, r Reporter, m *metrics.Metrics, log *slog.Logger) *Automaton {
	return &Automaton{
		timeouts: t,
		reporter: r,
		metrics:  m,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// attempt carries the mutable state of one run.
type attempt struct {
	a     *Automaton
	page  Page
	out   Outcome
	state State
	log   *slog.Logger
}

// Attempt drives page through the checkout flow for req and reports the
// terminal outcome exactly once. Cancelling ctx does not interrupt the flow;
// every wait is bounded by the configured timeouts instead.
func (a *Automaton) Attempt(ctx context.Context, page Page, req Request) Outcome {
	ctx = context.WithoutCancel(ctx)

	at := &attempt{
		a:    a,
		page: page,
		out: Outcome{
			AttemptID: a.newID(),
			ItemID:    req.ItemID,
			ASIN:      req.ASIN,
			StartedAt: a.now(),
		},
	}
	at.log = a.log.With("attempt_id", at.out.AttemptID, "asin", req.ASIN)

	at.run(ctx, req.Gates)
	return a.finish(ctx, at.out)
}

// finish stamps and reports a terminal outcome.
func (a *Automaton) finish(ctx context.Context, out Outcome) Outcome {
	out.FinishedAt = a.now()
	a.metrics.IncAttempt(string(out.State))

	if a.reporter != nil {
		if err := a.reporter.Report(ctx, out); err != nil {
			a.log.Error("report outcome", "attempt_id", out.AttemptID, "error", err)
		}
	}
	return out
}

func (at *attempt) enter(s State) {
	at.state = s
	at.log.Debug("state", "state", s)
}

func (at *attempt) run(ctx context.Context, gates filter.Gates) {
	t := at.a.timeouts

	at.enter(StateInit)
	if err := at.a.waitFor(ctx, t.PageReady, func() (bool, error) { return at.page.Ready(ctx) }); err != nil {
		// A slow page is inspected anyway; missing attributes fail the gates.
		at.warn("page not ready after %s", t.PageReady)
	}

	at.enter(StateInspectingCandidate)
	cand, err := at.page.Inspect(ctx)
	if err != nil {
		at.fail(ctx, apperror.CodeInternalError, fmt.Sprintf("inspect candidate: %v", err))
		return
	}
	if ok, reason := gates.Check(cand); !ok {
		at.enter(StateRejected)
		at.out.State = StateRejected
		at.out.Reason = reason
		at.log.Info("candidate rejected", "reason", reason)
		return
	}

	at.enter(StateSelectingQuantity)
	at.selectQuantity(ctx)
	at.a.sleep(t.Settle)

	at.enter(StateClickingPrimaryAction)
	var primary *Control
	err = at.a.waitFor(ctx, t.PrimaryAction, func() (bool, error) {
		c, err := at.page.FindControl(ctx, RolePrimaryAction)
		primary = c
		return c != nil, err
	})
	switch {
	case primary == nil:
		at.fail(ctx, apperror.CodeControlNotFound, waitReason("primary action not found", err))
		return
	case !primary.Enabled:
		at.fail(ctx, apperror.CodeControlDisabled, "primary action disabled")
		return
	}
	if err := at.page.Click(ctx, RolePrimaryAction); err != nil {
		at.fail(ctx, apperror.CodeInternalError, fmt.Sprintf("click primary action: %v", err))
		return
	}

	at.enter(StateAwaitingCheckout)
	var surface Surface
	err = at.a.waitFor(ctx, t.CheckoutSurface, func() (bool, error) {
		s, err := at.page.Surface(ctx)
		surface = s
		return s.Kind == SurfaceCheckoutPage || s.Kind == SurfaceCheckoutFrame, err
	})
	if err != nil {
		at.fail(ctx, apperror.CodeTimeout, waitReason("checkout surface did not appear", err))
		return
	}
	at.a.sleep(t.Settle)

	role := RolePlaceOrder
	if surface.Kind == SurfaceCheckoutFrame {
		role = RoleFramePlaceOrder
	}
	place, err := at.page.FindControl(ctx, role)
	switch {
	case err != nil:
		at.fail(ctx, apperror.CodeInternalError, fmt.Sprintf("find %s: %v", role, err))
		return
	case place == nil:
		at.fail(ctx, apperror.CodeControlNotFound, fmt.Sprintf("%s not found", role))
		return
	case !place.Enabled:
		at.fail(ctx, apperror.CodeControlDisabled, fmt.Sprintf("%s disabled", role))
		return
	}
	if err := at.page.Click(ctx, role); err != nil {
		at.fail(ctx, apperror.CodeInternalError, fmt.Sprintf("click %s: %v", role, err))
		return
	}

	at.enter(StateAwaitingConfirmation)
	err = at.a.waitFor(ctx, t.Confirmation, func() (bool, error) {
		s, err := at.page.Surface(ctx)
		surface = s
		return s.Kind == SurfaceConfirmation || s.Kind == SurfaceError, err
	})
	switch {
	case err != nil:
		at.fail(ctx, apperror.CodeTimeout, waitReason("order confirmation not received", err))
		return
	case surface.Kind == SurfaceError:
		at.fail(ctx, apperror.CodeOrderRejected, "order error: "+surface.Message)
		return
	}

	at.enter(StateCompleted)
	at.out.State = StateCompleted
	at.out.OrderID = at.orderID(ctx)
	at.log.Info("order completed", "order_id", at.out.OrderID, "quantity", at.out.Quantity)
}

// selectQuantity sets the quantity control to its largest offered value.
// Every problem here is a warning; the attempt proceeds regardless.
func (at *attempt) selectQuantity(ctx context.Context) {
	at.out.Quantity = "1"

	c, err := at.page.FindControl(ctx, RoleQuantity)
	if err != nil {
		at.warn("find quantity control: %v", err)
		return
	}
	if c == nil {
		at.warn("quantity control not found")
		return
	}
	if !c.Enabled || !c.Editable {
		at.warn("quantity control not editable")
	}

	want := "1"
	switch {
	case len(c.Options) > 0:
		want = c.Options[len(c.Options)-1]
	case c.Max != "":
		want = c.Max
	}

	if err := at.page.SetQuantity(ctx, want); err != nil {
		at.warn("set quantity %s: %v", want, err)
		return
	}

	after, err := at.page.FindControl(ctx, RoleQuantity)
	if err != nil || after == nil || after.Value != want {
		got := ""
		if after != nil {
			got = after.Value
		}
		at.warn("quantity change failed: expected %s, got %q", want, got)
		if got != "" {
			at.out.Quantity = got
		}
		return
	}
	at.out.Quantity = want
}

func (at *attempt) warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	at.out.Warnings = append(at.out.Warnings, msg)
	at.log.Warn(msg, "state", at.state)
}

// fail ends the attempt with a diagnostic snapshot of the current stage.
func (at *attempt) fail(ctx context.Context, code apperror.Code, reason string) {
	stage := at.state
	at.enter(StateFailed)
	at.out.State = StateFailed
	at.out.Code = code
	at.out.Reason = reason
	at.out.Snapshot = at.snapshot(ctx, stage, reason)
	at.log.Warn("attempt failed", "stage", stage, "code", code, "reason", reason)
}

func (at *attempt) snapshot(ctx context.Context, stage State, reason string) *Snapshot {
	snap := &Snapshot{
		Stage:    stage,
		Reason:   reason,
		Controls: make(map[Role]ControlState, len(diagnosticRoles)),
		TakenAt:  at.a.now(),
	}
	if loc, err := at.page.Location(ctx); err == nil {
		snap.Location = loc
	}
	for _, r := range diagnosticRoles {
		c, err := at.page.FindControl(ctx, r)
		if err != nil || c == nil {
			snap.Controls[r] = ControlState{}
			continue
		}
		snap.Controls[r] = ControlState{Present: true, Enabled: c.Enabled}
	}
	return snap
}

// orderID extracts an order number from the page text or its location.
func (at *attempt) orderID(ctx context.Context) string {
	var sources []string
	if text, err := at.page.Text(ctx); err == nil {
		sources = append(sources, text)
	}
	if loc, err := at.page.Location(ctx); err == nil {
		sources = append(sources, loc)
	}
	for _, re := range orderPatterns {
		for _, s := range sources {
			if m := re.FindStringSubmatch(s); m != nil {
				return m[1]
			}
		}
	}
	return ""
}

// waitFor polls cond until it reports true or timeout elapses. A poll error
// is remembered; if the wait times out, it is returned wrapped.
func (a *Automaton) waitFor(ctx context.Context, timeout time.Duration, cond func() (bool, error)) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(max(a.timeouts.Poll, time.Millisecond))
	defer poll.Stop()

	var lastErr error
	for {
		ok, err := cond()
		if err == nil && ok {
			return nil
		}
		if err != nil {
			lastErr = err
		}

		select {
		case <-deadline.C:
			if lastErr != nil {
				return fmt.Errorf("%w: %w", errWaitTimeout, lastErr)
			}
			return errWaitTimeout
		case <-ctx.Done():
			return ctx.Err()
		case <-poll.C:
		}
	}
}

func (a *Automaton) sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

func waitReason(msg string, err error) string {
	if err == nil || err == errWaitTimeout {
		return msg
	}
	return fmt.Sprintf("%s: %v", msg, err)
}
