package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"carminepf/internal/apperror"
)

// Reporter receives the terminal outcome of each attempt.
type Reporter interface {
	Report(ctx context.Context, out Outcome) error
}

// ReportFunc adapts a function to Reporter.
type ReportFunc func(ctx context.Context, out Outcome) error

// Report calls f(ctx, out).
func (f ReportFunc) Report(ctx context.Context, out Outcome) error { return f(ctx, out) }

// Tee fans an outcome out to every reporter and joins their errors.
// Nil reporters are skipped.
func Tee(reporters ...Reporter) Reporter {
	return ReportFunc(func(ctx context.Context, out Outcome) error {
		var errs []error
		for _, r := range reporters {
			if r == nil {
				continue
			}
			if err := r.Report(ctx, out); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// ReportRequest is one outcome sent over a ChannelReporter. The consumer
// must send exactly one value on Ack.
type ReportRequest struct {
	Outcome Outcome
	Ack     chan<- error
}

// ChannelReporter hands outcomes to a single consumer goroutine and waits
// for its acknowledgement.
type ChannelReporter struct {
	requests chan ReportRequest
	timeout  time.Duration
}

// NewChannelReporter creates a reporter whose Report gives up after timeout.
func NewChannelReporter(timeout time.Duration) *ChannelReporter {
	return &ChannelReporter{
		requests: make(chan ReportRequest),
		timeout:  timeout,
	}
}

// Requests is the channel the consumer reads from.
func (r *ChannelReporter) Requests() <-chan ReportRequest {
	return r.requests
}

// Report sends out to the consumer and returns its acknowledgement. It
// fails with a timeout error if no acknowledgement arrives in time.
func (r *ChannelReporter) Report(ctx context.Context, out Outcome) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ack := make(chan error, 1)
	select {
	case r.requests <- ReportRequest{Outcome: out, Ack: ack}:
	case <-ctx.Done():
		return apperror.New(apperror.CodeTimeout,
			apperror.WithContext("send outcome "+out.AttemptID), apperror.WithCause(ctx.Err()))
	}

	select {
	case err := <-ack:
		if err != nil {
			return fmt.Errorf("consumer rejected outcome: %w", err)
		}
		return nil
	case <-ctx.Done():
		return apperror.New(apperror.CodeTimeout,
			apperror.WithContext("ack outcome "+out.AttemptID), apperror.WithCause(ctx.Err()))
	}
}

const (
	historyCompleted = 100
	historyErrors    = 50
)

// History keeps the most recent completed and failed outcomes and counts
// rejections. It is safe for concurrent use.
type History struct {
	log *slog.Logger

	mu        sync.RWMutex
	completed []Outcome
	failed    []Outcome
	rejected  int
}

// NewHistory returns an empty History. log receives outcomes it refuses.
func NewHistory(log *slog.Logger) *History {
	return &History{log: log}
}

// Report records out. It satisfies Reporter so History can be used directly.
func (h *History) Report(_ context.Context, out Outcome) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch out.State {
	case StateCompleted:
		h.completed = appendCapped(h.completed, out, historyCompleted)
	case StateFailed:
		h.failed = appendCapped(h.failed, out, historyErrors)
	case StateRejected:
		h.rejected++
	default:
		return apperror.New(apperror.CodeInvalidInput,
			apperror.WithMessage(fmt.Sprintf("non-terminal outcome state %q", out.State)))
	}
	return nil
}

// Serve consumes requests until ctx is done or the channel is closed.
func (h *History) Serve(ctx context.Context, requests <-chan ReportRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-requests:
			if !ok {
				return
			}
			err := h.Report(ctx, req.Outcome)
			if err != nil {
				h.log.Warn("outcome rejected", "attempt_id", req.Outcome.AttemptID, "error", err)
			}
			req.Ack <- err
		}
	}
}

// Completed returns recorded completions, newest last.
func (h *History) Completed() []Outcome {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Outcome(nil), h.completed...)
}

// Failed returns recorded failures, newest last.
func (h *History) Failed() []Outcome {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Outcome(nil), h.failed...)
}

// Rejected returns how many candidates failed the gates.
func (h *History) Rejected() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rejected
}

func appendCapped(list []Outcome, out Outcome, limit int) []Outcome {
	list = append(list, out)
	if len(list) > limit {
		list = list[len(list)-limit:]
	}
	return list
}
