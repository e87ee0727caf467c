package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"carminepf/internal/apperror"
)

func TestChannelReporterAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rep := NewChannelReporter(time.Second)
	hist := NewHistory(slog.New(slog.NewTextHandler(io.Discard, nil)))
	go hist.Serve(ctx, rep.Requests())

	if err := rep.Report(ctx, Outcome{AttemptID: "a", State: StateCompleted}); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if got := hist.Completed(); len(got) != 1 || got[0].AttemptID != "a" {
		t.Errorf("completed = %+v", got)
	}

	err := rep.Report(ctx, Outcome{AttemptID: "b", State: StateInit})
	if !apperror.HasCode(err, apperror.CodeInvalidInput) {
		t.Errorf("non-terminal Report() error = %v, want INVALID_INPUT", err)
	}
}

func TestChannelReporterTimeout(t *testing.T) {
	rep := NewChannelReporter(10 * time.Millisecond)

	err := rep.Report(context.Background(), Outcome{AttemptID: "a", State: StateFailed})
	if !apperror.HasCode(err, apperror.CodeTimeout) {
		t.Fatalf("Report() error = %v, want TIMEOUT", err)
	}

	// Consumer takes the request but never acknowledges.
	go func() { <-rep.Requests() }()
	err = rep.Report(context.Background(), Outcome{AttemptID: "b", State: StateFailed})
	if !apperror.HasCode(err, apperror.CodeTimeout) {
		t.Fatalf("unacknowledged Report() error = %v, want TIMEOUT", err)
	}
}

func TestHistoryCaps(t *testing.T) {
	hist := NewHistory(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	for i := range historyCompleted + 5 {
		_ = hist.Report(ctx, Outcome{AttemptID: fmt.Sprintf("c%d", i), State: StateCompleted})
	}
	for i := range historyErrors + 5 {
		_ = hist.Report(ctx, Outcome{AttemptID: fmt.Sprintf("f%d", i), State: StateFailed})
	}
	_ = hist.Report(ctx, Outcome{State: StateRejected})

	completed := hist.Completed()
	if len(completed) != historyCompleted {
		t.Fatalf("completed = %d, want %d", len(completed), historyCompleted)
	}
	if completed[0].AttemptID != "c5" || completed[len(completed)-1].AttemptID != "c104" {
		t.Errorf("completed window = %s..%s", completed[0].AttemptID, completed[len(completed)-1].AttemptID)
	}
	if got := len(hist.Failed()); got != historyErrors {
		t.Errorf("failed = %d, want %d", got, historyErrors)
	}
	if hist.Rejected() != 1 {
		t.Errorf("rejected = %d, want 1", hist.Rejected())
	}
}

func TestTee(t *testing.T) {
	hist := NewHistory(slog.New(slog.NewTextHandler(io.Discard, nil)))
	var seen []string
	failing := ReportFunc(func(_ context.Context, out Outcome) error {
		seen = append(seen, out.AttemptID)
		return errors.New("chat unavailable")
	})

	err := Tee(hist, nil, failing).Report(context.Background(), Outcome{AttemptID: "x", State: StateCompleted})
	if err == nil || err.Error() != "chat unavailable" {
		t.Fatalf("Tee() error = %v, want chat unavailable", err)
	}
	if len(hist.Completed()) != 1 || len(seen) != 1 {
		t.Errorf("history = %d, seen = %v; want both reporters called once", len(hist.Completed()), seen)
	}

	if err := Tee(hist).Report(context.Background(), Outcome{AttemptID: "y", State: StateRejected}); err != nil {
		t.Errorf("Tee() unexpected error: %v", err)
	}
}
