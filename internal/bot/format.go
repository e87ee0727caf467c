package bot

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"carminepf/internal/acquire"
	"carminepf/internal/model"
	"carminepf/internal/scheduler"
)

const (
	statusRunning = "running"
	statusStopped = "stopped"

	timeLayout = "2006-01-02 15:04 UTC"
)

// FormatStatus formats the monitor state for display.
func FormatStatus(st scheduler.Status, pending int64) string {
	var b strings.Builder
	status := statusRunning
	if !st.IsRunning {
		status = statusStopped
	}
	fmt.Fprintf(&b, "Monitoring: %s\n", status)
	fmt.Fprintf(&b, "Last run: %s\n", formatTime(st.LastRunAt))
	switch {
	case st.IsRunning && st.NextRunAt == nil:
		b.WriteString("Next run: after the current pass\n")
	case st.IsRunning:
		fmt.Fprintf(&b, "Next run: %s\n", formatTime(st.NextRunAt))
	}
	fmt.Fprintf(&b, "Pending items: %d", pending)
	return b.String()
}

// FormatConfig formats the active configuration with its key masked.
func FormatConfig(cfg *model.MonitorConfig) string {
	var b strings.Builder
	status := "active"
	if !cfg.IsActive {
		status = "inactive"
	}
	fmt.Fprintf(&b, "Configuration [%s]\n", status)
	fmt.Fprintf(&b, "URL: %s\n", cfg.RedactedURL())
	fmt.Fprintf(&b, "Forget after: %d days\n", cfg.DeleteAfterDays)

	var gates []string
	if cfg.IsAmazonOnly {
		gates = append(gates, "platform seller only")
	}
	if cfg.IsFBAOnly {
		gates = append(gates, "fulfilled by platform only")
	}
	if cfg.MinStarRating != nil {
		gates = append(gates, fmt.Sprintf("rating >= %.1f", *cfg.MinStarRating))
	}
	if cfg.MinReviewCount != nil {
		gates = append(gates, fmt.Sprintf("reviews >= %d", *cfg.MinReviewCount))
	}
	if cfg.MinProfitRate != nil {
		gates = append(gates, fmt.Sprintf("profit rate >= %s%%", percent(*cfg.MinProfitRate)))
	}
	if len(gates) == 0 {
		b.WriteString("Gates: none")
	} else {
		b.WriteString("Gates: " + strings.Join(gates, ", "))
	}
	if cfg.IsFirstRun {
		b.WriteString("\nNext pass builds the baseline.")
	}
	return b.String()
}

// FormatCandidates formats newly queued items as one notification.
func FormatCandidates(items []model.Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d new candidate(s):\n", len(items))
	for _, it := range items {
		fmt.Fprintf(&b, "\n%s", it.ASIN)
		if it.PurchasePrice != nil {
			fmt.Fprintf(&b, "  %s yen", yen(*it.PurchasePrice))
		}
		if it.ProfitAmount != nil {
			fmt.Fprintf(&b, "  profit %s yen", yen(*it.ProfitAmount))
		}
		if it.ProfitRate != nil {
			fmt.Fprintf(&b, " (%s%%)", percent(*it.ProfitRate))
		}
		if it.IsFBA {
			b.WriteString("  FBA")
		}
	}
	return b.String()
}

// FormatOutcome formats one acquisition outcome.
func FormatOutcome(out acquire.Outcome) string {
	var b strings.Builder
	switch out.State {
	case acquire.StateCompleted:
		fmt.Fprintf(&b, "Order placed for %s", out.ASIN)
		if out.OrderID != "" {
			fmt.Fprintf(&b, "\nOrder: %s", out.OrderID)
		}
		if out.Quantity != "" {
			fmt.Fprintf(&b, "\nQuantity: %s", out.Quantity)
		}
	case acquire.StateRejected:
		fmt.Fprintf(&b, "Skipped %s: %s", out.ASIN, out.Reason)
	default:
		fmt.Fprintf(&b, "Attempt for %s failed", out.ASIN)
		if out.Code != "" {
			fmt.Fprintf(&b, " [%s]", out.Code)
		}
		if out.Reason != "" {
			fmt.Fprintf(&b, "\n%s", out.Reason)
		}
		if out.Snapshot != nil {
			fmt.Fprintf(&b, "\nStage: %s", out.Snapshot.Stage)
		}
	}
	for _, w := range out.Warnings {
		fmt.Fprintf(&b, "\nWarning: %s", w)
	}
	return b.String()
}

// FormatAttempts formats the most recent n completed and failed outcomes.
func FormatAttempts(completed, failed []acquire.Outcome, rejected, n int) string {
	if len(completed) == 0 && len(failed) == 0 {
		return fmt.Sprintf("No acquisition attempts yet. Rejected: %d", rejected)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Completed: %d  Failed: %d  Rejected: %d\n", len(completed), len(failed), rejected)
	writeRecent(&b, "Completed", completed, n)
	writeRecent(&b, "Failed", failed, n)
	return strings.TrimRight(b.String(), "\n")
}

func writeRecent(b *strings.Builder, title string, outs []acquire.Outcome, n int) {
	if len(outs) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	for _, out := range outs[max(0, len(outs)-n):] {
		fmt.Fprintf(b, "  %s %s", out.FinishedAt.UTC().Format(timeLayout), out.ASIN)
		switch {
		case out.OrderID != "":
			fmt.Fprintf(b, " order %s", out.OrderID)
		case out.Code != "":
			fmt.Fprintf(b, " %s", out.Code)
		}
		b.WriteString("\n")
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(timeLayout)
}

func yen(v float64) string {
	return decimal.NewFromFloat(v).Round(0).String()
}

func percent(rate float64) string {
	return decimal.NewFromFloat(rate).Round(1).String()
}
