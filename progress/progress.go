package progress

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mail-digest/stats"
)

const maxTitleLen = 40

// Bar shows summarization progress. It starts once the run knows how many
// messages were queued.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	done    int
	failed  int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar that is only drawn at log level "info".
func New(logLevel string) *Bar {
	return &Bar{enabled: logLevel == "info"}
}

// Update advances the bar based on the event type.
func (b *Bar) Update(evt stats.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeQueued:
		b.total += evt.Count
		b.start()
	case stats.EventTypeSummarized, stats.EventTypeFailed:
		b.done++
		if evt.Type == stats.EventTypeFailed {
			b.failed++
		}
		if b.pb == nil {
			return
		}
		b.pb.Increment()
		if evt.Detail != "" {
			b.pb.UpdateTitle("Summarized: " + truncate(evt.Detail, maxTitleLen))
		}
	case stats.EventTypeError:
		if b.enabled && evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	}
}

func (b *Bar) start() {
	if !b.enabled || b.pb != nil || b.total == 0 {
		return
	}
	pb, err := pterm.DefaultProgressbar.
		WithTotal(b.total).
		WithTitle("Summarizing messages").
		Start()
	if err != nil {
		return
	}
	b.pb = pb
}

// Counts returns how many summaries finished and how many of those failed.
func (b *Bar) Counts() (done, failed int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done, b.failed
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb == nil {
		return
	}
	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
	if b.failed > 0 {
		pterm.Warning.Printf("Summarizing complete, %d of %d failed\n", b.failed, b.done)
		return
	}
	pterm.Success.Println("Summarizing complete!")
}

// Subscriber feeds run events into the bar until the stream closes.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

// Reporter wraps the stats collector with the progress bar and prints a
// final summary table.
type Reporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewReporter subscribes the bar and a collector to stream. Nothing is
// subscribed when the bar is disabled.
func NewReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}
	return reporter
}

func (pr *Reporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)
	PrintSummary(pr.collector.Snapshot(), time.Since(pr.started))
	return nil
}

// PrintSummary renders the end-of-run counters.
func PrintSummary(summary stats.Summary, duration time.Duration) {
	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")

	rows := pterm.TableData{
		{"Metric", "Value"},
		{"Duration", duration.Round(time.Millisecond).String()},
		{"Fetched", strconv.Itoa(summary.Fetched)},
		{"Already processed", strconv.Itoa(summary.Duplicates)},
		{"Skipped by filter", strconv.Itoa(summary.Filtered)},
		{"Attempted", strconv.Itoa(summary.Attempted())},
		{"Succeeded", strconv.Itoa(summary.Succeeded)},
		{"Failed", strconv.Itoa(summary.Failed)},
		{"Committed", strconv.Itoa(summary.Committed)},
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(rows).Render()

	switch {
	case summary.DryRun:
		pterm.Info.Println("Dry run: notification not sent, ledger unchanged")
	case summary.Notified:
		pterm.Success.Println("Notification sent")
	}
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}
}
