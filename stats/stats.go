package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageFetch     Stage = "fetch"
	StageFilter    Stage = "filter"
	StageSummarize Stage = "summarize"
	StageArchive   Stage = "archive"
	StageNotify    Stage = "notify"
	StageCommit    Stage = "commit"
)

type EventType string

const (
	EventTypeFetched    EventType = "fetched"
	EventTypeDuplicate  EventType = "duplicate"
	EventTypeFiltered   EventType = "filtered"
	EventTypeQueued     EventType = "queued"
	EventTypeSummarized EventType = "summarized"
	EventTypeFailed     EventType = "failed"
	EventTypeArchived   EventType = "archived"
	EventTypeNotified   EventType = "notified"
	EventTypeDryRun     EventType = "dry_run"
	EventTypeCommitted  EventType = "committed"
	EventTypeError      EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
	// Count carries a batch size for events that describe several messages.
	Count int
}

type Summary struct {
	Fetched    int
	Duplicates int
	Filtered   int
	Queued     int
	Succeeded  int
	Failed     int
	Archived   bool
	Notified   bool
	DryRun     bool
	Committed  int
	Errors     int
	LastError  error
}

// Attempted is the number of messages that reached a generation call.
func (s Summary) Attempted() int {
	return s.Succeeded + s.Failed
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"fetched", s.Fetched,
		"duplicates", s.Duplicates,
		"filtered", s.Filtered,
		"attempted", s.Attempted(),
		"succeeded", s.Succeeded,
		"failed", s.Failed,
		"archived", s.Archived,
		"notified", s.Notified,
		"committed", s.Committed,
		"errors", s.Errors,
	}
	if s.DryRun {
		attrs = append(attrs, "dryRun", true)
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply folds one event into the running summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := evt.Count
	if n <= 0 {
		n = 1
	}

	switch evt.Type {
	case EventTypeFetched:
		c.summary.Fetched += n
	case EventTypeDuplicate:
		c.summary.Duplicates += n
	case EventTypeFiltered:
		c.summary.Filtered += n
	case EventTypeQueued:
		c.summary.Queued += n
	case EventTypeSummarized:
		c.summary.Succeeded++
	case EventTypeFailed:
		c.summary.Failed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeArchived:
		c.summary.Archived = true
	case EventTypeNotified:
		c.summary.Notified = true
	case EventTypeDryRun:
		c.summary.DryRun = true
	case EventTypeCommitted:
		c.summary.Committed += evt.Count
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	// The runner logs the same counters at info when the run ends.
	if r.logger != nil {
		r.logger.Debug("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// PrettyPrintTop writes the top N most frequent items in a map to w.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	type pair struct {
		Key   string
		Value int
	}

	var pairs []pair
	for k, v := range m {
		pairs = append(pairs, pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	for i := 0; i < limit && i < len(pairs); i++ {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, pairs[i].Key, pairs[i].Value)
	}
}
