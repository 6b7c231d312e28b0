package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/mail-digest/model"
	"github.com/dhcgn/mail-digest/notify"
	"github.com/dhcgn/mail-digest/report"
	"github.com/dhcgn/mail-digest/state"
	"github.com/dhcgn/mail-digest/stats"
	"github.com/dhcgn/mail-digest/summarize"
)

const (
	DefaultLimit      = 20
	MinLimit          = 1
	MaxLimit          = 50
	DefaultRunTimeout = 5 * time.Minute

	eventBuffer = 128
)

var ErrAlreadyStarted = errors.New("runner already started")

type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateFiltering   State = "filtering"
	StateSummarizing State = "summarizing"
	StateAggregating State = "aggregating"
	StateArchiving   State = "archiving"
	StateNotifying   State = "notifying"
	StateCommitting  State = "committing"
	StateDone        State = "done"
	StateFailed      State = "failed"
)

type Fetcher interface {
	Fetch(ctx context.Context, limit int, includeAll bool) ([]model.MailMessage, error)
}

type ContentFilter interface {
	Partition(msgs []model.MailMessage) (kept, skipped []model.MailMessage)
	Reason(msg model.MailMessage) string
}

type ArchiveWriter interface {
	Write(ctx context.Context, r model.AggregatedReport) (model.ArchiveReference, error)
}

type Sender interface {
	Send(ctx context.Context, msg model.NotificationMessage) error
}

// Deps are the collaborators of one run. Filter and Sender may be nil; a nil
// Sender is only accepted for dry runs.
type Deps struct {
	Fetcher   Fetcher
	Filter    ContentFilter
	Generator summarize.Generator
	Archive   ArchiveWriter
	Sender    Sender
	Ledger    state.Ledger
	Now       func() time.Time
	NewRunID  func() string
}

type Options struct {
	Limit          int
	IncludeAll     bool
	RetryFailed    bool
	DryRun         bool
	To             []string
	Subject        string
	SendAttachment bool
	Concurrency    int
	CallTimeout    time.Duration
	RunTimeout     time.Duration
}

// Result describes how a run ended. Report and Archive are zero when the run
// stopped before they were produced.
type Result struct {
	RunID         string
	State         State
	Report        model.AggregatedReport
	Archive       model.ArchiveReference
	Notification  model.NotificationMessage
	NoNewMessages bool
	Committed     int
	Transitions   []State
	Stats         stats.Summary
}

// Runner drives one pipeline run: fetch, dedup and filter, summarize,
// aggregate, archive, notify and finally commit the ledger. The ledger is
// only written after every earlier stage succeeded.
type Runner struct {
	deps   Deps
	opts   Options
	runID  string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	collector *stats.Collector

	subsMu sync.Mutex
	subs   []chan stats.Event
	closed bool

	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	started         atomic.Bool
	closeEventsOnce sync.Once
}

func New(deps Deps, opts Options, logger *slog.Logger) (*Runner, error) {
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("runner needs a fetcher")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("runner needs a generator")
	}
	if deps.Archive == nil {
		return nil, fmt.Errorf("runner needs an archive writer")
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("runner needs a ledger")
	}
	if deps.Sender == nil && !opts.DryRun {
		return nil, fmt.Errorf("runner needs a sender unless dry run")
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewRunID == nil {
		deps.NewRunID = uuid.NewString
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts.Limit = ClampLimit(opts.Limit)
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = DefaultRunTimeout
	}

	runID := deps.NewRunID()
	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		deps:      deps,
		opts:      opts,
		runID:     runID,
		logger:    logger.With("run", runID),
		ctx:       ctx,
		cancel:    cancel,
		collector: stats.NewCollector(),
	}, nil
}

// ClampLimit keeps n within MinLimit..MaxLimit; zero selects DefaultLimit.
func ClampLimit(n int) int {
	switch {
	case n == 0:
		return DefaultLimit
	case n < MinLimit:
		return MinLimit
	case n > MaxLimit:
		return MaxLimit
	}
	return n
}

func (r *Runner) RunID() string {
	return r.runID
}

func (r *Runner) Options() Options {
	return r.opts
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

// EmitEvent fans evt out to every subscriber. Events emitted after the run
// finished are dropped.
func (r *Runner) EmitEvent(evt stats.Event) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()
	if r.closed {
		return
	}
	r.collector.Apply(evt)
	for _, ch := range r.subs {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats registers fn to receive every event of the run on its own
// channel. It must be called before Run.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, eventBuffer)
	r.subsMu.Lock()
	r.subs = append(r.subs, ch)
	r.subsMu.Unlock()

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		// A subscriber that returns early must not block the others.
		defer func() {
			for range ch {
			}
		}()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.logger.Warn("stats subscriber failed", "name", name, "err", err)
		}
	}()
}

// Run executes the pipeline once. The returned error is nil exactly when the
// result state is StateDone.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	res := Result{RunID: r.runID, State: StateIdle}
	if !r.started.CompareAndSwap(false, true) {
		return res, ErrAlreadyStarted
	}
	since := r.deps.Now()
	defer r.shutdown()

	runCtx, cancelRun := context.WithTimeout(ctx, r.opts.RunTimeout)
	defer cancelRun()

	err := r.run(runCtx, cancelRun, &res)
	res.Stats = r.collector.Snapshot()
	duration := r.deps.Now().Sub(since)

	if err != nil {
		r.transition(&res, StateFailed)
		r.logger.Error("pipeline failed", append(res.Stats.LogAttrs(), "duration", duration, "err", err)...)
		return res, err
	}

	r.transition(&res, StateDone)
	r.logger.Info("pipeline completed", append(res.Stats.LogAttrs(), "duration", duration, "noNewMessages", res.NoNewMessages)...)
	return res, nil
}

func (r *Runner) run(ctx context.Context, cancel context.CancelFunc, res *Result) error {
	r.transition(res, StateFetching)
	fetched, err := r.deps.Fetcher.Fetch(ctx, r.opts.Limit, r.opts.IncludeAll)
	if err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeError, Err: err})
		return r.fail(cancel, stageError(ctx, model.ErrFetch, err))
	}
	if len(fetched) > 0 {
		r.EmitEvent(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeFetched, Count: len(fetched)})
	}
	r.logger.Info("messages fetched", "count", len(fetched), "limit", r.opts.Limit, "all", r.opts.IncludeAll)

	r.transition(res, StateFiltering)
	fresh, err := r.dedup(ctx, fetched)
	if err != nil {
		return r.fail(cancel, err)
	}
	kept, skipped := fresh, []model.MailMessage(nil)
	if r.deps.Filter != nil {
		kept, skipped = r.deps.Filter.Partition(fresh)
	}
	for _, msg := range skipped {
		reason := r.deps.Filter.Reason(msg)
		r.EmitEvent(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeFiltered, MessageID: msg.ID, Detail: reason})
		r.logger.Debug("message skipped by filter", "messageID", msg.ID, "reason", reason)
	}

	if len(kept) == 0 {
		res.NoNewMessages = true
		r.logger.Info("no new messages", "duplicates", len(fetched)-len(fresh), "skipped", len(skipped))
		if len(skipped) == 0 || r.opts.DryRun {
			return nil
		}
		return r.commit(ctx, cancel, res, nil, skipped)
	}

	r.transition(res, StateSummarizing)
	r.EmitEvent(stats.Event{Stage: stats.StageSummarize, Type: stats.EventTypeQueued, Count: len(kept)})
	orch := summarize.New(r.deps.Generator, summarize.Options{
		MaxConcurrency: r.opts.Concurrency,
		CallTimeout:    r.opts.CallTimeout,
	}, r, r.logger)
	results, err := orch.Run(ctx, kept)
	if err != nil {
		return r.fail(cancel, fmt.Errorf("summarize: %w", err))
	}

	r.transition(res, StateAggregating)
	res.Report = report.Build(r.runID, r.deps.Now(), results, skipped)
	r.logger.Info("report built",
		"attempted", res.Report.Attempted,
		"succeeded", res.Report.Succeeded,
		"failed", res.Report.Failed,
		"skipped", len(res.Report.Skipped),
	)

	r.transition(res, StateArchiving)
	if err := ctx.Err(); err != nil {
		return r.fail(cancel, err)
	}
	ref, err := r.deps.Archive.Write(ctx, res.Report)
	if err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeError, Err: err})
		return r.fail(cancel, stageError(ctx, model.ErrArchive, err))
	}
	res.Archive = ref
	r.EmitEvent(stats.Event{Stage: stats.StageArchive, Type: stats.EventTypeArchived, Detail: ref.Name})

	r.transition(res, StateNotifying)
	if err := r.notify(ctx, res); err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageNotify, Type: stats.EventTypeError, Err: err})
		return r.fail(cancel, err)
	}

	if r.opts.DryRun {
		r.logger.Info("dry run: ledger not committed", "wouldCommit", len(commitRecords(results, skipped, time.Time{}, r.opts.RetryFailed)))
		return nil
	}
	return r.commit(ctx, cancel, res, results, skipped)
}

// dedup drops candidates the ledger already holds and repeated identifiers
// within the same fetch.
func (r *Runner) dedup(ctx context.Context, msgs []model.MailMessage) ([]model.MailMessage, error) {
	set, err := r.deps.Ledger.Load(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.logger.Warn("ledger unreadable, treating all candidates as new", "err", err)
		r.EmitEvent(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeError, Err: err})
	}

	seen := make(map[string]struct{}, len(msgs))
	fresh := make([]model.MailMessage, 0, len(msgs))
	for _, msg := range msgs {
		if _, dup := seen[msg.ID]; dup || set.Skip(msg.ID, r.opts.RetryFailed) {
			r.EmitEvent(stats.Event{Stage: stats.StageFilter, Type: stats.EventTypeDuplicate, MessageID: msg.ID})
			continue
		}
		seen[msg.ID] = struct{}{}
		fresh = append(fresh, msg)
	}
	r.logger.Debug("ledger checked", "known", set.Len(), "fresh", len(fresh))
	return fresh, nil
}

func (r *Runner) notify(ctx context.Context, res *Result) error {
	msg, err := notify.Compose(res.Report, res.Archive, notify.ComposeOptions{
		To:            r.opts.To,
		Subject:       r.opts.Subject,
		AttachArchive: r.opts.SendAttachment,
	})
	if err != nil {
		return model.Wrap(model.ErrNotify, err)
	}
	res.Notification = msg

	if r.opts.DryRun {
		r.EmitEvent(stats.Event{Stage: stats.StageNotify, Type: stats.EventTypeDryRun})
		r.logger.Info("dry run: notification not sent",
			"to", msg.To,
			"subject", msg.Subject,
			"htmlBytes", len(msg.HTMLBody),
			"attachment", msg.Attachment != nil,
		)
		return nil
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.deps.Sender.Send(ctx, msg); err != nil {
		return stageError(ctx, model.ErrNotify, err)
	}
	r.EmitEvent(stats.Event{Stage: stats.StageNotify, Type: stats.EventTypeNotified})
	return nil
}

func (r *Runner) commit(ctx context.Context, cancel context.CancelFunc, res *Result, results []model.SummaryResult, skipped []model.MailMessage) error {
	r.transition(res, StateCommitting)
	if err := ctx.Err(); err != nil {
		return r.fail(cancel, err)
	}

	records := commitRecords(results, skipped, r.deps.Now(), r.opts.RetryFailed)
	if len(records) == 0 {
		return nil
	}
	if err := r.deps.Ledger.Commit(ctx, records); err != nil {
		r.EmitEvent(stats.Event{Stage: stats.StageCommit, Type: stats.EventTypeError, Err: err})
		return r.fail(cancel, stageError(ctx, model.ErrLedgerCommit, err))
	}
	res.Committed = len(records)
	r.EmitEvent(stats.Event{Stage: stats.StageCommit, Type: stats.EventTypeCommitted, Count: len(records)})
	r.logger.Info("ledger committed", "records", len(records))
	return nil
}

// commitRecords lists the ledger entries of a finished run. Failed results
// are left out when they should be offered again next time.
func commitRecords(results []model.SummaryResult, skipped []model.MailMessage, at time.Time, retryFailed bool) []model.ProcessedRecord {
	records := make([]model.ProcessedRecord, 0, len(results)+len(skipped))
	for _, res := range results {
		outcome := model.OutcomeSummarized
		if !res.OK() {
			if retryFailed {
				continue
			}
			outcome = model.OutcomeFailed
		}
		records = append(records, model.ProcessedRecord{ID: res.MessageID, ProcessedAt: at, Outcome: outcome})
	}
	for _, msg := range skipped {
		records = append(records, model.ProcessedRecord{ID: msg.ID, ProcessedAt: at, Outcome: model.OutcomeSkipped})
	}
	return records
}

// stageError tags err with kind, keeping a context error visible when the
// run was cancelled or timed out during the stage.
func stageError(ctx context.Context, kind, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w: %w", ctxErr, err)
	}
	return model.Wrap(kind, err)
}

func (r *Runner) transition(res *Result, next State) {
	r.logger.Debug("state change", "from", res.State, "to", next)
	res.State = next
	res.Transitions = append(res.Transitions, next)
}

// fail records the first failure of the run and cancels the remaining work.
func (r *Runner) fail(cancel context.CancelFunc, err error) error {
	r.errMu.Lock()
	defer r.errMu.Unlock()
	if r.err == nil {
		r.err = err
		cancel()
	}
	return r.err
}

func (r *Runner) shutdown() {
	r.closeEvents()
	r.statsWG.Wait()
	r.cancel()
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		r.subsMu.Lock()
		r.closed = true
		for _, ch := range r.subs {
			close(ch)
		}
		r.subsMu.Unlock()
	})
}
