package summarize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mail-digest/model"
	"github.com/dhcgn/mail-digest/stats"
)

const (
	DefaultConcurrency = 8
	DefaultCallTimeout = 60 * time.Second
)

var ErrEmptySummary = errors.New("empty summary")

// Generator produces a summary for one message.
type Generator interface {
	Summarize(ctx context.Context, msg model.MailMessage) (string, error)
}

// Observer receives one event per finished message.
type Observer interface {
	EmitEvent(evt stats.Event)
}

type Options struct {
	MaxConcurrency int
	CallTimeout    time.Duration
}

// Orchestrator fans generation calls out over a bounded number of workers.
// Each message gets exactly one call; failures and timeouts are recorded in
// its result and never cancel sibling calls.
type Orchestrator struct {
	gen         Generator
	limit       int
	callTimeout time.Duration
	observer    Observer
	logger      *slog.Logger
}

func New(gen Generator, opts Options, observer Observer, logger *slog.Logger) *Orchestrator {
	limit := opts.MaxConcurrency
	if limit < 1 {
		limit = DefaultConcurrency
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Orchestrator{
		gen:         gen,
		limit:       limit,
		callTimeout: timeout,
		observer:    observer,
		logger:      logger,
	}
}

// Run returns one result per message, in input order. When ctx ends first the
// run is abandoned: Run returns ctx.Err() and discards in-flight results.
func (o *Orchestrator) Run(ctx context.Context, msgs []model.MailMessage) ([]model.SummaryResult, error) {
	if len(msgs) == 0 {
		return nil, ctx.Err()
	}

	// Each worker writes only its own slot.
	results := make([]model.SummaryResult, len(msgs))

	done := make(chan struct{})
	go func() {
		defer close(done)

		var g errgroup.Group
		g.SetLimit(o.limit)
		for i, msg := range msgs {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				results[i] = o.summarizeOne(ctx, msg)
				o.emit(results[i])
				return nil
			})
		}
		_ = g.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (o *Orchestrator) summarizeOne(ctx context.Context, msg model.MailMessage) (result model.SummaryResult) {
	defer func() {
		if r := recover(); r != nil {
			result = model.NewFailure(msg, model.Wrap(model.ErrGeneration, fmt.Errorf("generator panic: %v", r)))
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	started := time.Now()
	summary, err := o.gen.Summarize(callCtx, msg)
	if err == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		err = callCtx.Err()
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s: %w", o.callTimeout, err)
		}
		if o.logger != nil {
			o.logger.Warn("summary failed", "messageID", msg.ID, "duration", time.Since(started), "err", err)
		}
		return model.NewFailure(msg, model.Wrap(model.ErrGeneration, err))
	}

	summary = strings.TrimSpace(summary)
	if summary == "" {
		if o.logger != nil {
			o.logger.Warn("summary empty", "messageID", msg.ID)
		}
		return model.NewFailure(msg, model.Wrap(model.ErrGeneration, ErrEmptySummary))
	}

	if o.logger != nil {
		o.logger.Debug("summary generated", "messageID", msg.ID, "duration", time.Since(started))
	}
	return model.NewSuccess(msg, summary)
}

func (o *Orchestrator) emit(res model.SummaryResult) {
	if o.observer == nil {
		return
	}
	evt := stats.Event{Stage: stats.StageSummarize, MessageID: res.MessageID, Detail: res.Subject}
	if res.OK() {
		evt.Type = stats.EventTypeSummarized
	} else {
		evt.Type = stats.EventTypeFailed
		evt.Err = res.Err
	}
	o.observer.EmitEvent(evt)
}
