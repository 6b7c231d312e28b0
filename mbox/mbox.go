package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mail-digest/mailparse"
	"github.com/dhcgn/mail-digest/model"
)

type Options struct {
	Path string
}

// Fetcher reads candidate messages from a local mbox file. Messages are
// appended to an mbox in arrival order, so the last ones are the newest.
type Fetcher struct {
	path   string
	open   func() (io.ReadCloser, error)
	logger *slog.Logger
}

func NewFetcher(opts Options, logger *slog.Logger) (*Fetcher, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	return &Fetcher{
		path:   path,
		open:   func() (io.ReadCloser, error) { return os.Open(path) },
		logger: logger,
	}, nil
}

// Fetch returns up to limit messages, newest first. Without includeAll,
// messages whose Status header carries the R flag are left out.
func (f *Fetcher) Fetch(ctx context.Context, limit int, includeAll bool) ([]model.MailMessage, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan model.Envelope, 16)
	done := make(chan error, 1)
	go func() {
		done <- f.scan(ctx, out, includeAll)
		close(out)
	}()

	var candidates []model.MailMessage
	for env := range out {
		if env.Err != nil {
			if f.logger != nil {
				f.logger.Warn("mbox message skipped", "path", f.path, "err", env.Err)
			}
			continue
		}
		candidates = append(candidates, env.Message)
	}
	if err := <-done; err != nil {
		return nil, err
	}

	if f.logger != nil {
		f.logger.Debug("mbox scan finished", "path", f.path, "candidates", len(candidates), "unseenOnly", !includeAll)
	}

	return newest(candidates, limit), nil
}

// scan sends the messages of the file as envelopes in file order. Unparsable
// messages are sent with Err set; broken mbox framing ends the scan.
func (f *Fetcher) scan(ctx context.Context, out chan<- model.Envelope, includeSeen bool) error {
	file, err := f.open()
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("mbox message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return fmt.Errorf("mbox message %d read: %w", idx, err)
		}

		parsed, err := mailparse.Parse(raw)
		if err != nil {
			if err := emitEnvelope(ctx, out, model.Envelope{Err: fmt.Errorf("message %d parse: %w", idx, err)}); err != nil {
				return err
			}
			continue
		}
		if !includeSeen && parsed.Seen() {
			continue
		}

		msg := parsed.Message(uint32(idx+1), int64(len(raw)))
		if err := emitEnvelope(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
}

func emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// newest reverses file order and keeps at most limit messages.
func newest(msgs []model.MailMessage, limit int) []model.MailMessage {
	n := len(msgs)
	if limit > 0 && n > limit {
		n = limit
	}
	out := make([]model.MailMessage, 0, n)
	for i := len(msgs) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, msgs[i])
	}
	return out
}
