package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-digest/archive"
	"github.com/dhcgn/mail-digest/cmd"
	"github.com/dhcgn/mail-digest/config"
	"github.com/dhcgn/mail-digest/credential"
	"github.com/dhcgn/mail-digest/filter"
	"github.com/dhcgn/mail-digest/imap"
	"github.com/dhcgn/mail-digest/llm"
	"github.com/dhcgn/mail-digest/mbox"
	"github.com/dhcgn/mail-digest/notify"
	"github.com/dhcgn/mail-digest/progress"
	"github.com/dhcgn/mail-digest/report"
	"github.com/dhcgn/mail-digest/runner"
	"github.com/dhcgn/mail-digest/state"
	"github.com/dhcgn/mail-digest/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "mail-digest",
		Short:         "Summarize new mail with an LLM, archive the digest and mail it to you",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCommand,
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the digest pipeline once (default command)",
			Args:  cobra.NoArgs,
			RunE:  runCommand,
		},
		cmd.NewLedgerCommand(),
		cmd.NewSecretCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runCommand(c *cobra.Command, _ []string) error {
	secrets, secretsErr := credential.Open(config.CredentialDir())

	cfg, err := config.LoadConfig(c, secrets)
	if err != nil {
		return err
	}

	logger, cleanup, err := setupLogger(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = cleanup()
	}()

	slog.SetDefault(logger)
	if secretsErr != nil {
		logger.Debug("keyring unavailable", "err", secretsErr)
	}
	logger.Info("starting mail-digest", "source", cfg.Source, "limit", cfg.Limit, "all", cfg.All, "dryRun", cfg.DryRun)

	ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, logger)
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	fetcher, err := newFetcher(cfg, logger)
	if err != nil {
		return err
	}

	contentFilter, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	generator, err := llm.NewClient(llm.Options{
		Endpoint: cfg.LLMEndpoint,
		Model:    cfg.LLMModel,
		APIKey:   cfg.LLMAPIKey,
		Timeout:  cfg.LLMTimeout,
	})
	if err != nil {
		return fmt.Errorf("llm.NewClient: %w", err)
	}

	archiveWriter, err := archive.NewWriter(cfg.ArchiveDir, logger)
	if err != nil {
		return fmt.Errorf("archive.NewWriter: %w", err)
	}

	ledger, err := state.Open(cfg.Ledger, cfg.StateDir, logger)
	if err != nil {
		return fmt.Errorf("state.Open: %w", err)
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			logger.Warn("close ledger", "err", err)
		}
	}()

	deps := runner.Deps{
		Fetcher:   fetcher,
		Generator: generator,
		Archive:   archiveWriter,
		Ledger:    ledger,
	}
	if contentFilter.Active() {
		deps.Filter = contentFilter
		logger.Debug("content filter enabled", "mode", contentFilter.Mode())
	}
	if !cfg.DryRun {
		sender, err := notify.NewSMTPSender(notify.SMTPOptions{
			Host:               cfg.SMTPHost,
			Port:               cfg.SMTPPort,
			Username:           cfg.SMTPUser,
			Password:           cfg.SMTPPass,
			From:               cfg.From,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		}, logger)
		if err != nil {
			return fmt.Errorf("notify.NewSMTPSender: %w", err)
		}
		deps.Sender = sender
	}

	r, err := runner.New(deps, runner.Options{
		Limit:          cfg.Limit,
		IncludeAll:     cfg.All,
		RetryFailed:    cfg.RetryFailed,
		DryRun:         cfg.DryRun,
		To:             cfg.To,
		Subject:        cfg.Subject,
		SendAttachment: cfg.SendAttachment,
		Concurrency:    cfg.Concurrency,
		CallTimeout:    cfg.LLMTimeout,
		RunTimeout:     cfg.RunTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)
	progress.NewReporter(r, progress.New(cfg.LogLevel), logger)

	res, err := r.Run(ctx)
	if err != nil {
		return err
	}

	switch {
	case res.NoNewMessages:
		logger.Info("nothing new to summarize")
	case cfg.DryRun:
		fmt.Println(report.Markdown(res.Report))
	default:
		logger.Info("digest delivered", "archive", res.Archive.Path, "to", cfg.To)
	}
	return nil
}

func newFetcher(cfg config.Config, logger *slog.Logger) (runner.Fetcher, error) {
	switch cfg.Source {
	case config.SourceMbox:
		f, err := mbox.NewFetcher(mbox.Options{Path: cfg.MboxPath}, logger)
		if err != nil {
			return nil, fmt.Errorf("mbox.NewFetcher: %w", err)
		}
		return f, nil
	case config.SourceIMAP:
		f, err := imap.NewFetcher(imap.Options{
			Host:               cfg.IMAPHost,
			Port:               cfg.IMAPPort,
			Username:           cfg.IMAPUser,
			Password:           cfg.IMAPPass,
			UseTLS:             cfg.UseTLS,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Folder:             cfg.IMAPFolder,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("imap.NewFetcher: %w", err)
		}
		return f, nil
	}
	return nil, errors.New("unknown source " + cfg.Source)
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mail-digest-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
