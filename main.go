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

	"github.com/dhcgn/eml-extract/cmd"
	"github.com/dhcgn/eml-extract/config"
	"github.com/dhcgn/eml-extract/filter"
	"github.com/dhcgn/eml-extract/journal"
	"github.com/dhcgn/eml-extract/model"
	"github.com/dhcgn/eml-extract/progress"
	"github.com/dhcgn/eml-extract/runner"
	"github.com/dhcgn/eml-extract/stats"
)

const exitCancelled = 130

// exitError carries a process exit code through cobra.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func main() {
	rootCmd := &cobra.Command{
		Use:           "eml-extract",
		Short:         "Extract bodies and attachments of email messages into one folder per message",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
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
			logger.Info("starting eml-extract", "source", cfg.SourcePath, "output", cfg.OutputPath, "deleteSource", cfg.DeleteSource)

			return run(cmd.Context(), cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}
	rootCmd.AddCommand(cmd.NewInspectCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	f, err := filter.New(filter.Options{
		IncludeHeader: cfg.IncludeHeader,
		IncludeBody:   cfg.IncludeBody,
		ExcludeHeader: cfg.ExcludeHeader,
		ExcludeBody:   cfg.ExcludeBody,
	})
	if err != nil {
		return fmt.Errorf("create filter: %w", err)
	}

	jobs, err := journal.NewFileJournal(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	defer func() {
		if err := jobs.Close(); err != nil {
			logger.Warn("close journal", "err", err)
		}
	}()

	job := model.Job{
		SourcePath:   cfg.SourcePath,
		OutputPath:   cfg.OutputPath,
		TempRoot:     cfg.TempDir,
		DeleteSource: cfg.DeleteSource,
	}
	r, err := runner.New(job, runner.Options{
		Journal:       jobs,
		FailFast:      cfg.FailFast,
		UntitledLabel: cfg.UntitledLabel,
		Filter:        f,
	}, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}

	stats.NewReporter(r, logger)
	bar := progress.New(!cfg.NoProgress && cfg.LogLevel != "debug")
	reporter := progress.NewProgressReporter(r, bar, logger)

	result, err := r.Process(ctx)
	reporter.PrintSummary(result)

	if fs := f.Stats(); fs.Checked > 0 {
		logger.Info("filter summary", "checked", fs.Checked, "dropped", fs.Dropped)
	}

	switch result.Outcome {
	case model.OutcomeSuccess, model.OutcomePartialSuccess:
		for _, failure := range result.Failures {
			logger.Warn("message not extracted", "path", failure.Path, "err", failure.Err)
		}
		return nil
	case model.OutcomeCancelled:
		return &exitError{code: exitCancelled, err: err}
	default:
		return &exitError{code: 1, err: err}
	}
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

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("eml-extract-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler), cleanup, nil
}
