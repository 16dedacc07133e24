package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/CZERTAINLY/workerd/internal/daemon"
	"github.com/CZERTAINLY/workerd/internal/log"
	"github.com/CZERTAINLY/workerd/internal/metrics"
	"github.com/CZERTAINLY/workerd/internal/model"
	"github.com/CZERTAINLY/workerd/internal/resource"
	"github.com/CZERTAINLY/workerd/internal/service"
	"github.com/CZERTAINLY/workerd/internal/shutdown"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Exit codes of workerd run.
const (
	exitOK     = 0
	exitFatal  = 1
	exitForced = 2
)

func logOptions(cfg model.Config) log.Options {
	return log.Options{
		Console:        cfg.Log.Console,
		Level:          cfg.Log.Level,
		Pattern:        cfg.Log.Pattern,
		Filename:       cfg.Log.Filename,
		ImmediateFlush: cfg.Log.ImmediateFlush,
		MaxSize:        cfg.Log.MaxSizeBytes(),
		MaxFiles:       cfg.Log.MaxFiles,
		Name:           "workerd",
		OnRotate:       metrics.LogRotation,
	}
}

// withLogger runs fn with the configured logger installed as the default one.
// The logger is flushed and closed before withLogger returns, so fn must not
// leave goroutines logging behind.
func withLogger(cmd *cobra.Command, fn func(ctx context.Context, logger *log.Logger) int) error {
	defer model.Release()

	prev := slog.Default()
	logger, err := log.Init(logOptions(config))
	if err != nil {
		// no logger to report it
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "workerd: initializing logging: %v\n", err)
		return exitError{code: exitFatal}
	}

	code := fn(cmd.Context(), logger)

	err = logger.Shutdown()
	slog.SetDefault(prev)
	if err != nil {
		_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "workerd: closing logs: %v\n", err)
	}
	if code != exitOK {
		return exitError{code: code}
	}
	return nil
}

func reportConfig(ctx context.Context, out io.Writer) {
	if configErr != nil {
		var attrs []any
		for i, d := range model.CueErrDetails(configErr) {
			attrs = append(attrs, d.Attr(fmt.Sprintf("detail%d", i)))
		}
		attrs = append(attrs, "path", configPath, "error", configErr)
		slog.WarnContext(ctx, "configuration not loaded: using defaults", attrs...)
		_, _ = fmt.Fprintf(out, "workerd: config %s not loaded, using defaults\n", configPath)
		return
	}
	slog.InfoContext(ctx, "configuration loaded", "path", configPath)
	_, _ = fmt.Fprintf(out, "workerd: config %s\n", configPath)
}

func doRun(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()
	return withLogger(cmd, func(ctx context.Context, logger *log.Logger) int {
		reportConfig(ctx, out)

		state := daemon.Foreground
		if config.DaemonMode {
			ctrl := daemon.NewController()
			ctrl.Console = out
			ctrl.Exit = func(code int) {
				_ = logger.Shutdown()
				os.Exit(code)
			}
			var err error
			state, err = ctrl.Detach(ctx)
			if err != nil {
				slog.ErrorContext(ctx, "detaching failed", "error", err)
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "workerd: %v\n", err)
				return exitFatal
			}
		}

		attrs := slog.Group("workerd",
			slog.String("cmd", "run"),
			slog.Int("pid", os.Getpid()),
		)
		ctx = log.ContextAttrs(ctx, attrs)

		coord := shutdown.New()
		stop := shutdown.Notify(coord)
		defer stop()

		var opener resource.Opener
		if config.ResourceWorkers > 0 {
			var err error
			opener, err = resource.NewOpener(config.Store.Driver)
			if err != nil {
				slog.ErrorContext(ctx, "resource workers disabled", "error", err)
			}
		}

		slog.InfoContext(ctx, "workerd started", "mode", state.String(), "workers", config.ThreadCount)
		_, _ = fmt.Fprintf(out, "workerd: started in %s mode, pid %d\n", state, os.Getpid())

		err := service.NewSupervisor(config, coord, opener).WithConsole(out).Do(ctx)
		if errors.Is(err, service.ErrForcedExit) {
			return exitForced
		}
		if err != nil {
			slog.ErrorContext(ctx, "supervisor failed", "error", err)
			return exitFatal
		}

		slog.InfoContext(ctx, "workerd stopped", "reason", coord.Reason())
		_, _ = fmt.Fprintln(out, "workerd: stopped")
		return exitOK
	})
}

func doQuery(cmd *cobra.Command, _ []string) error {
	return withLogger(cmd, func(ctx context.Context, _ *log.Logger) int {
		reportConfig(ctx, cmd.ErrOrStderr())
		attrs := slog.Group("workerd",
			slog.String("cmd", "query"),
			slog.Int("pid", os.Getpid()),
		)
		ctx = log.ContextAttrs(ctx, attrs)

		opener, err := resource.NewOpener(config.Store.Driver)
		if err != nil {
			slog.ErrorContext(ctx, "query failed", "error", err)
			return exitFatal
		}
		if err := resource.NewWorker(opener, config.Store).RunOnce(ctx, 0); err != nil {
			return exitFatal
		}
		return exitOK
	})
}

func doConfigInit(cmd *cobra.Command, _ []string) error {
	path := configPath
	if exists(path) && !flagForce {
		return fmt.Errorf("%s already exists: use --force to overwrite", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(model.DefaultConfig()); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "workerd: default configuration written to %s\n", path)
	return nil
}
