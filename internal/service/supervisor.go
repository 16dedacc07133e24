package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/CZERTAINLY/workerd/internal/log"
	"github.com/CZERTAINLY/workerd/internal/metrics"
	"github.com/CZERTAINLY/workerd/internal/model"
	"github.com/CZERTAINLY/workerd/internal/resource"
	"github.com/CZERTAINLY/workerd/internal/shutdown"
	"github.com/CZERTAINLY/workerd/internal/worker"
)

// ErrForcedExit is returned when workers outlive the shutdown timeout.
var ErrForcedExit = errors.New("forced exit")

type Supervisor struct {
	cfg     model.Config
	coord   *shutdown.Coordinator
	opener  resource.Opener
	console io.Writer
	runID   uuid.UUID
}

// NewSupervisor creates a supervisor of cfg.ThreadCount workers. The first
// cfg.ResourceWorkers of them are resource workers using opener, the rest
// send heartbeats. A nil opener makes every worker a heartbeat.
func NewSupervisor(cfg model.Config, coord *shutdown.Coordinator, opener resource.Opener) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		coord:   coord,
		opener:  opener,
		console: os.Stdout,
		runID:   uuid.New(),
	}
}

// WithConsole redirects the lifecycle lines meant for an operator.
func (s *Supervisor) WithConsole(w io.Writer) *Supervisor {
	s.console = w
	return s
}

func (s *Supervisor) RunID() string {
	return s.runID.String()
}

// Do runs the workers until a shutdown is requested, ctx is cancelled or
// bounded workers complete, then joins them. Workers still running after
// the shutdown timeout make Do return ErrForcedExit.
func (s *Supervisor) Do(ctx context.Context) error {
	ctx = log.ContextAttrs(ctx, slog.String("run_id", s.runID.String()))
	n := s.cfg.ThreadCount

	if s.cfg.MetricsAddr != "" {
		stop := s.serveMetrics(ctx)
		defer stop()
	}

	// units of work blocked on the store return once shutdown starts
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	unregister := context.AfterFunc(s.coord.Context(), cancel)
	defer unregister()

	slog.InfoContext(ctx, "starting workers",
		"workers", n,
		"resource_workers", s.resourceWorkers(),
		"poll_interval", s.cfg.PollInterval.String(),
	)
	_, _ = fmt.Fprintf(s.console, "workerd: starting %d workers\n", n)
	pool := worker.Start(wctx, s.coord, n, s.task,
		worker.WithPollInterval(s.cfg.PollInterval.Std()),
		worker.WithIterations(s.cfg.Iterations),
	)

	select {
	case <-s.coord.Done():
		slog.InfoContext(ctx, "shutting down workers", "reason", s.coord.Reason())
	case <-pool.Done():
	case <-ctx.Done():
		slog.InfoContext(ctx, "shutting down workers", "reason", context.Cause(ctx).Error())
	}

	timeout := s.cfg.ShutdownTimeout.Std()
	slog.DebugContext(ctx, "joining workers", "timeout", timeout.String())
	err := pool.JoinTimeout(timeout)
	switch {
	case errors.Is(err, worker.ErrJoinTimeout):
		slog.ErrorContext(ctx, "workers did not stop: forcing exit", "timeout", timeout.String(), "error", err)
		_, _ = fmt.Fprintf(s.console, "workerd: workers did not stop within %s\n", timeout)
		return fmt.Errorf("%w: %w", ErrForcedExit, err)
	case err != nil:
		slog.ErrorContext(ctx, "worker failed", "error", err)
	}

	slog.InfoContext(ctx, "workers stopped", "workers", pool.Returned())
	_, _ = fmt.Fprintf(s.console, "workerd: %d workers stopped\n", pool.Returned())
	return nil
}

func (s *Supervisor) resourceWorkers() int {
	if s.opener == nil {
		return 0
	}
	return min(s.cfg.ResourceWorkers, s.cfg.ThreadCount)
}

func (s *Supervisor) task(id int) worker.Task {
	if id < s.resourceWorkers() {
		return resource.NewWorker(s.opener, s.cfg.Store).Task(id)
	}
	return worker.Heartbeat{}
}

func (s *Supervisor) serveMetrics(ctx context.Context) (stop func()) {
	srv, err := metrics.Listen(s.cfg.MetricsAddr)
	if err != nil {
		slog.WarnContext(ctx, "metrics endpoint disabled", "addr", s.cfg.MetricsAddr, "error", err)
		return func() {}
	}
	slog.InfoContext(ctx, "serving metrics", "addr", srv.Addr())
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := srv.Serve(); err != nil {
			slog.ErrorContext(ctx, "metrics endpoint failed", "error", err)
		}
	}()
	return func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		<-served
	}
}
