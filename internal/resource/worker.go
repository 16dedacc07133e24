package resource

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/CZERTAINLY/workerd/internal/metrics"
	"github.com/CZERTAINLY/workerd/internal/model"
	"github.com/CZERTAINLY/workerd/internal/worker"
)

// Worker fetches one record by key per run.
type Worker struct {
	opener  Opener
	params  ConnParams
	query   string
	key     int
	timeout time.Duration
}

func NewWorker(opener Opener, cfg model.Store) *Worker {
	return &Worker{
		opener:  opener,
		params:  ParamsFromConfig(cfg),
		query:   cfg.Query,
		key:     cfg.RecordKey,
		timeout: cfg.QueryTimeout.Std(),
	}
}

// RunOnce opens a connection, reads the record inside a read-only transaction,
// logs it and closes the connection. It does not retry: a failure is logged
// and returned.
func (w *Worker) RunOnce(ctx context.Context, id int) error {
	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	conn, err := w.opener.Open(ctx, w.params)
	if err != nil {
		metrics.ResourceRun(metrics.ResultOpenErr)
		slog.ErrorContext(ctx, "store connection failed", "resource_worker", id, "params", w.params.String(), "error", err)
		return fmt.Errorf("%w: %w", ErrOpen, err)
	}
	defer func() {
		if err := conn.Close(context.WithoutCancel(ctx)); err != nil {
			slog.WarnContext(ctx, "closing store connection", "resource_worker", id, "error", err)
		}
	}()

	rows, err := conn.QueryReadOnly(ctx, w.query, w.key)
	if err != nil {
		metrics.ResourceRun(metrics.ResultQueryErr)
		slog.ErrorContext(ctx, "store query failed", "resource_worker", id, "key", w.key, "error", err)
		return fmt.Errorf("%w: %w", ErrQuery, err)
	}

	if len(rows) == 0 {
		metrics.ResourceRun(metrics.ResultNoRecord)
		slog.InfoContext(ctx, "no record", "resource_worker", id, "key", w.key)
		return nil
	}
	metrics.ResourceRun(metrics.ResultOK)
	for _, row := range rows {
		slog.InfoContext(ctx, "record", "resource_worker", id, "key", w.key, slog.Group("columns", row.attrs()...))
	}
	return nil
}

func (r Row) attrs() []any {
	keys := slices.Sorted(maps.Keys(r))
	attrs := make([]any, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, r[k]))
	}
	return attrs
}

// Task adapts the worker to the pool: every iteration is one RunOnce.
// Failures are already logged, so the pool only gets panics.
func (w *Worker) Task(id int) worker.Task {
	return worker.TaskFunc(func(ctx context.Context, _ int) error {
		err := w.RunOnce(ctx, id)
		if errors.Is(err, ErrOpen) || errors.Is(err, ErrQuery) {
			return nil
		}
		return err
	})
}
