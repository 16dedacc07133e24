package worker

import (
	"context"
	"log/slog"
)

// Heartbeat is the default unit of work: it only reports the worker is alive.
type Heartbeat struct{}

func (Heartbeat) Do(ctx context.Context, iteration int) error {
	slog.InfoContext(ctx, "heartbeat", "iteration", iteration)
	return nil
}

// HeartbeatFactory creates a Heartbeat for every worker.
func HeartbeatFactory(int) Task {
	return Heartbeat{}
}
