// Package shutdown holds the process-wide shutdown flag.
//
// The flag starts false and becomes true once, on the first RequestShutdown.
// Workers poll IsShutdownRequested between units of work or select on Done;
// both observe the same happens-before edge: once RequestShutdown returns,
// every later read sees true.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/CZERTAINLY/workerd/internal/metrics"
)

type Coordinator struct {
	requested atomic.Bool
	requests  atomic.Int64
	ctx       context.Context
	cancel    context.CancelFunc
	reason    atomic.Pointer[string]
}

func New() *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		ctx:    ctx,
		cancel: cancel,
	}
}

// RequestShutdown sets the flag. Only the first call has an effect, the
// others are counted.
func (c *Coordinator) RequestShutdown(reason string) {
	c.requests.Add(1)
	metrics.ShutdownRequest()
	if !c.requested.CompareAndSwap(false, true) {
		return
	}
	c.reason.Store(&reason)
	c.cancel()
	slog.Warn("shutdown requested", "reason", reason)
}

func (c *Coordinator) IsShutdownRequested() bool {
	return c.requested.Load()
}

// Done is closed by the first RequestShutdown.
func (c *Coordinator) Done() <-chan struct{} {
	return c.ctx.Done()
}

// Context is cancelled by the first RequestShutdown.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Reason of the first request, empty while none was made.
func (c *Coordinator) Reason() string {
	if r := c.reason.Load(); r != nil {
		return *r
	}
	return ""
}

// Requests returns how many times RequestShutdown was called.
func (c *Coordinator) Requests() int {
	return int(c.requests.Load())
}

// Notify turns every delivery of signals into one RequestShutdown call.
// SIGINT and SIGTERM are used when no signal is given. Deliveries after the
// first one are logged and ignored. stop restores the default behavior and
// waits for the relay goroutine.
func Notify(c *Coordinator, signals ...os.Signal) (stop func()) {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, signals...)

	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Go(func() {
		for {
			select {
			case <-quit:
				return
			case sig := <-ch:
				if c.IsShutdownRequested() {
					slog.Warn("signal received while shutting down: ignoring", "signal", sig.String())
				}
				c.RequestShutdown(sig.String())
			}
		}
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
			wg.Wait()
		})
	}
}
