// Package worker runs a fixed number of cooperative workers.
//
// Every worker loops over the same contract: check the shutdown flag, run one
// unit of work, sleep for the poll interval, repeat. A shutdown request wakes
// the sleeping workers, so they return within one poll interval plus the time
// the unit of work in flight needs.
//
//	Start ---> worker 0: Do, sleep, Do, sleep, ... <flag> -> Close
//	      \--> worker 1: Do, sleep, ...            <flag> -> Close
//	JoinAll <---------------------------------------------- all returned
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/workerd/internal/log"
	"github.com/CZERTAINLY/workerd/internal/metrics"
	"golang.org/x/sync/errgroup"
)

var (
	ErrAlreadyJoined = errors.New("worker pool already joined")
	ErrJoinTimeout   = errors.New("workers did not stop in time")
	ErrPanic         = errors.New("unit of work panicked")
)

const DefaultPollInterval = 100 * time.Millisecond

// Task is one worker's unit of work. iteration counts from zero.
type Task interface {
	Do(ctx context.Context, iteration int) error
}

type TaskFunc func(ctx context.Context, iteration int) error

func (f TaskFunc) Do(ctx context.Context, iteration int) error {
	return f(ctx, iteration)
}

// Closer is implemented by tasks owning a resource; Close is called once
// their worker returns.
type Closer interface {
	Close(ctx context.Context) error
}

// Factory creates the task of worker id.
type Factory func(id int) Task

// Stopper is the shutdown flag observed by workers.
type Stopper interface {
	IsShutdownRequested() bool
	Done() <-chan struct{}
}

type Option func(*Pool)

// WithPollInterval sets the sleep between two units of work.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.poll = d
		}
	}
}

// WithIterations bounds every worker to n units of work. Zero means until
// shutdown.
func WithIterations(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.iterations = n
		}
	}
}

type Pool struct {
	poll       time.Duration
	iterations int
	stop       Stopper

	g        errgroup.Group
	done     chan struct{}
	err      error
	joined   atomic.Bool
	started  atomic.Int64
	returned atomic.Int64
}

// Start spawns n workers, each running the task created for it by factory
// until stop is set, ctx is cancelled or the iterations are exhausted. All
// workers exist once Start returns.
func Start(ctx context.Context, stop Stopper, n int, factory Factory, opts ...Option) *Pool {
	p := &Pool{
		poll: DefaultPollInterval,
		stop: stop,
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}

	for id := range n {
		task := factory(id)
		wctx := log.ContextAttrs(ctx, slog.Int(log.WorkerKey, id))
		p.started.Add(1)
		p.g.Go(func() error {
			defer p.returned.Add(1)
			return p.run(wctx, id, task)
		})
	}

	go func() {
		p.err = p.g.Wait()
		close(p.done)
	}()
	return p
}

func (p *Pool) run(ctx context.Context, id int, task Task) error {
	slog.DebugContext(ctx, "worker started")
	defer func() {
		if c, ok := task.(Closer); ok {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := c.Close(cctx); err != nil {
				slog.WarnContext(ctx, "closing worker task", "error", err)
			}
		}
		slog.DebugContext(ctx, "worker stopped")
	}()

	timer := time.NewTimer(p.poll)
	defer timer.Stop()

	for it := 0; p.iterations == 0 || it < p.iterations; it++ {
		if p.stop.IsShutdownRequested() || ctx.Err() != nil {
			return nil
		}
		if err := p.do(ctx, task, it); err != nil {
			if errors.Is(err, ErrPanic) {
				return fmt.Errorf("worker %d: %w", id, err)
			}
			slog.ErrorContext(ctx, "unit of work failed", "iteration", it, "error", err)
		}
		metrics.WorkerIteration(id)

		if p.iterations != 0 && it == p.iterations-1 {
			return nil
		}
		timer.Reset(p.poll)
		select {
		case <-p.stop.Done():
			return nil
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
	return nil
}

func (p *Pool) do(ctx context.Context, task Task, it int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WorkerPanic()
			slog.ErrorContext(ctx, "unit of work panicked", "iteration", it, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return task.Do(ctx, it)
}

// JoinAll blocks until every worker returned. It returns the first worker
// failure, which is a recovered panic. Only one join is allowed.
func (p *Pool) JoinAll() error {
	if !p.joined.CompareAndSwap(false, true) {
		return ErrAlreadyJoined
	}
	<-p.done
	return p.err
}

// JoinTimeout is JoinAll bounded by d.
func (p *Pool) JoinTimeout(d time.Duration) error {
	if !p.joined.CompareAndSwap(false, true) {
		return ErrAlreadyJoined
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return p.err
	case <-timer.C:
		return fmt.Errorf("%w: %d of %d still running", ErrJoinTimeout, p.Started()-p.Returned(), p.Started())
	}
}

// Done is closed once every worker returned.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

func (p *Pool) Started() int {
	return int(p.started.Load())
}

func (p *Pool) Returned() int {
	return int(p.returned.Load())
}
