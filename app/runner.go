package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sourcegraph/conc"

	"github.com/lcx/oscroute/metrics"
	"github.com/lcx/oscroute/net"
)

// ErrStopped is returned when scheduling onto a stopped runner.
var ErrStopped = errors.New("app: runner stopped")

var (
	_runnersLock sync.Mutex
	_runners     = make(map[*Runner]struct{})
)

// Runner receives and dispatches datagrams for one App on a dedicated
// goroutine. Work is taken from an unbounded queue one task at a time; the
// receive step puts itself back on the queue after every datagram, so
// scheduled tasks and deferred deliveries interleave with traffic but never
// overlap it.
type Runner struct {
	app          *App
	pollInterval time.Duration
	ctx          context.Context
	cancel       context.CancelFunc

	mu     sync.Mutex
	tasks  []func()
	closed bool
	notify chan struct{}
	done   chan struct{}
}

// Start runs a on a new runner. a must be connected.
func Start(a *App) (*Runner, error) {
	if a == nil {
		return nil, errors.New("app cannot be nil")
	}
	if _, err := a.conn(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		app:          a,
		pollInterval: a.cfg.PollInterval,
		ctx:          ctx,
		cancel:       cancel,
		notify:       make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
	if r.pollInterval <= 0 {
		r.pollInterval = defaultPollInterval
	}
	a.SetExecutor(r.execute)

	_runnersLock.Lock()
	_runners[r] = struct{}{}
	_runnersLock.Unlock()

	_ = r.Schedule(r.step)
	go r.loop()
	a.logger.Info().Dur("pollInterval", r.pollInterval).Msg("runner started")
	return r, nil
}

// App returns the app the runner serves.
func (r *Runner) App() *App {
	return r.app
}

// Schedule queues fn to run on the runner's goroutine. It is safe to call
// from any goroutine, including from a running task.
func (r *Runner) Schedule(fn func()) error {
	if fn == nil {
		return errors.New("task cannot be nil")
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrStopped
	}
	r.tasks = append(r.tasks, fn)
	n := len(r.tasks)
	r.mu.Unlock()

	metrics.UpdateGaugeWithDimGroup(metricsGroup, "runner_queue_length", metrics.Value(n), metrics.Dimension{"app": r.app.name})
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return nil
}

// execute hands deferred deliveries to the queue, or runs them in place
// once the runner is stopping.
func (r *Runner) execute(fn func()) {
	if err := r.Schedule(fn); err != nil {
		fn()
	}
}

// Len returns the number of queued tasks.
func (r *Runner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Done is closed once the runner's goroutine has exited.
func (r *Runner) Done() <-chan struct{} {
	return r.done
}

func (r *Runner) pop() (func(), bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.tasks) == 0 {
		return nil, false
	}
	fn := r.tasks[0]
	r.tasks[0] = nil
	r.tasks = r.tasks[1:]
	return fn, true
}

func (r *Runner) loop() {
	defer func() {
		_runnersLock.Lock()
		delete(_runners, r)
		_runnersLock.Unlock()
		close(r.done)
	}()

	for {
		select {
		case <-r.ctx.Done():
			r.dealLeftTasks()
			return
		case <-r.notify:
		}
		for r.ctx.Err() == nil {
			fn, ok := r.pop()
			if !ok {
				break
			}
			r.run(fn)
		}
	}
}

// dealLeftTasks runs what was queued before the stop.
func (r *Runner) dealLeftTasks() {
	r.mu.Lock()
	r.closed = true
	left := r.tasks
	r.tasks = nil
	r.mu.Unlock()

	for _, fn := range left {
		r.run(fn)
	}
	metrics.UpdateGaugeWithDimGroup(metricsGroup, "runner_queue_length", 0, metrics.Dimension{"app": r.app.name})
}

func (r *Runner) run(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			metrics.IncrCounterWithDimGroup(metricsGroup, "task_panics_total", 1, metrics.Dimension{"app": r.app.name})
			r.app.logger.Error().Str("panic", fmt.Sprint(p)).Msg("runner task panicked")
		}
	}()
	fn()
}

// step waits at most one poll interval for a datagram so that queued tasks
// and a stop request are seen promptly, then requeues itself.
func (r *Runner) step() {
	if r.ctx.Err() != nil {
		return
	}
	recvCtx, cancel := context.WithTimeout(r.ctx, r.pollInterval)
	err := r.app.handle(recvCtx, r.ctx)
	cancel()

	switch {
	case err == nil, errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
	case errors.Is(err, net.ErrClosed), errors.Is(err, ErrNotConnected):
		r.app.logger.Warn().Err(err).Msg("transport gone, runner exits")
		r.cancel()
		return
	default:
		metrics.IncrCounterWithDimGroup(metricsGroup, "receive_errors_total", 1, metrics.Dimension{"app": r.app.name})
		r.app.logger.Warn().Err(err).Msg("receive failed")
		select {
		case <-r.ctx.Done():
			return
		case <-time.After(r.pollInterval):
		}
	}
	_ = r.Schedule(r.step)
}

// Stop signals the runner and waits for its goroutine until ctx ends. A
// step blocked in a handler finishes first. Deferred deliveries run on the
// app's delay queue afterwards.
func (r *Runner) Stop(ctx context.Context) error {
	r.cancel()
	select {
	case <-r.done:
	case <-ctx.Done():
		return fmt.Errorf("runner %s: %w", r.app.name, ctx.Err())
	}
	r.app.SetExecutor(nil)
	r.app.logger.Info().Msg("runner stopped")
	return nil
}

// StopAll stops every live runner concurrently.
func StopAll(ctx context.Context) error {
	_runnersLock.Lock()
	runners := make([]*Runner, 0, len(_runners))
	for r := range _runners {
		runners = append(runners, r)
	}
	_runnersLock.Unlock()

	var (
		wg   conc.WaitGroup
		lock sync.Mutex
		errs *multierror.Error
	)
	for _, r := range runners {
		wg.Go(func() {
			if err := r.Stop(ctx); err != nil {
				lock.Lock()
				errs = multierror.Append(errs, err)
				lock.Unlock()
			}
		})
	}
	wg.Wait()
	return errs.ErrorOrNil()
}
