// Package bridge connects a front end to the core through two bounded
// queues: commands go in, results come out. A fixed pool of workers drains
// the command queue and runs each command through a Handler.
//
// Both queues apply backpressure. Submit blocks while the command queue is
// full, and workers block while nobody reads Results. With more than one
// worker, results may leave in a different order than their commands came
// in; callers that need order per aggregate get it from the command handler.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

var (
	ErrStopped         = errors.New("bridge stopped")
	ErrHandlerPanicked = errors.New("command handler panicked")
)

type Handler[C, R any] func(ctx context.Context, cmd C) (R, error)

// Result is the outcome of one submitted command.
type Result[C, R any] struct {
	Cmd   C
	Value R
	Err   error
}

type OnPanic func(recovered any, stack []byte, cmd any)

type Options struct {
	// CommandQueueSize bounds the inbound queue (default 256).
	CommandQueueSize int
	// ResultQueueSize bounds the outbound queue (default 256).
	ResultQueueSize int
	// Workers is the number of commands handled at once (default 4).
	Workers int
	Log     *slog.Logger
	Metrics Metrics
	OnPanic OnPanic
}

type item[C, R any] struct {
	cmd   C
	reply chan Result[C, R]
}

type Bridge[C, R any] struct {
	h       Handler[C, R]
	log     *slog.Logger
	metrics Metrics
	onPanic OnPanic

	ctx    context.Context
	cancel context.CancelFunc

	commands chan item[C, R]
	results  chan Result[C, R]

	mu       sync.RWMutex
	closed   bool
	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// New starts the workers. They run until Stop is called or ctx ends.
func New[C, R any](ctx context.Context, h Handler[C, R], opt Options) *Bridge[C, R] {
	if opt.CommandQueueSize <= 0 {
		opt.CommandQueueSize = 256
	}
	if opt.ResultQueueSize <= 0 {
		opt.ResultQueueSize = 256
	}
	if opt.Workers <= 0 {
		opt.Workers = 4
	}
	if opt.Log == nil {
		opt.Log = slog.Default()
	}
	if opt.Metrics == nil {
		opt.Metrics = NopMetrics()
	}
	if opt.OnPanic == nil {
		log := opt.Log
		opt.OnPanic = func(recovered any, stack []byte, cmd any) {
			log.Error("command handler panicked", slog.Any("recovered", recovered), slog.String("stack", string(stack)), slog.Any("cmd", cmd))
		}
	}

	bctx, cancel := context.WithCancel(ctx)
	b := &Bridge[C, R]{
		h:        h,
		log:      opt.Log.With(slog.String("component", "bridge")),
		metrics:  opt.Metrics,
		onPanic:  opt.OnPanic,
		ctx:      bctx,
		cancel:   cancel,
		commands: make(chan item[C, R], opt.CommandQueueSize),
		results:  make(chan Result[C, R], opt.ResultQueueSize),
		done:     make(chan struct{}),
	}
	for range opt.Workers {
		b.wg.Add(1)
		go b.work()
	}
	return b
}

// Results is closed once Stop has drained the bridge.
func (b *Bridge[C, R]) Results() <-chan Result[C, R] { return b.results }

// Submit enqueues cmd. Its result is delivered on Results.
func (b *Bridge[C, R]) Submit(ctx context.Context, cmd C) error {
	return b.enqueue(ctx, item[C, R]{cmd: cmd})
}

// TrySubmit enqueues cmd unless the command queue is full.
func (b *Bridge[C, R]) TrySubmit(cmd C) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	select {
	case b.commands <- item[C, R]{cmd: cmd}:
		b.metrics.QueueDepth(len(b.commands))
		return true
	default:
		return false
	}
}

// Request enqueues cmd and waits for its result. The result is not
// delivered on Results.
func (b *Bridge[C, R]) Request(ctx context.Context, cmd C) (R, error) {
	var zero R
	reply := make(chan Result[C, R], 1)
	if err := b.enqueue(ctx, item[C, R]{cmd: cmd, reply: reply}); err != nil {
		return zero, err
	}
	select {
	case res := <-reply:
		return res.Value, res.Err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (b *Bridge[C, R]) enqueue(ctx context.Context, it item[C, R]) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStopped
	}
	select {
	case b.commands <- it:
		b.metrics.QueueDepth(len(b.commands))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit failed: %w", ctx.Err())
	case <-b.ctx.Done():
		return ErrStopped
	}
}

// Stop rejects new commands and lets the workers finish the queued ones.
// When ctx ends first, the remaining commands fail with ErrStopped, results
// nobody is reading are dropped and ctx's error is returned.
func (b *Bridge[C, R]) Stop(ctx context.Context) error {
	var forced error
	b.stopOnce.Do(func() {
		drained := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				b.cancel()
			case <-drained:
			}
		}()

		b.mu.Lock()
		b.closed = true
		close(b.commands)
		b.mu.Unlock()

		b.wg.Wait()
		close(drained)
		forced = b.ctx.Err()
		b.cancel()
		close(b.results)
		close(b.done)
	})
	<-b.done
	if forced != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Done is closed when the bridge has stopped.
func (b *Bridge[C, R]) Done() <-chan struct{} { return b.done }

func (b *Bridge[C, R]) work() {
	defer b.wg.Done()
	for it := range b.commands {
		b.metrics.QueueDepth(len(b.commands))
		b.deliver(it, b.run(it.cmd))
	}
}

func (b *Bridge[C, R]) run(cmd C) (res Result[C, R]) {
	res.Cmd = cmd
	if b.ctx.Err() != nil {
		res.Err = ErrStopped
		return res
	}

	defer b.metrics.CommandDuration().ObserveDuration()
	defer func() {
		if r := recover(); r != nil {
			b.metrics.CommandPanicked()
			b.onPanic(r, debug.Stack(), cmd)
			res.Err = fmt.Errorf("%w: %v", ErrHandlerPanicked, r)
		}
		b.metrics.CommandHandled(res.Err == nil)
	}()

	res.Value, res.Err = b.h(b.ctx, cmd)
	return res
}

func (b *Bridge[C, R]) deliver(it item[C, R], res Result[C, R]) {
	if it.reply != nil {
		it.reply <- res
		return
	}
	select {
	case b.results <- res:
	case <-b.ctx.Done():
		b.metrics.ResultDropped()
		b.log.Warn("result dropped", slog.Any("cmd", res.Cmd), slog.Any("error", res.Err))
	}
}
