// Package perkey serializes work per key while letting different keys run in
// parallel. The command handler uses one key per aggregate, the collaboration
// manager one key per graph.
package perkey

import (
	"context"
	"errors"
	"sync"
)

// ErrSchedulerClosed is returned by Do after Close.
var ErrSchedulerClosed = errors.New("perkey: scheduler is closed")

type Option func(*config)

type config struct {
	bufferSize int
}

// WithBufferSize sets the per-key task queue size (default 64).
func WithBufferSize(size int) Option {
	return func(c *config) {
		if size > 0 {
			c.bufferSize = size
		}
	}
}

// Scheduler runs tasks so that tasks for one key execute one at a time in
// submission order. A key's worker goroutine exits as soon as its queue is
// empty, so idle keys cost nothing.
type Scheduler[K comparable] struct {
	mu         sync.Mutex
	workers    map[K]*worker
	closed     bool
	wg         sync.WaitGroup
	bufferSize int
}

type worker struct {
	tasks   chan *task
	pending int // guarded by Scheduler.mu
}

type task struct {
	fn   func() error
	done chan error
}

func New[K comparable](opts ...Option) *Scheduler[K] {
	cfg := &config{bufferSize: 64}
	for _, opt := range opts {
		opt(cfg)
	}
	return &Scheduler[K]{
		workers:    make(map[K]*worker),
		bufferSize: cfg.bufferSize,
	}
}

func (s *Scheduler[K]) Do(key K, fn func() error) error {
	return s.DoContext(context.Background(), key, fn)
}

// DoContext schedules fn for key and waits for its result. If ctx ends while
// waiting, the context error is returned; a task that was already queued
// still runs.
func (s *Scheduler[K]) DoContext(ctx context.Context, key K, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSchedulerClosed
	}
	s.wg.Add(1)
	defer s.wg.Done()
	w := s.acquireLocked(key)
	s.mu.Unlock()

	t := &task{fn: fn, done: make(chan error, 1)}

	select {
	case w.tasks <- t:
	case <-ctx.Done():
		s.release(key, w, true)
		return ctx.Err()
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of keys that currently own a worker.
func (s *Scheduler[K]) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Close rejects new tasks, waits for callers that are still enqueueing and
// lets queued tasks finish.
func (s *Scheduler[K]) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	for _, w := range s.workers {
		close(w.tasks)
	}
	s.workers = nil
	s.mu.Unlock()
}

func (s *Scheduler[K]) acquireLocked(key K) *worker {
	w, ok := s.workers[key]
	if !ok {
		w = &worker{tasks: make(chan *task, s.bufferSize)}
		s.workers[key] = w
		go s.run(key, w)
	}
	w.pending++
	return w
}

// release drops one pending task. It reports whether the worker retired.
// abandoned is set when the task never reached the queue.
func (s *Scheduler[K]) release(key K, w *worker, abandoned bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.pending--
	if w.pending > 0 {
		return false
	}
	if s.workers[key] == w {
		delete(s.workers, key)
		if abandoned {
			close(w.tasks)
		}
	}
	return true
}

func (s *Scheduler[K]) run(key K, w *worker) {
	for t := range w.tasks {
		t.done <- t.fn()
		if s.release(key, w, false) {
			return
		}
	}
}
