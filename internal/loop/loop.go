// Package loop serializes all proxy work onto one goroutine. Network
// goroutines never touch proxy state directly; they Post closures here.
package loop

import (
	"context"
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"go.uber.org/zap"
)

// Loop is an unbounded FIFO of tasks drained by a single goroutine. Post is
// safe from any goroutine and never blocks.
type Loop struct {
	logger *zap.Logger

	mu    sync.Mutex
	tasks *queue.Queue
	wake  chan struct{}
}

func New(logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loop{
		logger: logger.Named("loop"),
		tasks:  queue.New(),
		wake:   make(chan struct{}, 1),
	}
}

// Post queues fn to run on the loop after everything already queued.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks.Add(fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run drains tasks until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.RunPending()
		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
}

// RunPending runs queued tasks, including ones they post, until the queue
// is empty. Tests use it to drive the loop without a goroutine.
func (l *Loop) RunPending() int {
	n := 0
	for {
		l.mu.Lock()
		if l.tasks.Length() == 0 {
			l.mu.Unlock()
			return n
		}
		fn := l.tasks.Remove().(func())
		l.mu.Unlock()

		l.run(fn)
		n++
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("loop call: %w", ctx.Err())
	}
}

// Len is the number of queued tasks.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tasks.Length()
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("task panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn()
}
