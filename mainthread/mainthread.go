// Package mainthread runs work on the application's single UI-owning thread.
//
// UI objects are not safe to touch from arbitrary goroutines, so invocations
// on main-affine targets are handed to a Loop, which executes queued work one
// item at a time on a goroutine locked to its OS thread.
package mainthread

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"greybridge/rpcerr"
)

var ErrClosed = errors.New("mainthread: loop closed")

type loopKey struct{}

type task struct {
	ctx     context.Context
	fn      func(context.Context)
	done    chan struct{}
	claimed atomic.Bool // set by whoever gets to the task first: the loop or a timed-out caller
}

// Loop is a FIFO work queue drained by one locked OS thread.
type Loop struct {
	tasks   chan *task
	pending atomic.Int64
	closing chan struct{}
	exited  chan struct{}
	once    sync.Once
}

// New starts a loop with room for queueSize waiting items.
func New(queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = 64
	}
	l := &Loop{
		tasks:   make(chan *task, queueSize),
		closing: make(chan struct{}),
		exited:  make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.exited)

	for {
		select {
		case t := <-l.tasks:
			l.execute(t)
		case <-l.closing:
			// Drain what was queued before Close.
			for {
				select {
				case t := <-l.tasks:
					l.execute(t)
				default:
					return
				}
			}
		}
	}
}

func (l *Loop) execute(t *task) {
	defer l.pending.Add(-1)
	if !t.claimed.CompareAndSwap(false, true) {
		return // caller gave up before the task started
	}
	t.fn(context.WithValue(t.ctx, loopKey{}, l))
	if t.done != nil {
		close(t.done)
	}
}

// OnLoop reports whether ctx belongs to work running on l.
func (l *Loop) OnLoop(ctx context.Context) bool {
	owner, _ := ctx.Value(loopKey{}).(*Loop)
	return owner == l
}

// Run executes fn on the loop and waits for it to finish. Called from work
// already running on the loop, fn runs inline instead of deadlocking.
//
// If ctx ends before fn starts, fn is skipped and the invocation-timeout error
// is returned. If ctx ends while fn runs, Run stops waiting but fn is left to
// complete.
func (l *Loop) Run(ctx context.Context, fn func(context.Context)) error {
	if l.OnLoop(ctx) {
		fn(ctx)
		return nil
	}
	t := &task{ctx: ctx, fn: fn, done: make(chan struct{})}
	if err := l.enqueue(ctx, t); err != nil {
		return err
	}
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		if t.claimed.CompareAndSwap(false, true) {
			return rpcerr.New("main thread", rpcerr.ErrInvocationTimeout, "work not started: %v", ctx.Err())
		}
		return rpcerr.New("main thread", rpcerr.ErrInvocationTimeout, "work still running: %v", ctx.Err())
	}
}

// Post queues fn without waiting, like a block dispatched to the main queue.
func (l *Loop) Post(fn func(context.Context)) error {
	return l.enqueue(context.Background(), &task{ctx: context.Background(), fn: fn})
}

func (l *Loop) enqueue(ctx context.Context, t *task) error {
	select {
	case <-l.closing:
		return ErrClosed
	default:
	}
	l.pending.Add(1)
	select {
	case l.tasks <- t:
		return nil
	case <-l.closing:
		l.pending.Add(-1)
		return ErrClosed
	case <-ctx.Done():
		l.pending.Add(-1)
		return rpcerr.New("main thread", rpcerr.ErrInvocationTimeout, "queue full: %v", ctx.Err())
	}
}

// Busy reports queued or running work, making the loop an idle tracker.
func (l *Loop) Busy() bool {
	return l.pending.Load() > 0
}

// Pending returns the number of queued or running items.
func (l *Loop) Pending() int64 {
	return l.pending.Load()
}

// Close stops accepting work, runs what is already queued and waits for the
// loop to exit.
func (l *Loop) Close() {
	l.once.Do(func() { close(l.closing) })
	<-l.exited
}
