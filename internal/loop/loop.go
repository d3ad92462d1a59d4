// Package loop runs callbacks one at a time on a single goroutine, the way
// a browser event loop does. The scheduler, the world and the module
// loader all live on it so none of them needs locking.
package loop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"genomevm/internal/logging"
)

var (
	loopLogger = logging.GetLogger().WithPrefix("loop")
)

// Loop is a serial callback queue. The queue is unbounded; Post never blocks.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a loop. Nothing runs until Run is called.
func New() *Loop {
	return &Loop{
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

// Run executes posted callbacks until ctx ends or Stop is called.
func (l *Loop) Run(ctx context.Context) error {
	loopLogger.Debug("Loop started")
	defer loopLogger.Debug("Loop finished")

	for {
		for _, f := range l.drain() {
			select {
			case <-l.stop:
				return nil
			default:
			}
			f()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.stop:
			return nil
		case <-l.notify:
		}
	}
}

func (l *Loop) drain() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	batch := l.queue
	l.queue = nil
	return batch
}

// Stop makes Run return after the callback in flight. Pending callbacks are
// dropped.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// Post queues f. It is safe to call from any goroutine, including the loop.
func (l *Loop) Post(f func()) {
	l.mu.Lock()
	l.queue = append(l.queue, f)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// Do runs f on the loop and waits for it. It must not be called from the
// loop goroutine.
func (l *Loop) Do(ctx context.Context, f func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		f()
	})
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.stop:
		return context.Canceled
	}
}

const (
	timerPending int32 = iota
	timerFired
	timerStopped
)

// AfterFunc posts f once d has elapsed. The returned stop function reports
// whether it prevented f from running.
func (l *Loop) AfterFunc(d time.Duration, f func()) (stop func() bool) {
	var state atomic.Int32
	t := time.AfterFunc(d, func() {
		l.Post(func() {
			if state.CompareAndSwap(timerPending, timerFired) {
				f()
			}
		})
	})
	return func() bool {
		t.Stop()
		return state.CompareAndSwap(timerPending, timerStopped)
	}
}
