package schedule

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned when posting to a loop that has stopped.
var ErrClosed = errors.New("loop closed")

// Loop runs posted functions one at a time on a single goroutine. Timers
// created with Schedule fire by posting into the loop, so every callback and
// every Post/Do function observes a consistent view of the state they share.
type Loop struct {
	queue  chan func()
	done   chan struct{}
	logger *slog.Logger

	mu     sync.Mutex
	timers map[Handle]*time.Timer
	next   Handle
	closed bool
}

// NewLoop creates a loop with the given queue capacity.
func NewLoop(capacity int, logger *slog.Logger) *Loop {
	if capacity <= 0 {
		capacity = 64
	}
	return &Loop{
		queue:  make(chan func(), capacity),
		done:   make(chan struct{}),
		logger: logger,
		timers: make(map[Handle]*time.Timer),
	}
}

// Run executes posted functions until ctx is canceled. Pending timers are
// stopped on return.
func (l *Loop) Run(ctx context.Context) {
	defer l.shutdown()

	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.queue:
			fn()
		}
	}
}

func (l *Loop) shutdown() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return
	}
	l.closed = true
	for h, t := range l.timers {
		t.Stop()
		delete(l.timers, h)
	}
	close(l.done)
}

// Done is closed once the loop has stopped.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post queues fn for execution. It blocks while the queue is full.
func (l *Loop) Post(fn func()) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	select {
	case l.queue <- fn:
		return nil
	case <-l.done:
		return ErrClosed
	}
}

// Do runs fn on the loop and waits for it to finish.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// The loop may have run fn just before stopping.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Schedule runs fn on the loop after delay. Negative delays are treated as zero.
func (l *Loop) Schedule(delay time.Duration, fn func()) Handle {
	if delay < 0 {
		delay = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.next++
	h := l.next
	if l.closed {
		return h
	}

	l.timers[h] = time.AfterFunc(delay, func() {
		if err := l.Post(func() { l.fire(h, fn) }); err != nil {
			l.logger.Debug("timer fired after loop stopped", "handle", h)
		}
	})
	return h
}

// Cancel stops the timer. A callback already queued for h is dropped.
func (l *Loop) Cancel(h Handle) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if t, ok := l.timers[h]; ok {
		t.Stop()
		delete(l.timers, h)
	}
}

// Pending returns the number of timers not yet fired or cancelled.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.timers)
}

func (l *Loop) fire(h Handle, fn func()) {
	l.mu.Lock()
	_, live := l.timers[h]
	delete(l.timers, h)
	l.mu.Unlock()

	if live {
		fn()
	}
}
