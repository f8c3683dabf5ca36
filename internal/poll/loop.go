// Package poll runs a function on a fixed interval in a single goroutine that
// can be stopped synchronously.
package poll

import (
	"context"
	"sync"
	"time"
)

// TickFunc is called once per tick. Returning true ends the loop.
type TickFunc func(ctx context.Context) (done bool)

// Config holds configuration for a Loop.
type Config struct {
	// Interval between ticks. Non-positive values default to one second.
	Interval time.Duration

	// Immediate runs the first tick as soon as the loop starts instead of
	// waiting one interval.
	Immediate bool

	// Tick is the work performed on every tick. Required.
	Tick TickFunc
}

// Loop is a restartable ticker goroutine. At most one goroutine runs per Loop.
type Loop struct {
	cfg Config

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped loop.
func New(cfg Config) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Loop{cfg: cfg}
}

// Start launches the loop goroutine. It returns false if the loop is already running.
func (l *Loop) Start(parent context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.runningLocked() {
		return false
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go l.run(ctx, cancel, done)
	return true
}

// Stop cancels the loop and waits for the goroutine to exit. After Stop
// returns, no tick is executing or will execute. Stop must not be called from
// inside the tick function; return true from the tick instead.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the loop goroutine is alive.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runningLocked()
}

// Done returns a channel closed when the current run exits. It returns a
// closed channel if the loop never started.
func (l *Loop) Done() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return l.done
}

func (l *Loop) runningLocked() bool {
	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

func (l *Loop) run(ctx context.Context, cancel context.CancelFunc, done chan struct{}) {
	defer close(done)
	defer cancel()

	if l.cfg.Immediate && l.tick(ctx) {
		return
	}

	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if l.tick(ctx) {
				return
			}
		}
	}
}

func (l *Loop) tick(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return l.cfg.Tick(ctx)
}
