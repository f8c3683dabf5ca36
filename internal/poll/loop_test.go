package poll

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestImmediateFirstTick(t *testing.T) {
	ticked := make(chan struct{}, 1)
	l := New(Config{
		Interval:  time.Hour,
		Immediate: true,
		Tick: func(context.Context) bool {
			ticked <- struct{}{}
			return false
		},
	})
	l.Start(context.Background())
	defer l.Stop()

	select {
	case <-ticked:
	case <-time.After(time.Second):
		t.Fatal("immediate tick did not run")
	}
}

func TestTickReturningDoneEndsLoop(t *testing.T) {
	var n atomic.Int32
	l := New(Config{
		Interval: 5 * time.Millisecond,
		Tick: func(context.Context) bool {
			return n.Add(1) == 3
		},
	})
	l.Start(context.Background())

	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not end after tick returned true")
	}
	if got := n.Load(); got != 3 {
		t.Errorf("ticks = %d, want 3", got)
	}
	if l.Running() {
		t.Error("Running() = true after loop ended")
	}
}

// TestStopIsSynchronous verifies that no tick runs once Stop has returned.
func TestStopIsSynchronous(t *testing.T) {
	var n atomic.Int32
	l := New(Config{
		Interval:  time.Millisecond,
		Immediate: true,
		Tick: func(context.Context) bool {
			n.Add(1)
			time.Sleep(2 * time.Millisecond)
			return false
		},
	})
	l.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	l.Stop()

	after := n.Load()
	time.Sleep(20 * time.Millisecond)
	if got := n.Load(); got != after {
		t.Errorf("ticks after Stop = %d, want %d", got, after)
	}
}

func TestStopCancelsTickContext(t *testing.T) {
	started := make(chan struct{})
	l := New(Config{
		Interval:  time.Hour,
		Immediate: true,
		Tick: func(ctx context.Context) bool {
			close(started)
			<-ctx.Done()
			return true
		},
	})
	l.Start(context.Background())
	<-started

	stopped := make(chan struct{})
	go func() {
		l.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the in-flight tick")
	}
}

func TestRestartAfterStop(t *testing.T) {
	ticked := make(chan struct{}, 2)
	l := New(Config{
		Interval:  time.Hour,
		Immediate: true,
		Tick: func(context.Context) bool {
			ticked <- struct{}{}
			return false
		},
	})
	if !l.Start(context.Background()) {
		t.Fatal("first Start should succeed")
	}
	waitTick(t, ticked)
	if l.Start(context.Background()) {
		t.Error("Start on a running loop should return false")
	}
	l.Stop()
	if !l.Start(context.Background()) {
		t.Fatal("Start after Stop should succeed")
	}
	waitTick(t, ticked)
	l.Stop()
}

func waitTick(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for tick")
	}
}

func TestStopWithoutStart(t *testing.T) {
	l := New(Config{Tick: func(context.Context) bool { return false }})
	l.Stop()
	select {
	case <-l.Done():
	default:
		t.Error("Done() should be closed for a loop that never started")
	}
}
