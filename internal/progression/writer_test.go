package progression

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestDebouncedWriterCoalescesBurst(t *testing.T) {
	var flushes atomic.Int32
	writer := NewDebouncedWriter(40*time.Millisecond, func(ctx context.Context, immediate bool) {
		flushes.Add(1)
	})
	defer writer.Stop()

	for i := 0; i < 100; i++ {
		writer.Request()
	}
	if !writer.Pending() {
		t.Fatalf("expected a pending timer after requests")
	}
	waitFor(t, time.Second, func() bool { return flushes.Load() == 1 })
	time.Sleep(120 * time.Millisecond)
	if got := flushes.Load(); got != 1 {
		t.Fatalf("expected exactly one flush for a burst, got %d", got)
	}
}

func TestDebouncedWriterFlushNowWaitsForInFlightFlush(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var active, maxActive, flushes atomic.Int32
	var sawImmediate atomic.Bool

	writer := NewDebouncedWriter(10*time.Millisecond, func(ctx context.Context, immediate bool) {
		n := active.Add(1)
		for {
			prev := maxActive.Load()
			if n <= prev || maxActive.CompareAndSwap(prev, n) {
				break
			}
		}
		started <- struct{}{}
		if flushes.Add(1) == 1 {
			<-release
		}
		if immediate {
			sawImmediate.Store(true)
		}
		active.Add(-1)
	})
	defer writer.Stop()

	writer.Request()
	<-started

	done := make(chan error, 1)
	go func() { done <- writer.FlushNow(context.Background()) }()

	select {
	case <-done:
		t.Fatalf("FlushNow returned while a flush was still in flight")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("flush now: %v", err)
	}
	if got := flushes.Load(); got != 2 {
		t.Fatalf("expected two flushes, got %d", got)
	}
	if maxActive.Load() != 1 {
		t.Fatalf("expected flushes never to overlap, saw %d concurrent", maxActive.Load())
	}
	if !sawImmediate.Load() {
		t.Fatalf("expected FlushNow to run an immediate flush")
	}
}

func TestDebouncedWriterFlushNowHonoursContextWhileWaiting(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	writer := NewDebouncedWriter(5*time.Millisecond, func(ctx context.Context, immediate bool) {
		if !immediate {
			started <- struct{}{}
			<-release
		}
	})
	defer close(release)
	defer writer.Stop()

	writer.Request()
	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := writer.FlushNow(ctx); err == nil {
		t.Fatalf("expected context error while waiting for in-flight flush")
	}
}

func TestDebouncedWriterDefersRequestDuringFlush(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var flushes atomic.Int32
	writer := NewDebouncedWriter(10*time.Millisecond, func(ctx context.Context, immediate bool) {
		started <- struct{}{}
		if flushes.Add(1) == 1 {
			<-release
		}
	})
	defer writer.Stop()

	writer.Request()
	<-started
	writer.Request()
	time.Sleep(40 * time.Millisecond)
	if got := flushes.Load(); got != 1 {
		t.Fatalf("expected second flush to wait for the first, got %d", got)
	}
	close(release)
	waitFor(t, time.Second, func() bool { return flushes.Load() == 2 })
}

func TestDebouncedWriterStopCancelsPendingTimer(t *testing.T) {
	var flushes atomic.Int32
	writer := NewDebouncedWriter(20*time.Millisecond, func(ctx context.Context, immediate bool) {
		flushes.Add(1)
	})
	writer.Request()
	writer.Stop()
	writer.Request()
	time.Sleep(60 * time.Millisecond)
	if got := flushes.Load(); got != 0 {
		t.Fatalf("expected no flush after stop, got %d", got)
	}
	if err := writer.FlushNow(context.Background()); err != nil {
		t.Fatalf("flush now after stop: %v", err)
	}
	if got := flushes.Load(); got != 1 {
		t.Fatalf("expected FlushNow to work after stop, got %d", got)
	}
}
