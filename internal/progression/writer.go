package progression

import (
	"context"
	"sync"
	"time"
)

const DefaultDebounceInterval = 2 * time.Second

// FlushFunc persists the current state. immediate is set for FlushNow.
type FlushFunc func(ctx context.Context, immediate bool)

// DebouncedWriter coalesces save requests into throttled flushes. At most one
// flush runs at a time; a request that arrives while one is running is
// deferred to the next cycle.
type DebouncedWriter struct {
	interval time.Duration
	flush    FlushFunc

	mu       sync.Mutex
	cancel   chan struct{}
	flushing bool
	rerun    bool
	done     chan struct{}
	stopped  bool
}

func NewDebouncedWriter(interval time.Duration, flush FlushFunc) *DebouncedWriter {
	if interval <= 0 {
		interval = DefaultDebounceInterval
	}
	return &DebouncedWriter{interval: interval, flush: flush}
}

// Request schedules a debounced flush. Calls made while a timer is pending
// are absorbed by it; the flush reads whatever state is current when the
// timer fires.
func (w *DebouncedWriter) Request() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || w.cancel != nil {
		return
	}
	w.scheduleLocked()
}

func (w *DebouncedWriter) scheduleLocked() {
	cancel := make(chan struct{})
	w.cancel = cancel
	go func() {
		timer := time.NewTimer(w.interval)
		defer timer.Stop()
		select {
		case <-timer.C:
			w.fire(cancel)
		case <-cancel:
		}
	}()
}

func (w *DebouncedWriter) fire(cancel chan struct{}) {
	w.mu.Lock()
	if w.cancel != cancel {
		w.mu.Unlock()
		return
	}
	w.cancel = nil
	if w.flushing {
		w.rerun = true
		w.mu.Unlock()
		return
	}
	w.beginLocked()
	w.mu.Unlock()
	w.runAndFinish(context.Background(), false)
}

// FlushNow cancels any pending timer and flushes synchronously, waiting for
// an in-flight flush to finish first. It returns early only if ctx ends while
// waiting for that flush.
func (w *DebouncedWriter) FlushNow(ctx context.Context) error {
	w.mu.Lock()
	w.cancelLocked()
	for w.flushing {
		done := w.done
		w.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		w.mu.Lock()
		w.cancelLocked()
	}
	w.rerun = false
	w.beginLocked()
	w.mu.Unlock()
	w.runAndFinish(ctx, true)
	return nil
}

func (w *DebouncedWriter) beginLocked() {
	w.flushing = true
	w.done = make(chan struct{})
}

func (w *DebouncedWriter) runAndFinish(ctx context.Context, immediate bool) {
	if w.flush != nil {
		w.flush(ctx, immediate)
	}
	w.mu.Lock()
	w.flushing = false
	close(w.done)
	again := w.rerun
	w.rerun = false
	if again && !w.stopped && w.cancel == nil {
		w.scheduleLocked()
	}
	w.mu.Unlock()
}

func (w *DebouncedWriter) cancelLocked() {
	if w.cancel != nil {
		close(w.cancel)
		w.cancel = nil
	}
}

func (w *DebouncedWriter) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancel != nil
}

// Stop cancels any pending timer and refuses further debounced requests.
// FlushNow keeps working so teardown can still persist.
func (w *DebouncedWriter) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	w.cancelLocked()
}
