package progression

import (
	"context"
	"sync"
)

type laneWrite struct {
	state      *ProgressionState
	withBackup bool
	waiters    []chan error
}

// backendLane serializes writes to one adapter/key. While a write is in
// flight the newest submitted snapshot waits in next, replacing any older
// deferred one.
type backendLane struct {
	adapter Adapter
	key     string
	report  func(BackendID, error)

	mu   sync.Mutex
	busy bool
	idle chan struct{}
	next *laneWrite
}

func newBackendLane(adapter Adapter, key string, report func(BackendID, error)) *backendLane {
	return &backendLane{adapter: adapter, key: key, report: report}
}

func (l *backendLane) submit(state *ProgressionState, withBackup bool) <-chan error {
	ch := make(chan error, 1)
	l.mu.Lock()
	if l.busy {
		if l.next == nil {
			l.next = &laneWrite{}
		}
		l.next.state = state
		l.next.withBackup = l.next.withBackup || withBackup
		l.next.waiters = append(l.next.waiters, ch)
		l.mu.Unlock()
		return ch
	}
	l.busy = true
	l.idle = make(chan struct{})
	l.mu.Unlock()
	go l.run(&laneWrite{state: state, withBackup: withBackup, waiters: []chan error{ch}})
	return ch
}

func (l *backendLane) run(w *laneWrite) {
	for {
		// Started writes are never canceled.
		err := l.adapter.Save(context.Background(), l.key, w.state, w.withBackup)
		if l.report != nil {
			l.report(l.adapter.ID(), err)
		}
		for _, waiter := range w.waiters {
			waiter <- err
		}
		l.mu.Lock()
		if l.next == nil {
			l.busy = false
			close(l.idle)
			l.mu.Unlock()
			return
		}
		w = l.next
		l.next = nil
		l.mu.Unlock()
	}
}

func (l *backendLane) inFlight() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busy
}

// drain blocks until every write submitted so far, including deferred ones,
// has finished.
func (l *backendLane) drain(ctx context.Context) error {
	l.mu.Lock()
	if !l.busy {
		l.mu.Unlock()
		return nil
	}
	idle := l.idle
	l.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
