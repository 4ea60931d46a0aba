package progression

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeAdapter is a scriptable in-memory Adapter for engine and reconciler
// tests.
type fakeAdapter struct {
	id   BackendID
	kind BackendKind

	mu        sync.Mutex
	state     *ProgressionState
	backups   []Backup
	loadErr   error
	loadDelay time.Duration
	saveErr   error
	saveGate  chan struct{}
	saved     []*ProgressionState
	loads     int
}

func newFakeAdapter(id BackendID, kind BackendKind) *fakeAdapter {
	return &fakeAdapter{id: id, kind: kind}
}

func (f *fakeAdapter) ID() BackendID     { return f.id }
func (f *fakeAdapter) Kind() BackendKind { return f.kind }

func (f *fakeAdapter) Load(ctx context.Context, key string) (*ProgressionState, error) {
	f.mu.Lock()
	f.loads++
	delay := f.loadDelay
	state := f.state.Clone()
	err := f.loadErr
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (f *fakeAdapter) Save(ctx context.Context, key string, state *ProgressionState, withBackup bool) error {
	f.mu.Lock()
	gate := f.saveGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, state.Clone())
	if f.saveErr != nil {
		return f.saveErr
	}
	f.state = state.Clone()
	return nil
}

func (f *fakeAdapter) ListBackups(ctx context.Context, key string, limit int) ([]Backup, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Backup(nil), f.backups...), nil
}

func (f *fakeAdapter) RestoreFromBackup(ctx context.Context, key, id string) (*ProgressionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, backup := range f.backups {
		if backup.ID == id {
			return backup.Data.Clone(), nil
		}
	}
	return nil, ErrBackupNotFound
}

func (f *fakeAdapter) savedLevels() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	levels := make([]int, 0, len(f.saved))
	for _, state := range f.saved {
		levels = append(levels, state.Level)
	}
	return levels
}

func (f *fakeAdapter) loadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loads
}

// progressAt builds a consistent state with every stat set to stat.
func progressAt(level int, stat int64) *ProgressionState {
	state := DefaultState()
	state.Level = level
	state.Stats = Stats{Strength: stat, Agility: stat, Intelligence: stat, Vitality: stat, Perception: stat}
	state.TotalXP = CumulativeXPForLevel(level)
	if level > 1 || stat > 0 {
		state.Activity.MessagesSent = int64(level) * 10
	}
	return state
}

func savedAt(state *ProgressionState, at time.Time) *ProgressionState {
	state.Metadata.LastSave = at.UTC().Format(time.RFC3339Nano)
	return state
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

type capturingLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *capturingLogger) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *capturingLogger) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}
