package progression

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const DefaultKey = "progression"

type Options struct {
	Key              string
	LegacyKeys       []string
	Adapters         []Adapter
	DebounceInterval time.Duration
	BackupDepth      int
	LoadTimeout      time.Duration
	LockPath         string
	Weights          ScoringWeights
	Logger           Logger
	Now              func() time.Time
}

// Engine owns the single live ProgressionState of a session. Gameplay code
// mutates it through Update (or directly through State when no flush can
// be running) and calls RequestSave.
type Engine struct {
	key         string
	sessionID   string
	adapters    []Adapter
	lanes       []*backendLane
	scorer      *Scorer
	reconciler  *Reconciler
	guard       *WriteGuard
	writer      *DebouncedWriter
	probe       *RescueProbe
	logger      Logger
	now         func() time.Time
	loadTimeout time.Duration
	lockPath    string

	mu         sync.Mutex
	state      *ProgressionState
	best       *Candidate
	candidates []Candidate
	loaded     bool
	tornDown   bool
	lock       *FileLock

	observerMu sync.RWMutex
	observers  []func(SaveFailure)
}

func New(opts Options) (*Engine, error) {
	key := normalizeKey(opts.Key)
	if key == "" {
		key = DefaultKey
	}
	adapters := make([]Adapter, 0, len(opts.Adapters))
	seen := map[BackendID]struct{}{}
	for _, adapter := range opts.Adapters {
		if adapter == nil {
			continue
		}
		if _, dup := seen[adapter.ID()]; dup {
			return nil, fmt.Errorf("%w: duplicate backend id %q", ErrInvalidInput, adapter.ID())
		}
		seen[adapter.ID()] = struct{}{}
		adapters = append(adapters, adapter)
	}
	if len(adapters) == 0 {
		return nil, fmt.Errorf("%w: at least one backend is required", ErrInvalidInput)
	}
	depth := opts.BackupDepth
	if depth <= 0 {
		depth = DefaultBackupDepth
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sessionID := uuid.NewString()
	logger := sessionLogger{inner: defaultLogger(opts.Logger), session: sessionID}
	weights := opts.Weights.withDefaults()
	scorer := NewScorer(weights, now)
	reconciler := NewReconciler(adapters, scorer, weights, depth, logger)

	e := &Engine{
		key:         key,
		sessionID:   sessionID,
		adapters:    adapters,
		scorer:      scorer,
		reconciler:  reconciler,
		guard:       NewWriteGuard(scorer, weights),
		probe:       NewRescueProbe(reconciler, adapters, append([]string{key}, opts.LegacyKeys...), depth, logger),
		logger:      logger,
		now:         now,
		loadTimeout: opts.LoadTimeout,
		lockPath:    strings.TrimSpace(opts.LockPath),
	}
	for _, adapter := range adapters {
		e.lanes = append(e.lanes, newBackendLane(adapter, key, e.reportWrite))
	}
	e.writer = NewDebouncedWriter(opts.DebounceInterval, e.flush)
	return e, nil
}

func (e *Engine) SessionID() string {
	return e.sessionID
}

// Init acquires the single-writer lock, when configured, and loads state.
func (e *Engine) Init(ctx context.Context) (*ProgressionState, error) {
	if e.lockPath != "" {
		lock, err := AcquireLock(e.lockPath)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.lock = lock
		e.mu.Unlock()
	}
	return e.LoadState(ctx)
}

// LoadState runs the full reconciliation pass. It lifts the load barrier, so
// no flush reaches a backend before it returns. A winner that did not come
// from a live primary slot is written back to every backend before return.
func (e *Engine) LoadState(ctx context.Context) (*ProgressionState, error) {
	gatherCtx := ctx
	if e.loadTimeout > 0 {
		var cancel context.CancelFunc
		gatherCtx, cancel = context.WithTimeout(ctx, e.loadTimeout)
		defer cancel()
	}
	candidates := e.reconciler.Gather(gatherCtx, e.key)
	best, ok := e.reconciler.SelectBest(candidates)

	var state *ProgressionState
	if ok {
		state = best.Data.Clone()
		logf(e.logger, "info", "loaded %s/%s level=%d quality=%.2f from %d candidate(s)", best.Source, best.Slot, state.Level, best.Quality, len(candidates))
	} else {
		state = DefaultState()
		logf(e.logger, "info", "no stored progression found in %d backend(s); starting fresh", len(e.adapters))
	}

	if state.LooksFresh() {
		if result := e.probe.Run(ctx); result.Found {
			candidates = append(candidates, result.Candidate)
			best, ok = e.reconciler.SelectBest(candidates)
			state = best.Data.Clone()
		}
	}

	promote := ok && (!best.FromPrimary() || best.Key != e.key)

	e.mu.Lock()
	e.state = state
	e.candidates = candidates
	if ok {
		winner := best
		e.best = &winner
	}
	e.loaded = true
	e.mu.Unlock()

	if promote {
		logf(e.logger, "info", "promoting %s/%s key=%s into every backend", best.Source, best.Slot, best.Key)
		if err := e.writer.FlushNow(ctx); err != nil {
			logf(e.logger, "warn", "promotion flush interrupted: %v", err)
		}
	}
	return state, nil
}

// State returns the live in-memory record. The pointer stays valid for the
// whole session, including after a rescue replaces its contents.
func (e *Engine) State() *ProgressionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Update mutates the live record while holding the engine lock, so a flush
// running on another goroutine never observes a half-applied change.
func (e *Engine) Update(fn func(*ProgressionState)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == nil || fn == nil {
		return
	}
	fn(e.state)
}

func (e *Engine) Snapshot() *ProgressionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.Clone()
}

// Candidates returns the candidates seen by the last reconciliation pass.
func (e *Engine) Candidates() []Candidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Candidate(nil), e.candidates...)
}

func (e *Engine) Adapters() []Adapter {
	return append([]Adapter(nil), e.adapters...)
}

// RequestSave schedules a debounced flush, or flushes synchronously when
// immediate is set.
func (e *Engine) RequestSave(immediate bool) {
	if immediate {
		_ = e.writer.FlushNow(context.Background())
		return
	}
	e.writer.Request()
}

func (e *Engine) OnSaveFailed(handler func(SaveFailure)) {
	if handler == nil {
		return
	}
	e.observerMu.Lock()
	defer e.observerMu.Unlock()
	e.observers = append(e.observers, handler)
}

// RestoreBackup replaces the live record with a backup slot from one backend
// and writes it everywhere. Unlike a normal flush the regression check is
// measured against the restored snapshot itself.
func (e *Engine) RestoreBackup(ctx context.Context, backend BackendID, id string) (*ProgressionState, error) {
	var adapter Adapter
	for _, candidate := range e.adapters {
		if candidate.ID() == backend {
			adapter = candidate
			break
		}
	}
	if adapter == nil {
		return nil, fmt.Errorf("%w: %s", ErrBackendUnavailable, backend)
	}
	restored, err := adapter.RestoreFromBackup(ctx, e.key, id)
	if err != nil {
		return nil, err
	}
	if restored == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrBackupNotFound, backend, id)
	}
	if _, err := e.guard.Validate(restored.Clone(), nil); err != nil {
		return nil, err
	}
	candidate := e.reconciler.Score(adapter, e.key, id, restored)

	e.mu.Lock()
	if e.state == nil {
		e.state = restored.Clone()
	} else {
		*e.state = *restored.Clone()
	}
	e.best = &candidate
	e.loaded = true
	e.mu.Unlock()

	if err := e.writer.FlushNow(ctx); err != nil {
		return nil, err
	}
	return e.Snapshot(), nil
}

// Teardown stops the debounce timer, flushes synchronously, waits for every
// backend write to finish, closes adapters and releases the single-writer
// lock.
func (e *Engine) Teardown(ctx context.Context) error {
	e.mu.Lock()
	if e.tornDown {
		e.mu.Unlock()
		return nil
	}
	e.tornDown = true
	loaded := e.loaded
	e.mu.Unlock()

	e.writer.Stop()
	var errs []error
	if loaded {
		if err := e.writer.FlushNow(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	// Writes queued before the final flush still hold their adapters.
	for _, lane := range e.lanes {
		if err := lane.drain(ctx); err != nil {
			errs = append(errs, fmt.Errorf("drain %s: %w", lane.adapter.ID(), err))
		}
	}
	for _, adapter := range e.adapters {
		if closer, ok := adapter.(adapterCloser); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", adapter.ID(), err))
			}
		}
	}
	e.mu.Lock()
	lock := e.lock
	e.lock = nil
	e.mu.Unlock()
	if err := lock.Release(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// flush is the DebouncedWriter callback. ctx only bounds the wait of an
// immediate flush; started backend writes always run to completion.
func (e *Engine) flush(ctx context.Context, immediate bool) {
	e.mu.Lock()
	if !e.loaded {
		e.mu.Unlock()
		logf(e.logger, "warn", "flush skipped: state has not been loaded yet")
		return
	}
	snapshot := e.state.Clone()
	var best *Candidate
	if e.best != nil {
		copied := *e.best
		best = &copied
	}
	e.mu.Unlock()

	if snapshot.LooksFresh() {
		if rescued, ok := e.adoptRescue(ctx); ok {
			snapshot = rescued.Data.Clone()
			best = &rescued
		}
	}

	snapshot.Metadata.LastSave = e.now().UTC().Format(time.RFC3339Nano)
	snapshot.Metadata.Version = SnapshotVersion

	repaired, err := e.guard.Validate(snapshot, best)
	if err != nil {
		e.reject(ctx, err)
		return
	}

	e.mu.Lock()
	if repaired {
		e.state.RepairTotalXP()
	}
	e.state.Metadata = snapshot.Metadata
	accepted := Candidate{
		Source:    "session",
		Slot:      "session",
		Key:       e.key,
		Data:      snapshot,
		Timestamp: e.scorer.Timestamp(snapshot),
		Quality:   e.scorer.Quality(snapshot),
	}
	if e.best == nil || accepted.Quality > e.best.Quality {
		e.best = &accepted
	}
	e.mu.Unlock()

	recordFlush(ctx, immediate)

	waits := make([]<-chan error, 0, len(e.lanes))
	for _, lane := range e.lanes {
		waits = append(waits, lane.submit(snapshot.Clone(), true))
	}
	if !immediate {
		return
	}
	var group errgroup.Group
	for _, wait := range waits {
		group.Go(func() error {
			select {
			case <-wait:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}
	if err := group.Wait(); err != nil {
		logf(e.logger, "warn", "immediate flush stopped waiting: %v", err)
	}
}

// adoptRescue runs the probe once per session. When it finds real progress
// the pending write of the fresh-looking state is abandoned and the live
// record is replaced by the re-reconciled winner.
func (e *Engine) adoptRescue(ctx context.Context) (Candidate, bool) {
	if e.probe.Ran() {
		return Candidate{}, false
	}
	result := e.probe.Run(ctx)
	if !result.Found {
		return Candidate{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, result.Candidate)
	best, ok := e.reconciler.SelectBest(e.candidates)
	if !ok {
		return Candidate{}, false
	}
	logf(e.logger, "warn", "discarding fresh in-memory state in favour of %s/%s level=%d", best.Source, best.Slot, best.Data.Level)
	*e.state = *best.Data.Clone()
	e.best = &best
	return best, true
}

func (e *Engine) reject(ctx context.Context, err error) {
	var verr *ValidationError
	if errors.As(err, &verr) {
		recordRejection(ctx, verr.Rule)
	}
	if errors.Is(err, ErrRegressionDetected) {
		logf(e.logger, "error", "write rejected: %v", err)
	} else {
		logf(e.logger, "warn", "write rejected: %v", err)
	}
	e.notify(SaveFailure{Err: err})
}

func (e *Engine) reportWrite(backend BackendID, err error) {
	if err == nil {
		return
	}
	recordSaveFailure(context.Background(), backend)
	logf(e.logger, "warn", "save to %s failed: %v", backend, err)
	e.notify(SaveFailure{Backend: backend, Err: err})
}

func (e *Engine) notify(failure SaveFailure) {
	e.observerMu.RLock()
	observers := slices.Clone(e.observers)
	e.observerMu.RUnlock()
	for _, observer := range observers {
		observer(failure)
	}
}

type sessionLogger struct {
	inner   Logger
	session string
}

func (l sessionLogger) Printf(format string, args ...any) {
	l.inner.Printf(format+" session=%s", append(args, l.session)...)
}
