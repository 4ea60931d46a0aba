package progression

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

type keyLister interface {
	Keys(ctx context.Context) ([]string, error)
}

type RescueResult struct {
	Found     bool
	Candidate Candidate
	Scanned   int
}

// RescueProbe is the one-shot deep scan run when the live state looks fresh.
// It checks every adapter under the current key and every older key, every
// backup slot, and every key a legacy store reports. The first result is
// cached for the rest of the session.
type RescueProbe struct {
	reconciler *Reconciler
	adapters   []Adapter
	keys       []string
	depth      int
	logger     Logger

	once   sync.Once
	result RescueResult
	ran    bool
	mu     sync.Mutex
}

func NewRescueProbe(reconciler *Reconciler, adapters []Adapter, keys []string, depth int, logger Logger) *RescueProbe {
	if depth <= 0 {
		depth = DefaultBackupDepth
	}
	return &RescueProbe{
		reconciler: reconciler,
		adapters:   adapters,
		keys:       dedupeKeys(keys),
		depth:      depth,
		logger:     logger,
	}
}

func (p *RescueProbe) Ran() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ran
}

// Run performs the scan on first call and returns the cached result after.
// Only snapshots that do not look fresh count as real progress.
func (p *RescueProbe) Run(ctx context.Context) RescueResult {
	p.once.Do(func() {
		result := p.scan(ctx)
		p.mu.Lock()
		p.result = result
		p.ran = true
		p.mu.Unlock()
		if result.Found {
			logf(p.logger, "warn", "rescue probe found progress in %s/%s key=%s level=%d", result.Candidate.Source, result.Candidate.Slot, result.Candidate.Key, result.Candidate.Data.Level)
			recordRescueHit(ctx, result.Candidate.Source)
		} else {
			logf(p.logger, "info", "rescue probe scanned %d snapshot(s): %v", result.Scanned, ErrProbeInconclusive)
		}
	})
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

func (p *RescueProbe) scan(ctx context.Context) RescueResult {
	var mu sync.Mutex
	var found []Candidate
	scanned := 0
	collect := func(candidate Candidate) {
		mu.Lock()
		defer mu.Unlock()
		scanned++
		if candidate.Data != nil && !candidate.Data.LooksFresh() {
			found = append(found, candidate)
		}
	}

	var group errgroup.Group
	for _, adapter := range p.adapters {
		keys := p.keys
		if lister, ok := adapter.(keyLister); ok {
			if extra, err := lister.Keys(ctx); err == nil {
				keys = dedupeKeys(append(append([]string(nil), keys...), extra...))
			} else {
				logf(p.logger, "warn", "rescue probe: %s key listing failed: %v", adapter.ID(), err)
			}
		}
		for _, key := range keys {
			group.Go(func() error {
				p.scanKey(ctx, adapter, key, collect)
				return nil
			})
		}
	}
	_ = group.Wait()

	best, ok := p.reconciler.SelectBest(found)
	if !ok {
		return RescueResult{Scanned: scanned}
	}
	return RescueResult{Found: true, Candidate: best, Scanned: scanned}
}

func (p *RescueProbe) scanKey(ctx context.Context, adapter Adapter, key string, collect func(Candidate)) {
	state, err := adapter.Load(ctx, key)
	if err != nil {
		logf(p.logger, "warn", "rescue probe: %s key=%s load failed: %v", adapter.ID(), key, err)
	} else if state != nil {
		collect(p.reconciler.Score(adapter, key, SlotPrimary, state))
	}
	backups, err := adapter.ListBackups(ctx, key, p.depth)
	if err != nil {
		logf(p.logger, "warn", "rescue probe: %s key=%s backups failed: %v", adapter.ID(), key, err)
		return
	}
	for _, backup := range backups {
		collect(p.reconciler.Score(adapter, key, backup.ID, backup.Data))
	}
}

func dedupeKeys(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		key = normalizeKey(key)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}
