package progression

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// slotStore is the storage primitive behind every rotating backend. Slot 0
// is the primary snapshot; slots 1..depth are backups, newest first. Reading
// an empty slot returns (nil, zero time, nil).
type slotStore interface {
	readSlot(ctx context.Context, key string, slot int) ([]byte, time.Time, error)
	writeSlot(ctx context.Context, key string, slot int, data []byte) error
}

// BackupRotator keeps a rolling window of snapshots per key using
// rotate-then-write.
type BackupRotator struct {
	depth  int
	logger Logger
}

func NewBackupRotator(depth int, logger Logger) *BackupRotator {
	if depth <= 0 {
		depth = DefaultBackupDepth
	}
	return &BackupRotator{depth: depth, logger: logger}
}

// Rotate copies slot i to slot i+1 for i = depth-1 .. 0, dropping whatever
// was in the oldest slot. Empty slots are skipped.
func (r *BackupRotator) Rotate(ctx context.Context, store slotStore, key string) error {
	var errs []error
	for slot := r.depth - 1; slot >= 0; slot-- {
		data, _, err := store.readSlot(ctx, key, slot)
		if err != nil {
			errs = append(errs, fmt.Errorf("read slot %d: %w", slot, err))
			continue
		}
		if data == nil {
			continue
		}
		if err := store.writeSlot(ctx, key, slot+1, data); err != nil {
			errs = append(errs, fmt.Errorf("write slot %d: %w", slot+1, err))
		}
	}
	return errors.Join(errs...)
}

// Write stores data in the primary slot, rotating first when withBackup is
// set. Rotation failures are logged and never block the primary write.
func (r *BackupRotator) Write(ctx context.Context, store slotStore, source BackendID, key string, data []byte, withBackup bool) error {
	if withBackup {
		if err := r.Rotate(ctx, store, key); err != nil {
			logf(r.logger, "warn", "rotate %s/%s: %v", source, key, err)
		}
	}
	return store.writeSlot(ctx, key, 0, data)
}

func (r *BackupRotator) List(ctx context.Context, store slotStore, source BackendID, key string, limit int) ([]Backup, error) {
	if limit <= 0 || limit > r.depth {
		limit = r.depth
	}
	backups := make([]Backup, 0, limit)
	for slot := 1; slot <= limit; slot++ {
		if err := ctx.Err(); err != nil {
			return backups, err
		}
		id := backupID(slot)
		data, modified, err := store.readSlot(ctx, key, slot)
		if err != nil {
			logf(r.logger, "warn", "read %s/%s %s: %v", source, key, id, err)
			continue
		}
		state, err := decodeSnapshot(source, id, data)
		if err != nil {
			logf(r.logger, "warn", "discarding %s/%s %s: %v", source, key, id, err)
			continue
		}
		if state == nil {
			continue
		}
		backups = append(backups, Backup{ID: id, Timestamp: backupTimestamp(state, modified), Data: state})
	}
	return backups, nil
}

func (r *BackupRotator) Restore(ctx context.Context, store slotStore, source BackendID, key, id string) (*ProgressionState, error) {
	slot, err := parseBackupID(id)
	if err != nil {
		return nil, err
	}
	if slot > r.depth {
		return nil, fmt.Errorf("%w: %s beyond depth %d", ErrBackupNotFound, id, r.depth)
	}
	data, _, err := store.readSlot(ctx, key, slot)
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(source, backupID(slot), data)
}

func (r *BackupRotator) LoadPrimary(ctx context.Context, store slotStore, source BackendID, key string) (*ProgressionState, error) {
	data, _, err := store.readSlot(ctx, key, 0)
	if err != nil {
		return nil, err
	}
	return decodeSnapshot(source, SlotPrimary, data)
}

// Rotation rewrites slots, so storage modification times reflect the last
// rotation rather than the save; lastSave is preferred when present.
func backupTimestamp(state *ProgressionState, modified time.Time) time.Time {
	if state != nil {
		if parsed, err := time.Parse(time.RFC3339Nano, state.Metadata.LastSave); err == nil {
			return parsed.UTC()
		}
	}
	return modified.UTC()
}
