package progression

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// FileBackend is the primary file store: one <key>.json per record with
// rotated copies at <key>.json.bak1 .. .bakN.
type FileBackend struct {
	dir     string
	id      BackendID
	rotator *BackupRotator
}

func NewFileBackend(dir string, depth int, logger Logger) (*FileBackend, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	return &FileBackend{
		dir:     filepath.Clean(dir),
		id:      "file",
		rotator: NewBackupRotator(depth, logger),
	}, nil
}

func (b *FileBackend) ID() BackendID     { return b.id }
func (b *FileBackend) Kind() BackendKind { return KindFile }

func (b *FileBackend) Path(key string) string {
	return filepath.Join(b.dir, normalizeKey(key)+".json")
}

func (b *FileBackend) Load(ctx context.Context, key string) (*ProgressionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if normalizeKey(key) == "" {
		return nil, ErrInvalidInput
	}
	return b.rotator.LoadPrimary(ctx, b, b.id, key)
}

func (b *FileBackend) Save(ctx context.Context, key string, state *ProgressionState, withBackup bool) error {
	if normalizeKey(key) == "" || state == nil {
		return ErrInvalidInput
	}
	data, err := encodeSnapshot(state)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return b.rotator.Write(ctx, b, b.id, key, data, withBackup)
}

func (b *FileBackend) ListBackups(ctx context.Context, key string, limit int) ([]Backup, error) {
	return b.rotator.List(ctx, b, b.id, key, limit)
}

func (b *FileBackend) RestoreFromBackup(ctx context.Context, key, id string) (*ProgressionState, error) {
	return b.rotator.Restore(ctx, b, b.id, key, id)
}

func (b *FileBackend) slotPath(key string, slot int) string {
	path := b.Path(key)
	if slot == 0 {
		return path
	}
	return path + "." + backupID(slot)
}

func (b *FileBackend) readSlot(ctx context.Context, key string, slot int) ([]byte, time.Time, error) {
	if err := ctx.Err(); err != nil {
		return nil, time.Time{}, err
	}
	path := b.slotPath(key, slot)
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, err
	}
	return data, info.ModTime(), nil
}

func (b *FileBackend) writeSlot(ctx context.Context, key string, slot int, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeFileAtomic(b.slotPath(key, slot), data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
