package progression

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFileBackendRoundTrip(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), DefaultBackupDepth, nopLogger{})
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	ctx := context.Background()

	loaded, err := backend.Load(ctx, "progression")
	if err != nil || loaded != nil {
		t.Fatalf("expected empty load, got %+v, %v", loaded, err)
	}

	saved := savedAt(progressAt(12, 9), time.Now())
	if err := backend.Save(ctx, "progression", saved, true); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err = backend.Load(ctx, "progression")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Level != 12 || loaded.StatSum() != 45 {
		t.Fatalf("unexpected round trip %+v", loaded)
	}
	if _, err := os.Stat(backend.Path("progression")); err != nil {
		t.Fatalf("expected primary file: %v", err)
	}
}

func TestFileBackendRotationKeepsLastFiveSnapshots(t *testing.T) {
	backend, err := NewFileBackend(t.TempDir(), DefaultBackupDepth, nopLogger{})
	if err != nil {
		t.Fatalf("new file backend: %v", err)
	}
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for level := 1; level <= 6; level++ {
		state := savedAt(progressAt(level, int64(level)), base.Add(time.Duration(level)*time.Minute))
		if err := backend.Save(ctx, "progression", state, true); err != nil {
			t.Fatalf("save %d: %v", level, err)
		}
	}

	primary, _ := backend.Load(ctx, "progression")
	if primary.Level != 6 {
		t.Fatalf("expected primary level 6, got %d", primary.Level)
	}
	backups, err := backend.ListBackups(ctx, "progression", 0)
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(backups) != 5 {
		t.Fatalf("expected 5 backups after 6 saves, got %d", len(backups))
	}
	for i, backup := range backups {
		if want := 5 - i; backup.Data.Level != want {
			t.Fatalf("expected %s to hold level %d, got %d", backup.ID, want, backup.Data.Level)
		}
	}
	if !backups[0].Timestamp.Equal(base.Add(5 * time.Minute)) {
		t.Fatalf("expected bak1 timestamp from lastSave, got %s", backups[0].Timestamp)
	}

	if err := backend.Save(ctx, "progression", progressAt(7, 7), true); err != nil {
		t.Fatalf("save 7: %v", err)
	}
	backups, _ = backend.ListBackups(ctx, "progression", 0)
	if len(backups) != 5 {
		t.Fatalf("expected window to stay at 5, got %d", len(backups))
	}
	if backups[4].Data.Level != 2 {
		t.Fatalf("expected oldest snapshot to be discarded, bak5 holds level %d", backups[4].Data.Level)
	}
}

func TestFileBackendListBackupsSkipsEmptySlots(t *testing.T) {
	backend, _ := NewFileBackend(t.TempDir(), DefaultBackupDepth, nopLogger{})
	ctx := context.Background()
	_ = backend.Save(ctx, "progression", progressAt(2, 1), true)
	_ = backend.Save(ctx, "progression", progressAt(3, 1), true)

	backups, err := backend.ListBackups(ctx, "progression", 5)
	if err != nil {
		t.Fatalf("list backups: %v", err)
	}
	if len(backups) != 1 || backups[0].ID != "bak1" || backups[0].Data.Level != 2 {
		t.Fatalf("expected only bak1, got %+v", backups)
	}
}

func TestFileBackendSaveWithoutBackupDoesNotRotate(t *testing.T) {
	backend, _ := NewFileBackend(t.TempDir(), DefaultBackupDepth, nopLogger{})
	ctx := context.Background()
	_ = backend.Save(ctx, "progression", progressAt(2, 1), false)
	_ = backend.Save(ctx, "progression", progressAt(3, 1), false)

	backups, _ := backend.ListBackups(ctx, "progression", 0)
	if len(backups) != 0 {
		t.Fatalf("expected no backups, got %d", len(backups))
	}
}

func TestFileBackendRestoreFromBackup(t *testing.T) {
	backend, _ := NewFileBackend(t.TempDir(), DefaultBackupDepth, nopLogger{})
	ctx := context.Background()
	for level := 1; level <= 3; level++ {
		_ = backend.Save(ctx, "progression", progressAt(level, 1), true)
	}

	restored, err := backend.RestoreFromBackup(ctx, "progression", "bak2")
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored == nil || restored.Level != 1 {
		t.Fatalf("expected bak2 to hold level 1, got %+v", restored)
	}
	if _, err := backend.RestoreFromBackup(ctx, "progression", "bak9"); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("expected ErrBackupNotFound beyond depth, got %v", err)
	}
	if _, err := backend.RestoreFromBackup(ctx, "progression", "latest"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for malformed id, got %v", err)
	}
}

func TestFileBackendCorruptPrimary(t *testing.T) {
	dir := t.TempDir()
	backend, _ := NewFileBackend(dir, DefaultBackupDepth, nopLogger{})
	ctx := context.Background()
	_ = backend.Save(ctx, "progression", progressAt(9, 4), true)
	_ = backend.Save(ctx, "progression", progressAt(10, 4), true)

	if err := os.WriteFile(filepath.Join(dir, "progression.json"), []byte(`{"level":`), 0o644); err != nil {
		t.Fatalf("corrupt primary: %v", err)
	}
	_, err := backend.Load(ctx, "progression")
	var derr *DeserializationError
	if !errors.As(err, &derr) || derr.Source != "file" {
		t.Fatalf("expected deserialization error, got %v", err)
	}

	candidates := newTestReconciler(backend).Gather(ctx, "progression")
	if len(candidates) != 1 || candidates[0].Slot != "bak1" || candidates[0].Data.Level != 9 {
		t.Fatalf("expected recovery from bak1, got %+v", candidates)
	}
}

type flakySlotStore struct {
	slots     map[int][]byte
	failAbove int
}

func (s *flakySlotStore) readSlot(ctx context.Context, key string, slot int) ([]byte, time.Time, error) {
	return s.slots[slot], time.Time{}, nil
}

func (s *flakySlotStore) writeSlot(ctx context.Context, key string, slot int, data []byte) error {
	if slot > s.failAbove {
		return errors.New("read-only backup volume")
	}
	s.slots[slot] = data
	return nil
}

func TestRotatorFailureDoesNotBlockPrimaryWrite(t *testing.T) {
	logger := &capturingLogger{}
	store := &flakySlotStore{slots: map[int][]byte{0: []byte(`{"level":1}`)}, failAbove: 0}
	rotator := NewBackupRotator(DefaultBackupDepth, logger)

	if err := rotator.Write(context.Background(), store, "file", "progression", []byte(`{"level":2}`), true); err != nil {
		t.Fatalf("expected primary write to succeed, got %v", err)
	}
	if string(store.slots[0]) != `{"level":2}` {
		t.Fatalf("expected primary to be replaced, got %s", store.slots[0])
	}
	if len(logger.snapshot()) == 0 {
		t.Fatalf("expected rotation failure to be logged")
	}
}
