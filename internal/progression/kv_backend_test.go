package progression

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMemoryBackendRoundTrip(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()

	if loaded, err := backend.Load(ctx, "progression"); err != nil || loaded != nil {
		t.Fatalf("expected empty load, got %+v, %v", loaded, err)
	}
	if err := backend.Save(ctx, "progression", progressAt(6, 3), true); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := backend.Load(ctx, "progression")
	if err != nil || loaded.Level != 6 {
		t.Fatalf("unexpected load %+v, %v", loaded, err)
	}
	backups, err := backend.ListBackups(ctx, "progression", 5)
	if err != nil || len(backups) != 0 {
		t.Fatalf("expected simple store to have no backups, got %d, %v", len(backups), err)
	}
	if _, err := backend.RestoreFromBackup(ctx, "progression", "bak1"); !errors.Is(err, ErrBackupNotFound) {
		t.Fatalf("expected ErrBackupNotFound, got %v", err)
	}
}

func TestMemoryBackendRejectsMalformedPayload(t *testing.T) {
	backend := NewMemoryBackend()
	backend.Put("progression", []byte(`{"level":"twelve"}`))

	_, err := backend.Load(context.Background(), "progression")
	if !errors.Is(err, ErrDeserialization) {
		t.Fatalf("expected deserialization error, got %v", err)
	}
}

func TestBoltBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kv", "progression.bolt")
	backend, err := NewBoltBackend(path)
	if err != nil {
		t.Fatalf("new bolt backend: %v", err)
	}
	ctx := context.Background()

	if loaded, err := backend.Load(ctx, "progression"); err != nil || loaded != nil {
		t.Fatalf("expected empty load, got %+v, %v", loaded, err)
	}
	if err := backend.Save(ctx, "progression", progressAt(14, 6), false); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := backend.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, _ := NewBoltBackend(path)
	defer reopened.Close()
	loaded, err := reopened.Load(ctx, "progression")
	if err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
	if loaded.Level != 14 || loaded.StatSum() != 30 {
		t.Fatalf("unexpected reload %+v", loaded)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected bolt file on disk: %v", err)
	}
}

func TestRedisBackendRejectsBadDSN(t *testing.T) {
	if _, err := NewRedisBackend("not-a-redis-url"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRedisBackendIntegrationRoundTrip(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("PROGRESSVAULT_TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("PROGRESSVAULT_TEST_REDIS_ADDR not set")
	}
	backend, err := NewRedisBackend("redis://" + addr + "/0")
	if err != nil {
		t.Fatalf("new redis backend: %v", err)
	}
	defer backend.Close()
	ctx := context.Background()
	key := "it-" + t.Name()
	t.Cleanup(func() { _ = backend.client.Del(ctx, redisKeyPrefix+key).Err() })

	if err := backend.Save(ctx, key, progressAt(11, 4), true); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := backend.Load(ctx, key)
	if err != nil || loaded == nil || loaded.Level != 11 {
		t.Fatalf("unexpected load %+v, %v", loaded, err)
	}
}
