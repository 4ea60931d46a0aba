package progression

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	bolt "go.etcd.io/bbolt"
)

// Simple key-value stores keep only the latest snapshot; they have no backup
// slots.

type MemoryBackend struct {
	mu    sync.Mutex
	items map[string][]byte
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{items: map[string][]byte{}}
}

func (b *MemoryBackend) ID() BackendID     { return "memory" }
func (b *MemoryBackend) Kind() BackendKind { return KindSimpleKV }

func (b *MemoryBackend) Load(ctx context.Context, key string) (*ProgressionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	data, ok := b.items[normalizeKey(key)]
	b.mu.Unlock()
	if !ok {
		return nil, nil
	}
	return decodeSnapshot(b.ID(), SlotPrimary, data)
}

func (b *MemoryBackend) Save(ctx context.Context, key string, state *ProgressionState, withBackup bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeSnapshot(state)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[normalizeKey(key)] = data
	return nil
}

// Put stores a raw payload, bypassing encoding. Hosts use it to seed the
// store from an external source.
func (b *MemoryBackend) Put(key string, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[normalizeKey(key)] = append([]byte(nil), data...)
}

func (b *MemoryBackend) ListBackups(ctx context.Context, key string, limit int) ([]Backup, error) {
	return nil, nil
}

func (b *MemoryBackend) RestoreFromBackup(ctx context.Context, key, id string) (*ProgressionState, error) {
	return nil, fmt.Errorf("%w: %s has no backup slots", ErrBackupNotFound, b.ID())
}

var boltBucket = []byte("progression")

type BoltBackend struct {
	path string

	initOnce sync.Once
	initErr  error
	db       *bolt.DB
}

func NewBoltBackend(path string) (*BoltBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &BoltBackend{path: filepath.Clean(path)}, nil
}

func (b *BoltBackend) ID() BackendID     { return "bolt" }
func (b *BoltBackend) Kind() BackendKind { return KindSimpleKV }

func (b *BoltBackend) ensureReady() error {
	b.initOnce.Do(func() {
		if dir := filepath.Dir(b.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				b.initErr = fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
				return
			}
		}
		db, err := bolt.Open(b.path, 0o600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			b.initErr = fmt.Errorf("%w: bbolt open: %v", ErrBackendUnavailable, err)
			return
		}
		if err := db.Update(func(tx *bolt.Tx) error {
			_, err := tx.CreateBucketIfNotExists(boltBucket)
			return err
		}); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *BoltBackend) Load(ctx context.Context, key string) (*ProgressionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		if raw := tx.Bucket(boltBucket).Get([]byte(normalizeKey(key))); raw != nil {
			data = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, nil
	}
	return decodeSnapshot(b.ID(), SlotPrimary, data)
}

func (b *BoltBackend) Save(ctx context.Context, key string, state *ProgressionState, withBackup bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	data, err := encodeSnapshot(state)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(boltBucket).Put([]byte(normalizeKey(key)), data)
	})
}

func (b *BoltBackend) ListBackups(ctx context.Context, key string, limit int) ([]Backup, error) {
	return nil, nil
}

func (b *BoltBackend) RestoreFromBackup(ctx context.Context, key, id string) (*ProgressionState, error) {
	return nil, fmt.Errorf("%w: %s has no backup slots", ErrBackupNotFound, b.ID())
}

func (b *BoltBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

const redisKeyPrefix = "progression:"

type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(dsn string) (*RedisBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return &RedisBackend{client: redis.NewClient(opts)}, nil
}

func (b *RedisBackend) ID() BackendID     { return "redis" }
func (b *RedisBackend) Kind() BackendKind { return KindSimpleKV }

func (b *RedisBackend) Load(ctx context.Context, key string) (*ProgressionState, error) {
	data, err := b.client.Get(ctx, redisKeyPrefix+normalizeKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return decodeSnapshot(b.ID(), SlotPrimary, data)
}

func (b *RedisBackend) Save(ctx context.Context, key string, state *ProgressionState, withBackup bool) error {
	data, err := encodeSnapshot(state)
	if err != nil {
		return err
	}
	if err := b.client.Set(ctx, redisKeyPrefix+normalizeKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return nil
}

func (b *RedisBackend) ListBackups(ctx context.Context, key string, limit int) ([]Backup, error) {
	return nil, nil
}

func (b *RedisBackend) RestoreFromBackup(ctx context.Context, key, id string) (*ProgressionState, error) {
	return nil, fmt.Errorf("%w: %s has no backup slots", ErrBackupNotFound, b.ID())
}

func (b *RedisBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
