package progression

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	sqliteSlotTableName = "progression_slots"
	sqliteSetupTimeout  = 10 * time.Second
)

// SQLiteBackend is the embedded durable key-value store. Every slot of every
// record is one row keyed by (record_key, slot).
type SQLiteBackend struct {
	path    string
	id      BackendID
	rotator *BackupRotator
	openDB  sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

func NewSQLiteBackend(path string, depth int, logger Logger) (*SQLiteBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteBackend{
		path:    filepath.Clean(path),
		id:      "sqlite",
		rotator: NewBackupRotator(depth, logger),
		openDB:  sql.Open,
	}, nil
}

func (b *SQLiteBackend) ID() BackendID     { return b.id }
func (b *SQLiteBackend) Kind() BackendKind { return KindDurableKV }

func (b *SQLiteBackend) Load(ctx context.Context, key string) (*ProgressionState, error) {
	if normalizeKey(key) == "" {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	return b.rotator.LoadPrimary(ctx, b, b.id, key)
}

func (b *SQLiteBackend) Save(ctx context.Context, key string, state *ProgressionState, withBackup bool) error {
	if normalizeKey(key) == "" || state == nil {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	data, err := encodeSnapshot(state)
	if err != nil {
		return err
	}
	return b.rotator.Write(ctx, b, b.id, key, data, withBackup)
}

func (b *SQLiteBackend) ListBackups(ctx context.Context, key string, limit int) ([]Backup, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	return b.rotator.List(ctx, b, b.id, key, limit)
}

func (b *SQLiteBackend) RestoreFromBackup(ctx context.Context, key, id string) (*ProgressionState, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	return b.rotator.Restore(ctx, b, b.id, key, id)
}

func (b *SQLiteBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

// ensureReady opens the database and creates the slot table once. Setup runs
// on its own deadline so a canceled caller cannot poison the backend.
func (b *SQLiteBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		if dir := filepath.Dir(b.path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				b.initErr = fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
				return
			}
		}
		dsn := b.path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
		db, err := b.openDB("sqlite", dsn)
		if err != nil {
			b.initErr = fmt.Errorf("%w: open sqlite db: %v", ErrBackendUnavailable, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqliteSetupTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				record_key TEXT NOT NULL,
				slot INTEGER NOT NULL,
				snapshot TEXT NOT NULL,
				updated_at INTEGER NOT NULL,
				PRIMARY KEY (record_key, slot)
			)`, sqliteSlotTableName)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("%w: create slot table: %v", ErrBackendUnavailable, err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *SQLiteBackend) readSlot(ctx context.Context, key string, slot int) ([]byte, time.Time, error) {
	query := fmt.Sprintf("SELECT snapshot, updated_at FROM %s WHERE record_key = ? AND slot = ?", sqliteSlotTableName)
	var payload string
	var updatedAt int64
	err := b.db.QueryRowContext(ctx, query, normalizeKey(key), slot).Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return []byte(payload), time.UnixMilli(updatedAt).UTC(), nil
}

func (b *SQLiteBackend) writeSlot(ctx context.Context, key string, slot int, data []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (record_key, slot, snapshot, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (record_key, slot)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at`, sqliteSlotTableName)
	_, err := b.db.ExecContext(ctx, query, normalizeKey(key), slot, string(data), time.Now().UTC().UnixMilli())
	return err
}
