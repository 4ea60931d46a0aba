package progression

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresSlotTableName    = "progression_slots"
	postgresOperationTimeout = 5 * time.Second
)

// PostgresBackend is the server-hosted durable key-value store. It shares
// the slot layout of SQLiteBackend.
type PostgresBackend struct {
	dsn       string
	tableName string
	id        BackendID
	rotator   *BackupRotator
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string, depth int, logger Logger) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresSlotTableName,
		id:        "postgres",
		rotator:   NewBackupRotator(depth, logger),
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) ID() BackendID     { return b.id }
func (b *PostgresBackend) Kind() BackendKind { return KindDurableKV }

func (b *PostgresBackend) Load(ctx context.Context, key string) (*ProgressionState, error) {
	if normalizeKey(key) == "" {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	return b.rotator.LoadPrimary(ctx, b, b.id, key)
}

func (b *PostgresBackend) Save(ctx context.Context, key string, state *ProgressionState, withBackup bool) error {
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

func (b *PostgresBackend) ListBackups(ctx context.Context, key string, limit int) ([]Backup, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	return b.rotator.List(ctx, b, b.id, key, limit)
}

func (b *PostgresBackend) RestoreFromBackup(ctx context.Context, key, id string) (*ProgressionState, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	return b.rotator.Restore(ctx, b, b.id, key, id)
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				record_key TEXT NOT NULL,
				slot INTEGER NOT NULL,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (record_key, slot)
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
			return
		}
		b.db = db
	})
	return b.initErr
}

func (b *PostgresBackend) readSlot(ctx context.Context, key string, slot int) ([]byte, time.Time, error) {
	query := fmt.Sprintf("SELECT snapshot, updated_at FROM %s WHERE record_key = $1 AND slot = $2", postgresQuoteIdentifier(b.tableName))
	var payload string
	var updatedAt time.Time
	err := b.db.QueryRowContext(ctx, query, normalizeKey(key), slot).Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, err
	}
	return []byte(payload), updatedAt.UTC(), nil
}

func (b *PostgresBackend) writeSlot(ctx context.Context, key string, slot int, data []byte) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (record_key, slot, snapshot, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (record_key, slot)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, normalizeKey(key), slot, string(data))
	return err
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
