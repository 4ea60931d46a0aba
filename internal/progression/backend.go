package progression

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type BackendID string

type BackendKind string

const (
	KindDurableKV BackendKind = "durable_kv"
	KindFile      BackendKind = "file"
	KindLegacy    BackendKind = "legacy"
	KindSimpleKV  BackendKind = "simple_kv"
)

// Priority breaks near-ties during reconciliation; higher wins.
func (k BackendKind) Priority() int {
	switch k {
	case KindDurableKV:
		return 4
	case KindFile:
		return 3
	case KindLegacy:
		return 2
	case KindSimpleKV:
		return 1
	default:
		return 0
	}
}

const DefaultBackupDepth = 5

type Backup struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Data      *ProgressionState `json:"data"`
}

// Adapter is the narrow contract every storage medium implements. Load and
// RestoreFromBackup return (nil, nil) when nothing is stored; malformed
// payloads surface as *DeserializationError.
type Adapter interface {
	ID() BackendID
	Kind() BackendKind
	Load(ctx context.Context, key string) (*ProgressionState, error)
	Save(ctx context.Context, key string, state *ProgressionState, withBackup bool) error
	ListBackups(ctx context.Context, key string, limit int) ([]Backup, error)
	RestoreFromBackup(ctx context.Context, key, id string) (*ProgressionState, error)
}

type adapterCloser interface {
	Close() error
}

func backupID(slot int) string {
	return "bak" + strconv.Itoa(slot)
}

func parseBackupID(id string) (int, error) {
	raw := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(id)), "bak")
	slot, err := strconv.Atoi(raw)
	if err != nil || slot < 1 {
		return 0, fmt.Errorf("%w: backup id %q", ErrInvalidInput, id)
	}
	return slot, nil
}

func normalizeKey(key string) string {
	return strings.TrimSpace(key)
}
