package progression

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const legacyVersion = "legacy"

type legacyStats struct {
	Strength     int64 `json:"strength"`
	Agility      int64 `json:"agility"`
	Intelligence int64 `json:"intelligence"`
	Vitality     int64 `json:"vitality"`
	Luck         int64 `json:"luck"`
}

// legacyRecord is the pre-v3 single-file layout: flat counters, "experience"
// instead of xp, and luck where perception now lives.
type legacyRecord struct {
	Level           int         `json:"level"`
	Experience      float64     `json:"experience"`
	TotalExperience float64     `json:"totalExperience"`
	Rank            string      `json:"rank"`
	Stats           legacyStats `json:"stats"`
	MessagesSent    int64       `json:"messagesSent"`
	CharactersTyped int64       `json:"charactersTyped"`
	TimeActive      int64       `json:"timeActive"`
	Channels        []string    `json:"channels"`
	Achievements    []string    `json:"achievements"`
	Titles          []string    `json:"titles"`
	ActiveTitle     string      `json:"activeTitle"`
	SavedAt         int64       `json:"savedAt"`
}

func (r legacyRecord) toState() *ProgressionState {
	state := &ProgressionState{
		Level:   r.Level,
		XP:      r.Experience,
		TotalXP: r.TotalExperience,
		Rank:    Rank(r.Rank),
		Stats: Stats{
			Strength:     r.Stats.Strength,
			Agility:      r.Stats.Agility,
			Intelligence: r.Stats.Intelligence,
			Vitality:     r.Stats.Vitality,
			Perception:   r.Stats.Luck,
		},
		Activity: Activity{
			MessagesSent:    r.MessagesSent,
			CharactersTyped: r.CharactersTyped,
			TimeActive:      r.TimeActive,
			ChannelsVisited: append([]string(nil), r.Channels...),
		},
		Achievements: Achievements{
			Unlocked: append([]string(nil), r.Achievements...),
			Titles:   append([]string(nil), r.Titles...),
		},
		Metadata: Metadata{Version: legacyVersion},
	}
	if title := strings.TrimSpace(r.ActiveTitle); title != "" {
		state.Achievements.ActiveTitle = &title
	}
	if r.SavedAt > 0 {
		state.Metadata.LastSave = time.UnixMilli(r.SavedAt).UTC().Format(time.RFC3339Nano)
	}
	state.normalize()
	state.RepairTotalXP()
	return state
}

func legacyRecordFromState(state *ProgressionState) legacyRecord {
	record := legacyRecord{
		Level:           state.Level,
		Experience:      state.XP,
		TotalExperience: state.TotalXP,
		Rank:            string(state.Rank),
		Stats: legacyStats{
			Strength:     state.Stats.Strength,
			Agility:      state.Stats.Agility,
			Intelligence: state.Stats.Intelligence,
			Vitality:     state.Stats.Vitality,
			Luck:         state.Stats.Perception,
		},
		MessagesSent:    state.Activity.MessagesSent,
		CharactersTyped: state.Activity.CharactersTyped,
		TimeActive:      state.Activity.TimeActive,
		Channels:        state.Activity.ChannelsVisited,
		Achievements:    state.Achievements.Unlocked,
		Titles:          state.Achievements.Titles,
	}
	if state.Achievements.ActiveTitle != nil {
		record.ActiveTitle = *state.Achievements.ActiveTitle
	}
	if parsed, err := time.Parse(time.RFC3339Nano, state.Metadata.LastSave); err == nil {
		record.SavedAt = parsed.UnixMilli()
	}
	return record
}

// LegacyFileBackend reads and writes the single-file format used before
// per-key files existed. One JSON object maps record keys to records.
type LegacyFileBackend struct {
	path string
}

func NewLegacyFileBackend(path string) (*LegacyFileBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &LegacyFileBackend{path: filepath.Clean(path)}, nil
}

func (b *LegacyFileBackend) ID() BackendID     { return "legacy" }
func (b *LegacyFileBackend) Kind() BackendKind { return KindLegacy }

func (b *LegacyFileBackend) readAll() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var records map[string]json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, &DeserializationError{Source: b.ID(), Slot: SlotPrimary, Err: err}
	}
	return records, nil
}

func (b *LegacyFileBackend) Load(ctx context.Context, key string) (*ProgressionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, err := b.readAll()
	if err != nil || records == nil {
		return nil, err
	}
	raw, ok := records[normalizeKey(key)]
	if !ok || string(raw) == "null" {
		return nil, nil
	}
	var record legacyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, &DeserializationError{Source: b.ID(), Slot: normalizeKey(key), Err: err}
	}
	return record.toState(), nil
}

func (b *LegacyFileBackend) Save(ctx context.Context, key string, state *ProgressionState, withBackup bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if normalizeKey(key) == "" || state == nil {
		return ErrInvalidInput
	}
	records, err := b.readAll()
	if err != nil && !errors.Is(err, ErrDeserialization) {
		return err
	}
	if records == nil {
		records = map[string]json.RawMessage{}
	}
	encoded, err := json.Marshal(legacyRecordFromState(state))
	if err != nil {
		return err
	}
	records[normalizeKey(key)] = encoded
	data, err := json.Marshal(records)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(b.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
		}
	}
	return writeFileAtomic(b.path, data, 0o644)
}

func (b *LegacyFileBackend) ListBackups(ctx context.Context, key string, limit int) ([]Backup, error) {
	return nil, nil
}

func (b *LegacyFileBackend) RestoreFromBackup(ctx context.Context, key, id string) (*ProgressionState, error) {
	return nil, fmt.Errorf("%w: %s has no backup slots", ErrBackupNotFound, b.ID())
}

// Keys lists every record key present in the file, sorted.
func (b *LegacyFileBackend) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records, err := b.readAll()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(records))
	for key := range records {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}
