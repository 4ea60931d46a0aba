package progression

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const snapshotSchemaURL = "progression-snapshot.schema.json"

const snapshotSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["level"],
  "properties": {
    "level": {"type": "integer"},
    "xp": {"type": "number"},
    "totalXP": {"type": ["number", "null"]},
    "rank": {"type": ["string", "null"]},
    "stats": {
      "type": ["object", "null"],
      "properties": {
        "strength": {"type": "integer"},
        "agility": {"type": "integer"},
        "intelligence": {"type": "integer"},
        "vitality": {"type": "integer"},
        "perception": {"type": "integer"}
      }
    },
    "activity": {
      "type": ["object", "null"],
      "properties": {
        "messagesSent": {"type": "integer"},
        "charactersTyped": {"type": "integer"},
        "timeActive": {"type": "integer"},
        "channelsVisited": {"type": ["array", "null"], "items": {"type": "string"}},
        "critsLanded": {"type": "integer"}
      }
    },
    "dailyQuests": {"type": ["object", "null"]},
    "achievements": {
      "type": ["object", "null"],
      "properties": {
        "unlocked": {"type": ["array", "null"], "items": {"type": "string"}},
        "titles": {"type": ["array", "null"], "items": {"type": "string"}},
        "activeTitle": {"type": ["string", "null"]}
      }
    },
    "_metadata": {
      "type": ["object", "null"],
      "properties": {
        "lastSave": {"type": "string"},
        "version": {"type": "string"}
      }
    }
  }
}`

var compileSnapshotSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(snapshotSchemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(snapshotSchemaURL, doc); err != nil {
		return nil, err
	}
	return compiler.Compile(snapshotSchemaURL)
})

// decodeSnapshot validates a raw payload against the snapshot schema before
// decoding it. Empty payloads and JSON null decode to (nil, nil).
func decodeSnapshot(source BackendID, slot string, data []byte) (*ProgressionState, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	schema, err := compileSnapshotSchema()
	if err != nil {
		return nil, fmt.Errorf("compile snapshot schema: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, &DeserializationError{Source: source, Slot: slot, Err: err}
	}
	if err := schema.Validate(instance); err != nil {
		return nil, &DeserializationError{Source: source, Slot: slot, Err: err}
	}
	var state ProgressionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, &DeserializationError{Source: source, Slot: slot, Err: err}
	}
	state.normalize()
	state.RepairTotalXP()
	return &state, nil
}

func encodeSnapshot(state *ProgressionState) ([]byte, error) {
	if state == nil {
		return nil, ErrInvalidInput
	}
	return json.Marshal(state)
}
