// Package transformer provides implementations of the publisher.Transformer
// interface for converting change events to sink-specific formats.
package transformer

import (
	"encoding/json"
	"fmt"

	"github.com/maxpert/driftmap/common"
	"github.com/maxpert/driftmap/publisher"
	"github.com/rs/zerolog/log"
)

func init() {
	publisher.RegisterTransformer("json", func() publisher.Transformer {
		return NewJSONTransformer()
	})
}

// JSONTransformer encodes each event as a flat JSON envelope:
//
//	{"op":"u","key":"1","before":{...},"after":{...},"partition":3,"seq":42,"ts_ms":1700000000000,"node":7}
//
// before/after are null when the registration does not include values.
type JSONTransformer struct{}

// NewJSONTransformer creates a new JSON transformer
func NewJSONTransformer() *JSONTransformer {
	return &JSONTransformer{}
}

type jsonEnvelope struct {
	Op        string `json:"op"`
	Key       string `json:"key"`
	Before    any    `json:"before"`
	After     any    `json:"after"`
	Partition int    `json:"partition"`
	Seq       uint64 `json:"seq"`
	TsMs      int64  `json:"ts_ms"`
	Node      uint64 `json:"node"`
}

// Transform converts a change event to the JSON envelope
func (j *JSONTransformer) Transform(event common.ChangeEvent) ([]byte, error) {
	data, err := json.Marshal(jsonEnvelope{
		Op:        mapOperation(event.Kind),
		Key:       event.Key,
		Before:    event.OldValue,
		After:     event.NewValue,
		Partition: event.Partition,
		Seq:       event.Sequence,
		TsMs:      event.Timestamp.UnixMilli(),
		Node:      event.NodeID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// Tombstone creates a tombstone marker (null value for Kafka log compaction)
func (j *JSONTransformer) Tombstone(key string) []byte {
	return nil
}

// mapOperation maps an event kind to the Debezium operation code
func mapOperation(kind common.EventKind) string {
	switch kind {
	case common.EventAdded:
		return "c" // create
	case common.EventUpdated:
		return "u" // update
	case common.EventRemoved:
		return "d" // delete
	default:
		log.Warn().Uint8("kind", uint8(kind)).Msg("unknown event kind, defaulting to update")
		return "u"
	}
}
