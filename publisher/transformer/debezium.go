package transformer

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/maxpert/driftmap/common"
	"github.com/maxpert/driftmap/publisher"
)

func init() {
	publisher.RegisterTransformer("debezium", func() publisher.Transformer {
		return NewDebeziumTransformer()
	})
}

// DebeziumTransformer transforms change events to the schemaless Debezium
// JSON format (payload only, "schema": null), so that Debezium consumers such
// as Kafka Connect sinks can read map events.
//
// Entry values are documents without a fixed schema. Non-document values are
// wrapped as {"value": v} so before/after are always JSON objects.
type DebeziumTransformer struct {
	connectorName string
}

// NewDebeziumTransformer creates a new Debezium transformer
func NewDebeziumTransformer() *DebeziumTransformer {
	return &DebeziumTransformer{
		connectorName: "driftmap",
	}
}

type debeziumMessage struct {
	Schema  any             `json:"schema"`
	Payload debeziumPayload `json:"payload"`
}

type debeziumPayload struct {
	Before map[string]any `json:"before"`
	After  map[string]any `json:"after"`
	Op     string         `json:"op"`
	TsMs   int64          `json:"ts_ms"`
	Source debeziumSource `json:"source"`
}

type debeziumSource struct {
	Connector string `json:"connector"`
	Key       string `json:"key"`
	Partition string `json:"partition"`
	Node      uint64 `json:"node"`
	LSN       uint64 `json:"lsn"`
}

// Transform converts a change event to Debezium JSON
func (d *DebeziumTransformer) Transform(event common.ChangeEvent) ([]byte, error) {
	message := debeziumMessage{
		Payload: debeziumPayload{
			Before: asRow(event.OldValue),
			After:  asRow(event.NewValue),
			Op:     mapOperation(event.Kind),
			TsMs:   event.Timestamp.UnixMilli(),
			Source: debeziumSource{
				Connector: d.connectorName,
				Key:       event.Key,
				Partition: strconv.Itoa(event.Partition),
				Node:      event.NodeID,
				LSN:       event.Sequence,
			},
		},
	}

	data, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// Tombstone creates a tombstone marker (null value for Kafka log compaction)
func (d *DebeziumTransformer) Tombstone(key string) []byte {
	return nil
}

func asRow(v any) map[string]any {
	switch t := v.(type) {
	case nil:
		return nil
	case map[string]any:
		return t
	default:
		return map[string]any{"value": t}
	}
}
