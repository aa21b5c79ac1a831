package transformer

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/maxpert/driftmap/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTime = time.UnixMilli(1700000000123)

func TestJSONTransformer_Envelope(t *testing.T) {
	data, err := NewJSONTransformer().Transform(common.ChangeEvent{
		Kind:      common.EventUpdated,
		Key:       "1",
		OldValue:  map[string]any{"surname": "smith"},
		NewValue:  map[string]any{"surname": "jones"},
		Partition: 3,
		Sequence:  42,
		NodeID:    7,
		Timestamp: testTime,
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"op": "u",
		"key": "1",
		"before": {"surname": "smith"},
		"after": {"surname": "jones"},
		"partition": 3,
		"seq": 42,
		"ts_ms": 1700000000123,
		"node": 7
	}`, string(data))
}

func TestJSONTransformer_Operations(t *testing.T) {
	tr := NewJSONTransformer()
	for kind, op := range map[common.EventKind]string{
		common.EventAdded:   "c",
		common.EventUpdated: "u",
		common.EventRemoved: "d",
	} {
		data, err := tr.Transform(common.ChangeEvent{Kind: kind, Key: "k", Timestamp: testTime})
		require.NoError(t, err)

		var env map[string]any
		require.NoError(t, json.Unmarshal(data, &env))
		assert.Equal(t, op, env["op"])
		assert.Nil(t, env["before"])
		assert.Nil(t, env["after"])
	}
	assert.Nil(t, tr.Tombstone("k"))
}

func TestJSONTransformer_UnencodableValue(t *testing.T) {
	_, err := NewJSONTransformer().Transform(common.ChangeEvent{
		Kind:     common.EventAdded,
		NewValue: map[string]any{"f": func() {}},
	})
	assert.Error(t, err)
}

func TestDebeziumTransformer(t *testing.T) {
	data, err := NewDebeziumTransformer().Transform(common.ChangeEvent{
		Kind:      common.EventAdded,
		Key:       "counter",
		NewValue:  int64(5),
		Partition: 12,
		Sequence:  9,
		NodeID:    1,
		Timestamp: testTime,
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{
		"schema": null,
		"payload": {
			"before": null,
			"after": {"value": 5},
			"op": "c",
			"ts_ms": 1700000000123,
			"source": {"connector": "driftmap", "key": "counter", "partition": "12", "node": 1, "lsn": 9}
		}
	}`, string(data))
}
