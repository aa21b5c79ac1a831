// Package encoding provides the msgpack codec used for persisted values:
// write-behind journal records, pebble store entries and SQL blobs.
// All msgpack operations go through this package so that every backend
// decodes values into the same Go shapes.
//
// Decoded shapes: maps become map[string]any, arrays []any, integers int64
// (or uint64 when they do not fit), floats float64 and strings string. The
// predicate package relies on these shapes when comparing attributes.
package encoding

import (
	"bytes"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Marshal encodes a value to msgpack format.
func Marshal(v any) ([]byte, error) {
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	enc := msgpack.NewEncoder(buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// Unmarshal decodes msgpack data using loose interface decoding so that
// integers decode as int64/uint64 regardless of their wire width.
func Unmarshal(data []byte, v any) error {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	return dec.Decode(v)
}

// EncodeValue encodes an entry value.
func EncodeValue(v any) ([]byte, error) {
	return Marshal(v)
}

// DecodeValue decodes an entry value previously written by EncodeValue.
func DecodeValue(data []byte) (any, error) {
	var v any
	if err := Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
