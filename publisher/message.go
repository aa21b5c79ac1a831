package publisher

import (
	"strconv"

	"github.com/maxpert/driftmap/common"
)

// Header names attached to every forwarded message
const (
	HeaderOp        = "driftmap-op"
	HeaderPartition = "driftmap-partition"
	HeaderSequence  = "driftmap-seq"
	HeaderNode      = "driftmap-node"
	HeaderOrigin    = "driftmap-origin"
	HeaderTimestamp = "driftmap-ts-ms"
)

// Message is one record handed to a sink. A nil Value is a tombstone.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
}

// EventHeaders describes where ev came from, so consumers can order and
// deduplicate by partition and sequence without decoding the payload.
func EventHeaders(ev common.ChangeEvent) map[string]string {
	return map[string]string{
		HeaderOp:        ev.Kind.String(),
		HeaderPartition: strconv.Itoa(ev.Partition),
		HeaderSequence:  strconv.FormatUint(ev.Sequence, 10),
		HeaderNode:      strconv.FormatUint(ev.NodeID, 10),
		HeaderOrigin:    ev.Origin.String(),
		HeaderTimestamp: strconv.FormatInt(ev.Timestamp.UnixMilli(), 10),
	}
}
