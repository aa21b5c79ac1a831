// Package publisher forwards map change events to external systems
// (Kafka, NATS JetStream).
//
// # Architecture
//
// Each configured sink becomes a Forwarder, a notify.Listener registered on
// the map. The notification engine gives every registration its own ordered
// mailbox, so a forwarder publishes events of one partition in sequence
// order and a slow sink never blocks map mutations or other sinks.
//
//  1. Filter: GlobFilter drops events whose key matches none of the
//     configured patterns
//  2. Transformer: encodes the event ("json" envelope or schemaless
//     "debezium")
//  3. Sink: publishes with exponential backoff retry; removals are followed
//     by a tombstone for log compaction
//
// # Registry
//
// Registry builds forwarders from [[sinks]] configuration through factories
// registered with RegisterSink and RegisterTransformer:
//
//	reg, err := NewRegistry(cfg.Config.Sinks)
//	if err != nil {
//		return err
//	}
//	if err := reg.Start(m); err != nil { // m is a *dmap.Map
//		return err
//	}
//	defer reg.Stop()
//
// Sinks register with local scope: each node forwards only the mutations it
// applied itself, so a cluster publishes every mutation once.
package publisher
