package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maxpert/driftmap/cfg"
	"github.com/maxpert/driftmap/publisher"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	natsPublishTimeout = 5 * time.Second
	natsKeyHeader      = "key"
)

func init() {
	publisher.RegisterSink("nats", func(config cfg.SinkConfiguration) (publisher.Sink, error) {
		if config.NatsURL == "" {
			return nil, fmt.Errorf("nats sink requires nats_url")
		}
		return NewNatsSink(config.NatsURL)
	})
}

// NatsSink publishes change events to NATS JetStream. The entry key travels
// in the "key" header.
type NatsSink struct {
	nc *nats.Conn
	js jetstream.JetStream

	mu      sync.Mutex
	streams map[string]struct{} // Subjects with an ensured stream
}

// NewNatsSink connects to url and creates a JetStream context
func NewNatsSink(url string) (*NatsSink, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &NatsSink{nc: nc, js: js, streams: make(map[string]struct{})}, nil
}

func (n *NatsSink) ensureStream(ctx context.Context, subject string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.streams[subject]; ok {
		return nil
	}

	name := sanitizeStreamName(subject)
	_, err := n.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream %s: %w", name, err)
	}
	n.streams[subject] = struct{}{}
	return nil
}

// Publish sends one message to subject msg.Topic
func (n *NatsSink) Publish(msg publisher.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), natsPublishTimeout)
	defer cancel()

	if err := n.ensureStream(ctx, msg.Topic); err != nil {
		return err
	}

	if _, err := n.js.PublishMsg(ctx, natsMessage(msg)); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", msg.Topic, err)
	}
	return nil
}

func natsMessage(msg publisher.Message) *nats.Msg {
	header := nats.Header{}
	for name, v := range msg.Headers {
		header.Set(name, v)
	}
	header.Set(natsKeyHeader, msg.Key)
	return &nats.Msg{
		Subject: msg.Topic,
		Data:    msg.Value,
		Header:  header,
	}
}

// Close releases resources held by the NatsSink
func (n *NatsSink) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}
	return nil
}

// sanitizeStreamName converts a subject to a valid JetStream stream name.
// Stream names can't contain ".", "*" or ">".
func sanitizeStreamName(subject string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(subject)
}
