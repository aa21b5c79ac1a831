package sink

import (
	"errors"
	"testing"

	"github.com/maxpert/driftmap/publisher"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ publisher.Sink = (*KafkaSink)(nil)
	_ publisher.Sink = (*NatsSink)(nil)
	_ publisher.Sink = (*MockSink)(nil)
)

func TestDefaultKafkaConfig(t *testing.T) {
	config := DefaultKafkaConfig([]string{"localhost:9092", "localhost:9093"})

	assert.Equal(t, []string{"localhost:9092", "localhost:9093"}, config.Brokers)
	assert.Equal(t, 100, config.BatchSize)
	assert.Equal(t, int64(1048576), config.BatchBytes)
	assert.Equal(t, kafka.RequireAll, config.RequiredAcks)
	assert.True(t, config.AutoCreateTopics)
}

func TestNewKafkaSink(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{})
	assert.Error(t, err)

	s, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	require.NoError(t, err)
	assert.Equal(t, DefaultKafkaBatchSize, s.writer.BatchSize)
	assert.Equal(t, DefaultKafkaWriteTimeout, s.writeTimeout)
	assert.IsType(t, &kafka.Hash{}, s.writer.Balancer)
	assert.NoError(t, s.Close())
}

func TestSanitizeStreamName(t *testing.T) {
	assert.Equal(t, "driftmap_default_events", sanitizeStreamName("driftmap.default.events"))
	assert.Equal(t, "map__", sanitizeStreamName("map.>"))
	assert.Equal(t, "plain", sanitizeStreamName("plain"))
}

func TestMockSink_FailTimes(t *testing.T) {
	m := &MockSink{PublishErr: errors.New("down"), FailTimes: 2}

	msg := publisher.Message{Topic: "t", Key: "a", Value: []byte("1")}
	assert.Error(t, m.Publish(msg))
	assert.Error(t, m.Publish(msg))
	require.NoError(t, m.Publish(msg))
	assert.Len(t, m.Snapshot(), 1)

	m.Reset()
	assert.Empty(t, m.Snapshot())
	require.NoError(t, m.Close())
	assert.True(t, m.Closed)
}

func TestKafkaMessage_CarriesSortedHeaders(t *testing.T) {
	km := kafkaMessage(publisher.Message{
		Topic:   "events",
		Key:     "user:1",
		Value:   []byte("v"),
		Headers: map[string]string{publisher.HeaderSequence: "9", publisher.HeaderPartition: "2"},
	})

	assert.Equal(t, "events", km.Topic)
	assert.Equal(t, []byte("user:1"), km.Key)
	assert.Equal(t, []byte("v"), km.Value)
	assert.Equal(t, []kafka.Header{
		{Key: publisher.HeaderPartition, Value: []byte("2")},
		{Key: publisher.HeaderSequence, Value: []byte("9")},
	}, km.Headers)
}

func TestNatsMessage_CarriesKeyAndHeaders(t *testing.T) {
	nm := natsMessage(publisher.Message{
		Topic:   "map.users",
		Key:     "user:1",
		Headers: map[string]string{publisher.HeaderPartition: "2"},
	})

	assert.Equal(t, "map.users", nm.Subject)
	assert.Nil(t, nm.Data)
	assert.Equal(t, "user:1", nm.Header.Get("key"))
	assert.Equal(t, "2", nm.Header.Get(publisher.HeaderPartition))
}
