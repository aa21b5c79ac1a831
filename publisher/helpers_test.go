package publisher

import (
	"errors"
	"fmt"
	"sync"

	"github.com/maxpert/driftmap/cfg"
	"github.com/maxpert/driftmap/common"
)


// fakeSink fails the first failures publishes, then records messages.
type fakeSink struct {
	mu       sync.Mutex
	messages []Message
	failures int
	always   bool
	closed   bool
}

func (s *fakeSink) Publish(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.always {
		return errors.New("sink unavailable")
	}
	if s.failures > 0 {
		s.failures--
		return errors.New("transient failure")
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSink) snapshot() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// keyTransformer encodes "kind:key".
type keyTransformer struct{}

func (keyTransformer) Transform(ev common.ChangeEvent) ([]byte, error) {
	if ev.Key == "unencodable" {
		return nil, errors.New("cannot encode")
	}
	return []byte(fmt.Sprintf("%s:%s", ev.Kind, ev.Key)), nil
}

func (keyTransformer) Tombstone(string) []byte { return nil }

var (
	testSinksMu sync.Mutex
	testSinks   = map[string]*fakeSink{}
)

func init() {
	RegisterSink("test", func(c cfg.SinkConfiguration) (Sink, error) {
		if c.Topic == "bad-sink" {
			return nil, errors.New("cannot connect")
		}
		s := &fakeSink{}
		testSinksMu.Lock()
		testSinks[c.Name] = s
		testSinksMu.Unlock()
		return s, nil
	})
	RegisterTransformer("json", func() Transformer { return keyTransformer{} })
}

func testSink(name string) *fakeSink {
	testSinksMu.Lock()
	defer testSinksMu.Unlock()
	return testSinks[name]
}
