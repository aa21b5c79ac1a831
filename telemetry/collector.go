package telemetry

import (
	"sync"
	"time"
)

// StatsProvider is implemented by components that expose point-in-time gauges
type StatsProvider interface {
	Stats() Stats
}

// Stats is a snapshot of gauge values
type Stats struct {
	Entries     int
	Listeners   int
	Pending     int
	InFlight    int
	DeadLetters int
}

// MetricsCollector periodically collects stats and updates telemetry gauges
type MetricsCollector struct {
	provider StatsProvider
	interval time.Duration
	stopCh   chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(provider StatsProvider, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		provider: provider,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop stops the collector. Safe to call more than once.
func (mc *MetricsCollector) Stop() {
	mc.once.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.collect()

	for {
		select {
		case <-ticker.C:
			mc.collect()
		case <-mc.stopCh:
			return
		}
	}
}

func (mc *MetricsCollector) collect() {
	if mc.provider == nil {
		return
	}

	s := mc.provider.Stats()
	MapEntries.Set(float64(s.Entries))
	Listeners.Set(float64(s.Listeners))
	WriteBehindPending.Set(float64(s.Pending))
	WriteBehindInFlight.Set(float64(s.InFlight))
}
