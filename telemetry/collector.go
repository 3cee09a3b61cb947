package telemetry

import (
	"sync"
	"time"
)

// SampleFunc reads component state and updates gauges.
type SampleFunc func()

// Collector periodically runs registered sample functions to refresh
// gauges that track component state (subscriber counts, changelog backlog,
// relay lag). Counters and histograms are updated inline at the call sites;
// only sampled state goes through the collector.
type Collector struct {
	interval time.Duration
	samples  []SampleFunc
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewCollector creates a collector running every interval.
func NewCollector(interval time.Duration, samples ...SampleFunc) *Collector {
	return &Collector{
		interval: interval,
		samples:  samples,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic collection
func (c *Collector) Start() {
	c.wg.Add(1)
	go c.collectLoop()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) collectLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Collector) collect() {
	for _, sample := range c.samples {
		sample()
	}
}
