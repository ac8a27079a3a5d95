package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"
)

// PendingCounter reports how many scheduled messages are pending
type PendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}

// PendingCounterFunc adapts a function to PendingCounter
type PendingCounterFunc func(ctx context.Context) (int, error)

// PendingCount calls f
func (f PendingCounterFunc) PendingCount(ctx context.Context) (int, error) {
	return f(ctx)
}

// Collector periodically refreshes gauges that are sampled rather than counted
type Collector struct {
	metrics     *Metrics
	pending     PendingCounter
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewCollector creates a new metrics collector. pending may be nil and
// storagePath may be empty.
func NewCollector(m *Metrics, pending PendingCounter, storagePath string, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 5 * time.Second
	}

	return &Collector{
		metrics:     m,
		pending:     pending,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the collector background task
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	c.Collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect samples current system state once
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.pending != nil {
		if n, err := c.pending.PendingCount(ctx); err == nil {
			c.metrics.MessagesPending.Set(float64(n))
		}
	}
}
