package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains history retention settings
type CleanerConfig struct {
	MaxAge   time.Duration
	MaxCount int
	Interval time.Duration
}

// Cleaner periodically prunes resolved messages
type Cleaner struct {
	store  Store
	cfg    CleanerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(store Store, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		store:  store,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Enabled reports whether any retention bound is configured
func (c *Cleaner) Enabled() bool {
	return (c.cfg.MaxAge > 0 || c.cfg.MaxCount > 0) && c.cfg.Interval > 0
}

// Start starts the cleanup goroutine
func (c *Cleaner) Start(ctx context.Context) {
	if !c.Enabled() {
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started",
		"history_max_age", c.cfg.MaxAge,
		"history_max_count", c.cfg.MaxCount,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleaner and waits for the goroutine to finish
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
	c.logger.Info("cleaner stopped")
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	// Run cleanup immediately on start
	c.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce applies the retention policy once and returns the number of
// removed messages
func (c *Cleaner) RunOnce(ctx context.Context) int {
	deleted, err := c.store.CleanupHistory(ctx, c.cfg.MaxAge, c.cfg.MaxCount)
	if err != nil {
		c.logger.Error("failed to cleanup message history", "error", err)
		return deleted
	}

	if deleted > 0 {
		c.logger.Info("cleaned up message history", "deleted", deleted)
	}
	return deleted
}
