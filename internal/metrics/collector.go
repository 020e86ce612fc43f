package metrics

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
)

// EnrollmentStatsProvider reports how many enrollments are open per status
type EnrollmentStatsProvider interface {
	CountOpenByStatus() (map[string]int, error)
}

// Collector periodically refreshes gauges that are read from storage or the runtime
type Collector struct {
	metrics   *Metrics
	stats     EnrollmentStatsProvider
	dbPath    string
	interval  time.Duration
	startTime time.Time
	logger    *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(m *Metrics, stats EnrollmentStatsProvider, dbPath string, interval time.Duration, logger *slog.Logger) *Collector {
	if interval == 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		metrics:   m,
		stats:     stats,
		dbPath:    dbPath,
		interval:  interval,
		startTime: time.Now(),
		logger:    logger.With("component", "metrics_collector"),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the collector background loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Collect refreshes all gauges once
func (c *Collector) Collect() {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.dbPath != "" {
		if info, err := os.Stat(c.dbPath); err == nil {
			c.metrics.DatabaseSizeBytes.Set(float64(info.Size()))
		}
	}

	if c.stats == nil {
		return
	}
	counts, err := c.stats.CountOpenByStatus()
	if err != nil {
		c.logger.Warn("failed to count open enrollments", "error", err)
		return
	}
	c.metrics.EnrollmentsOpen.Reset()
	for status, n := range counts {
		c.metrics.EnrollmentsOpen.WithLabelValues(status).Set(float64(n))
	}
}
