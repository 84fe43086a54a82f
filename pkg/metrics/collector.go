package metrics

import (
	"context"
	"time"

	"github.com/migadu/popd/logger"
)

// Stats holds aggregate maildrop statistics reported by a backend
type Stats struct {
	Users    int64
	Messages int64
	Bytes    int64
}

// StatsProvider is implemented by backends able to report totals
type StatsProvider interface {
	Stats(ctx context.Context) (*Stats, error)
}

// CacheStatsProvider is an interface for cache statistics
type CacheStatsProvider interface {
	GetStats() (objectCount int64, totalSize int64, err error)
}

// Collector periodically refreshes backend-derived gauges
type Collector struct {
	provider      StatsProvider
	cacheProvider CacheStatsProvider
	interval      time.Duration
}

// NewCollector creates a new metrics collector. cacheProvider may be nil.
func NewCollector(provider StatsProvider, cacheProvider CacheStatsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 60 * time.Second
	}
	return &Collector{
		provider:      provider,
		cacheProvider: cacheProvider,
		interval:      interval,
	}
}

// Start runs the collection loop until ctx is cancelled
func (c *Collector) Start(ctx context.Context) {
	c.collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Info("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			logger.Info("MetricsCollector stopping")
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	if c.provider != nil {
		stats, err := c.provider.Stats(ctx)
		if err != nil {
			logger.Error("MetricsCollector: error collecting maildrop stats", "error", err)
		} else {
			UsersTotal.Set(float64(stats.Users))
			MessagesTotal.Set(float64(stats.Messages))
			MessageBytesTotal.Set(float64(stats.Bytes))
			logger.Debug("MetricsCollector: updated maildrop metrics", "users", stats.Users,
				"messages", stats.Messages, "bytes", stats.Bytes)
		}
	}

	if c.cacheProvider != nil {
		objectCount, totalSize, err := c.cacheProvider.GetStats()
		if err != nil {
			logger.Error("MetricsCollector: error collecting cache metrics", "error", err)
			return
		}
		CacheObjectsTotal.Set(float64(objectCount))
		CacheSizeBytes.Set(float64(totalSize))
	}
}
