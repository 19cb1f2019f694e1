// Package metrics exposes cache statistics as Prometheus collectors.
// Registration is the embedding process's job; no HTTP handler lives here.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pulsarkv/pulsar/cache"
)

// statsTimeout bounds one stats read during collection.
const statsTimeout = 2 * time.Second

// StatsSource is anything that can report cache statistics — an Adapter or
// a Service.
type StatsSource interface {
	Stats(ctx context.Context) (cache.Stats, error)
}

// CacheCollector reads Stats from a source on every scrape.
type CacheCollector struct {
	src StatsSource

	hits        *prometheus.Desc
	misses      *prometheus.Desc
	evictions   *prometheus.Desc
	memoryUsage *prometheus.Desc
	entries     *prometheus.Desc
	uptime      *prometheus.Desc
}

// NewCacheCollector builds a collector for the given source under a metric
// namespace (e.g. "pulsar").
func NewCacheCollector(namespace string, src StatsSource) *CacheCollector {
	fqName := func(name string) string {
		return prometheus.BuildFQName(namespace, "cache", name)
	}
	return &CacheCollector{
		src:         src,
		hits:        prometheus.NewDesc(fqName("hits_total"), "Total cache hits", nil, nil),
		misses:      prometheus.NewDesc(fqName("misses_total"), "Total cache misses", nil, nil),
		evictions:   prometheus.NewDesc(fqName("evictions_total"), "Total entries evicted by capacity", nil, nil),
		memoryUsage: prometheus.NewDesc(fqName("memory_usage_bytes"), "Approximate memory held by cache entries", nil, nil),
		entries:     prometheus.NewDesc(fqName("entries"), "Current number of cache entries", nil, nil),
		uptime:      prometheus.NewDesc(fqName("uptime_seconds"), "Seconds since the cache adapter started", nil, nil),
	}
}

func (c *CacheCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hits
	ch <- c.misses
	ch <- c.evictions
	ch <- c.memoryUsage
	ch <- c.entries
	ch <- c.uptime
}

func (c *CacheCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), statsTimeout)
	defer cancel()

	stats, err := c.src.Stats(ctx)
	if err != nil {
		ch <- prometheus.NewInvalidMetric(c.hits, err)
		return
	}
	ch <- prometheus.MustNewConstMetric(c.hits, prometheus.CounterValue, float64(stats.Hits))
	ch <- prometheus.MustNewConstMetric(c.misses, prometheus.CounterValue, float64(stats.Misses))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(stats.Evictions))
	ch <- prometheus.MustNewConstMetric(c.memoryUsage, prometheus.GaugeValue, float64(stats.MemoryUsage))
	ch <- prometheus.MustNewConstMetric(c.entries, prometheus.GaugeValue, float64(stats.EntryCount))
	ch <- prometheus.MustNewConstMetric(c.uptime, prometheus.GaugeValue, stats.Uptime.Seconds())
}
