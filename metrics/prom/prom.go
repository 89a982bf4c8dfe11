// Package prom exports cache statistics as Prometheus metrics.
package prom

import (
	"context"
	"strconv"
	"time"

	"github.com/goliatone/go-tiered-cache/cache"
	"github.com/prometheus/client_golang/prometheus"
)

// DefaultTimeout bounds the Stats call made on every scrape.
const DefaultTimeout = 2 * time.Second

// StatsSource is anything that can report cache statistics. *cache.Service
// and every backend satisfy it.
type StatsSource interface {
	Stats(ctx context.Context) cache.Stats
}

// Collector reads a StatsSource on each scrape and reports one series per
// tier. A multi-level cache yields tier="l1" and tier="l2" series; a single
// backend reports as tier="l1".
//
// Counters are cumulative since the backend was created, so they are
// exported as const metrics rather than tracked here.
type Collector struct {
	src     StatsSource
	timeout time.Duration

	hits        *prometheus.Desc
	misses      *prometheus.Desc
	sets        *prometheus.Desc
	deletes     *prometheus.Desc
	expirations *prometheus.Desc
	evictions   *prometheus.Desc
	errors      *prometheus.Desc
	size        *prometheus.Desc
	capacity    *prometheus.Desc
	tags        *prometheus.Desc
}

// NewCollector builds a collector without registering it.
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func NewCollector(src StatsSource, ns, sub string, constLabels prometheus.Labels) *Collector {
	labels := []string{"backend", "tier"}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(ns, sub, name), help, labels, constLabels)
	}
	return &Collector{
		src:         src,
		timeout:     DefaultTimeout,
		hits:        desc("hits_total", "Cache hits."),
		misses:      desc("misses_total", "Cache misses."),
		sets:        desc("sets_total", "Entries written."),
		deletes:     desc("deletes_total", "Entries removed by delete or tag invalidation."),
		expirations: desc("expirations_total", "Entries dropped because their TTL passed."),
		evictions:   desc("evictions_total", "Entries dropped to stay within capacity."),
		errors:      desc("errors_total", "Backend operations that failed and resolved to a neutral result."),
		size:        desc("size_entries", "Number of resident entries."),
		capacity:    desc("capacity_entries", "Maximum number of entries, 0 when unbounded."),
		tags:        desc("tags", "Number of distinct tags in the index."),
	}
}

// New constructs a collector and registers it with reg
// (nil => prometheus.DefaultRegisterer).
func New(reg prometheus.Registerer, src StatsSource, ns, sub string, constLabels prometheus.Labels) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	c := NewCollector(src, ns, sub, constLabels)
	reg.MustRegister(c)
	return c
}

// WithTimeout changes the per-scrape Stats timeout.
func (c *Collector) WithTimeout(d time.Duration) *Collector {
	if d > 0 {
		c.timeout = d
	}
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.hits, c.misses, c.sets, c.deletes, c.expirations,
		c.evictions, c.errors, c.size, c.capacity, c.tags,
	} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	for i, s := range tiers(c.src.Stats(ctx)) {
		tier := tierLabel(i)
		counter := func(d *prometheus.Desc, v uint64) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), s.Backend, tier)
		}
		gauge := func(d *prometheus.Desc, v int) {
			ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), s.Backend, tier)
		}

		counter(c.hits, s.Hits)
		counter(c.misses, s.Misses)
		counter(c.sets, s.Sets)
		counter(c.deletes, s.Deletes)
		counter(c.expirations, s.Expirations)
		counter(c.evictions, s.Evictions)
		counter(c.errors, s.Errors)
		gauge(c.size, s.Size)
		gauge(c.capacity, s.Capacity)
		gauge(c.tags, s.Tags)
	}
}

func tiers(s cache.Stats) []cache.Stats {
	if len(s.Tiers) > 0 {
		return s.Tiers
	}
	return []cache.Stats{s}
}

func tierLabel(i int) string {
	return "l" + strconv.Itoa(i+1)
}

var _ prometheus.Collector = (*Collector)(nil)
