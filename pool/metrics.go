package pool

import (
	"github.com/prometheus/client_golang/prometheus"
)

// StatSource is implemented by Pool.
type StatSource interface {
	Stat() Stat
}

// Collector exports pool statistics as Prometheus metrics labelled with the
// pool name.
type Collector struct {
	src StatSource

	maxResources          *prometheus.Desc
	totalResources        *prometheus.Desc
	idleResources         *prometheus.Desc
	acquiredResources     *prometheus.Desc
	constructingResources *prometheus.Desc
	acquireCount          *prometheus.Desc
	acquireDuration       *prometheus.Desc
	emptyAcquireCount     *prometheus.Desc
	canceledAcquireCount  *prometheus.Desc
	createErrors          *prometheus.Desc
	validationFailures    *prometheus.Desc
	brokenReleases        *prometheus.Desc
	destroyed             *prometheus.Desc
}

// NewCollector returns a collector for src. Register it with a
// prometheus.Registerer.
func NewCollector(src StatSource, name string) *Collector {
	labels := prometheus.Labels{"pool": name}
	desc := func(metric, help string, variable ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("litepool", "pool", metric), help, variable, labels)
	}
	return &Collector{
		src:                   src,
		maxResources:          desc("max_resources", "Maximum number of resources allowed in the pool."),
		totalResources:        desc("total_resources", "Number of resources in the pool, including ones being constructed."),
		idleResources:         desc("idle_resources", "Number of idle resources."),
		acquiredResources:     desc("acquired_resources", "Number of resources currently acquired."),
		constructingResources: desc("constructing_resources", "Number of resources being constructed."),
		acquireCount:          desc("acquire_total", "Number of successful acquires."),
		acquireDuration:       desc("acquire_duration_seconds_total", "Total time spent in successful acquires."),
		emptyAcquireCount:     desc("empty_acquire_total", "Number of acquires that waited for a resource."),
		canceledAcquireCount:  desc("canceled_acquire_total", "Number of acquires canceled by their context."),
		createErrors:          desc("create_errors_total", "Number of failed resource creations."),
		validationFailures:    desc("validation_failures_total", "Number of resources discarded after failing validation."),
		brokenReleases:        desc("broken_releases_total", "Number of released resources discarded as broken."),
		destroyed:             desc("destroyed_total", "Number of resources destroyed by policy.", "reason"),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.maxResources
	ch <- c.totalResources
	ch <- c.idleResources
	ch <- c.acquiredResources
	ch <- c.constructingResources
	ch <- c.acquireCount
	ch <- c.acquireDuration
	ch <- c.emptyAcquireCount
	ch <- c.canceledAcquireCount
	ch <- c.createErrors
	ch <- c.validationFailures
	ch <- c.brokenReleases
	ch <- c.destroyed
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.src.Stat()

	gauge := func(d *prometheus.Desc, v int32) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v))
	}
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}

	gauge(c.maxResources, s.MaxResources)
	gauge(c.totalResources, s.TotalResources)
	gauge(c.idleResources, s.IdleResources)
	gauge(c.acquiredResources, s.AcquiredResources)
	gauge(c.constructingResources, s.ConstructingResources)
	counter(c.acquireCount, s.AcquireCount)
	ch <- prometheus.MustNewConstMetric(c.acquireDuration, prometheus.CounterValue, s.AcquireDuration.Seconds())
	counter(c.emptyAcquireCount, s.EmptyAcquireCount)
	counter(c.canceledAcquireCount, s.CanceledAcquireCount)
	counter(c.createErrors, s.CreateErrors)
	counter(c.validationFailures, s.ValidationFailures)
	counter(c.brokenReleases, s.BrokenReleases)
	counter(c.destroyed, s.LifetimeDestroys, "lifetime")
	counter(c.destroyed, s.IdleDestroys, "idle")
}
