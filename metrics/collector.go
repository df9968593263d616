package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config represents metrics configuration
type Config struct {
	Namespace string            `yaml:"namespace"`
	Labels    map[string]string `yaml:"labels"`
}

// Collector records flash and filesystem metrics
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	bytesRead       prometheus.Counter
	bytesProgrammed prometheus.Counter
	erases          prometheus.Counter
	accessDuration  *prometheus.HistogramVec
	accessErrors    *prometheus.CounterVec
	mounts          *prometheus.CounterVec
	formats         prometheus.Counter
	acquireFailures *prometheus.CounterVec
	openHandles     prometheus.Gauge
}

// NewCollector creates a new metrics collector
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Namespace: "flashfs",
			Labels:    make(map[string]string),
		}
	}

	c := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	c.initMetrics()

	if err := c.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return c, nil
}

// Registry returns the registry all metrics are registered with.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the collector's registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ObserveRead records a read from the memory-mapped window.
func (c *Collector) ObserveRead(bytes int) {
	if c == nil {
		return
	}
	c.bytesRead.Add(float64(bytes))
}

// ObserveProgram records one bracketed program command.
func (c *Collector) ObserveProgram(bytes int, elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	c.accessDuration.WithLabelValues("program").Observe(elapsed.Seconds())
	if err != nil {
		c.accessErrors.WithLabelValues("program").Inc()
		return
	}
	c.bytesProgrammed.Add(float64(bytes))
}

// ObserveErase records one bracketed block erase.
func (c *Collector) ObserveErase(elapsed time.Duration, err error) {
	if c == nil {
		return
	}
	c.accessDuration.WithLabelValues("erase").Observe(elapsed.Seconds())
	if err != nil {
		c.accessErrors.WithLabelValues("erase").Inc()
		return
	}
	c.erases.Inc()
}

// RecordMount records a mount attempt.
func (c *Collector) RecordMount(err error) {
	if c == nil {
		return
	}
	c.mounts.WithLabelValues(map[bool]string{true: "success", false: "error"}[err == nil]).Inc()
}

// RecordFormat records a format of the partition.
func (c *Collector) RecordFormat() {
	if c == nil {
		return
	}
	c.formats.Inc()
}

// RecordAcquireFailure records a handle request the pool turned down.
func (c *Collector) RecordAcquireFailure(reason string) {
	if c == nil {
		return
	}
	c.acquireFailures.WithLabelValues(reason).Inc()
}

// SetOpenHandles records the number of live file handles.
func (c *Collector) SetOpenHandles(n int) {
	if c == nil {
		return
	}
	c.openHandles.Set(float64(n))
}

func (c *Collector) initMetrics() {
	ns := c.config.Namespace
	labels := prometheus.Labels(c.config.Labels)

	c.bytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "flash",
		Name:        "read_bytes_total",
		Help:        "Bytes copied out of the memory-mapped flash window",
		ConstLabels: labels,
	})
	c.bytesProgrammed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "flash",
		Name:        "programmed_bytes_total",
		Help:        "Bytes programmed into flash",
		ConstLabels: labels,
	})
	c.erases = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "flash",
		Name:        "erases_total",
		Help:        "Blocks erased",
		ConstLabels: labels,
	})
	c.accessDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:   ns,
		Subsystem:   "flash",
		Name:        "raw_access_duration_seconds",
		Help:        "Time spent outside memory-mapped mode per command",
		Buckets:     prometheus.ExponentialBuckets(0.00001, 4, 10), // 10us to ~2.6s
		ConstLabels: labels,
	}, []string{"op"})
	c.accessErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "flash",
		Name:        "errors_total",
		Help:        "Failed program and erase commands",
		ConstLabels: labels,
	}, []string{"op"})
	c.mounts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Name:        "mounts_total",
		Help:        "Mount attempts by result",
		ConstLabels: labels,
	}, []string{"result"})
	c.formats = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace:   ns,
		Name:        "formats_total",
		Help:        "Partition formats",
		ConstLabels: labels,
	})
	c.acquireFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace:   ns,
		Subsystem:   "handles",
		Name:        "acquire_failures_total",
		Help:        "Handle requests turned down by the pool",
		ConstLabels: labels,
	}, []string{"reason"})
	c.openHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   ns,
		Subsystem:   "handles",
		Name:        "open",
		Help:        "Live file handles",
		ConstLabels: labels,
	})
}

func (c *Collector) registerMetrics() error {
	for _, m := range []prometheus.Collector{
		c.bytesRead,
		c.bytesProgrammed,
		c.erases,
		c.accessDuration,
		c.accessErrors,
		c.mounts,
		c.formats,
		c.acquireFailures,
		c.openHandles,
	} {
		if err := c.registry.Register(m); err != nil {
			return err
		}
	}
	return nil
}
