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
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// DefaultConfig returns the default metrics configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:   true,
		Port:      9464,
		Path:      "/metrics",
		Namespace: "genlog",
	}
}

// Collector tracks generation-manager activity. A nil Collector is valid
// and records nothing, so callers never need to guard instrumentation.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	probeResults  *prometheus.CounterVec
	casAttempts   prometheus.Counter
	casConflicts  prometheus.Counter
	notifies      prometheus.Counter
	watchRearms   prometheus.Counter
	opDuration    *prometheus.HistogramVec
	generationGen prometheus.Gauge

	server *http.Server
}

// NewCollector creates a metrics collector with its own registry.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return nil, nil
	}

	c := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}
	ns := config.Namespace

	c.probeResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "probe_results_total",
		Help:      "Shard probe outcomes by classification",
	}, []string{"result"})
	c.casAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "cas_attempts_total",
		Help:      "Metadata CAS write attempts",
	})
	c.casConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "cas_conflicts_total",
		Help:      "Metadata CAS writes lost to a concurrent writer",
	})
	c.notifies = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "notifies_total",
		Help:      "Notifications issued after successful mutations",
	})
	c.watchRearms = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: ns,
		Name:      "watch_rearms_total",
		Help:      "Watch re-arm attempts after a torn-down watch",
	})
	c.opDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: ns,
		Name:      "operation_duration_seconds",
		Help:      "Duration of manager operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation", "status"})
	c.generationGen = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: ns,
		Name:      "head_generation",
		Help:      "Highest generation ID currently in the entries map",
	})

	for _, col := range []prometheus.Collector{
		c.probeResults, c.casAttempts, c.casConflicts,
		c.notifies, c.watchRearms, c.opDuration, c.generationGen,
	} {
		if err := c.registry.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}
	return c, nil
}

// Serve exposes the registry over HTTP. Blocks until the server stops.
func (c *Collector) Serve() error {
	if c == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	c.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", c.config.Port),
		Handler: mux,
	}
	return c.server.ListenAndServe()
}

// Registry exposes the underlying registry for embedding in an existing
// exposition endpoint.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveProbe records a shard probe outcome.
func (c *Collector) ObserveProbe(result string) {
	if c == nil {
		return
	}
	c.probeResults.WithLabelValues(result).Inc()
}

// IncCASAttempt records a metadata CAS write attempt.
func (c *Collector) IncCASAttempt() {
	if c == nil {
		return
	}
	c.casAttempts.Inc()
}

// IncCASConflict records a CAS write lost to a concurrent writer.
func (c *Collector) IncCASConflict() {
	if c == nil {
		return
	}
	c.casConflicts.Inc()
}

// IncNotify records an issued notification.
func (c *Collector) IncNotify() {
	if c == nil {
		return
	}
	c.notifies.Inc()
}

// IncWatchRearm records a watch re-arm.
func (c *Collector) IncWatchRearm() {
	if c == nil {
		return
	}
	c.watchRearms.Inc()
}

// ObserveOperation records the duration and status of a manager operation.
func (c *Collector) ObserveOperation(op string, start time.Time, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.opDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

// SetHeadGeneration records the highest generation ID.
func (c *Collector) SetHeadGeneration(gen uint64) {
	if c == nil {
		return
	}
	c.generationGen.Set(float64(gen))
}
