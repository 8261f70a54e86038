package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// register adds c to the default registry. Backends are created once per
// factory, so a second registration under the same name and labels hands
// back the collector that is already exported instead of failing.
func register[C prometheus.Collector](c C) C {
	err := prometheus.Register(c)
	if err == nil {
		return c
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing
		}
	}
	// unregistered collectors still count, they are just not scraped
	return c
}

// Counter is a per-backend counter created outside the package level
// vectors.
type Counter struct {
	counter prometheus.Counter
}

// NewCounter registers a counter, or reuses the one already registered.
func NewCounter(name, help string, labels map[string]string) *Counter {
	return &Counter{counter: register(prometheus.NewCounter(prometheus.CounterOpts{
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}))}
}

// Inc increments the counter by 1
func (c *Counter) Inc() {
	c.counter.Inc()
}

// Add adds v, which must not be negative.
func (c *Counter) Add(v float64) {
	c.counter.Add(v)
}

// Gauge is a per-backend gauge.
type Gauge struct {
	gauge prometheus.Gauge
}

// NewGauge registers a gauge, or reuses the one already registered.
func NewGauge(name, help string, labels map[string]string) *Gauge {
	return &Gauge{gauge: register(prometheus.NewGauge(prometheus.GaugeOpts{
		Name:        name,
		Help:        help,
		ConstLabels: labels,
	}))}
}

func (g *Gauge) Set(v float64) { g.gauge.Set(v) }
func (g *Gauge) Inc()          { g.gauge.Inc() }
func (g *Gauge) Dec()          { g.gauge.Dec() }
func (g *Gauge) Sub(v float64) { g.gauge.Sub(v) }

// Histogram is a per-backend latency histogram.
type Histogram struct {
	histogram prometheus.Histogram
}

// NewHistogram registers a histogram, or reuses the one already registered.
func NewHistogram(name, help string, labels map[string]string, buckets []float64) *Histogram {
	return &Histogram{histogram: register(prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        name,
		Help:        help,
		ConstLabels: labels,
		Buckets:     buckets,
	}))}
}

// Observe records one sample in seconds.
func (h *Histogram) Observe(v float64) {
	h.histogram.Observe(v)
}
