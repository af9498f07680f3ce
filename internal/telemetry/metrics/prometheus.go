package metrics

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// promProvider backs Provider with real Prometheus collectors registered
// against a dedicated registry, the way the teacher's telemetry adapter
// exposes a scrape endpoint independent of the default global registry.
type promProvider struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewPrometheusProvider returns a Provider backed by a fresh registry. The
// registry is returned so callers can mount it behind an HTTP handler.
func NewPrometheusProvider() (Provider, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return &promProvider{
		reg:        reg,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}, reg
}

func fqName(o CommonOpts) string {
	name := o.Name
	if o.Subsystem != "" {
		name = o.Subsystem + "_" + name
	}
	if o.Namespace != "" {
		name = o.Namespace + "_" + name
	}
	return name
}

func (p *promProvider) NewCounter(opts CounterOpts) Counter {
	key := fqName(opts.CommonOpts)
	p.mu.Lock()
	defer p.mu.Unlock()
	cv, ok := p.counters[key]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace, Subsystem: opts.Subsystem, Name: opts.Name, Help: opts.Help,
		}, opts.Labels)
		p.reg.MustRegister(cv)
		p.counters[key] = cv
	}
	return &promCounter{cv: cv}
}

func (p *promProvider) NewGauge(opts GaugeOpts) Gauge {
	key := fqName(opts.CommonOpts)
	p.mu.Lock()
	defer p.mu.Unlock()
	gv, ok := p.gauges[key]
	if !ok {
		gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: opts.Namespace, Subsystem: opts.Subsystem, Name: opts.Name, Help: opts.Help,
		}, opts.Labels)
		p.reg.MustRegister(gv)
		p.gauges[key] = gv
	}
	return &promGauge{gv: gv}
}

func (p *promProvider) NewHistogram(opts HistogramOpts) Histogram {
	key := fqName(opts.CommonOpts)
	p.mu.Lock()
	defer p.mu.Unlock()
	hv, ok := p.histograms[key]
	if !ok {
		buckets := opts.Buckets
		if len(buckets) == 0 {
			buckets = prometheus.DefBuckets
		}
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace, Subsystem: opts.Subsystem, Name: opts.Name, Help: opts.Help, Buckets: buckets,
		}, opts.Labels)
		p.reg.MustRegister(hv)
		p.histograms[key] = hv
	}
	return &promHistogram{hv: hv}
}

func (p *promProvider) Health(context.Context) error { return nil }

type promCounter struct{ cv *prometheus.CounterVec }

func (c *promCounter) Inc(delta float64, labels ...string) { c.cv.WithLabelValues(labels...).Add(delta) }

type promGauge struct{ gv *prometheus.GaugeVec }

func (g *promGauge) Set(v float64, labels ...string)     { g.gv.WithLabelValues(labels...).Set(v) }
func (g *promGauge) Add(delta float64, labels ...string) { g.gv.WithLabelValues(labels...).Add(delta) }

type promHistogram struct{ hv *prometheus.HistogramVec }

func (h *promHistogram) Observe(v float64, labels ...string) {
	h.hv.WithLabelValues(labels...).Observe(v)
}
