package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

// OTelOptions configures the OpenTelemetry-backed Provider.
type OTelOptions struct {
	// ServiceName becomes the service.name resource attribute on every
	// instrument. Defaults to "diagcluster".
	ServiceName string
}

// NewOTelProvider returns a Provider backed by an OTel MeterProvider, for
// deployments that ship metrics through an OTel collector instead of a
// Prometheus scrape. Exporters and views are layered on by the deployment;
// the provider itself stays zero-config.
func NewOTelProvider(opts OTelOptions) Provider {
	name := opts.ServiceName
	if name == "" {
		name = "diagcluster"
	}
	res := resource.NewSchemaless(attribute.String("service.name", name))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
	return &otelProvider{mp: mp, meter: mp.Meter(name)}
}

type otelProvider struct {
	mp    *sdkmetric.MeterProvider
	meter metric.Meter
}

// otelName joins namespace/subsystem/name with '.' per OTel convention,
// where the Prometheus backend would use '_'.
func otelName(o CommonOpts) string {
	name := o.Name
	if o.Subsystem != "" {
		name = o.Subsystem + "." + name
	}
	if o.Namespace != "" {
		name = o.Namespace + "." + name
	}
	return name
}

func (p *otelProvider) NewCounter(opts CounterOpts) Counter {
	inst, err := p.meter.Float64Counter(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopCounter{}
	}
	return &otelCounter{c: inst, labelKeys: opts.Labels}
}

func (p *otelProvider) NewGauge(opts GaugeOpts) Gauge {
	inst, err := p.meter.Float64UpDownCounter(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopGauge{}
	}
	return &otelGauge{g: inst, labelKeys: opts.Labels, last: make(map[string]float64)}
}

func (p *otelProvider) NewHistogram(opts HistogramOpts) Histogram {
	inst, err := p.meter.Float64Histogram(otelName(opts.CommonOpts), metric.WithDescription(opts.Help))
	if err != nil {
		return noopHistogram{}
	}
	return &otelHistogram{h: inst, labelKeys: opts.Labels}
}

func (p *otelProvider) Health(ctx context.Context) error { return nil }

func toAttributes(keys, values []string) []attribute.KeyValue {
	n := len(keys)
	if len(values) < n {
		n = len(values)
	}
	out := make([]attribute.KeyValue, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, attribute.String(keys[i], values[i]))
	}
	return out
}

type otelCounter struct {
	c         metric.Float64Counter
	labelKeys []string
}

func (c *otelCounter) Inc(delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	c.c.Add(context.Background(), delta, metric.WithAttributes(toAttributes(c.labelKeys, labels)...))
}

// otelGauge simulates Set semantics over an UpDownCounter by applying the
// delta against the last value seen per label combination.
type otelGauge struct {
	g         metric.Float64UpDownCounter
	labelKeys []string

	mu   sync.Mutex
	last map[string]float64
}

func (g *otelGauge) labelKey(labels []string) string {
	key := ""
	for _, l := range labels {
		key += l + "\x00"
	}
	return key
}

func (g *otelGauge) Set(v float64, labels ...string) {
	key := g.labelKey(labels)
	g.mu.Lock()
	diff := v - g.last[key]
	g.last[key] = v
	g.mu.Unlock()
	if diff == 0 {
		return
	}
	g.g.Add(context.Background(), diff, metric.WithAttributes(toAttributes(g.labelKeys, labels)...))
}

func (g *otelGauge) Add(delta float64, labels ...string) {
	if delta == 0 {
		return
	}
	key := g.labelKey(labels)
	g.mu.Lock()
	g.last[key] += delta
	g.mu.Unlock()
	g.g.Add(context.Background(), delta, metric.WithAttributes(toAttributes(g.labelKeys, labels)...))
}

type otelHistogram struct {
	h         metric.Float64Histogram
	labelKeys []string
}

func (h *otelHistogram) Observe(v float64, labels ...string) {
	h.h.Record(context.Background(), v, metric.WithAttributes(toAttributes(h.labelKeys, labels)...))
}
