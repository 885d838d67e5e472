package metrics

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var fqNamePattern = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)

// cardinalityGuard caps the number of distinct label-value tuples a metric
// is allowed to accumulate before it logs once and increments a warning
// counter. Prometheus itself has no such limit; a misbehaving label (a raw
// device ID, say) can otherwise grow a vector unbounded.
type cardinalityGuard struct {
	mu      sync.Mutex
	limit   int
	seen    map[string]map[string]struct{}
	flagged map[string]struct{}
	counter *prom.CounterVec
}

func newCardinalityGuard(limit int, counter *prom.CounterVec) *cardinalityGuard {
	if limit <= 0 {
		limit = 100
	}
	return &cardinalityGuard{
		limit:   limit,
		seen:    make(map[string]map[string]struct{}),
		flagged: make(map[string]struct{}),
		counter: counter,
	}
}

func (g *cardinalityGuard) observe(metric string, labelValues []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tuples := g.seen[metric]
	if tuples == nil {
		tuples = make(map[string]struct{})
		g.seen[metric] = tuples
	}
	key := strings.Join(labelValues, "\x1f")
	if _, ok := tuples[key]; ok {
		return
	}
	tuples[key] = struct{}{}
	if len(tuples) <= g.limit {
		return
	}
	if _, already := g.flagged[metric]; already {
		return
	}
	g.flagged[metric] = struct{}{}
	if g.counter != nil {
		g.counter.WithLabelValues(metric).Inc()
	}
	fmt.Printf("telemetry: metric %s exceeded cardinality limit (%d distinct label sets)\n", metric, g.limit)
}

// PrometheusProvider is the Provider backend used when CoreConfig.MetricsBackend
// is "prometheus". Vectors are created lazily on first use and cached by
// fully-qualified name so repeated NewCounter/NewGauge/NewHistogram calls
// with the same opts return the same underlying collector.
type PrometheusProvider struct {
	registry *prom.Registry
	guard    *cardinalityGuard
	handler  http.Handler

	mu         sync.RWMutex
	counters   map[string]*prom.CounterVec
	gauges     map[string]*prom.GaugeVec
	histograms map[string]*prom.HistogramVec
	failures   []error
}

// PrometheusProviderOptions configures a PrometheusProvider. A nil Registry
// gets a fresh prom.NewRegistry(); a zero CardinalityLimit gets a default
// of 100 distinct label-value tuples per metric.
type PrometheusProviderOptions struct {
	Registry         *prom.Registry
	CardinalityLimit int
}

func NewPrometheusProvider(opts PrometheusProviderOptions) *PrometheusProvider {
	registry := opts.Registry
	if registry == nil {
		registry = prom.NewRegistry()
	}

	warnings := prom.NewCounterVec(prom.CounterOpts{
		Name: "stonegate_internal_cardinality_exceeded_total",
		Help: "Metrics whose distinct label-value count exceeded the cardinality guard.",
	}, []string{"metric"})
	_ = registry.Register(warnings) // best effort; a duplicate registration is not fatal here

	return &PrometheusProvider{
		registry:   registry,
		guard:      newCardinalityGuard(opts.CardinalityLimit, warnings),
		handler:    promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		counters:   make(map[string]*prom.CounterVec),
		gauges:     make(map[string]*prom.GaugeVec),
		histograms: make(map[string]*prom.HistogramVec),
	}
}

// MetricsHandler serves the registry's metrics in the Prometheus text
// exposition format; cmd/stonegated mounts it at /metrics.
func (p *PrometheusProvider) MetricsHandler() http.Handler { return p.handler }

func (p *PrometheusProvider) Health(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.failures) == 0 {
		return nil
	}
	return fmt.Errorf("prometheus provider: %d registration failure(s), first: %w", len(p.failures), p.failures[0])
}

func (p *PrometheusProvider) noteFailure(err error) {
	p.mu.Lock()
	p.failures = append(p.failures, err)
	p.mu.Unlock()
}

// fqName joins CommonOpts into a Prometheus metric name
// (namespace_subsystem_name) and rejects anything that wouldn't be a legal
// Prometheus identifier.
func fqName(c CommonOpts) (string, error) {
	if c.Name == "" {
		return "", fmt.Errorf("metric name required")
	}
	var parts []string
	for _, p := range []string{c.Namespace, c.Subsystem, c.Name} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	name := strings.Join(parts, "_")
	if !fqNamePattern.MatchString(name) {
		return "", fmt.Errorf("telemetry: %q is not a valid Prometheus metric name", name)
	}
	return name, nil
}

func (p *PrometheusProvider) NewCounter(opts CounterOpts) Counter {
	name, err := fqName(opts.CommonOpts)
	if err != nil {
		p.noteFailure(err)
		return noopCounter{}
	}

	p.mu.RLock()
	vec := p.counters[name]
	p.mu.RUnlock()
	if vec == nil {
		vec = prom.NewCounterVec(prom.CounterOpts{Name: name, Help: opts.Help}, opts.Labels)
		registered, err := p.registerOrReuse(name, vec)
		if err != nil {
			p.noteFailure(err)
			return noopCounter{}
		}
		vec = registered.(*prom.CounterVec)
		p.mu.Lock()
		p.counters[name] = vec
		p.mu.Unlock()
	}
	return &promCounter{vec: vec, guard: p.guard, name: name}
}

func (p *PrometheusProvider) NewGauge(opts GaugeOpts) Gauge {
	name, err := fqName(opts.CommonOpts)
	if err != nil {
		p.noteFailure(err)
		return noopGauge{}
	}

	p.mu.RLock()
	vec := p.gauges[name]
	p.mu.RUnlock()
	if vec == nil {
		vec = prom.NewGaugeVec(prom.GaugeOpts{Name: name, Help: opts.Help}, opts.Labels)
		registered, err := p.registerOrReuse(name, vec)
		if err != nil {
			p.noteFailure(err)
			return noopGauge{}
		}
		vec = registered.(*prom.GaugeVec)
		p.mu.Lock()
		p.gauges[name] = vec
		p.mu.Unlock()
	}
	return &promGauge{vec: vec, guard: p.guard, name: name}
}

func (p *PrometheusProvider) NewHistogram(opts HistogramOpts) Histogram {
	name, err := fqName(opts.CommonOpts)
	if err != nil {
		p.noteFailure(err)
		return noopHistogram{}
	}

	p.mu.RLock()
	vec := p.histograms[name]
	p.mu.RUnlock()
	if vec == nil {
		buckets := opts.Buckets
		if len(buckets) == 0 {
			buckets = prom.DefBuckets
		}
		vec = prom.NewHistogramVec(prom.HistogramOpts{Name: name, Help: opts.Help, Buckets: buckets}, opts.Labels)
		registered, err := p.registerOrReuse(name, vec)
		if err != nil {
			p.noteFailure(err)
			return noopHistogram{}
		}
		vec = registered.(*prom.HistogramVec)
		p.mu.Lock()
		p.histograms[name] = vec
		p.mu.Unlock()
	}
	return &promHistogram{vec: vec, guard: p.guard, name: name}
}

func (p *PrometheusProvider) NewTimer(opts HistogramOpts) func() Timer {
	hist := p.NewHistogram(opts)
	return func() Timer { return &promTimer{hist: hist, start: time.Now()} }
}

// registerOrReuse registers a freshly built vector, or returns the
// already-registered collector if an identical one (same name, labels and
// help, e.g. from a concurrent caller) got there first. A collector with the
// same name but different labels or help is returned as an error.
func (p *PrometheusProvider) registerOrReuse(name string, vec prom.Collector) (prom.Collector, error) {
	if err := p.registry.Register(vec); err != nil {
		are, ok := err.(prom.AlreadyRegisteredError)
		if !ok {
			return nil, fmt.Errorf("telemetry: registering %s: %w", name, err)
		}
		return are.ExistingCollector, nil
	}
	return vec, nil
}

type promCounter struct {
	vec   *prom.CounterVec
	guard *cardinalityGuard
	name  string
}

func (c *promCounter) Inc(delta float64, labels ...string) {
	if delta <= 0 {
		return
	}
	c.guard.observe(c.name, labels)
	c.vec.WithLabelValues(labels...).Add(delta)
}

type promGauge struct {
	vec   *prom.GaugeVec
	guard *cardinalityGuard
	name  string
}

func (g *promGauge) Set(value float64, labels ...string) {
	g.guard.observe(g.name, labels)
	g.vec.WithLabelValues(labels...).Set(value)
}

func (g *promGauge) Add(delta float64, labels ...string) {
	if delta == 0 {
		return
	}
	g.guard.observe(g.name, labels)
	g.vec.WithLabelValues(labels...).Add(delta)
}

type promHistogram struct {
	vec   *prom.HistogramVec
	guard *cardinalityGuard
	name  string
}

func (h *promHistogram) Observe(value float64, labels ...string) {
	h.guard.observe(h.name, labels)
	h.vec.WithLabelValues(labels...).Observe(value)
}

type promTimer struct {
	hist  Histogram
	start time.Time
}

func (t *promTimer) ObserveDuration(labels ...string) {
	t.hist.Observe(time.Since(t.start).Seconds(), labels...)
}
