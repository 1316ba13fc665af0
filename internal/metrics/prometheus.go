// Package metrics backs internal/telemetry.Recorder with a private
// Prometheus registry (not the global default registry), so it can be
// embedded alongside other applications without colliding metric names.
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/nulpointcorp/aicentral-gateway/internal/telemetry"
)

var tagNames = []string{"pipeline", "endpoint", "deployment", "model", "call_kind", "streaming", "success", "client_name"}

func tagValues(t telemetry.Tags) []string {
	return []string{
		t.Pipeline, t.Endpoint, t.Deployment, t.Model, t.CallKind,
		boolLabel(t.Streaming), boolLabel(t.Success), t.ClientName,
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Registry is a telemetry.Recorder backed by three generic Prometheus
// instrument families (histograms, up-down counters realized as gauges,
// and gauges), one per distinct metric name seen so far, plus a per-endpoint
// gauge fallback for sinks that can't carry the full tag dimension.
type Registry struct {
	reg *prometheus.Registry

	mu          sync.Mutex
	histograms  map[string]*prometheus.HistogramVec
	counters    map[string]*prometheus.GaugeVec
	gauges      map[string]*prometheus.GaugeVec
	perHostGauges map[string]prometheus.Gauge

	metricsHandler fasthttp.RequestHandler
}

// New builds an empty Registry. Instrument families are created lazily on
// first use of a given metric name, since the set of names isn't known
// until pipelines are wired from config.
func New() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:           reg,
		histograms:    make(map[string]*prometheus.HistogramVec),
		counters:      make(map[string]*prometheus.GaugeVec),
		gauges:        make(map[string]*prometheus.GaugeVec),
		perHostGauges: make(map[string]prometheus.Gauge),
	}

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)
	return r
}

func metricName(name string) string {
	return "gateway_" + strings.ReplaceAll(name, ".", "_")
}

func (r *Registry) Histogram(name string, tags telemetry.Tags, value float64) {
	r.mu.Lock()
	hv, ok := r.histograms[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    metricName(name),
			Help:    "Histogram for " + name,
			Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, tagNames)
		r.reg.MustRegister(hv)
		r.histograms[name] = hv
	}
	r.mu.Unlock()

	hv.WithLabelValues(tagValues(tags)...).Observe(value)
}

func (r *Registry) UpDownCounter(name string, tags telemetry.Tags, delta float64) {
	r.mu.Lock()
	gv, ok := r.counters[name]
	if !ok {
		gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricName(name),
			Help: "Up-down counter for " + name,
		}, tagNames)
		r.reg.MustRegister(gv)
		r.counters[name] = gv
	}
	r.mu.Unlock()

	gv.WithLabelValues(tagValues(tags)...).Add(delta)
}

func (r *Registry) Gauge(name string, tags telemetry.Tags, value float64) {
	r.mu.Lock()
	gv, ok := r.gauges[name]
	if !ok {
		gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: metricName(name),
			Help: "Gauge for " + name,
		}, tagNames)
		r.reg.MustRegister(gv)
		r.gauges[name] = gv
	}
	r.mu.Unlock()

	gv.WithLabelValues(tagValues(tags)...).Set(value)

	// Per-endpoint gauge fallback, for sinks that can only scrape flat,
	// undimensioned series: downstream_{endpoint}_{model}_{metric}. The name
	// is built from the endpoint ID tag; the upstream host is not part of it.
	if tags.Endpoint != "" {
		hostMetric := "downstream_" + sanitize(tags.Endpoint) + "_" + sanitize(tags.Model) + "_" + sanitize(name)
		r.mu.Lock()
		hg, ok := r.perHostGauges[hostMetric]
		if !ok {
			hg = prometheus.NewGauge(prometheus.GaugeOpts{Name: hostMetric, Help: "Per-host gauge for " + name})
			r.reg.MustRegister(hg)
			r.perHostGauges[hostMetric] = hg
		}
		r.mu.Unlock()
		hg.Set(value)
	}
}

func sanitize(s string) string {
	s = strings.ToLower(s)
	var sb strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

// Handler exposes the registry over fasthttp for a /metrics route.
func (r *Registry) Handler() fasthttp.RequestHandler { return r.metricsHandler }

// PromRegistry exposes the underlying registry for tests.
func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
