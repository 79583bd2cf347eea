package metrics

import (
	"net/http"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	latencyBucketsMS = []float64{25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000, 120000}
	jobBucketsMS     = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
)

// Registry names every series the services emit. Callers address series by
// metric name and a label map; unknown names and label mismatches are dropped.
type Registry struct {
	mu         sync.RWMutex
	reg        *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
	r.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	r.RegisterCounter("aegis_job_runs_total", "Total background job runs by job and status.", "job", "status")
	r.RegisterHistogram("aegis_job_duration_ms", "Background job duration in milliseconds by job.", jobBucketsMS, "job")
	r.RegisterCounter("aegis_job_items_total", "Records touched by background jobs by job.", "job")

	r.RegisterCounter("aegis_vm_provision_total", "Total VM provision attempts by provider, region, and status.", "provider", "region", "status")
	r.RegisterHistogram("aegis_vm_provision_latency_ms", "VM provision latency in milliseconds by provider, region, and status.", latencyBucketsMS, "provider", "region", "status")
	r.RegisterCounter("aegis_vm_deprovision_total", "Total VM deprovision attempts by provider, region, and status.", "provider", "region", "status")
	r.RegisterCounter("aegis_vm_transitions_total", "VM status transitions by target status.", "to")
	r.RegisterGauge("aegis_vm_pool_size", "VMs in the pool by region and status.", "region", "status")
	r.RegisterCounter("aegis_vm_acquire_total", "VM acquire attempts by region and result.", "region", "result")

	r.RegisterCounter("aegis_aws_retries_total", "Total AWS retries by operation, region, and error code.", "operation", "region", "code")
	r.RegisterCounter("aegis_aws_retry_exhausted_total", "Total AWS operations that exhausted retry attempts by operation and region.", "operation", "region")
	r.RegisterCounter("aegis_aws_operations_total", "Total AWS operation attempts by operation, region, and status.", "operation", "region", "status")
	r.RegisterHistogram("aegis_aws_operation_latency_ms", "AWS operation latency in milliseconds by operation, region, and status.", latencyBucketsMS, "operation", "region", "status")

	r.RegisterCounter("aegis_session_start_total", "Session start attempts by region and result.", "region", "result")
	r.RegisterHistogram("aegis_session_start_latency_ms", "Time from start request to active session by region.", latencyBucketsMS, "region")
	r.RegisterCounter("aegis_session_end_total", "Sessions ended by final status.", "status")
	r.RegisterCounter("aegis_pairing_total", "Pairing attempts by result.", "result")
	r.RegisterCounter("aegis_launch_total", "Application launch attempts by result.", "result")

	r.RegisterCounter("aegis_signaling_requests_total", "Signaling calls forwarded to the media engine by operation and result.", "op", "result")
	r.RegisterGauge("aegis_peers", "Peer connections by connection state.", "state")
	r.RegisterCounter("aegis_rtp_packets_sent_total", "RTP packets written to a connected track.")
	r.RegisterCounter("aegis_rtp_packets_dropped_total", "RTP packets dropped by reason.", "reason")
	r.RegisterCounter("aegis_frames_dropped_total", "Encoded frames discarded before packetization by reason.", "reason")
	r.RegisterCounter("aegis_pipeline_restarts_total", "Capture/encode pipeline restarts by stage.", "stage")
	r.RegisterCounter("aegis_hls_segments_total", "HLS segments written.")
}

func (r *Registry) RegisterCounter(name, help string, labels ...string) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.counters[name]; ok {
		return
	}
	r.reg.MustRegister(vec)
	r.counters[name] = vec
}

func (r *Registry) RegisterGauge(name, help string, labels ...string) {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gauges[name]; ok {
		return
	}
	r.reg.MustRegister(vec)
	r.gauges[name] = vec
}

func (r *Registry) RegisterHistogram(name, help string, buckets []float64, labels ...string) {
	cp := append([]float64(nil), buckets...)
	sort.Float64s(cp)
	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: cp}, labels)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.histograms[name]; ok {
		return
	}
	r.reg.MustRegister(vec)
	r.histograms[name] = vec
}

func (r *Registry) IncCounter(name string, labels map[string]string) {
	r.AddCounter(name, 1, labels)
}

func (r *Registry) AddCounter(name string, delta float64, labels map[string]string) {
	r.mu.RLock()
	vec := r.counters[name]
	r.mu.RUnlock()
	if vec == nil {
		return
	}
	c, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	c.Add(delta)
}

func (r *Registry) SetGauge(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	vec := r.gauges[name]
	r.mu.RUnlock()
	if vec == nil {
		return
	}
	g, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	g.Set(value)
}

func (r *Registry) ObserveHistogram(name string, value float64, labels map[string]string) {
	r.mu.RLock()
	vec := r.histograms[name]
	r.mu.RUnlock()
	if vec == nil {
		return
	}
	h, err := vec.GetMetricWith(prometheus.Labels(labels))
	if err != nil {
		return
	}
	h.Observe(value)
}

// Gatherer exposes the underlying registry for scraping and tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

var (
	defaultMu       sync.Mutex
	defaultRegistry = NewRegistry()
)

func Default() *Registry {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultRegistry
}
