package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricID identifies one of the fixed per-module-per-frame samples taken
// by Health & Telemetry (spec §4.G).
type MetricID uint8

const (
	MetricUpdateLatency MetricID = iota
	MetricCheckpointSize
	MetricDiffSize
	MetricValidationTime
	MetricMemoryInUse
	MetricSwapCount
	MetricSwapFailureCount
	MetricCapabilityViolations
)

var metricNames = map[MetricID]string{
	MetricUpdateLatency:        "update_latency",
	MetricCheckpointSize:       "checkpoint_size",
	MetricDiffSize:             "diff_size",
	MetricValidationTime:       "validation_time",
	MetricMemoryInUse:          "memory_in_use",
	MetricSwapCount:            "swap_count",
	MetricSwapFailureCount:     "swap_failure",
	MetricCapabilityViolations: "capability_violations",
}

func (m MetricID) String() string {
	if name, ok := metricNames[m]; ok {
		return name
	}
	return "unknown"
}

// Record is one fixed-size telemetry sample, matching the §6 wire shape:
// timestamp, metric id, value, auxiliary tag.
type Record struct {
	Timestamp time.Time
	Metric    MetricID
	Value     float64
	Aux       string
}

// Ring is a per-module telemetry ring. A single producer (the owning
// module's accessors) pushes records; external collectors drain them in
// batches. Capacity is fixed; the oldest record is overwritten when the
// ring is full, matching "drained records are freed back to the ring".
type Ring struct {
	mu       sync.Mutex
	buf      []Record
	head     int // next write position
	count    int
	capacity int
}

// NewRing creates a ring with the given fixed capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring{buf: make([]Record, capacity), capacity: capacity}
}

// Push appends a record, overwriting the oldest entry once the ring is
// full.
func (r *Ring) Push(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.head] = rec
	r.head = (r.head + 1) % r.capacity
	if r.count < r.capacity {
		r.count++
	}
}

// Drain removes and returns up to max records, oldest first.
func (r *Ring) Drain(max int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	if max <= 0 || max > r.count {
		max = r.count
	}
	out := make([]Record, 0, max)
	start := (r.head - r.count + r.capacity) % r.capacity
	for i := 0; i < max; i++ {
		out = append(out, r.buf[(start+i)%r.capacity])
	}
	r.count -= max
	return out
}

// Len reports the number of undrained records.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// PrometheusMetrics exposes the same samples as Prometheus collectors for
// the external dashboard's scrape endpoint.
type PrometheusMetrics struct {
	UpdateLatency        *prometheus.HistogramVec
	CheckpointSize       *prometheus.GaugeVec
	DiffSize             *prometheus.GaugeVec
	ValidationTime       *prometheus.HistogramVec
	MemoryInUse          *prometheus.GaugeVec
	SwapCount            *prometheus.CounterVec
	SwapFailureCount     *prometheus.CounterVec
	CapabilityViolations *prometheus.CounterVec
}

// NewPrometheusMetrics registers the HMR metric set on the given registry.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	labels := []string{"module"}
	m := &PrometheusMetrics{
		UpdateLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hmrcore",
			Name:      "update_latency_seconds",
			Help:      "Time to publish one state-manager update.",
			Buckets:   prometheus.DefBuckets,
		}, labels),
		CheckpointSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hmrcore",
			Name:      "checkpoint_bytes",
			Help:      "Size of the most recent checkpoint.",
		}, labels),
		DiffSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hmrcore",
			Name:      "diff_bytes",
			Help:      "Size of the most recent diff.",
		}, labels),
		ValidationTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hmrcore",
			Name:      "validation_seconds",
			Help:      "Time spent validating chunk checksums.",
			Buckets:   prometheus.DefBuckets,
		}, labels),
		MemoryInUse: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hmrcore",
			Name:      "arena_bytes_in_use",
			Help:      "Live arena allocation for a module.",
		}, labels),
		SwapCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hmrcore",
			Name:      "swaps_total",
			Help:      "Total hot swaps committed.",
		}, labels),
		SwapFailureCount: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hmrcore",
			Name:      "swap_failures_total",
			Help:      "Total admitted hot swaps that failed, excluding ABI and capability rejections.",
		}, labels),
		CapabilityViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hmrcore",
			Name:      "capability_violations_total",
			Help:      "Total capability check failures.",
		}, labels),
	}

	reg.MustRegister(
		m.UpdateLatency, m.CheckpointSize, m.DiffSize, m.ValidationTime,
		m.MemoryInUse, m.SwapCount, m.SwapFailureCount, m.CapabilityViolations,
	)
	return m
}
