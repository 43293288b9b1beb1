// Package metrics holds the Prometheus collectors of one compute device.
//
// Each device owns its collectors so several devices, or several tests, can
// live in one process without duplicate registration.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace prefixes every metric name.
const Namespace = "wgpucore"

// Metrics is the collector set of one device.
type Metrics struct {
	PipelineCompilations   *prometheus.CounterVec
	PipelineCompileSeconds prometheus.Histogram
	Dispatches             *prometheus.CounterVec
	StorageBytes           prometheus.Gauge
	PoolHits               prometheus.Counter
	PoolMisses             prometheus.Counter
	Readbacks              prometheus.Counter

	gatherer prometheus.Gatherer
}

// New registers the collectors with reg. A nil reg gets a private registry.
// The device label distinguishes devices sharing one registry.
func New(reg prometheus.Registerer, device string) *Metrics {
	var gatherer prometheus.Gatherer
	if reg == nil {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"device": device}, reg)
	factory := promauto.With(reg)

	return &Metrics{
		PipelineCompilations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pipeline_compilations_total",
			Help:      "Kernels compiled into pipelines, by kernel and outcome.",
		}, []string{"kernel", "outcome"}),
		PipelineCompileSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "pipeline_compile_seconds",
			Help:      "Time spent compiling a kernel.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		Dispatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "dispatches_total",
			Help:      "Compute dispatches submitted, by kernel.",
		}, []string{"kernel"}),
		StorageBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "storage_bytes_allocated",
			Help:      "Device bytes held by live buffers, pooled ones included.",
		}),
		PoolHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "buffer_pool_hits_total",
			Help:      "Buffer requests served from the pool.",
		}),
		PoolMisses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "buffer_pool_misses_total",
			Help:      "Buffer requests that allocated a new buffer.",
		}),
		Readbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "readbacks_total",
			Help:      "Device-to-host copies completed.",
		}),
		gatherer: gatherer,
	}
}

// Gatherer returns the registry the collectors live in, or nil when the
// caller supplied a Registerer that cannot gather.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}

// Snapshot returns the current value of every counter and gauge, keyed by
// name and sorted labels. Histograms report their sample count and sum.
func (m *Metrics) Snapshot() (map[string]float64, error) {
	if m.gatherer == nil {
		return nil, fmt.Errorf("metrics: registry cannot be gathered")
	}
	families, err := m.gatherer.Gather()
	if err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			var labels []string
			for _, lp := range metric.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			key := mf.GetName()
			if len(labels) > 0 {
				key += "{" + strings.Join(labels, ",") + "}"
			}
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			case metric.GetHistogram() != nil:
				out[key+"_count"] = float64(metric.GetHistogram().GetSampleCount())
				out[key+"_sum"] = metric.GetHistogram().GetSampleSum()
			}
		}
	}
	return out, nil
}

// WriteTo prints the snapshot as "name value" lines in name order.
func (m *Metrics) WriteTo(w io.Writer) (int64, error) {
	snap, err := m.Snapshot()
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var total int64
	for _, k := range keys {
		n, err := fmt.Fprintf(w, "%s %g\n", k, snap[k])
		total += int64(n)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
