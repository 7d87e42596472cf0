package metrics

import (
	"fmt"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultNamespace prefixes every exported metric name.
const DefaultNamespace = "ferry"

type counterDesc struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(Snapshot) int64
}

// PrometheusExporter exposes a Collector to Prometheus. Values are read from
// Collector.Snapshot at scrape time; the exporter holds no state of its own.
type PrometheusExporter struct {
	collector *Collector
	metrics   []counterDesc
	rejected  *prometheus.Desc
}

var _ prometheus.Collector = (*PrometheusExporter)(nil)

// NewPrometheusExporter registers an exporter for c with reg.
// An empty namespace uses DefaultNamespace; a nil reg uses the default
// registerer.
func NewPrometheusExporter(c *Collector, namespace string, reg prometheus.Registerer) (*PrometheusExporter, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	snap := c.Snapshot()
	labels := prometheus.Labels{
		"bus":             snap.Bus,
		"storage_backend": snap.StorageBackend,
		"subject":         snap.Subject,
	}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, labels)
	}
	counter := func(name, help string, value func(Snapshot) int64) counterDesc {
		return counterDesc{desc: desc(name, help), kind: prometheus.CounterValue, value: value}
	}
	gauge := func(name, help string, value func(Snapshot) int64) counterDesc {
		return counterDesc{desc: desc(name, help), kind: prometheus.GaugeValue, value: value}
	}

	e := &PrometheusExporter{
		collector: c,
		metrics: []counterDesc{
			counter("uploads_sent_total", "Uploads whose every chunk was published.",
				func(s Snapshot) int64 { return s.UploadsSent }),
			counter("uploads_failed_total", "Uploads aborted by a publish failure.",
				func(s Snapshot) int64 { return s.UploadsFailed }),
			counter("chunks_published_total", "Chunks accepted by the bus.",
				func(s Snapshot) int64 { return s.ChunksPublished }),
			counter("published_bytes_total", "Chunk payload bytes accepted by the bus.",
				func(s Snapshot) int64 { return s.BytesPublished }),
			counter("chunks_accepted_total", "Chunks stored by an assembler.",
				func(s Snapshot) int64 { return s.ChunksAccepted }),
			counter("chunks_duplicate_total", "Redelivered chunks ignored by an assembler.",
				func(s Snapshot) int64 { return s.ChunksDuplicate }),
			counter("messages_ignored_total", "Non-chunked messages seen on the subject.",
				func(s Snapshot) int64 { return s.MessagesIgnored }),
			counter("uploads_completed_total", "Uploads reassembled.",
				func(s Snapshot) int64 { return s.UploadsCompleted }),
			counter("completed_bytes_total", "Bytes of reassembled uploads.",
				func(s Snapshot) int64 { return s.BytesCompleted }),
			counter("uploads_evicted_total", "Uploads discarded after a rejection or removal.",
				func(s Snapshot) int64 { return s.UploadsEvicted }),
			counter("uploads_expired_total", "Uploads reclaimed by TTL.",
				func(s Snapshot) int64 { return s.UploadsExpired }),
			counter("store_writes_total", "Payloads persisted to the store.",
				func(s Snapshot) int64 { return s.StoreWriteSuccess }),
			counter("store_write_errors_total", "Failed store writes.",
				func(s Snapshot) int64 { return s.StoreWriteFailure }),
			counter("notify_errors_total", "Failed completion notifications.",
				func(s Snapshot) int64 { return s.NotifyFailure }),
			gauge("pending_uploads", "Incomplete uploads held by assemblers.",
				func(s Snapshot) int64 { return s.PendingUploads }),
			gauge("inflight_bytes", "Bytes buffered by assemblers.",
				func(s Snapshot) int64 { return s.InflightBytes }),
		},
		rejected: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "chunks_rejected_total"),
			"Chunks that failed validation, by eviction reason.",
			[]string{"reason"}, labels),
	}

	if err := reg.Register(e); err != nil {
		return nil, fmt.Errorf("register ferry metrics: %w", err)
	}
	return e, nil
}

// Describe implements prometheus.Collector.
func (e *PrometheusExporter) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range e.metrics {
		ch <- m.desc
	}
	ch <- e.rejected
}

// Collect implements prometheus.Collector.
func (e *PrometheusExporter) Collect(ch chan<- prometheus.Metric) {
	snap := e.collector.Snapshot()
	for _, m := range e.metrics {
		ch <- prometheus.MustNewConstMetric(m.desc, m.kind, float64(m.value(snap)))
	}

	reasons := make([]string, 0, len(snap.RejectedByReason))
	for reason := range snap.RejectedByReason {
		reasons = append(reasons, reason)
	}
	sort.Strings(reasons)
	for _, reason := range reasons {
		ch <- prometheus.MustNewConstMetric(e.rejected, prometheus.CounterValue,
			float64(snap.RejectedByReason[reason]), reason)
	}
}

// Handler returns an HTTP handler serving the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
