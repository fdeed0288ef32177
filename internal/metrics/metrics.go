package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gridvault"

// Metrics holds the service's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatherer prometheus.Gatherer

	uploads         *prometheus.CounterVec
	uploadDuration  prometheus.Histogram
	downloads       *prometheus.CounterVec
	bytesIn         prometheus.Counter
	bytesOut        prometheus.Counter
	chunkRetries    prometheus.Counter
	janitorSweeps   *prometheus.CounterVec
	janitorReclaims prometheus.Counter
}

// New creates the collectors and registers them on reg
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) (*Metrics, error) {
	m := &Metrics{
		gatherer: gatherer,
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Uploads by result.",
		}, []string{"result"}),
		uploadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Time spent storing an upload.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30},
		}),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Downloads by result.",
		}, []string{"result"}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Bytes accepted from uploads.",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloaded_bytes_total",
			Help:      "Bytes streamed to downloads.",
		}),
		chunkRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_retries_total",
			Help:      "Chunk store operations retried after a transient failure.",
		}),
		janitorSweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_sweeps_total",
			Help:      "Janitor sweeps by result.",
		}, []string{"result"}),
		janitorReclaims: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "janitor_reclaimed_uploads_total",
			Help:      "Orphaned chunk sets deleted by the janitor.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.uploads, m.uploadDuration, m.downloads, m.bytesIn, m.bytesOut,
		m.chunkRetries, m.janitorSweeps, m.janitorReclaims,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func result(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}

// UploadFinished counts one upload by outcome; successful ones also record duration and bytes
func (m *Metrics) UploadFinished(seconds float64, size int64, err error) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(result(err)).Inc()
	if err == nil {
		m.uploadDuration.Observe(seconds)
		m.bytesIn.Add(float64(size))
	}
}

// DownloadFinished counts one download by outcome and the bytes sent
func (m *Metrics) DownloadFinished(size int64, err error) {
	if m == nil {
		return
	}
	m.downloads.WithLabelValues(result(err)).Inc()
	m.bytesOut.Add(float64(size))
}

// ChunkRetried counts one retried chunk store call
func (m *Metrics) ChunkRetried(string, error) {
	if m == nil {
		return
	}
	m.chunkRetries.Inc()
}

// SweepFinished counts one janitor sweep by outcome and the orphans it reclaimed
func (m *Metrics) SweepFinished(reclaimed int, err error) {
	if m == nil {
		return
	}
	m.janitorSweeps.WithLabelValues(result(err)).Inc()
	m.janitorReclaims.Add(float64(reclaimed))
}
