// Package metrics exposes the service's Prometheus instrumentation:
// conversion-duration histograms per media class and HTTP request metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"metamorph/internal/conv"
)

const (
	namespace = "dcl"
	subsystem = "metamorph"
)

// conversionBuckets covers sub-second texture encodes up to multi-minute
// video transcodes.
var conversionBuckets = []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Recorder aggregates the service's metrics on its own registry so tests
// can construct recorders independently.
type Recorder struct {
	registry *prometheus.Registry

	staticImage *prometheus.HistogramVec
	motionImage *prometheus.HistogramVec
	motionVideo *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// New constructs a Recorder with all collectors registered.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	conversionLabels := []string{"size_bucket", "format"}
	r := &Recorder{
		registry: registry,
		staticImage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "static_image_duration_seconds",
			Help:      "Duration of static image conversions",
			Buckets:   conversionBuckets,
		}, conversionLabels),
		motionImage: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "motion_image_duration_seconds",
			Help:      "Duration of animated image conversions",
			Buckets:   conversionBuckets,
		}, conversionLabels),
		motionVideo: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "motion_video_duration_seconds",
			Help:      "Duration of video conversions",
			Buckets:   conversionBuckets,
		}, conversionLabels),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.staticImage,
		r.motionImage,
		r.motionVideo,
		r.httpRequests,
		r.httpLatency,
	)
	return r
}

// ObserveConversion records a completed conversion for its media class,
// bucketed by source size.
func (r *Recorder) ObserveConversion(class conv.MediaClass, sourceBytes int64, format string, duration time.Duration) {
	histogram := r.motionVideo
	switch class {
	case conv.StaticImage:
		histogram = r.staticImage
	case conv.MotionImage:
		histogram = r.motionImage
	}
	histogram.WithLabelValues(SizeBucket(sourceBytes), format).Observe(duration.Seconds())
}

// ObserveRequest records an HTTP request.
func (r *Recorder) ObserveRequest(method, route, status string, duration time.Duration) {
	r.httpRequests.WithLabelValues(method, route, status).Inc()
	r.httpLatency.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler serves the registry in Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for test scrapes.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

const (
	megabyte = 1 << 20
)

// SizeBucket maps a source size in bytes to its histogram label.
func SizeBucket(bytes int64) string {
	switch {
	case bytes < megabyte:
		return "<1MB"
	case bytes < 5*megabyte:
		return "1-5MB"
	case bytes <= 10*megabyte:
		return "5-10MB"
	default:
		return ">10MB"
	}
}
