// Package metrics provides Prometheus metrics for the scenedav server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scenedav_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scenedav_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Content transfer metrics
	contentBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scenedav_content_bytes_downloaded_total",
			Help: "Total bytes served from stored resources and converters",
		},
	)

	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scenedav_content_bytes_uploaded_total",
			Help: "Total bytes written by PUT",
		},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scenedav_content_uploads_total",
			Help: "Total number of PUT uploads",
		},
		[]string{"status"},
	)

	// Negotiation metrics
	negotiationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scenedav_negotiations_total",
			Help: "Content negotiation outcomes by intrinsic and selected media type",
		},
		[]string{"source", "target", "result"},
	)

	// Converter metrics
	conversionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scenedav_conversion_duration_seconds",
			Help:    "Conversion duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	conversionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scenedav_conversions_total",
			Help: "Total conversions executed",
		},
		[]string{"kind", "status"},
	)

	converterSlotsInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scenedav_converter_slots_in_use",
			Help: "Number of external converter processes currently running",
		},
	)

	// VCS metrics
	vcsOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scenedav_vcs_operation_duration_seconds",
			Help:    "VCS command duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	vcsOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scenedav_vcs_operations_total",
			Help: "Total VCS commands executed",
		},
		[]string{"operation", "status"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scenedav_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"scheme", "result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordContentDownload records bytes sent to a client.
func RecordContentDownload(bytes int64) {
	contentBytesDownloaded.Add(float64(bytes))
}

// RecordContentUpload records a PUT upload.
func RecordContentUpload(bytes int64, success bool) {
	contentBytesUploaded.Add(float64(bytes))
	contentUploadsTotal.WithLabelValues(statusLabel(success)).Inc()
}

// RecordNegotiation records the outcome of content negotiation. An empty
// target means negotiation failed.
func RecordNegotiation(source, target string) {
	result := "selected"
	if target == "" {
		result = "not_acceptable"
	}
	negotiationsTotal.WithLabelValues(source, target, result).Inc()
}

// RecordConversion records a conversion run of the given action kind.
func RecordConversion(kind string, duration time.Duration, success bool) {
	conversionDuration.WithLabelValues(kind).Observe(duration.Seconds())
	conversionsTotal.WithLabelValues(kind, statusLabel(success)).Inc()
}

// ConverterStarted and ConverterFinished track running converter processes.
func ConverterStarted() {
	converterSlotsInUse.Inc()
}

func ConverterFinished() {
	converterSlotsInUse.Dec()
}

// RecordVCSOperation records a VCS command.
func RecordVCSOperation(operation string, duration time.Duration, success bool) {
	vcsOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	vcsOperationsTotal.WithLabelValues(operation, statusLabel(success)).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(scheme string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(scheme, result).Inc()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, rw.statusCode, time.Since(start))
	})
}
