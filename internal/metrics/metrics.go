// Package metrics defines the Prometheus collectors for archive streams and
// the HTTP server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream outcomes used as label values.
const (
	OutcomeSuccess  = "success"
	OutcomeCanceled = "canceled"
	OutcomeFailed   = "failed"
	OutcomeRejected = "rejected"
)

// Metrics holds the collectors. A nil *Metrics records nothing.
type Metrics struct {
	StreamsStarted   *prometheus.CounterVec
	StreamsCompleted *prometheus.CounterVec
	StreamsActive    prometheus.Gauge
	StreamDuration   *prometheus.HistogramVec
	BytesStreamed    *prometheus.CounterVec
	EntryWarnings    prometheus.Counter
	PipePeakBytes    prometheus.Histogram

	HTTPRequestsTotal *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		StreamsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirstream_streams_started_total",
				Help: "Archive streams started",
			},
			[]string{"format"},
		),
		StreamsCompleted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirstream_streams_completed_total",
				Help: "Archive streams finished, by outcome",
			},
			[]string{"format", "outcome"},
		),
		StreamsActive: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "dirstream_streams_active",
				Help: "Number of archive streams in progress",
			},
		),
		StreamDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dirstream_stream_duration_seconds",
				Help:    "Time from first byte to the end of an archive stream",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
			},
			[]string{"format", "outcome"},
		),
		BytesStreamed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirstream_bytes_streamed_total",
				Help: "Archive bytes written to clients",
			},
			[]string{"format"},
		),
		EntryWarnings: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dirstream_entry_warnings_total",
				Help: "Entries skipped because they could not be read",
			},
		),
		PipePeakBytes: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dirstream_pipe_peak_bytes",
				Help:    "Peak bytes buffered between producer and client per stream",
				Buckets: prometheus.ExponentialBuckets(4<<10, 4, 8),
			},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dirstream_http_requests_total",
				Help: "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Stream tracks one archive stream from start to finish.
type Stream struct {
	m      *Metrics
	format string
	start  time.Time
}

// StartStream records the start of a stream.
func (m *Metrics) StartStream(format string) *Stream {
	s := &Stream{m: m, format: format, start: time.Now()}
	if m == nil {
		return s
	}
	m.StreamsStarted.WithLabelValues(format).Inc()
	m.StreamsActive.Inc()
	return s
}

// Done records the end of the stream.
func (s *Stream) Done(outcome string, bytes int64, warnings int, peak int64) {
	m := s.m
	if m == nil {
		return
	}
	m.StreamsActive.Dec()
	m.StreamsCompleted.WithLabelValues(s.format, outcome).Inc()
	m.StreamDuration.WithLabelValues(s.format, outcome).Observe(time.Since(s.start).Seconds())
	m.BytesStreamed.WithLabelValues(s.format).Add(float64(bytes))
	m.EntryWarnings.Add(float64(warnings))
	if peak > 0 {
		m.PipePeakBytes.Observe(float64(peak))
	}
}

// Rejected records a stream that failed before any byte was sent.
func (m *Metrics) Rejected(format string) {
	if m == nil {
		return
	}
	m.StreamsCompleted.WithLabelValues(format, OutcomeRejected).Inc()
}

// EchoMiddleware returns Echo middleware that counts HTTP requests.
func (m *Metrics) EchoMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			err := next(c)
			if m == nil {
				return err
			}

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			m.HTTPRequestsTotal.WithLabelValues(
				c.Request().Method,
				c.Path(),
				strconv.Itoa(status),
			).Inc()
			return err
		}
	}
}
