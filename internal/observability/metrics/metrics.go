package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Publish outcomes used as the result label of bitriver_ingest_publishes_total.
const (
	PublishAccepted     = "accepted"
	PublishUnauthorized = "unauthorized"
	PublishAlreadyLive  = "already_live"
	PublishFailed       = "failed"
)

// Recorder owns the gateway's Prometheus collectors on a private registry.
// All methods are safe on a nil receiver so components can run without
// instrumentation in tests.
type Recorder struct {
	registry *prometheus.Registry

	connections      *prometheus.CounterVec
	handshakeFailure prometheus.Counter
	publishes        *prometheus.CounterVec
	reaped           prometheus.Counter
	encoderStarts    *prometheus.CounterVec
	encoderExits     *prometheus.CounterVec
	mediaBytes       *prometheus.CounterVec
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec

	activeSessions  prometheus.Gauge
	liveStreams     prometheus.Gauge
	runningEncoders prometheus.Gauge
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder with every collector registered.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bitriver_ingest_connections_total",
			Help: "RTMP connections by outcome at accept time",
		}, []string{"result"}),
		handshakeFailure: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bitriver_ingest_handshake_failures_total",
			Help: "RTMP handshakes that failed or timed out",
		}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bitriver_ingest_publishes_total",
			Help: "Publish requests by result",
		}, []string{"result"}),
		reaped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bitriver_ingest_reaped_streams_total",
			Help: "Streams removed because their heartbeat expired",
		}),
		encoderStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bitriver_ingest_encoder_starts_total",
			Help: "Encoder spawn attempts by result",
		}, []string{"result"}),
		encoderExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bitriver_ingest_encoder_exits_total",
			Help: "Encoder process exits by result",
		}, []string{"result"}),
		mediaBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bitriver_ingest_media_bytes_total",
			Help: "Media payload bytes received from publishers",
		}, []string{"kind"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bitriver_http_requests_total",
			Help: "Statistics API requests",
		}, []string{"method", "path", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bitriver_http_request_duration_seconds",
			Help:    "Statistics API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bitriver_ingest_active_sessions",
			Help: "Open RTMP sessions",
		}),
		liveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bitriver_ingest_live_streams",
			Help: "Streams currently registered as live",
		}),
		runningEncoders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bitriver_ingest_running_encoders",
			Help: "Encoder processes currently running",
		}),
	}
	r.registry.MustRegister(
		r.connections,
		r.handshakeFailure,
		r.publishes,
		r.reaped,
		r.encoderStarts,
		r.encoderExits,
		r.mediaBytes,
		r.requests,
		r.requestDuration,
		r.activeSessions,
		r.liveStreams,
		r.runningEncoders,
	)
	return r
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. Passing nil is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

func (r *Recorder) ConnectionAccepted() {
	if r == nil {
		return
	}
	r.connections.WithLabelValues("accepted").Inc()
}

// ConnectionRejected counts a connection closed before its session started,
// for example because the connection cap was reached.
func (r *Recorder) ConnectionRejected() {
	if r == nil {
		return
	}
	r.connections.WithLabelValues("rejected").Inc()
}

func (r *Recorder) HandshakeFailed() {
	if r == nil {
		return
	}
	r.handshakeFailure.Inc()
}

func (r *Recorder) ObservePublish(result string) {
	if r == nil {
		return
	}
	result = strings.ToLower(strings.TrimSpace(result))
	if result == "" {
		result = PublishFailed
	}
	r.publishes.WithLabelValues(result).Inc()
}

func (r *Recorder) StreamReaped() {
	if r == nil {
		return
	}
	r.reaped.Inc()
}

// EncoderStarted records a spawn attempt; successful spawns also raise the
// running encoder gauge.
func (r *Recorder) EncoderStarted(ok bool) {
	if r == nil {
		return
	}
	if !ok {
		r.encoderStarts.WithLabelValues("error").Inc()
		return
	}
	r.encoderStarts.WithLabelValues("ok").Inc()
	r.runningEncoders.Inc()
}

// EncoderExited records a process exit; result is "clean", "error" or "stopped".
func (r *Recorder) EncoderExited(result string) {
	if r == nil {
		return
	}
	r.encoderExits.WithLabelValues(result).Inc()
	r.runningEncoders.Dec()
}

// AddMediaBytes counts received payload bytes; kind is "audio", "video" or "data".
func (r *Recorder) AddMediaBytes(kind string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.mediaBytes.WithLabelValues(kind).Add(float64(n))
}

func (r *Recorder) SessionOpened() {
	if r == nil {
		return
	}
	r.activeSessions.Inc()
}

func (r *Recorder) SessionClosed() {
	if r == nil {
		return
	}
	r.activeSessions.Dec()
}

func (r *Recorder) SetLiveStreams(n int) {
	if r == nil {
		return
	}
	r.liveStreams.Set(float64(n))
}

// ObserveRequest records one statistics API request. path should be the
// route pattern rather than the raw URL so stream keys never become labels.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	method = strings.ToUpper(method)
	if path == "" {
		path = "unmatched"
	}
	r.requests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Handler serves the registry in the Prometheus exposition format. refresh,
// when set, runs before each scrape to update sampled gauges.
func (r *Recorder) Handler(refresh func()) http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	inner := promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if refresh != nil {
			refresh()
		}
		inner.ServeHTTP(w, req)
	})
}
