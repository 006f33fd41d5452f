package monitoring

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for a node.
type Metrics struct {
	// Frame metrics
	FramesReceived *prometheus.CounterVec
	FramesSent     *prometheus.CounterVec
	FramesDropped  *prometheus.CounterVec
	SendFailures   prometheus.Counter

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration prometheus.Histogram
	RequestsServed  *prometheus.CounterVec
	PendingRequests prometheus.Gauge

	// Gossip metrics
	GossipPublished  prometheus.Counter
	GossipDelivered  prometheus.Counter
	GossipDuplicates prometheus.Counter
	GossipForwarded  prometheus.Counter

	// Peer metrics
	PeersKnown     prometheus.Gauge
	PeersConnected prometheus.Gauge
	PeersOnline    prometheus.Gauge
	PeersBanned    prometheus.Counter

	// Loop metrics
	CommandQueueDepth prometheus.Gauge
	DispatcherActive  prometheus.Gauge
	DispatcherPending prometheus.Gauge
	LookupsTotal      *prometheus.CounterVec
}

// NewMetrics creates metrics with the given namespace and registers them with reg.
// A nil reg registers with the Prometheus default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Frames received by envelope kind",
		}, []string{"kind"}),
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Frames queued for sending by envelope kind",
		}, []string{"kind"}),
		FramesDropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames dropped by reason",
		}, []string{"reason"}),
		SendFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Frames the transport failed to deliver",
		}),

		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Outbound requests by outcome",
		}, []string{"outcome"}),
		RequestDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Outbound request round-trip time in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		RequestsServed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_served_total",
			Help:      "Inbound requests answered by request type and status",
		}, []string{"type", "status"}),
		PendingRequests: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Outbound requests awaiting a response",
		}),

		GossipPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_published_total",
			Help:      "Gossip messages published by this node",
		}),
		GossipDelivered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_delivered_total",
			Help:      "New gossip messages received",
		}),
		GossipDuplicates: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_duplicates_total",
			Help:      "Gossip messages dropped as already seen",
		}),
		GossipForwarded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_forwarded_total",
			Help:      "Gossip messages relayed to other peers",
		}),

		PeersKnown: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_known",
			Help:      "Peer records in the directory",
		}),
		PeersConnected: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_connected",
			Help:      "Peers holding a connection slot",
		}),
		PeersOnline: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers_online",
			Help:      "Connected peers currently reachable",
		}),
		PeersBanned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "peers_banned_total",
			Help:      "Peers banned",
		}),

		CommandQueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "command_queue_depth",
			Help:      "Commands waiting for the event loop",
		}),
		DispatcherActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatcher_active",
			Help:      "Request handlers currently running",
		}),
		DispatcherPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatcher_pending",
			Help:      "Inbound requests waiting for a worker",
		}),
		LookupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lookups_total",
			Help:      "Peer lookups by result",
		}, []string{"result"}),
	}
}

// RecordRequest records the outcome of an outbound request.
func (m *Metrics) RecordRequest(outcome string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(outcome).Inc()
	m.RequestDuration.Observe(duration.Seconds())
}

// RecordServed records an answered inbound request.
func (m *Metrics) RecordServed(reqType, status string) {
	m.RequestsServed.WithLabelValues(reqType, status).Inc()
}

// UpdatePeers updates the peer gauges.
func (m *Metrics) UpdatePeers(known, connected, online int) {
	m.PeersKnown.Set(float64(known))
	m.PeersConnected.Set(float64(connected))
	m.PeersOnline.Set(float64(online))
}

// UpdateLoop updates the event loop gauges.
func (m *Metrics) UpdateLoop(queueDepth, pendingRequests int, active int64, dispatcherPending int) {
	m.CommandQueueDepth.Set(float64(queueDepth))
	m.PendingRequests.Set(float64(pendingRequests))
	m.DispatcherActive.Set(float64(active))
	m.DispatcherPending.Set(float64(dispatcherPending))
}

// MetricsServer runs an HTTP server exposing /metrics and /health.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a metrics server on addr. A nil gatherer serves the default registry.
func NewMetricsServer(addr string, gatherer prometheus.Gatherer) *MetricsServer {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *MetricsServer) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server (blocking).
func (s *MetricsServer) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartAsync starts the metrics server in a goroutine. Errors are passed to onError.
func (s *MetricsServer) StartAsync(onError func(error)) {
	go func() {
		if err := s.Start(); err != nil && onError != nil {
			onError(err)
		}
	}()
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
