package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "roomrelay"

// Metrics Prometheus 指標
//
// 使用獨立的 Registry，測試可重複建立而不會重複註冊。
type Metrics struct {
	registry *prometheus.Registry

	FramesReceived     *prometheus.CounterVec
	ProtocolErrors     *prometheus.CounterVec
	Deliveries         prometheus.Counter
	DroppedDeliveries  prometheus.Counter
	LivenessEvictions  prometheus.Counter
	SessionsOpened     prometheus.Counter
	SessionsClosed     *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	RateLimitedFrames  prometheus.Counter
	RoomsCreatedTotal  prometheus.Counter
	RoomCodeCollisions prometheus.Counter
}

// NewMetrics 創建並註冊指標
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		FramesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Inbound WebSocket frames by type.",
		}, []string{"type"}),
		ProtocolErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "protocol_errors_total",
			Help:      "Error frames sent to clients by error code.",
		}, []string{"code"}),
		Deliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_deliveries_total",
			Help:      "Frames queued to room members by broadcast.",
		}),
		DroppedDeliveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "broadcast_dropped_total",
			Help:      "Broadcast deliveries skipped because the member was unsendable.",
		}),
		LivenessEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "liveness_evictions_total",
			Help:      "Sessions terminated by the liveness monitor.",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_opened_total",
			Help:      "WebSocket sessions accepted.",
		}),
		SessionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "sessions_closed_total",
			Help:      "WebSocket sessions closed by reason.",
		}, []string{"reason"}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		RateLimitedFrames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_rate_limited_total",
			Help:      "Inbound frames discarded by the per-connection limiter.",
		}),
		RoomsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "rooms_created_total",
			Help:      "Rooms created.",
		}),
		RoomCodeCollisions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "room_code_exhausted_total",
			Help:      "Room creations that failed to allocate a free code.",
		}),
	}
}

// RegisterGauges 註冊即時狀態量表（房間數、成員數、連線數）
func (m *Metrics) RegisterGauges(registry *Registry, hub *Hub) {
	factory := promauto.With(m.registry)
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "rooms",
		Help:      "Live rooms.",
	}, func() float64 { return float64(registry.Stats().Rooms) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "room_members",
		Help:      "Sessions that are members of a room.",
	}, func() float64 { return float64(registry.Stats().Members) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "sessions",
		Help:      "Open WebSocket sessions.",
	}, func() float64 { return float64(hub.SessionCount()) })
}

// Handler /metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Gatherer 測試用
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}
