package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	PollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifyd_poll_cycles_total", Help: "Poll cycle outcomes"},
		[]string{"result"},
	)
	Enqueues = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifyd_enqueue_total", Help: "Queue enqueue results"},
		[]string{"result"},
	)
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifyd_dispatch_total", Help: "Dispatch outcomes"},
		[]string{"method", "result"},
	)
	DispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Name: "notifyd_dispatch_latency_seconds", Help: "Provider dispatch latency"},
		[]string{"method"},
	)
	Retries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifyd_retries_total", Help: "Dispatch retries scheduled"},
		[]string{"method"},
	)
	WebhookEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifyd_webhook_events_total", Help: "Provider webhook events"},
		[]string{"event"},
	)
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "notifyd_queue_depth", Help: "Work queue depth per tier"},
		[]string{"tier"},
	)
	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "notifyd_http_requests_total", Help: "HTTP requests served"},
		[]string{"method", "path", "status"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(PollCycles, Enqueues, DispatchTotal, DispatchLatency, Retries, WebhookEvents, QueueDepth, HTTPRequests)
}
