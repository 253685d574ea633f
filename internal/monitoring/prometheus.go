package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	apiCallsTotal     *prometheus.CounterVec
	apiErrorsTotal    *prometheus.CounterVec
	quotaWaitSeconds  prometheus.Histogram
	quotaDailyUsed    prometheus.Gauge
	streamConnected   prometheus.Gauge
	ticksTotal        *prometheus.CounterVec
	ordersTotal       *prometheus.CounterVec
	bridgeCallsTotal  *prometheus.CounterVec
	tokenRefreshTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway metrics. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		apiCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_api_calls_total",
				Help: "Total number of REST calls issued to the brokerage",
			},
			[]string{"tr_id", "status"},
		),
		apiErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_api_errors_total",
				Help: "Total number of classified API errors",
			},
			[]string{"tr_id", "code"},
		),
		quotaWaitSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "broker_quota_wait_seconds",
				Help:    "Time spent waiting for a quota window slot",
				Buckets: prometheus.DefBuckets,
			},
		),
		quotaDailyUsed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_quota_daily_used",
				Help: "Calls consumed against the daily ceiling",
			},
		),
		streamConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "broker_stream_connected",
				Help: "1 when the price stream is in the streaming state",
			},
		),
		ticksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_stream_ticks_total",
				Help: "Total number of ticks dispatched to listeners",
			},
			[]string{"symbol"},
		),
		ordersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_orders_total",
				Help: "Order submissions by backend and resulting state",
			},
			[]string{"backend", "state"},
		),
		bridgeCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_bridge_calls_total",
				Help: "Vendor-control bridge invocations by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		tokenRefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "broker_token_refresh_total",
				Help: "Access-token refreshes by outcome",
			},
			[]string{"outcome"},
		),
	}

	reg.MustRegister(
		m.apiCallsTotal,
		m.apiErrorsTotal,
		m.quotaWaitSeconds,
		m.quotaDailyUsed,
		m.streamConnected,
		m.ticksTotal,
		m.ordersTotal,
		m.bridgeCallsTotal,
		m.tokenRefreshTotal,
	)

	return m
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// All recording methods are nil-safe so components can run without metrics.

func (m *Metrics) RecordAPICall(trID, status string) {
	if m == nil {
		return
	}
	m.apiCallsTotal.WithLabelValues(trID, status).Inc()
}

func (m *Metrics) RecordAPIError(trID, code string) {
	if m == nil {
		return
	}
	m.apiErrorsTotal.WithLabelValues(trID, code).Inc()
}

func (m *Metrics) ObserveQuotaWait(seconds float64) {
	if m == nil {
		return
	}
	m.quotaWaitSeconds.Observe(seconds)
}

func (m *Metrics) SetQuotaDailyUsed(count float64) {
	if m == nil {
		return
	}
	m.quotaDailyUsed.Set(count)
}

func (m *Metrics) SetStreamConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.streamConnected.Set(1)
	} else {
		m.streamConnected.Set(0)
	}
}

func (m *Metrics) RecordTick(symbol string) {
	if m == nil {
		return
	}
	m.ticksTotal.WithLabelValues(symbol).Inc()
}

func (m *Metrics) RecordOrder(backend, state string) {
	if m == nil {
		return
	}
	m.ordersTotal.WithLabelValues(backend, state).Inc()
}

func (m *Metrics) RecordBridgeCall(operation, outcome string) {
	if m == nil {
		return
	}
	m.bridgeCallsTotal.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) RecordTokenRefresh(outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshTotal.WithLabelValues(outcome).Inc()
}
