package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ServerMetrics struct {
	Requests  *prometheus.CounterVec
	LatencyMS *prometheus.HistogramVec
}

func NewServerMetrics(service string, reg prometheus.Registerer) *ServerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "melagro",
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "melagro",
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})

	reg.MustRegister(requests, latency)
	return &ServerMetrics{Requests: requests, LatencyMS: latency}
}

// CoreMetrics covers the order core itself, independent of transport.
type CoreMetrics struct {
	OrdersPlaced       prometheus.Counter
	PlacementsRejected *prometheus.CounterVec
	TxRetries          prometheus.Counter
	Restocks           prometheus.Counter
	LoyaltyAwarded     prometheus.Counter
	PaymentOutcomes    *prometheus.CounterVec
}

func NewCoreMetrics(reg prometheus.Registerer) *CoreMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &CoreMetrics{
		OrdersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "melagro", Subsystem: "order_core",
			Name: "orders_placed_total", Help: "Orders committed by the placement transaction.",
		}),
		PlacementsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "melagro", Subsystem: "order_core",
			Name: "placements_rejected_total", Help: "Placements aborted during validation.",
		}, []string{"reason"}),
		TxRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "melagro", Subsystem: "order_core",
			Name: "tx_retries_total", Help: "Storage transaction attempts retried on conflict.",
		}),
		Restocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "melagro", Subsystem: "order_core",
			Name: "restocks_total", Help: "Line items restocked by cancellations.",
		}),
		LoyaltyAwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "melagro", Subsystem: "order_core",
			Name: "loyalty_points_total", Help: "Loyalty points credited on delivery.",
		}),
		PaymentOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "melagro", Subsystem: "order_core",
			Name: "payment_wait_outcomes_total", Help: "Push-payment wait outcomes.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.OrdersPlaced, m.PlacementsRejected, m.TxRetries, m.Restocks, m.LoyaltyAwarded, m.PaymentOutcomes)
	return m
}

func Handler() http.Handler {
	return promhttp.Handler()
}
