package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	transactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtpd_transactions_total",
			Help: "Total protocol transactions by operation and response",
		},
		[]string{"op", "response"},
	)

	transactionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mtpd_transaction_duration_seconds",
			Help:    "Transaction duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	objectBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtpd_object_bytes_total",
			Help: "Object payload bytes moved through data phases",
		},
		[]string{"op"},
	)

	objectsIndexed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mtpd_objects_indexed",
			Help: "Number of live object handles in the index",
		},
	)

	sessionOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mtpd_session_open",
			Help: "1 while a host session is open",
		},
	)

	wsClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mtpd_activity_clients",
			Help: "Connected activity stream clients",
		},
	)

	usbBytes = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mtpd_usb_bytes_total",
			Help: "Raw bytes moved on the bulk pipes since start",
		},
		[]string{"direction"},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func recordTransaction(op, response string, bytes int64, d time.Duration) {
	transactionsTotal.WithLabelValues(op, response).Inc()
	transactionDuration.WithLabelValues(op).Observe(d.Seconds())
	if bytes > 0 {
		objectBytes.WithLabelValues(op).Add(float64(bytes))
	}
}
