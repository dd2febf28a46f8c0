package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shieldproof-labs/shieldproof/pkg/ledger"
)

// Metrics holds the Prometheus instruments for the read API.
type Metrics struct {
	Requests       *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
	ReconcileRuns  prometheus.Counter
	WasteDollars   prometheus.Gauge
}

// NewMetrics registers the API metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "shieldproof_http_requests_total",
			Help: "HTTP requests served, by route and status code.",
		}, []string{"route", "code"}),
		RequestLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shieldproof_http_request_duration_seconds",
			Help:    "HTTP request latency, by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		ReconcileRuns: factory.NewCounter(prometheus.CounterOpts{
			Name: "shieldproof_reconcile_runs_total",
			Help: "Full-portfolio reconciliation passes served.",
		}),
		WasteDollars: factory.NewGauge(prometheus.GaugeOpts{
			Name: "shieldproof_waste_identified_dollars",
			Help: "Waste identified by the most recent reconciliation pass.",
		}),
	}
}

// ledgerCollector exposes receipt counts by type straight from the store,
// so a scrape always reflects the log rather than process-local counters.
type ledgerCollector struct {
	store ledger.Store
	desc  *prometheus.Desc
}

func newLedgerCollector(store ledger.Store) *ledgerCollector {
	return &ledgerCollector{
		store: store,
		desc: prometheus.NewDesc(
			"shieldproof_receipts",
			"Receipts in the ledger, by receipt type.",
			[]string{"receipt_type"}, nil),
	}
}

func (c *ledgerCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *ledgerCollector) Collect(ch chan<- prometheus.Metric) {
	all, err := c.store.All(context.Background())
	if err != nil {
		return
	}
	counts := make(map[string]int)
	for _, r := range all {
		counts[r.ReceiptType]++
	}
	for typ, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), typ)
	}
}

// instrument wraps a handler with request counting and latency tracking.
func (m *Metrics) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next(sw, r)
		m.Requests.WithLabelValues(route, strconv.Itoa(sw.code)).Inc()
		m.RequestLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
