// Registers:
//
//	#zapflow_relay_events_total
//	#zapflow_relay_connect_failures_total
//	#zapflow_receipts_accepted_total
//	#zapflow_receipts_skipped_total
//	#zapflow_receipts_duplicate_total
//	#go_* and process_* system metrics
//
// Exposes them on the configured address under /metrics using the Prometheus
// HTTP handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zapflow/logger"
)

// DefaultAddress is used by Init when no address is configured.
const DefaultAddress = "0.0.0.0:2112"

var (
	once sync.Once

	relayEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapflow_relay_events_total",
			Help: "Number of subscription events received per relay",
		},
		[]string{"relay"},
	)

	relayConnectFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapflow_relay_connect_failures_total",
			Help: "Number of failed relay connection attempts",
		},
		[]string{"relay"},
	)

	receiptsAccepted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapflow_receipts_accepted_total",
			Help: "Number of zap receipts stored as payment records",
		},
		[]string{"target"},
	)

	receiptsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapflow_receipts_skipped_total",
			Help: "Number of events that did not yield a payment record",
		},
		[]string{"target", "reason"},
	)

	receiptsDuplicate = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zapflow_receipts_duplicate_total",
			Help: "Number of payment records dropped as duplicates",
		},
		[]string{"target"},
	)
)

// Init registers the collectors and serves them on addr. Later calls are no-ops.
func Init(addr string) {
	once.Do(func() {
		if addr == "" {
			addr = DefaultAddress
		}

		_ = prometheus.Register(relayEvents)
		_ = prometheus.Register(relayConnectFailures)
		_ = prometheus.Register(receiptsAccepted)
		_ = prometheus.Register(receiptsSkipped)
		_ = prometheus.Register(receiptsDuplicate)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.GetLogger().WithComponent("metrics").WithError(err).Error("metrics server failed")
			}
		}()
	})
}

// RecordRelayEvent counts one event delivered by relay.
func RecordRelayEvent(relay string) {
	relayEvents.WithLabelValues(relay).Inc()
}

// RecordConnectFailure counts one failed dial against relay.
func RecordConnectFailure(relay string) {
	relayConnectFailures.WithLabelValues(relay).Inc()
}

// RecordReceiptAccepted counts a receipt that became a payment record.
func RecordReceiptAccepted(target string) {
	receiptsAccepted.WithLabelValues(target).Inc()
}

// RecordReceiptSkipped counts an event rejected by the parser.
func RecordReceiptSkipped(target, reason string) {
	receiptsSkipped.WithLabelValues(target, reason).Inc()
}

// RecordDuplicate counts a parsed record the accumulator already held.
func RecordDuplicate(target string) {
	receiptsDuplicate.WithLabelValues(target).Inc()
}
