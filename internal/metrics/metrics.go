// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SerialLinesTotal counts lines read from the sensor by outcome
	SerialLinesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_serial_lines_total",
			Help: "Total number of lines read from the serial link",
		},
		[]string{"kind"}, // time_sync | packet | decode_error | ignored
	)

	// SerialReconnectsTotal counts serial port (re)open failures
	SerialReconnectsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_serial_reconnects_total",
			Help: "Total number of serial link failures followed by a retry",
		},
	)

	// PacketsTotal counts dispatched packets by variant
	PacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_packets_total",
			Help: "Total number of packets classified by the dispatcher",
		},
		[]string{"kind"}, // registration | data | unknown
	)

	// APICallsTotal counts registry API calls by operation and result
	APICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_api_calls_total",
			Help: "Total number of registration/anchoring API calls",
		},
		[]string{"operation", "result"}, // result: ok | failed
	)

	// APILatencySeconds measures registry API call latency
	APILatencySeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custody_api_latency_seconds",
			Help:    "Latency of registration/anchoring API calls in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~10s
		},
		[]string{"operation"},
	)

	// ForwardsTotal counts relay forwards by result
	ForwardsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_relay_forwards_total",
			Help: "Total number of packets forwarded to the verifier",
		},
		[]string{"result"}, // ok | failed
	)

	// VerificationsTotal counts verifier outcomes
	VerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custody_verifications_total",
			Help: "Total number of relay messages checked by the verifier",
		},
		[]string{"kind", "result"}, // result: verified | failed
	)

	// TrustedKeyUpdatesTotal counts accepted key updates
	TrustedKeyUpdatesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "custody_trusted_key_updates_total",
			Help: "Total number of accepted trusted key updates",
		},
	)
)

// Result labels.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultVerified = "verified"
)
