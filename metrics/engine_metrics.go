package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Correlation engine metrics.
//
// These mirror the counters kept in Stats so the engine report and the
// Prometheus endpoint agree. Labels are kept low-cardinality: per-rule
// series are limited to rules that actually matched.

var (
	// EngineRuleMatches counts rules whose terms matched an event.
	// Labels:
	//   - sid: signature id of the rule
	EngineRuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logcorr",
			Subsystem: "engine",
			Name:      "rule_matches_total",
			Help:      "Total number of rule matches",
		},
		[]string{"sid"},
	)

	// EngineSuppressed counts events suppressed by a rate-control policy.
	// Labels:
	//   - policy: "after" or "threshold"
	EngineSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logcorr",
			Subsystem: "engine",
			Name:      "suppressed_total",
			Help:      "Total number of matches suppressed by rate control",
		},
		[]string{"policy"},
	)

	// EngineGateFailures counts matches rejected by a gate.
	// Labels:
	//   - gate: flow, xbit, geoip, alert_time, blacklist, reputation, intel
	EngineGateFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logcorr",
			Subsystem: "engine",
			Name:      "gate_failures_total",
			Help:      "Total number of matches rejected by a gate",
		},
		[]string{"gate"},
	)

	// EngineLookupErrors counts failed external lookups and regex timeouts.
	EngineLookupErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logcorr",
			Subsystem: "engine",
			Name:      "lookup_errors_total",
			Help:      "Total number of failed lookups",
		},
		[]string{"kind"},
	)

	// StateTableDropped counts inserts rejected by a full state table.
	// Labels:
	//   - table: markers, by_src, by_dst, by_srcport, by_dstport, by_username
	StateTableDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "logcorr",
			Subsystem: "state",
			Name:      "dropped_total",
			Help:      "Total number of state entries dropped because the table was full",
		},
		[]string{"table"},
	)

	// StateTableSize tracks the number of occupied slots.
	StateTableSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "logcorr",
			Subsystem: "state",
			Name:      "table_size",
			Help:      "Number of occupied slots per state table",
		},
		[]string{"table"},
	)

	// RegexTimeouts counts pattern evaluations aborted by the match timeout.
	RegexTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "logcorr",
			Subsystem: "engine",
			Name:      "regex_timeouts_total",
			Help:      "Total number of regex evaluations that hit the match timeout",
		},
	)
)
