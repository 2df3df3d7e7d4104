package metrics

import "zapflow/logger"

// DropMetric identifies the metric name emitted when channel messages are dropped.
type DropMetric string

const (
	// DropMetricRawOverflow records relay events that found the raw channel
	// full and were ingested on the read loop instead.
	DropMetricRawOverflow DropMetric = "raw_events_overflow"
	// DropMetricRecord records accepted payments dropped before export.
	DropMetricRecord DropMetric = "payment_records_dropped"
)

// EmitDropMetric logs and emits a metric representing a dropped channel
// message. The value is always one, so callers invoke it once per drop.
// Optional metadata is added to the metric fields when provided.
func EmitDropMetric(log *logger.Log, metric DropMetric, relay, target, stage string) {
	fields := logger.Fields{}
	if relay != "" {
		fields["relay"] = relay
	}
	if target != "" {
		fields["target"] = target
	}
	if stage != "" {
		fields["stage"] = stage
	}

	EmitMetric(log, "channel_drops", string(metric), 1, "counter", fields)
}
