package metrics

import "zapflow/logger"

// ProcessorStats holds counters for the receipt processor.
type ProcessorStats struct {
	EventsProcessed  int64
	RecordsAccepted  int64
	Duplicates       int64
	Skipped          int64
	RecordsForwarded int64
	Targets          int
	RawChannelLen    int
	RawChannelCap    int
}

// ReportProcessor emits metrics for the receipt processor.
func ReportProcessor(log *logger.Log, stats ProcessorStats) {
	l := log.WithComponent("receipt_processor")

	acceptRate := float64(0)
	if stats.EventsProcessed > 0 {
		acceptRate = float64(stats.RecordsAccepted) / float64(stats.EventsProcessed)
	}

	l.LogMetric("receipt_processor", "events_processed", stats.EventsProcessed, "counter", nil)
	l.LogMetric("receipt_processor", "receipts_accepted", stats.RecordsAccepted, "counter", nil)
	l.LogMetric("receipt_processor", "receipts_duplicate", stats.Duplicates, "counter", nil)
	l.LogMetric("receipt_processor", "receipts_skipped", stats.Skipped, "counter", nil)
	l.LogMetric("receipt_processor", "accept_rate", acceptRate, "gauge", nil)

	l.WithFields(logger.Fields{
		"targets":           stats.Targets,
		"events_processed":  stats.EventsProcessed,
		"records_accepted":  stats.RecordsAccepted,
		"duplicates":        stats.Duplicates,
		"skipped":           stats.Skipped,
		"records_forwarded": stats.RecordsForwarded,
		"accept_rate":       acceptRate,
		"raw_channel_len":   stats.RawChannelLen,
		"raw_channel_cap":   stats.RawChannelCap,
	}).Info("receipt processor metrics")
}
