package metrics

import (
	"context"
	"time"

	"zapflow/internal/channel"
	"zapflow/logger"
)

// StartChannelSizeMetrics emits occupancy metrics for the raw event and
// payment record buffers every interval until the context is cancelled.
// When interval <= 0, a one-second cadence is used.
func StartChannelSizeMetrics(ctx context.Context, channels *channel.Channels, interval time.Duration) {
	if !IsFeatureEnabled(FeatureChannelSize) {
		return
	}
	if channels == nil || channels.Events == nil {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)
	component := "channel_buffers"
	ev := channels.Events

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				EmitMetric(log, component, "events_raw_buffer_length", len(ev.Raw), "gauge", logger.Fields{
					"buffer":   "events_raw",
					"capacity": cap(ev.Raw),
				})
				EmitMetric(log, component, "events_record_buffer_length", len(ev.Records), "gauge", logger.Fields{
					"buffer":   "events_record",
					"capacity": cap(ev.Records),
				})
			}
		}
	}()
}
