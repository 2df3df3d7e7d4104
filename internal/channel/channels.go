package channel

import (
	"context"
	"time"

	"zapflow/internal/channel/events"
	"zapflow/logger"
)

const defaultReportInterval = 30 * time.Second

type Channels struct {
	Events *events.Channels

	log *logger.Log
}

func NewChannels(rawBufferSize, recordBufferSize int) *Channels {
	return &Channels{
		Events: events.NewChannels(rawBufferSize, recordBufferSize),
		log:    logger.GetLogger(),
	}
}

// StartMetricsReporting logs channel statistics every 30 seconds until ctx
// is cancelled.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	c.startMetricsReporting(ctx, defaultReportInterval)
}

func (c *Channels) startMetricsReporting(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	if c.Events == nil {
		return
	}
	stats := c.Events.GetStats()
	c.log.WithComponent("channels").WithFields(logger.Fields{
		"raw_sent":           stats.RawSent,
		"raw_overflow":       stats.RawOverflow,
		"records_sent":       stats.RecordsSent,
		"records_dropped":    stats.RecordsDropped,
		"raw_channel_len":    len(c.Events.Raw),
		"raw_channel_cap":    cap(c.Events.Raw),
		"record_channel_len": len(c.Events.Records),
		"record_channel_cap": cap(c.Events.Records),
	}).Info("channel statistics")
}

func (c *Channels) Close() {
	if c.Events != nil {
		c.Events.Close()
	}
}
