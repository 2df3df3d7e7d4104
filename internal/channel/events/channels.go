package events

import (
	"context"
	"sync"

	"zapflow/logger"
	"zapflow/models"
)

type ChannelStats struct {
	RawSent        int64
	RecordsSent    int64
	RawOverflow    int64
	RecordsDropped int64
}

// Channels carries raw relay events to the receipt processor and newly
// accepted payment records from the processor to downstream consumers.
type Channels struct {
	Raw     chan models.RawEventMessage
	Records chan models.PaymentRecordMessage

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(rawBufferSize, recordBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Raw:     make(chan models.RawEventMessage, rawBufferSize),
		Records: make(chan models.PaymentRecordMessage, recordBufferSize),
		log:     log,
	}

	log.WithComponent("event_channels").WithFields(logger.Fields{
		"raw_buffer_size":    rawBufferSize,
		"record_buffer_size": recordBufferSize,
	}).Info("event channels initialized")

	return c
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Raw)
		close(c.Records)
		c.log.WithComponent("event_channels").Info("event channels closed")
	})
}

func (c *Channels) IncrementRawSent() {
	c.statsMutex.Lock()
	c.stats.RawSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementRecordsSent() {
	c.statsMutex.Lock()
	c.stats.RecordsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementRawOverflow() {
	c.statsMutex.Lock()
	c.stats.RawOverflow++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementRecordsDropped() {
	c.statsMutex.Lock()
	c.stats.RecordsDropped++
	c.statsMutex.Unlock()
}

// SendRaw never blocks: relay read loops call it and must keep draining
// their sockets. It returns false when ctx is done or the buffer is full;
// the latter is counted as an overflow and the caller keeps the message.
func (c *Channels) SendRaw(ctx context.Context, msg models.RawEventMessage) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case c.Raw <- msg:
		c.IncrementRawSent()
		return true
	default:
		c.IncrementRawOverflow()
		return false
	}
}

func (c *Channels) SendRecord(ctx context.Context, msg models.PaymentRecordMessage) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case c.Records <- msg:
		c.IncrementRecordsSent()
		return true
	default:
		c.IncrementRecordsDropped()
		return false
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
