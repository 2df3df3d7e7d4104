package processor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"

	appconfig "zapflow/config"
	"zapflow/internal/accumulator"
	"zapflow/internal/channel/events"
	"zapflow/internal/metrics"
	"zapflow/internal/receipt"
	"zapflow/logger"
	"zapflow/models"
)

// ReceiptProcessor drains raw relay events, parses them and feeds the
// accumulator registered for the message's target. Newly accepted records
// are forwarded on the record channel when export is enabled.
type ReceiptProcessor struct {
	config   *appconfig.Config
	parser   *receipt.Parser
	targets  *xsync.Map[string, *accumulator.Accumulator]
	channels *events.Channels
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	cancel   context.CancelFunc
	log      *logger.Log

	eventsProcessed  atomic.Int64
	recordsAccepted  atomic.Int64
	duplicates       atomic.Int64
	skipped          atomic.Int64
	recordsForwarded atomic.Int64
}

func NewReceiptProcessor(cfg *appconfig.Config, ch *events.Channels, parser *receipt.Parser) *ReceiptProcessor {
	log := logger.GetLogger()
	if parser == nil {
		parser = receipt.NewParser(nil, log)
	}
	return &ReceiptProcessor{
		config:   cfg,
		parser:   parser,
		targets:  xsync.NewMap[string, *accumulator.Accumulator](),
		channels: ch,
		log:      log,
	}
}

// Register routes events for target into acc.
func (p *ReceiptProcessor) Register(target string, acc *accumulator.Accumulator) error {
	if _, loaded := p.targets.LoadOrStore(target, acc); loaded {
		return fmt.Errorf("target %s already registered", target)
	}
	p.log.WithComponent("receipt_processor").WithTarget(target).Debug("target registered")
	return nil
}

func (p *ReceiptProcessor) Unregister(target string) {
	p.targets.Delete(target)
}

func (p *ReceiptProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("receipt processor already running")
	}
	p.running = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	log := p.log.WithComponent("receipt_processor").WithFields(logger.Fields{"operation": "start"})

	numWorkers := p.config.Processor.MaxWorkers
	if numWorkers < 1 {
		numWorkers = 1
	}
	log.WithFields(logger.Fields{"workers": numWorkers}).Info("starting receipt processor workers")

	for i := 0; i < numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	if interval := p.config.Processor.ReportInterval; interval > 0 {
		p.wg.Add(1)
		go p.metricsReporter(ctx, interval)
	}
	return nil
}

func (p *ReceiptProcessor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
	p.reportMetrics()
	p.log.WithComponent("receipt_processor").Info("receipt processor stopped")
}

func (p *ReceiptProcessor) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()

	log := p.log.WithComponent("receipt_processor").WithFields(logger.Fields{"worker_id": workerID})

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-p.channels.Raw:
			if !ok {
				log.Info("raw channel closed, worker stopping")
				return
			}
			p.Process(ctx, msg)
		}
	}
}

// Process handles one event synchronously and reports whether it produced a
// new record. Historical batches go through here directly so a burst larger
// than the raw buffer is never dropped.
func (p *ReceiptProcessor) Process(ctx context.Context, msg models.RawEventMessage) bool {
	p.eventsProcessed.Add(1)

	acc, ok := p.targets.Load(msg.Target)
	if !ok {
		p.skipped.Add(1)
		metrics.RecordReceiptSkipped(msg.Target, "unknown_target")
		return false
	}

	rec, reason := p.parser.ParseWithReason(msg.Event)
	if reason != receipt.SkipNone {
		p.skipped.Add(1)
		metrics.RecordReceiptSkipped(msg.Target, string(reason))
		return false
	}

	if !acc.Add(rec) {
		p.duplicates.Add(1)
		metrics.RecordDuplicate(msg.Target)
		return false
	}
	p.recordsAccepted.Add(1)
	metrics.RecordReceiptAccepted(msg.Target)
	logger.IncrementReceiptAccepted()

	if p.config.Writer.Enabled {
		out := models.PaymentRecordMessage{Target: msg.Target, Record: rec, AcceptedAt: time.Now()}
		if p.channels.SendRecord(ctx, out) {
			p.recordsForwarded.Add(1)
		} else if ctx.Err() == nil {
			metrics.EmitDropMetric(p.log, metrics.DropMetricRecord, msg.Relay, msg.Target, "processor")
			p.log.WithComponent("receipt_processor").WithFields(logger.Fields{
				"target":    msg.Target,
				"event_id":  rec.SourceEventID,
				"operation": "forward_record",
			}).Warn("record channel full, record not exported")
		}
	}
	return true
}

// ProcessBatch runs Process over evts for target and returns the number of
// new records.
func (p *ReceiptProcessor) ProcessBatch(ctx context.Context, target, relay string, evts []models.RawEvent) int {
	start := time.Now()
	accepted := 0
	for _, evt := range evts {
		if p.Process(ctx, models.RawEventMessage{Relay: relay, Target: target, Event: evt, ReceivedAt: start}) {
			accepted++
		}
	}
	log := p.log.WithComponent("receipt_processor").WithTarget(target)
	logger.LogPerformanceEntry(log, "receipt_processor", "process_batch", time.Since(start), logger.Fields{
		"events":   len(evts),
		"accepted": accepted,
	})
	logger.LogDataFlowEntry(log, "historical_fetch", "accumulator", accepted, "payment_records")
	return accepted
}

func (p *ReceiptProcessor) Stats() metrics.ProcessorStats {
	return metrics.ProcessorStats{
		EventsProcessed:  p.eventsProcessed.Load(),
		RecordsAccepted:  p.recordsAccepted.Load(),
		Duplicates:       p.duplicates.Load(),
		Skipped:          p.skipped.Load(),
		RecordsForwarded: p.recordsForwarded.Load(),
		Targets:          p.targets.Size(),
		RawChannelLen:    len(p.channels.Raw),
		RawChannelCap:    cap(p.channels.Raw),
	}
}

func (p *ReceiptProcessor) metricsReporter(ctx context.Context, interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reportMetrics()
		}
	}
}

func (p *ReceiptProcessor) reportMetrics() {
	metrics.ReportProcessor(p.log, p.Stats())
}
