package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "zapflow/config"
	"zapflow/internal/metrics"
	"zapflow/logger"
	"zapflow/models"
)

const writerReportInterval = 30 * time.Second

// PaymentParquetRecord is one exported payment row.
type PaymentParquetRecord struct {
	Target          string `parquet:"name=target, type=BYTE_ARRAY, convertedtype=UTF8"`
	SourceEventID   string `parquet:"name=source_event_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	AmountMillisats int64  `parquet:"name=amount_millisats, type=INT64"`
	TimestampMs     int64  `parquet:"name=timestamp_ms, type=INT64"`
	SenderKey       string `parquet:"name=sender_key, type=BYTE_ARRAY, convertedtype=UTF8"`
	Message         string `parquet:"name=message, type=BYTE_ARRAY, convertedtype=UTF8"`
	Invoice         string `parquet:"name=invoice, type=BYTE_ARRAY, convertedtype=UTF8"`
	AcceptedAt      int64  `parquet:"name=accepted_at, type=INT64"`
}

// memoryFileWriter implements source.ParquetFile over a bytes.Buffer.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(string) (source.ParquetFile, error)   { return mfw, nil }

// Seek only reports the write position; the parquet writer never seeks back.
func (mfw *memoryFileWriter) Seek(int64, int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// PaymentWriter buffers accepted records per target and flushes them as
// parquet files to a Sink on an interval, when a buffer reaches the batch
// size, and on shutdown.
type PaymentWriter struct {
	config  *appconfig.Config
	records <-chan models.PaymentRecordMessage
	sink    Sink
	pub     BatchPublisher
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	log     *logger.Log
	buffer  map[string][]models.PaymentRecordMessage

	batchesWritten atomic.Int64
	filesWritten   atomic.Int64
	bytesWritten   atomic.Int64
	errorsCount    atomic.Int64
	published      atomic.Int64
}

// NewPaymentWriter picks the S3 sink when storage.s3 is enabled and the
// local directory sink otherwise. Stored batches are also published to Kafka
// when storage.kafka is enabled.
func NewPaymentWriter(ctx context.Context, cfg *appconfig.Config, records <-chan models.PaymentRecordMessage) (*PaymentWriter, error) {
	var (
		sink Sink
		err  error
	)
	if cfg.Storage.S3.Enabled {
		sink, err = NewS3Sink(ctx, cfg)
	} else {
		sink, err = NewLocalSink(cfg.Writer.LocalDir)
	}
	if err != nil {
		return nil, err
	}
	w := newPaymentWriter(cfg, records, sink)
	if cfg.Storage.Kafka.Enabled {
		pub, err := NewKafkaPublisher(cfg.Storage.Kafka)
		if err != nil {
			return nil, err
		}
		w.pub = pub
	}
	return w, nil
}

func newPaymentWriter(cfg *appconfig.Config, records <-chan models.PaymentRecordMessage, sink Sink) *PaymentWriter {
	return &PaymentWriter{
		config:  cfg,
		records: records,
		sink:    sink,
		log:     logger.GetLogger(),
		buffer:  make(map[string][]models.PaymentRecordMessage),
	}
}

func (w *PaymentWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("payment writer already running")
	}
	w.running = true
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	w.log.WithComponent("payment_writer").WithFields(logger.Fields{
		"operation":      "start",
		"sink":           w.sink.String(),
		"flush_interval": w.config.Writer.FlushInterval.String(),
	}).Info("starting payment writer")

	w.wg.Add(2)
	go w.run(ctx)
	go w.metricsReporter(ctx)
	return nil
}

// Stop flushes what is buffered and waits for the writer to exit.
func (w *PaymentWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	cancel := w.cancel
	w.mu.Unlock()

	cancel()
	w.wg.Wait()
	if w.pub != nil {
		if err := w.pub.Close(); err != nil {
			w.log.WithComponent("payment_writer").WithError(err).Warn("failed to close batch publisher")
		}
	}
	w.reportMetrics()
	w.log.WithComponent("payment_writer").Info("payment writer stopped")
}

// run owns the buffer: it consumes records and performs every flush.
func (w *PaymentWriter) run(ctx context.Context) {
	defer w.wg.Done()

	interval := w.config.Writer.FlushInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.drain()
			w.flushBuffers(context.WithoutCancel(ctx), "shutdown")
			return
		case <-ticker.C:
			w.flushBuffers(ctx, "interval")
		case msg, ok := <-w.records:
			if !ok {
				w.flushBuffers(context.WithoutCancel(ctx), "channel_closed")
				return
			}
			w.add(ctx, msg)
		}
	}
}

func (w *PaymentWriter) drain() {
	for {
		select {
		case msg, ok := <-w.records:
			if !ok {
				return
			}
			w.buffer[msg.Target] = append(w.buffer[msg.Target], msg)
		default:
			return
		}
	}
}

func (w *PaymentWriter) add(ctx context.Context, msg models.PaymentRecordMessage) {
	w.buffer[msg.Target] = append(w.buffer[msg.Target], msg)
	if limit := w.config.Writer.MaxBatchSize; limit > 0 && len(w.buffer[msg.Target]) >= limit {
		entries := w.buffer[msg.Target]
		delete(w.buffer, msg.Target)
		w.processBatch(ctx, newBatch(msg.Target, entries))
	}
}

func (w *PaymentWriter) flushBuffers(ctx context.Context, reason string) {
	if len(w.buffer) == 0 {
		return
	}
	buffers := w.buffer
	w.buffer = make(map[string][]models.PaymentRecordMessage)

	w.log.WithComponent("payment_writer").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Info("flushing buffers")

	for target, entries := range buffers {
		if len(entries) == 0 {
			continue
		}
		w.processBatch(ctx, newBatch(target, entries))
	}
}

func newBatch(target string, entries []models.PaymentRecordMessage) models.BatchPaymentMessage {
	records := make([]models.PaymentRecord, len(entries))
	for i, e := range entries {
		records[i] = e.Record
	}
	return models.BatchPaymentMessage{
		BatchID:     uuid.New().String(),
		Target:      target,
		Records:     records,
		RecordCount: len(records),
		Timestamp:   time.Now(),
	}
}

func (w *PaymentWriter) processBatch(ctx context.Context, batch models.BatchPaymentMessage) {
	log := w.log.WithComponent("payment_writer").WithFields(logger.Fields{
		"batch_id":     batch.BatchID,
		"target":       batch.Target,
		"record_count": batch.RecordCount,
		"operation":    "process_batch",
	})

	start := time.Now()
	key := w.generateKey(batch)
	log = log.WithFields(logger.Fields{"key": key})

	data, err := w.createParquetFile(batch)
	if err != nil {
		w.errorsCount.Add(1)
		log.WithError(err).Error("failed to create parquet file")
		return
	}

	if err := w.sink.Put(ctx, key, data); err != nil {
		w.errorsCount.Add(1)
		log.WithError(err).WithEnv("S3_BUCKET").Error("failed to store payment export")
		return
	}

	w.batchesWritten.Add(1)
	w.filesWritten.Add(1)
	w.bytesWritten.Add(int64(len(data)))
	logger.IncrementExportWrite(int64(len(data)))
	logger.LogPerformanceEntry(log, "payment_writer", "process_batch", time.Since(start), logger.Fields{
		"file_size": len(data),
	})
	logger.LogDataFlowEntry(log, "record_channel", w.sink.String(), batch.RecordCount, "payment_records")

	if w.pub == nil {
		return
	}
	if err := w.pub.Publish(ctx, batch); err != nil {
		w.errorsCount.Add(1)
		log.WithError(err).Warn("failed to publish payment batch")
		return
	}
	w.published.Add(1)
}

// generateKey builds [prefix/]target=<id>/<time path>/zaps_<ts>.parquet.
func (w *PaymentWriter) generateKey(batch models.BatchPaymentMessage) string {
	ts := batch.Timestamp.UTC()
	parts := []string{}
	if prefix := w.config.Storage.S3.Prefix; prefix != "" {
		parts = append(parts, prefix)
	}
	parts = append(parts, "target="+batch.Target)
	if layout := w.config.Writer.Partitioning.TimeFormat; layout != "" {
		parts = append(parts, ts.Format(layout))
	}
	parts = append(parts, fmt.Sprintf("zaps_%s_%s.parquet", ts.Format("20060102150405"), batch.BatchID[:8]))
	return path.Join(parts...)
}

func (w *PaymentWriter) createParquetFile(batch models.BatchPaymentMessage) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(PaymentParquetRecord), 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.config.Writer.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	acceptedAt := batch.Timestamp.UnixMilli()
	for _, rec := range batch.Records {
		row := PaymentParquetRecord{
			Target:          batch.Target,
			SourceEventID:   rec.SourceEventID,
			AmountMillisats: rec.AmountMillisats,
			TimestampMs:     rec.TimestampMs,
			SenderKey:       rec.SenderKey,
			Message:         rec.Message,
			Invoice:         rec.Invoice,
			AcceptedAt:      acceptedAt,
		}
		if err := pw.Write(row); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}

	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (w *PaymentWriter) Stats() metrics.WriterStats {
	return metrics.WriterStats{
		BatchesWritten:   w.batchesWritten.Load(),
		FilesWritten:     w.filesWritten.Load(),
		BytesWritten:     w.bytesWritten.Load(),
		ErrorsCount:      w.errorsCount.Load(),
		Published:        w.published.Load(),
		RecordChannelLen: len(w.records),
		RecordChannelCap: cap(w.records),
	}
}

func (w *PaymentWriter) metricsReporter(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(writerReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reportMetrics()
		}
	}
}

func (w *PaymentWriter) reportMetrics() {
	metrics.ReportWriter(w.log, "payment_writer", w.Stats())
}
