package writer

import (
	"context"
	"encoding/json"
	"fmt"

	kafka "github.com/segmentio/kafka-go"

	appconfig "zapflow/config"
	"zapflow/logger"
	"zapflow/models"
)

// BatchPublisher receives every exported batch after it was stored.
type BatchPublisher interface {
	Publish(ctx context.Context, batch models.BatchPaymentMessage) error
	Close() error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes batches as JSON messages keyed by target, so the
// batches of one target stay on one partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
	log    *logger.Log
}

func NewKafkaPublisher(cfg appconfig.KafkaConfig) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic not configured")
	}
	kp := &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
		topic: cfg.Topic,
		log:   logger.GetLogger(),
	}
	kp.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"brokers": cfg.Brokers,
		"topic":   cfg.Topic,
	}).Debug("kafka publisher initialized")
	return kp, nil
}

func (kp *KafkaPublisher) Publish(ctx context.Context, batch models.BatchPaymentMessage) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(batch.Target),
		Value: data,
		Headers: []kafka.Header{
			{Key: "batch_id", Value: []byte(batch.BatchID)},
		},
	}
	if err := kp.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write to kafka topic %s: %w", kp.topic, err)
	}
	kp.log.WithComponent("kafka_publisher").WithFields(logger.Fields{
		"batch_id": batch.BatchID,
		"records":  batch.RecordCount,
	}).Debug("batch written to kafka")
	return nil
}

func (kp *KafkaPublisher) Close() error {
	return kp.writer.Close()
}
