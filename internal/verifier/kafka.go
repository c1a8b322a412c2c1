package verifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress"

	"firestige.xyz/custody/internal/config"
)

const (
	defaultBatchSize    = 100
	defaultBatchTimeout = 100 * time.Millisecond
	defaultMaxAttempts  = 3
)

// messageWriter is the part of kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher streams verdicts to a Kafka topic, keyed by device.
type KafkaPublisher struct {
	writer messageWriter
	topic  string

	published atomic.Uint64
	errors    atomic.Uint64
}

// NewKafkaPublisher creates a new KafkaPublisher.
func NewKafkaPublisher(cfg config.VerdictKafka) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("brokers is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}

	batchTimeout := cfg.BatchTimeout
	if batchTimeout <= 0 {
		batchTimeout = defaultBatchTimeout
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:          cfg.Brokers,
		Topic:            cfg.Topic,
		Balancer:         &kafka.Hash{},
		BatchSize:        defaultBatchSize,
		BatchTimeout:     batchTimeout,
		MaxAttempts:      defaultMaxAttempts,
		CompressionCodec: codec,
	})

	slog.Info("kafka verdict publisher started",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"compression", cfg.Compression,
	)
	return newKafkaPublisher(writer, cfg.Topic), nil
}

func newKafkaPublisher(w messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic}
}

func compressionCodec(name string) (kafka.CompressionCodec, error) {
	switch name {
	case "none", "":
		return nil, nil
	case "gzip":
		return compress.Gzip.Codec(), nil
	case "snappy":
		return compress.Snappy.Codec(), nil
	case "lz4":
		return compress.Lz4.Codec(), nil
	case "zstd":
		return compress.Zstd.Codec(), nil
	default:
		return nil, fmt.Errorf("invalid compression type: %s", name)
	}
}

// Publish sends v to Kafka.
func (p *KafkaPublisher) Publish(ctx context.Context, v Verdict) error {
	value, err := json.Marshal(v)
	if err != nil {
		p.errors.Add(1)
		return fmt.Errorf("serialize verdict failed: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(v.DeviceID),
		Value: value,
		Time:  v.Time,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(v.Kind)},
			{Key: "verified", Value: []byte(strconv.FormatBool(v.Verified))},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.errors.Add(1)
		return fmt.Errorf("kafka write failed: %w", err)
	}
	p.published.Add(1)
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	if err := p.writer.Close(); err != nil {
		slog.Error("error closing kafka writer", "error", err)
		return err
	}
	slog.Info("kafka verdict publisher stopped",
		"topic", p.topic,
		"total_published", p.published.Load(),
		"total_errors", p.errors.Load(),
	)
	return nil
}
