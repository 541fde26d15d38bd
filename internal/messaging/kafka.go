// Package messaging carries jobs, shares and block candidates between the
// pool services over Kafka.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/segmentio/kafka-go"
	"google.golang.org/protobuf/proto"

	"github.com/bardlex/gomp-ethash/pkg/circuit"
	"github.com/bardlex/gomp-ethash/pkg/errors"
	"github.com/bardlex/gomp-ethash/pkg/log"
	"github.com/bardlex/gomp-ethash/pkg/retry"
)

// Writer is the producer side of a topic. *kafka.Writer implements it.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reader is the consumer side of a topic. *kafka.Reader implements it.
type Reader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Handler processes one consumed message.
type Handler func(ctx context.Context, key string, value []byte) error

// KafkaClient wraps kafka-go with pooled producers and consumers, retries
// and a circuit breaker on the publish path.
type KafkaClient struct {
	brokers []string
	logger  *log.Logger

	writersMu sync.RWMutex
	writers   map[string]Writer
	readersMu sync.Mutex
	readers   map[string]Reader

	breaker     *circuit.Breaker
	retryConfig *retry.Config

	newWriter func(topic string) Writer
	newReader func(topic, groupID string) Reader
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, logger *log.Logger) *KafkaClient {
	if logger == nil {
		logger = log.Nop()
	}
	k := &KafkaClient{
		brokers: brokers,
		logger:  logger.WithComponent("kafka"),
		writers: make(map[string]Writer),
		readers: make(map[string]Reader),
		breaker: circuit.New(&circuit.Config{
			Name:            "kafka",
			MaxFailures:     5,
			SuccessRequired: 3,
			Timeout:         15 * time.Second,
			ResetTimeout:    60 * time.Second,
			IsFailure:       errors.IsRetryable,
		}),
		retryConfig: retry.KafkaConfig(),
	}
	k.newWriter = k.kafkaWriter
	k.newReader = k.kafkaReader
	return k
}

func (k *KafkaClient) kafkaWriter(topic string) Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(k.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              100,
		BatchTimeout:           5 * time.Millisecond,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}
}

func (k *KafkaClient) kafkaReader(topic, groupID string) Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     250 * time.Millisecond,
	})
}

// GetProducer returns the pooled producer for topic
func (k *KafkaClient) GetProducer(topic string) Writer {
	k.writersMu.RLock()
	writer, ok := k.writers[topic]
	k.writersMu.RUnlock()
	if ok {
		return writer
	}

	k.writersMu.Lock()
	defer k.writersMu.Unlock()
	if writer, ok := k.writers[topic]; ok {
		return writer
	}
	writer = k.newWriter(topic)
	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// GetConsumer returns the pooled consumer for topic and group
func (k *KafkaClient) GetConsumer(topic, groupID string) Reader {
	key := fmt.Sprintf("%s-%s", topic, groupID)

	k.readersMu.Lock()
	defer k.readersMu.Unlock()
	if reader, ok := k.readers[key]; ok {
		return reader
	}
	reader := k.newReader(topic, groupID)
	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// PublishProto publishes a protobuf message
func (k *KafkaClient) PublishProto(ctx context.Context, topic, key string, msg proto.Message) error {
	data, err := proto.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "protobuf_marshal",
			"failed to marshal protobuf message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, topic, key, data)
}

// PublishJSON publishes v encoded as JSON
func (k *KafkaClient) PublishJSON(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "json_marshal",
			"failed to marshal JSON message").
			WithContext("topic", topic).
			WithContext("key", key)
	}
	return k.publish(ctx, topic, key, data)
}

func (k *KafkaClient) publish(ctx context.Context, topic, key string, data []byte) error {
	return k.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, k.retryConfig, func(ctx context.Context) error {
			msg := kafka.Message{Key: []byte(key), Value: data, Time: time.Now()}
			if err := k.GetProducer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.New(errors.ErrorTypeKafka, "publish_message", err.Error()).
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}
			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// StartConsumer reads topic as groupID and hands every message to handle
// until ctx is cancelled. Handler errors are logged and do not stop the loop.
func (k *KafkaClient) StartConsumer(ctx context.Context, topic, groupID string, handle Handler) error {
	reader := k.GetConsumer(topic, groupID)
	logger := k.logger.WithFields("topic", topic, "group_id", groupID)
	logger.Info("starting consumer")

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("consumer stopping")
				return ctx.Err()
			}
			logger.WithError(err).Error("failed to read message")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		key := string(msg.Key)
		if err := handle(ctx, key, msg.Value); err != nil {
			logger.WithError(err).Error("failed to handle message", "key", key, "offset", msg.Offset)
		}
	}
}

// Close closes all producers and consumers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	writers := k.writers
	k.writers = make(map[string]Writer)
	k.writersMu.Unlock()

	k.readersMu.Lock()
	readers := k.readers
	k.readers = make(map[string]Reader)
	k.readersMu.Unlock()

	var result *multierror.Error
	for topic, writer := range writers {
		if err := writer.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close producer %s: %w", topic, err))
		}
	}
	for key, reader := range readers {
		if err := reader.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close consumer %s: %w", key, err))
		}
	}
	return result.ErrorOrNil()
}
