// Package messaging publishes proxy events to Kafka for dashboards and other
// consumers outside the process, and can tail those topics back.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/roundproxy/internal/events"
	"github.com/bardlex/roundproxy/pkg/circuit"
	"github.com/bardlex/roundproxy/pkg/errors"
	"github.com/bardlex/roundproxy/pkg/log"
	"github.com/bardlex/roundproxy/pkg/retry"
)

// KafkaClient wraps kafka-go with pooled writers per topic
type KafkaClient struct {
	brokers        []string
	logger         *log.Logger
	encoder        Encoder
	writers        map[string]*kafka.Writer
	readers        map[string]*kafka.Reader
	writersMu      sync.RWMutex
	readersMu      sync.RWMutex
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, encoder Encoder, logger *log.Logger) *KafkaClient {
	cbConfig := &circuit.Config{
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
	}

	logger = logger.WithComponent("kafka")
	return &KafkaClient{
		brokers: brokers,
		logger:  logger,
		encoder: encoder,
		writers: make(map[string]*kafka.Writer),
		readers: make(map[string]*kafka.Reader),
		circuitBreaker: circuit.New("kafka", cbConfig, circuit.WithStateChange(func(name string, from, to circuit.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		})),
		retryConfig: retry.DefaultConfig(),
	}
}

// GetProducer gets or creates a Kafka producer for a topic
func (k *KafkaClient) GetProducer(topic string) *kafka.Writer {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(k.brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: true,
	}

	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// GetConsumer gets or creates a Kafka consumer for a topic and group
func (k *KafkaClient) GetConsumer(topic, groupID string) *kafka.Reader {
	key := topic + "-" + groupID

	k.readersMu.RLock()
	if reader, exists := k.readers[key]; exists {
		k.readersMu.RUnlock()
		return reader
	}
	k.readersMu.RUnlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	if reader, exists := k.readers[key]; exists {
		return reader
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.brokers,
		Topic:       topic,
		GroupID:     groupID,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     1 * time.Second,
	})

	k.readers[key] = reader
	k.logger.Info("created Kafka consumer", "topic", topic, "group_id", groupID)
	return reader
}

// Publish writes one encoded message
func (k *KafkaClient) Publish(ctx context.Context, topic, key string, data []byte) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			msg := kafka.Message{
				Key:   []byte(key),
				Value: data,
				Time:  time.Now(),
				Headers: []kafka.Header{
					{Key: "content-type", Value: []byte(k.encoder.ContentType())},
				},
			}

			if err := k.GetProducer(topic).WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeMessaging, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(data))
			}

			k.logger.Trace("published message", "topic", topic, "key", key, "size", len(data))
			return nil
		})
	})
}

// PublishEvent encodes and publishes a bus event. Events without a topic are skipped.
func (k *KafkaClient) PublishEvent(ctx context.Context, ev events.Event) error {
	topic, ok := TopicFor(ev.Kind)
	if !ok {
		return nil
	}
	key, rec, ok := RecordFor(ev)
	if !ok {
		return nil
	}

	data, err := k.encoder.Encode(rec)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "encode_event",
			"failed to encode event").
			WithContext("kind", ev.Kind.String())
	}
	return k.Publish(ctx, topic, key, data)
}

// Run publishes events from ch until it closes or ctx ends. Publish failures
// are logged and the event is dropped.
func (k *KafkaClient) Run(ctx context.Context, ch <-chan events.Event) {
	k.logger.Info("event sink started", "brokers", k.brokers)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := k.PublishEvent(ctx, ev); err != nil {
				k.logger.WithError(err).Error("failed to publish event", "kind", ev.Kind.String())
			}
		}
	}
}

// RecordHandler receives decoded messages from Consume.
type RecordHandler func(ctx context.Context, topic, key string, rec Record) error

// Consume reads a topic until ctx ends, decoding each message with the client's encoder.
func (k *KafkaClient) Consume(ctx context.Context, topic, groupID string, handler RecordHandler) error {
	reader := k.GetConsumer(topic, groupID)
	k.logger.Info("starting consumer", "topic", topic, "group_id", groupID)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				k.logger.Info("consumer stopping", "topic", topic)
				return ctx.Err()
			}
			k.logger.WithError(err).Error("failed to read message", "topic", topic)
			continue
		}

		rec, err := k.encoder.Decode(msg.Value)
		if err != nil {
			k.logger.WithError(err).Warn("undecodable message", "topic", topic, "size", len(msg.Value))
			continue
		}

		if err := handler(ctx, msg.Topic, string(msg.Key), rec); err != nil {
			k.logger.WithError(err).Error("failed to handle message", "topic", topic, "key", string(msg.Key))
		}
	}
}

// Close closes all producers and consumers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	k.readersMu.Lock()
	defer k.readersMu.Unlock()

	var lastErr error

	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.Error("failed to close producer", "topic", topic, "error", err)
			lastErr = err
		}
	}

	for key, reader := range k.readers {
		if err := reader.Close(); err != nil {
			k.logger.Error("failed to close consumer", "key", key, "error", err)
			lastErr = err
		}
	}

	k.writers = make(map[string]*kafka.Writer)
	k.readers = make(map[string]*kafka.Reader)
	return lastErr
}
