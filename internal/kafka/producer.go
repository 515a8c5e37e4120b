package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/segmentio/kafka-go"
)

// Message сообщение для публикации. Key определяет партицию.
type Message struct {
	Topic   string
	Key     string
	Value   []byte
	Headers map[string]string
	Time    time.Time
}

// Publisher публикует сообщения в брокер
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// kafkaProducer реализует Publisher через segmentio/kafka-go
type kafkaProducer struct {
	writer       *kafka.Writer
	writeTimeout time.Duration
	log          *logger.Logger
}

// NewKafkaProducer создает продюсер kafka-go.
// Хеш-балансировщик направляет сообщения с одним ключом в одну партицию.
func NewKafkaProducer(cfg *Config, log *logger.Logger) (Publisher, error) {
	if len(cfg.Brokers) == 0 {
		log.Errorw("Kafka brokers list is empty in config, cannot create producer")
		return nil, errors.New("kafka brokers are not configured")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchSize:    cfg.Producer.FlushMaxMessages,
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.Producer.WriteTimeout,
		ReadTimeout:  cfg.Producer.WriteTimeout,
	}

	log.Infow("Kafka producer initialized", "brokers", cfg.Brokers, "driver", DriverKafkaGo)
	return &kafkaProducer{
		writer:       writer,
		writeTimeout: cfg.Producer.WriteTimeout,
		log:          log,
	}, nil
}

// Publish отправляет сообщение и ждет подтверждения
func (k *kafkaProducer) Publish(ctx context.Context, msg Message) error {
	headers := make([]kafka.Header, 0, len(msg.Headers))
	for key, value := range msg.Headers {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	writeCtx, cancel := context.WithTimeout(ctx, k.writeTimeout)
	defer cancel()

	err := k.writer.WriteMessages(writeCtx, kafka.Message{
		Topic:   msg.Topic,
		Key:     []byte(msg.Key),
		Value:   msg.Value,
		Headers: headers,
		Time:    ts,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			k.log.Errorw("Kafka write timeout exceeded", "error", err, "topic", msg.Topic, "key", msg.Key)
			return fmt.Errorf("kafka: write timeout: %w", err)
		}
		k.log.Errorw("Failed to write message to Kafka", "error", err, "topic", msg.Topic, "key", msg.Key)
		return fmt.Errorf("kafka: failed to write message: %w", err)
	}

	k.log.Debugw("Published message to Kafka", "topic", msg.Topic, "key", msg.Key)
	return nil
}

// Close закрывает соединение Kafka Writer.
func (k *kafkaProducer) Close() error {
	k.log.Infow("Closing Kafka producer writer...")
	if err := k.writer.Close(); err != nil {
		k.log.Errorw("Failed to close Kafka writer", "error", err)
		return fmt.Errorf("kafka: failed to close writer: %w", err)
	}
	k.log.Infow("Kafka producer writer closed successfully")
	return nil
}

// noopPublisher используется, когда Kafka отключена
type noopPublisher struct {
	log *logger.Logger
}

// NewNoopPublisher создает публикатор, который только пишет в лог
func NewNoopPublisher(log *logger.Logger) Publisher {
	return &noopPublisher{log: log}
}

func (n *noopPublisher) Publish(ctx context.Context, msg Message) error {
	n.log.Debugw("Kafka disabled, message dropped", "topic", msg.Topic, "key", msg.Key)
	return nil
}

func (n *noopPublisher) Close() error { return nil }
