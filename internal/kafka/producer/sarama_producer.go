package producer

import (
	"context"
	"fmt"
	"time"

	"github.com/Dhoini/billing-sync/internal/kafka"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/IBM/sarama"
)

type saramaPublisher struct {
	producer sarama.SyncProducer
	log      *logger.Logger
}

// NewSaramaPublisher создает Publisher поверх синхронного продюсера Sarama
func NewSaramaPublisher(producer sarama.SyncProducer, log *logger.Logger) kafka.Publisher {
	return &saramaPublisher{
		producer: producer,
		log:      log,
	}
}

// Dial создает синхронный продюсер по конфигурации сервиса
func Dial(cfg *kafka.Config, log *logger.Logger) (kafka.Publisher, error) {
	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafka.NewSaramaConfig(cfg, log))
	if err != nil {
		log.Errorw("Failed to create Sarama producer", "error", err, "brokers", cfg.Brokers)
		return nil, fmt.Errorf("failed to create sarama producer: %w", err)
	}
	log.Infow("Kafka producer initialized", "brokers", cfg.Brokers, "driver", kafka.DriverSarama)
	return NewSaramaPublisher(producer, log), nil
}

// Publish отправляет сообщение. Контекст проверяется до отправки:
// SyncProducer ограничен собственным Producer.Timeout.
func (p *saramaPublisher) Publish(ctx context.Context, msg kafka.Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("kafka: publish canceled: %w", err)
	}

	headers := make([]sarama.RecordHeader, 0, len(msg.Headers))
	for key, value := range msg.Headers {
		headers = append(headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
	}
	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	message := &sarama.ProducerMessage{
		Topic:     msg.Topic,
		Key:       sarama.StringEncoder(msg.Key),
		Value:     sarama.ByteEncoder(msg.Value),
		Headers:   headers,
		Timestamp: ts,
	}

	partition, offset, err := p.producer.SendMessage(message)
	if err != nil {
		p.log.Errorw("Failed to publish message", "error", err, "topic", msg.Topic, "key", msg.Key)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	p.log.Debug("Published message to topic %s: partition=%d offset=%d", msg.Topic, partition, offset)
	return nil
}

// Close закрывает продюсер
func (p *saramaPublisher) Close() error {
	return p.producer.Close()
}
