package kafka

import (
	"context"
	"errors"
	"fmt"
	"github.com/Dhoini/billing-sync/pkg/logger"
	kafkaGo "github.com/segmentio/kafka-go"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// EnsureKafkaTopics проверяет и создает топики сервиса.
func EnsureKafkaTopics(brokers []string, topics Topics, log *logger.Logger) error {
	topics = topics.WithDefaults()
	requiredTopics := map[string]kafkaGo.TopicConfig{
		topics.SubscriptionChanged: {
			Topic:             topics.SubscriptionChanged,
			NumPartitions:     3,
			ReplicationFactor: 1,
		},
		topics.DeadLetter: {
			Topic:             topics.DeadLetter,
			NumPartitions:     1,
			ReplicationFactor: 1,
		},
		topics.DriftDetected: {
			Topic:             topics.DriftDetected,
			NumPartitions:     1,
			ReplicationFactor: 1,
		},
	}

	log.Infow("Ensuring Kafka topics exist...", "topics", getTopicNames(requiredTopics))

	if len(brokers) == 0 || brokers[0] == "" {
		log.Errorw("Kafka broker address is empty")
		return errors.New("kafka broker address is empty")
	}
	_, portStr, err := net.SplitHostPort(strings.TrimSpace(brokers[0]))
	if err != nil {
		log.Errorw("Invalid Kafka broker address format", "broker", brokers[0], "error", err)
		return fmt.Errorf("invalid broker address %s: %w", brokers[0], err)
	}
	_, err = strconv.Atoi(portStr)
	if err != nil {
		log.Errorw("Invalid Kafka broker port", "broker", brokers[0], "error", err)
		return fmt.Errorf("invalid broker port %s: %w", brokers[0], err)
	}

	connCtx, cancelConn := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancelConn()

	conn, err := kafkaGo.DialContext(connCtx, "tcp", brokers[0])
	if err != nil {
		log.Errorw("Failed to connect to Kafka broker for topic creation", "broker", brokers[0], "error", err)
		return fmt.Errorf("kafka connection failed: %w", err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions()
	if err != nil {
		log.Errorw("Failed to read partitions from Kafka", "error", err)
		return fmt.Errorf("kafka read partitions failed: %w", err)
	}
	existingTopics := make(map[string]bool)
	for _, p := range partitions {
		existingTopics[p.Topic] = true
	}

	topicsToCreate := missingTopics(requiredTopics, existingTopics)
	if len(topicsToCreate) == 0 {
		log.Infow("All required topics already exist")
		return nil
	}

	// Топики создаются только через контроллер кластера
	controller, err := conn.Controller()
	if err != nil {
		log.Errorw("Failed to locate Kafka controller", "error", err)
		return fmt.Errorf("kafka controller lookup failed: %w", err)
	}
	controllerAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	controllerConn, err := kafkaGo.DialContext(connCtx, "tcp", controllerAddr)
	if err != nil {
		log.Errorw("Failed to connect to Kafka controller", "controller", controllerAddr, "error", err)
		return fmt.Errorf("kafka controller connection failed: %w", err)
	}
	defer controllerConn.Close()

	names := getTopicNamesFromConfig(topicsToCreate)
	log.Infow("Creating Kafka topics", "topics", names, "controller", controllerAddr)
	if err := controllerConn.CreateTopics(topicsToCreate...); err != nil {
		if errors.Is(err, kafkaGo.TopicAlreadyExists) {
			log.Warnw("One or more topics already existed during creation attempt", "topics", names)
			return nil
		}
		log.Errorw("Failed to create topics", "error", err, "topics", names)
		return fmt.Errorf("kafka create topics failed: %w", err)
	}

	log.Infow("Successfully created topics", "topics", names)
	return nil
}

// missingTopics возвращает конфигурации топиков, которых нет в кластере, в стабильном порядке
func missingTopics(required map[string]kafkaGo.TopicConfig, existing map[string]bool) []kafkaGo.TopicConfig {
	var out []kafkaGo.TopicConfig
	for _, name := range getTopicNames(required) {
		if !existing[name] {
			out = append(out, required[name])
		}
	}
	return out
}

func getTopicNames(topicMap map[string]kafkaGo.TopicConfig) []string {
	names := make([]string, 0, len(topicMap))
	for name := range topicMap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func getTopicNamesFromConfig(topicConfigs []kafkaGo.TopicConfig) []string {
	names := make([]string, 0, len(topicConfigs))
	for _, tc := range topicConfigs {
		names = append(names, tc.Topic)
	}
	return names
}
