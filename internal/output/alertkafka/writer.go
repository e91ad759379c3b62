package alertkafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"mempoolwatch/internal/logger"
	"mempoolwatch/pkg/models"
)

// Config configures the Kafka writer.
type Config struct {
	Brokers []string
	Topic   string
	Timeout time.Duration
}

// Writer publishes alerts to a Kafka topic, one JSON message per alert,
// keyed by the alert's dedup key so repeats land on the same partition.
type Writer struct {
	producer sarama.SyncProducer
	topic    string
}

// NewWriter creates a Kafka writer.
func NewWriter(cfg Config) (*Writer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are empty")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka topic is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	sc.Producer.Timeout = timeout

	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	logger.Infof("Alert Kafka writer initialized: topic=%s", cfg.Topic)
	return &Writer{producer: producer, topic: cfg.Topic}, nil
}

// WriteAlerts publishes a batch of alerts.
func (w *Writer) WriteAlerts(alerts []*models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	msgs := make([]*sarama.ProducerMessage, 0, len(alerts))
	for _, alert := range alerts {
		value, err := json.Marshal(alert)
		if err != nil {
			return fmt.Errorf("failed to marshal alert: %w", err)
		}
		msgs = append(msgs, &sarama.ProducerMessage{
			Topic: w.topic,
			Key:   sarama.StringEncoder(alert.DedupKey()),
			Value: sarama.ByteEncoder(value),
		})
	}

	if err := w.producer.SendMessages(msgs); err != nil {
		return fmt.Errorf("kafka publish failed: %w", err)
	}
	return nil
}

// Close shuts down the producer.
func (w *Writer) Close() error {
	return w.producer.Close()
}
