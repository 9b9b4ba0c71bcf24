// Package notify delivers detected anomalies to subscription groups.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/miradorstack/mirador-detect/internal/metrics"
	"github.com/miradorstack/mirador-detect/internal/models"
)

// Notification is one delivery to one group.
type Notification struct {
	Group             string            `json:"group"`
	Topic             string            `json:"-"`
	AlertID           int64             `json:"alertId"`
	AlertName         string            `json:"alertName,omitempty"`
	EnumerationItemID *int64            `json:"enumerationItemId,omitempty"`
	RunID             string            `json:"runId,omitempty"`
	Anomalies         []*models.Anomaly `json:"anomalies"`
	SentAt            time.Time         `json:"sentAt"`
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
	Close() error
}

// NoopNotifier drops every notification.
type NoopNotifier struct{}

// Notify discards n.
func (NoopNotifier) Notify(context.Context, Notification) error { return nil }

// Close is a no-op.
func (NoopNotifier) Close() error { return nil }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the Kafka notifier.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

// KafkaNotifier publishes notifications as JSON keyed by group name.
type KafkaNotifier struct {
	writer       messageWriter
	defaultTopic string
	timeout      time.Duration
	logger       *slog.Logger
}

// NewKafkaNotifier builds a notifier over a kafka.Writer. The writer has no
// fixed topic so each message can carry its group's topic.
func NewKafkaNotifier(cfg KafkaConfig, logger *slog.Logger) (*KafkaNotifier, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka notifier: at least one broker is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka notifier: default topic is required")
	}
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
	return newKafkaNotifier(writer, cfg, logger), nil
}

func newKafkaNotifier(w messageWriter, cfg KafkaConfig, logger *slog.Logger) *KafkaNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.WriteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &KafkaNotifier{writer: w, defaultTopic: cfg.Topic, timeout: timeout, logger: logger}
}

// Notify publishes n to its topic, falling back to the default topic.
func (k *KafkaNotifier) Notify(ctx context.Context, n Notification) error {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now().UTC()
	}
	topic := n.Topic
	if topic == "" {
		topic = k.defaultTopic
	}
	value, err := json.Marshal(n)
	if err != nil {
		metrics.ObserveNotification(metrics.OutcomeError)
		return fmt.Errorf("marshal notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   []byte(n.Group),
		Value: value,
		Time:  n.SentAt,
	})
	if err != nil {
		metrics.ObserveNotification(metrics.OutcomeError)
		return fmt.Errorf("publish notification for %s: %w", n.Group, err)
	}
	metrics.ObserveNotification(metrics.OutcomeSuccess)
	k.logger.Debug("notification sent",
		slog.String("group", n.Group),
		slog.String("topic", topic),
		slog.Int("anomalies", len(n.Anomalies)))
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaNotifier) Close() error { return k.writer.Close() }
