// Package events publishes payment lifecycle events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Type names a lifecycle event
type Type string

const (
	TypePaymentReceived    Type = "payment.received"
	TypePaymentConfirmed   Type = "payment.confirmed"
	TypePaymentRejected    Type = "payment.rejected"
	TypePaymentExpired     Type = "payment.expired"
	TypeCampaignLinked     Type = "campaign.linked"
	TypeCampaignLinkFailed Type = "campaign.link_failed"
)

// PaymentEvent is the message body published for every lifecycle change
type PaymentEvent struct {
	Type       Type      `json:"event_type"`
	PaymentID  string    `json:"payment_id"`
	Key        string    `json:"payment_key"`
	Provider   string    `json:"provider"`
	UserID     int64     `json:"user_id"`
	Expected   string    `json:"expected,omitempty"`
	Observed   string    `json:"observed,omitempty"`
	Currency   string    `json:"currency,omitempty"`
	TxRef      string    `json:"tx_ref,omitempty"`
	CampaignID int64     `json:"campaign_id,omitempty"`
	ZoneID     int64     `json:"zone_id,omitempty"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher delivers lifecycle events
type Publisher interface {
	Publish(ctx context.Context, event PaymentEvent) error
}

// Nop discards events; used when no brokers are configured
type Nop struct{}

func (Nop) Publish(context.Context, PaymentEvent) error { return nil }

// InitProducer connects a synchronous producer to brokers
func InitProducer(brokers []string, logger *zap.Logger) (sarama.SyncProducer, error) {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	logger.Info("kafka producer initialized", zap.Strings("brokers", brokers))
	return producer, nil
}

// KafkaPublisher publishes events keyed by payment key, so all events of
// one payment land on one partition in order.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      *zap.Logger
}

// NewKafkaPublisher creates a publisher writing to topic
func NewKafkaPublisher(producer sarama.SyncProducer, topic string, log *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, log: log}
}

// Publish implements Publisher
func (p *KafkaPublisher) Publish(ctx context.Context, event PaymentEvent) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.Key),
		Value: sarama.ByteEncoder(eventJSON),
	}

	// Inject trace context into Kafka message headers
	carrier := make(headerCarrier, 0)
	otel.GetTextMapPropagator().Inject(ctx, &carrier)
	msg.Headers = []sarama.RecordHeader(carrier)

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}

	traceID := ""
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		traceID = sc.TraceID().String()
	}

	p.log.Debug("lifecycle event published",
		zap.String("trace_id", traceID),
		zap.String("topic", p.topic),
		zap.String("event_type", string(event.Type)),
		zap.String("payment_key", event.Key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset),
	)

	return nil
}

// Close closes the underlying producer
func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// headerCarrier implements propagation.TextMapCarrier over Kafka headers
type headerCarrier []sarama.RecordHeader

func (c headerCarrier) Get(key string) string {
	for _, h := range c {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	*c = append(*c, sarama.RecordHeader{
		Key:   []byte(key),
		Value: []byte(value),
	})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = string(h.Key)
	}
	return keys
}
