// Package events publishes fleet lifecycle events to Kafka. The
// producer is optional: a nil *Producer is safe to call and drops
// events, so deployments without brokers run unchanged.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/nyc-design/Gamer/pkg/logging"
)

// Producer publishes events to a single fleet topic.
type Producer struct {
	client *kgo.Client
	logger logging.Logger
	topic  string
}

// NewProducer creates a Kafka producer for fleet events. Returns
// nil, nil when no brokers are configured.
func NewProducer(brokers []string, topic string, logger logging.Logger) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	if topic == "" {
		topic = "fleet-events"
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ClientID("warden"),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
		kgo.ProducerLinger(10 * time.Millisecond),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		topic:  topic,
	}, nil
}

// Close flushes and closes the underlying client.
func (p *Producer) Close() {
	if p == nil || p.client == nil {
		return
	}
	p.client.Close()
}

// Client returns the underlying kgo.Client for health checks. Nil when
// the producer is disabled.
func (p *Producer) Client() *kgo.Client {
	if p == nil {
		return nil
	}
	return p.client
}

// Publish sends one event. Failures are logged, never fatal: event
// delivery must not block or fail session operations.
func (p *Producer) Publish(ctx context.Context, event Event) {
	if p == nil || p.client == nil {
		return
	}

	value, err := json.Marshal(event)
	if err != nil {
		p.logger.WithError(err).WithField("event_type", event.EventType).Error("Failed to marshal event")
		return
	}

	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(event.HostID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "source", Value: []byte(event.Source)},
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}

	produceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(produceCtx, record)
	if err := result.FirstErr(); err != nil {
		p.logger.WithError(err).WithFields(logging.Fields{
			"event_type": event.EventType,
			"host_id":    event.HostID,
		}).Warn("Failed to publish event")
	}
}
