// Package redpanda provides the Redpanda/Kafka settlement queue.
//
// Settlement is idempotent at the consumer (refund events are keyed per task,
// the refund transaction per order), so the queue only needs at-least-once
// delivery. Messages are keyed by order id to keep per-order ordering.
package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/play-fulfillment/internal/domain"
)

// TopicSettlement is the Kafka topic carrying per-order settlement jobs.
const TopicSettlement = "settlement-jobs"

// SettlementMessage is the wire payload of one settlement job.
type SettlementMessage struct {
	OrderID string `json:"order_id"`
}

// Producer publishes settlement jobs and implements domain.SettlementQueue.
type Producer struct {
	client *kgo.Client
	topic  string
}

// NewProducer constructs a Producer against the given seed brokers.
func NewProducer(brokers []string) (*Producer, error) {
	return newProducerWithTopic(brokers, TopicSettlement)
}

func newProducerWithTopic(brokers []string, topic string) (*Producer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.producer: no seed brokers provided")
	}

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.producer: %w", err)
	}

	if err := createTopicIfNotExists(context.Background(), client, topic, 1, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}

	slog.Info("settlement producer created", slog.Any("brokers", brokers), slog.String("topic", topic))
	return &Producer{client: client, topic: topic}, nil
}

// EnqueueSettlement publishes one settlement job for orderID and returns the
// order id as the job handle.
func (p *Producer) EnqueueSettlement(ctx domain.Context, orderID string) (string, error) {
	if orderID == "" {
		return "", fmt.Errorf("op=queue.enqueue: %w: empty order id", domain.ErrInvalidArgument)
	}
	b, err := json.Marshal(SettlementMessage{OrderID: orderID})
	if err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}

	rec := &kgo.Record{Topic: p.topic, Key: []byte(orderID), Value: b}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return "", fmt.Errorf("op=queue.enqueue: %w", err)
	}

	slog.Info("settlement enqueued", slog.String("order_id", orderID), slog.String("topic", p.topic))
	return orderID, nil
}

// Close flushes and closes the underlying client.
func (p *Producer) Close() {
	if p.client != nil {
		p.client.Close()
	}
}
