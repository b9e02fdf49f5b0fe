package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/play-fulfillment/internal/domain"
)

// Settler runs the settlement pass for one order.
type Settler interface {
	Settle(ctx domain.Context, orderID string) error
}

// Consumer consumes settlement jobs and drives the Settler. Offsets are
// committed only after the job either succeeds or is parked for manual
// review, so a crash mid-settlement replays the job; the settlement pass is
// idempotent.
type Consumer struct {
	client  *kgo.Client
	settler Settler
	groupID string
	topic   string
}

// NewConsumer constructs a group Consumer for settlement jobs.
func NewConsumer(brokers []string, groupID string, settler Settler) (*Consumer, error) {
	return newConsumerWithTopic(brokers, groupID, settler, TopicSettlement)
}

func newConsumerWithTopic(brokers []string, groupID string, settler Settler, topic string) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=queue.consumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=queue.consumer: missing required group ID")
	}
	if settler == nil {
		return nil, fmt.Errorf("op=queue.consumer: nil settler")
	}

	tempClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("op=queue.consumer: temp client: %w", err)
	}
	if err := createTopicIfNotExists(context.Background(), tempClient, topic, 1, 1); err != nil {
		slog.Warn("failed to create topic, it may already exist",
			slog.String("topic", topic), slog.Any("error", err))
	}
	tempClient.Close()

	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.DialTimeout(10*time.Second),
		kgo.SessionTimeout(30*time.Second),
		kgo.HeartbeatInterval(3*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("op=queue.consumer: %w", err)
	}

	slog.Info("settlement consumer created",
		slog.Any("brokers", brokers), slog.String("group_id", groupID), slog.String("topic", topic))
	return &Consumer{client: client, settler: settler, groupID: groupID, topic: topic}, nil
}

// Run polls and processes settlement jobs until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("settlement consumer loop started", slog.String("group_id", c.groupID))
	for {
		select {
		case <-ctx.Done():
			slog.Info("settlement consumer loop stopped")
			return nil
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			slog.Error("settlement fetch error",
				slog.String("topic", topic), slog.Int("partition", int(partition)), slog.Any("error", err))
		})

		fetches.EachRecord(func(rec *kgo.Record) {
			c.handle(ctx, rec)
		})
	}
}

// handle settles one record and commits it once it will never be retried.
func (c *Consumer) handle(ctx context.Context, rec *kgo.Record) {
	var msg SettlementMessage
	if err := json.Unmarshal(rec.Value, &msg); err != nil {
		slog.Error("settlement message malformed, skipping",
			slog.String("topic", rec.Topic), slog.Any("error", err))
		c.commit(ctx, rec)
		return
	}

	if c.settleOnce(ctx, msg.OrderID) {
		c.commit(ctx, rec)
	}
}

// settleOnce runs one settlement pass with retries and reports whether the
// offset should be committed. Parked jobs commit too; replaying them cannot
// fix the ledger.
func (c *Consumer) settleOnce(ctx context.Context, orderID string) bool {
	op := func() error {
		err := c.settler.Settle(ctx, orderID)
		if err == nil {
			return nil
		}
		// Reconciliation mismatches and vanished orders are parked for
		// manual review; retrying cannot fix either.
		if errors.Is(err, domain.ErrInvariantViolation) || errors.Is(err, domain.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if errors.Is(err, domain.ErrInvariantViolation) || errors.Is(err, domain.ErrNotFound) {
			slog.Error("settlement halted, order parked for review",
				slog.String("order_id", orderID), slog.Any("error", err))
			return true
		}
		// Transient failure exhausted the budget: leave the offset
		// uncommitted so the job replays after a rebalance or restart.
		slog.Error("settlement failed, will replay",
			slog.String("order_id", orderID), slog.Any("error", err))
		return false
	}

	slog.Info("settlement processed", slog.String("order_id", orderID))
	return true
}

func (c *Consumer) commit(ctx context.Context, rec *kgo.Record) {
	if err := c.client.CommitRecords(ctx, rec); err != nil {
		slog.Error("settlement commit failed", slog.Any("error", err))
	}
}

// Close closes the underlying client.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
