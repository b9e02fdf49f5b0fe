package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/play-fulfillment/internal/domain"
)

// TaskGenerator decomposes an accepted order into scheduled delivery tasks.
type TaskGenerator struct {
	Tasks  domain.TaskRepository
	Orders domain.OrderRepository

	Window      time.Duration
	BatchTarget int
	MaxTasks    int
	MaxAttempts int
}

// NewTaskGenerator constructs a TaskGenerator.
func NewTaskGenerator(tasks domain.TaskRepository, orders domain.OrderRepository, window time.Duration, batchTarget, maxTasks, maxAttempts int) TaskGenerator {
	return TaskGenerator{
		Tasks:       tasks,
		Orders:      orders,
		Window:      window,
		BatchTarget: batchTarget,
		MaxTasks:    maxTasks,
		MaxAttempts: maxAttempts,
	}
}

// Plan splits the order quantity into tasks spread across the delivery
// window. Small orders stay a single task; larger ones target BatchTarget
// units per task, capped at MaxTasks. Schedules get +/-5% jitter around an
// even spread so dispatches don't arrive in lockstep.
func (g TaskGenerator) Plan(o domain.Order, startedAt time.Time) []domain.Task {
	count := 1
	if o.Quantity > 1000 {
		count = (o.Quantity + g.BatchTarget - 1) / g.BatchTarget
		if count > g.MaxTasks {
			count = g.MaxTasks
		}
	}

	base := o.Quantity / count
	extra := o.Quantity % count
	interval := g.Window / time.Duration(count)
	now := time.Now().UTC()

	tasks := make([]domain.Task, 0, count)
	for i := 0; i < count; i++ {
		qty := base
		if i < extra {
			qty++
		}
		jitter := time.Duration((rand.Float64()*0.10 - 0.05) * float64(interval))
		scheduledAt := startedAt.Add(time.Duration(i)*interval + jitter)
		if scheduledAt.Before(startedAt) {
			scheduledAt = startedAt
		}
		seq := i + 1
		tasks = append(tasks, domain.Task{
			ID:               uuid.NewString(),
			OrderID:          o.ID,
			Sequence:         seq,
			Quantity:         qty,
			Status:           domain.TaskPending,
			MaxAttempts:      g.MaxAttempts,
			IdempotencyToken: domain.IdemToken(o.ID, seq, 0),
			ScheduledAt:      scheduledAt,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	return tasks
}

// Generate plans and persists the order's tasks, stamps the delivery
// schedule, and moves the order to RUNNING. Re-running it for the same order
// is harmless: existing (order, sequence) rows are skipped and the status
// move is conditional.
func (g TaskGenerator) Generate(ctx domain.Context, o domain.Order, startedAt time.Time) (int, error) {
	tasks := g.Plan(o, startedAt)

	inserted, err := g.Tasks.CreateBatch(ctx, tasks)
	if err != nil {
		return 0, fmt.Errorf("op=generate.tasks: %w", err)
	}
	if inserted < len(tasks) {
		slog.Info("task generation replayed, existing tasks kept",
			slog.String("order_id", o.ID),
			slog.Int("inserted", inserted),
			slog.Int("planned", len(tasks)))
	}

	if err := g.Orders.SetSchedule(ctx, o.ID, startedAt, startedAt.Add(g.Window)); err != nil {
		return inserted, fmt.Errorf("op=generate.schedule: %w", err)
	}
	if err := g.Orders.UpdateStatus(ctx, o.ID, domain.OrderPending, domain.OrderRunning); err != nil {
		// Already running from a previous pass.
		if !errors.Is(err, domain.ErrOptimisticConflict) {
			return inserted, fmt.Errorf("op=generate.activate: %w", err)
		}
	}
	return inserted, nil
}

// ResumePending re-runs Generate for charged orders stranded in PENDING: a
// crash between intake's balance debit and task generation would otherwise
// leave them paid for but never delivered. Generate's replay safety makes
// this a no-op for orders that did get their tasks. Returns how many orders
// were resumed.
func (g TaskGenerator) ResumePending(ctx domain.Context, age time.Duration, limit int) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	stuck, err := g.Orders.ListStuckPending(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("op=generate.resume: %w", err)
	}

	resumed := 0
	for _, o := range stuck {
		startedAt := time.Now().UTC()
		if o.StartedAt != nil {
			startedAt = *o.StartedAt
		}
		if _, err := g.Generate(ctx, o, startedAt); err != nil {
			slog.Error("stranded order resume failed",
				slog.String("order_id", o.ID), slog.Any("error", err))
			continue
		}
		slog.Warn("stranded pending order resumed",
			slog.String("order_id", o.ID),
			slog.Int("quantity", o.Quantity))
		resumed++
	}
	return resumed, nil
}
