package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/play-fulfillment/internal/domain"
)

// OrderRepo persists and loads orders from PostgreSQL.
type OrderRepo struct{ Pool PgxPool }

// NewOrderRepo constructs an OrderRepo with the given pool.
func NewOrderRepo(p PgxPool) *OrderRepo { return &OrderRepo{Pool: p} }

const orderColumns = `id, user_id, service_id, quantity, price_per_unit, target_ref, region, status,
	delivered, remains, failed_permanent, task_delivery, idempotency_key,
	created_at, started_at, estimated_completion, completed_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.UserID, &o.ServiceID, &o.Quantity, &o.PricePerUnit,
		&o.TargetRef, &o.Region, &o.Status, &o.Delivered, &o.Remains,
		&o.FailedPermanent, &o.TaskDelivery, &o.IdemKey,
		&o.CreatedAt, &o.StartedAt, &o.EstimatedAt, &o.CompletedAt)
	return o, err
}

// Create inserts a new order and returns its id.
func (r *OrderRepo) Create(ctx domain.Context, o domain.Order) (string, error) {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.Create")
	defer span.End()
	q := `INSERT INTO orders (` + orderColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`
	_, err := r.Pool.Exec(ctx, q, o.ID, o.UserID, o.ServiceID, o.Quantity, o.PricePerUnit,
		o.TargetRef, o.Region, o.Status, o.Delivered, o.Remains, o.FailedPermanent,
		o.TaskDelivery, o.IdemKey, time.Now().UTC(), o.StartedAt, o.EstimatedAt, o.CompletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return "", fmt.Errorf("op=order.create: %w", domain.ErrConflict)
		}
		return "", fmt.Errorf("op=order.create: %w", err)
	}
	return o.ID, nil
}

// Get loads an order by id.
func (r *OrderRepo) Get(ctx domain.Context, id string) (domain.Order, error) {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.Get")
	defer span.End()
	q := `SELECT ` + orderColumns + ` FROM orders WHERE id=$1`
	o, err := scanOrder(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Order{}, fmt.Errorf("op=order.get: %w", domain.ErrNotFound)
		}
		return domain.Order{}, fmt.Errorf("op=order.get: %w", err)
	}
	return o, nil
}

// FindByIdemKey loads an order by (user, idempotency key).
func (r *OrderRepo) FindByIdemKey(ctx domain.Context, userID, key string) (domain.Order, error) {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.FindByIdemKey")
	defer span.End()
	q := `SELECT ` + orderColumns + ` FROM orders WHERE user_id=$1 AND idempotency_key=$2 LIMIT 1`
	o, err := scanOrder(r.Pool.QueryRow(ctx, q, userID, key))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Order{}, fmt.Errorf("op=order.find_idem: %w", domain.ErrNotFound)
		}
		return domain.Order{}, fmt.Errorf("op=order.find_idem: %w", err)
	}
	return o, nil
}

// UpdateStatus conditionally moves an order from one status to another.
// The condition keeps lifecycle moves monotonic under concurrent finalizers.
func (r *OrderRepo) UpdateStatus(ctx domain.Context, id string, from, to domain.OrderStatus) error {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.UpdateStatus")
	defer span.End()
	now := time.Now().UTC()
	var completedAt *time.Time
	if to.Terminal() {
		completedAt = &now
	}
	q := `UPDATE orders SET status=$3, completed_at=COALESCE($4, completed_at) WHERE id=$1 AND status=$2`
	tag, err := r.Pool.Exec(ctx, q, id, from, to, completedAt)
	if err != nil {
		return fmt.Errorf("op=order.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=order.update_status: %w", domain.ErrOptimisticConflict)
	}
	return nil
}

// SetSchedule stamps the delivery window on the order.
func (r *OrderRepo) SetSchedule(ctx domain.Context, id string, startedAt, estimatedAt time.Time) error {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.SetSchedule")
	defer span.End()
	q := `UPDATE orders SET started_at=$2, estimated_completion=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, startedAt, estimatedAt); err != nil {
		return fmt.Errorf("op=order.set_schedule: %w", err)
	}
	return nil
}

// ApplyTaskOutcome atomically folds a task finalization into the order
// counters. The remains guard makes replayed finalizations harmless at the
// aggregate level and surfaces arithmetic drift as a conflict.
func (r *OrderRepo) ApplyTaskOutcome(ctx domain.Context, id string, delivered, failed int) (domain.Order, error) {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.ApplyTaskOutcome")
	defer span.End()
	q := `UPDATE orders
	SET delivered = delivered + $2,
	    failed_permanent = failed_permanent + $3,
	    remains = remains - $2 - $3
	WHERE id=$1 AND remains >= $2 + $3
	RETURNING ` + orderColumns
	o, err := scanOrder(r.Pool.QueryRow(ctx, q, id, delivered, failed))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Order{}, fmt.Errorf("op=order.apply_outcome: %w", domain.ErrInvariantViolation)
		}
		return domain.Order{}, fmt.Errorf("op=order.apply_outcome: %w", err)
	}
	return o, nil
}

// MarkRefunded flips the refund-issued marker. First write wins.
func (r *OrderRepo) MarkRefunded(ctx domain.Context, id string) (bool, error) {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.MarkRefunded")
	defer span.End()
	q := `UPDATE orders SET refund_issued=TRUE WHERE id=$1 AND refund_issued=FALSE`
	tag, err := r.Pool.Exec(ctx, q, id)
	if err != nil {
		return false, fmt.Errorf("op=order.mark_refunded: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListStuckPending loads task-delivery orders that never left PENDING:
// charged, but their task generation was cut short.
func (r *OrderRepo) ListStuckPending(ctx domain.Context, olderThan time.Time, limit int) ([]domain.Order, error) {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.ListStuckPending")
	defer span.End()
	q := `SELECT ` + orderColumns + ` FROM orders
	WHERE status=$1 AND task_delivery AND created_at < $2
	ORDER BY created_at
	LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, domain.OrderPending, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("op=order.list_stuck_pending: %w", err)
	}
	defer rows.Close()
	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("op=order.list_stuck_pending: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=order.list_stuck_pending: %w", err)
	}
	return out, nil
}

// PendingLoad sums remains over all orders still being delivered.
func (r *OrderRepo) PendingLoad(ctx domain.Context) (int, error) {
	tracer := otel.Tracer("repo.orders")
	ctx, span := tracer.Start(ctx, "orders.PendingLoad")
	defer span.End()
	q := `SELECT COALESCE(SUM(remains), 0) FROM orders WHERE status IN ($1, $2)`
	var load int
	if err := r.Pool.QueryRow(ctx, q, domain.OrderPending, domain.OrderRunning).Scan(&load); err != nil {
		return 0, fmt.Errorf("op=order.pending_load: %w", err)
	}
	return load, nil
}
