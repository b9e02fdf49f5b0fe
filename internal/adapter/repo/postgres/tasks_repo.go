package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/play-fulfillment/internal/domain"
)

// TaskRepo persists and loads delivery tasks from PostgreSQL.
type TaskRepo struct{ Pool PgxPool }

// NewTaskRepo constructs a TaskRepo with the given pool.
func NewTaskRepo(p PgxPool) *TaskRepo { return &TaskRepo{Pool: p} }

const taskColumns = `id, order_id, sequence, quantity, status, attempts, max_attempts,
	last_error, proxy_node_id, idempotency_token, worker_id,
	scheduled_at, retry_after, execution_started_at, executed_at, created_at, updated_at`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.OrderID, &t.Sequence, &t.Quantity, &t.Status, &t.Attempts,
		&t.MaxAttempts, &t.LastError, &t.ProxyNodeID, &t.IdempotencyToken, &t.WorkerID,
		&t.ScheduledAt, &t.RetryAfter, &t.ExecutionStarted, &t.ExecutedAt, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func scanTasks(rows pgx.Rows) ([]domain.Task, error) {
	defer rows.Close()
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateBatch inserts an order's tasks in a single transaction. Rows whose
// (order_id, sequence) already exist are skipped, which makes regeneration a
// no-op. Returns the number of rows actually inserted.
func (r *TaskRepo) CreateBatch(ctx domain.Context, tasks []domain.Task) (int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CreateBatch")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=task.create_batch: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	q := `INSERT INTO order_tasks (` + taskColumns + `)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	ON CONFLICT (order_id, sequence) DO NOTHING`
	now := time.Now().UTC()
	inserted := 0
	for _, t := range tasks {
		tag, err := tx.Exec(ctx, q, t.ID, t.OrderID, t.Sequence, t.Quantity, t.Status,
			t.Attempts, t.MaxAttempts, t.LastError, t.ProxyNodeID, t.IdempotencyToken,
			t.WorkerID, t.ScheduledAt, t.RetryAfter, t.ExecutionStarted, t.ExecutedAt, now, now)
		if err != nil {
			return 0, fmt.Errorf("op=task.create_batch: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=task.create_batch: %w", err)
	}
	return inserted, nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx domain.Context, id string) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Get")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM order_tasks WHERE id=$1`
	t, err := scanTask(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, fmt.Errorf("op=task.get: %w", domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// ListByOrder loads all tasks of an order in sequence order.
func (r *TaskRepo) ListByOrder(ctx domain.Context, orderID string) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListByOrder")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM order_tasks WHERE order_id=$1 ORDER BY sequence`
	rows, err := r.Pool.Query(ctx, q, orderID)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_by_order: %w", err)
	}
	out, err := scanTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_by_order: %w", err)
	}
	return out, nil
}

// ListFailedByOrder loads an order's permanently failed tasks.
func (r *TaskRepo) ListFailedByOrder(ctx domain.Context, orderID string) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListFailedByOrder")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM order_tasks WHERE order_id=$1 AND status=$2 ORDER BY sequence`
	rows, err := r.Pool.Query(ctx, q, orderID, domain.TaskFailedPermanent)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_failed: %w", err)
	}
	out, err := scanTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_failed: %w", err)
	}
	return out, nil
}

// ListDeadLetter loads permanently failed tasks across all orders.
func (r *TaskRepo) ListDeadLetter(ctx domain.Context, limit int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListDeadLetter")
	defer span.End()
	q := `SELECT ` + taskColumns + ` FROM order_tasks WHERE status=$1 ORDER BY updated_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, domain.TaskFailedPermanent, limit)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_dead_letter: %w", err)
	}
	out, err := scanTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_dead_letter: %w", err)
	}
	return out, nil
}

// ListEligible returns up to limit claimable tasks. Tasks of cancelled orders
// are excluded, which is what blocks new claims after cancellation.
func (r *TaskRepo) ListEligible(ctx domain.Context, now time.Time, limit int) ([]domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.ListEligible")
	defer span.End()
	q := `SELECT ` + prefixed(taskColumns, "t.") + `
	FROM order_tasks t
	JOIN orders o ON o.id = t.order_id
	WHERE o.status <> $3
	  AND ((t.status = $4 AND t.scheduled_at <= $1)
	    OR (t.status = $5 AND t.retry_after <= $1))
	ORDER BY t.scheduled_at
	LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, now, limit,
		domain.OrderCancelled, domain.TaskPending, domain.TaskFailedRetrying)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_eligible: %w", err)
	}
	out, err := scanTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_eligible: %w", err)
	}
	return out, nil
}

// Claim conditionally moves a task to EXECUTING bound to workerID. The
// (id, attempts, eligible status) condition is the concurrency primitive:
// two racing workers see exactly one success.
func (r *TaskRepo) Claim(ctx domain.Context, t domain.Task, workerID string, now time.Time) (domain.Task, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Claim")
	defer span.End()
	q := `UPDATE order_tasks
	SET status=$3, attempts=attempts+1, worker_id=$4, execution_started_at=$5, retry_after=NULL, updated_at=$5
	WHERE id=$1 AND attempts=$2 AND status IN ($6, $7)
	RETURNING ` + taskColumns
	claimed, err := scanTask(r.Pool.QueryRow(ctx, q, t.ID, t.Attempts,
		domain.TaskExecuting, workerID, now, domain.TaskPending, domain.TaskFailedRetrying))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Task{}, fmt.Errorf("op=task.claim: %w", domain.ErrOptimisticConflict)
		}
		return domain.Task{}, fmt.Errorf("op=task.claim: %w", err)
	}
	return claimed, nil
}

const finalizeTaskSQL = `UPDATE order_tasks
	SET status=$2, quantity=$3, last_error=$4, proxy_node_id=$5, idempotency_token=$6,
	    retry_after=$7, scheduled_at=$8, worker_id='', execution_started_at=NULL,
	    executed_at=$9, updated_at=$10
	WHERE id=$1 AND status=$11 AND attempts=$12`

// Finalize writes the task's post-execution state. The write is conditional
// on the row still being EXECUTING at the same attempt count, so a replayed
// or raced finalization is a no-op (returns false).
func (r *TaskRepo) Finalize(ctx domain.Context, t domain.Task) (bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.Finalize")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, finalizeTaskSQL, t.ID, t.Status, t.Quantity, t.LastError, t.ProxyNodeID,
		t.IdempotencyToken, t.RetryAfter, t.ScheduledAt, t.ExecutedAt, time.Now().UTC(),
		domain.TaskExecuting, t.Attempts)
	if err != nil {
		return false, fmt.Errorf("op=task.finalize: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinalizeWithOutcome finalizes the task and applies the delivered/failed
// units to the order counters in one transaction. On any error the
// transaction rolls back and the row stays EXECUTING, so the orphan sweep
// can hand the attempt back out.
func (r *TaskRepo) FinalizeWithOutcome(ctx domain.Context, t domain.Task, delivered, failed int) (domain.Order, bool, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.FinalizeWithOutcome")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("op=task.finalize_outcome: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, finalizeTaskSQL, t.ID, t.Status, t.Quantity, t.LastError, t.ProxyNodeID,
		t.IdempotencyToken, t.RetryAfter, t.ScheduledAt, t.ExecutedAt, time.Now().UTC(),
		domain.TaskExecuting, t.Attempts)
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("op=task.finalize_outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Order{}, false, nil
	}

	qo := `UPDATE orders
	SET delivered = delivered + $2,
	    failed_permanent = failed_permanent + $3,
	    remains = remains - $2 - $3
	WHERE id=$1 AND remains >= $2 + $3
	RETURNING ` + orderColumns
	o, err := scanOrder(tx.QueryRow(ctx, qo, t.OrderID, delivered, failed))
	if err != nil {
		if err == pgx.ErrNoRows {
			return domain.Order{}, false, fmt.Errorf("op=task.finalize_outcome: %w", domain.ErrInvariantViolation)
		}
		return domain.Order{}, false, fmt.Errorf("op=task.finalize_outcome: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Order{}, false, fmt.Errorf("op=task.finalize_outcome: %w", err)
	}
	return o, true, nil
}

// CountNonTerminal counts an order's tasks still in flight.
func (r *TaskRepo) CountNonTerminal(ctx domain.Context, orderID string) (int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.CountNonTerminal")
	defer span.End()
	q := `SELECT COUNT(*) FROM order_tasks WHERE order_id=$1 AND status NOT IN ($2, $3)`
	var n int
	if err := r.Pool.QueryRow(ctx, q, orderID, domain.TaskCompleted, domain.TaskFailedPermanent).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=task.count_non_terminal: %w", err)
	}
	return n, nil
}

// RecoverOrphans returns EXECUTING tasks started before cutoff to PENDING.
// Orphaning is not a failure, so attempts are untouched.
func (r *TaskRepo) RecoverOrphans(ctx domain.Context, cutoff, now time.Time) (int, error) {
	tracer := otel.Tracer("repo.tasks")
	ctx, span := tracer.Start(ctx, "tasks.RecoverOrphans")
	defer span.End()
	q := `UPDATE order_tasks
	SET status=$3, worker_id='', execution_started_at=NULL, scheduled_at=$2, updated_at=$2
	WHERE status=$4 AND execution_started_at < $1`
	tag, err := r.Pool.Exec(ctx, q, cutoff, now, domain.TaskPending, domain.TaskExecuting)
	if err != nil {
		return 0, fmt.Errorf("op=task.recover_orphans: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
