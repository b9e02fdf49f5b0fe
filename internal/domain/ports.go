package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Context is an alias so ports read uniformly; adapters pass context.Context.
type Context = context.Context

// OrderRepository persists orders. Status updates are conditional so that
// concurrent finalizers cannot both move an order to a terminal state.
type OrderRepository interface {
	Create(ctx Context, o Order) (string, error)
	Get(ctx Context, id string) (Order, error)
	FindByIdemKey(ctx Context, userID, key string) (Order, error)
	// UpdateStatus moves id from "from" to "to"; ErrOptimisticConflict when
	// the row is no longer in "from".
	UpdateStatus(ctx Context, id string, from, to OrderStatus) error
	SetSchedule(ctx Context, id string, startedAt, estimatedAt time.Time) error
	// ApplyTaskOutcome atomically moves units out of remains and returns the
	// updated order.
	ApplyTaskOutcome(ctx Context, id string, delivered, failed int) (Order, error)
	// MarkRefunded flips the refund-issued marker; first write wins.
	MarkRefunded(ctx Context, id string) (bool, error)
	// PendingLoad sums remains over all non-terminal orders.
	PendingLoad(ctx Context) (int, error)
	// ListStuckPending returns task-delivery orders still PENDING past
	// olderThan, i.e. charged but never activated.
	ListStuckPending(ctx Context, olderThan time.Time, limit int) ([]Order, error)
}

// TaskRepository persists tasks. Claim and Finalize are conditional updates;
// they are the sole concurrency primitives of the delivery core.
type TaskRepository interface {
	// CreateBatch inserts tasks in one transaction, skipping rows whose
	// (order-id, sequence) already exist. Returns the number inserted.
	CreateBatch(ctx Context, tasks []Task) (int, error)
	Get(ctx Context, id string) (Task, error)
	ListByOrder(ctx Context, orderID string) ([]Task, error)
	ListFailedByOrder(ctx Context, orderID string) ([]Task, error)
	ListDeadLetter(ctx Context, limit int) ([]Task, error)
	// ListEligible returns up to limit claimable tasks: PENDING past
	// scheduled-at or FAILED-RETRYING past retry-after, excluding tasks of
	// cancelled orders.
	ListEligible(ctx Context, now time.Time, limit int) ([]Task, error)
	// Claim conditionally moves t to EXECUTING for workerID; succeeds only if
	// the row still matches t's (status, attempts). ErrOptimisticConflict on
	// a lost race.
	Claim(ctx Context, t Task, workerID string, now time.Time) (Task, error)
	// Finalize writes t's post-execution state conditional on the row still
	// being EXECUTING at t.Attempts. Returns false when the row no longer
	// matches (already finalized or reclaimed).
	Finalize(ctx Context, t Task) (bool, error)
	// FinalizeWithOutcome finalizes t and folds delivered/failed units into
	// the order counters in one transaction, so a crash can never land the
	// task terminal with the counters unapplied. Returns the updated order;
	// false means the row no longer matched and nothing was written.
	FinalizeWithOutcome(ctx Context, t Task, delivered, failed int) (Order, bool, error)
	CountNonTerminal(ctx Context, orderID string) (int, error)
	// RecoverOrphans returns EXECUTING tasks started before cutoff to
	// PENDING without touching the attempt counter.
	RecoverOrphans(ctx Context, cutoff, now time.Time) (int, error)
}

// ProxyRepository persists proxy nodes and their rolling metrics.
type ProxyRepository interface {
	Register(ctx Context, n ProxyNode) (string, error)
	Get(ctx Context, id string) (ProxyNode, error)
	ListSelectable(ctx Context, tier *NodeTier, region string) ([]ProxyNode, error)
	SetStatus(ctx Context, id string, status NodeStatus) error
	// AdjustLoad moves current-load by delta, clamped at zero. Capacity is a
	// soft cap; single-unit overbooking is tolerated.
	AdjustLoad(ctx Context, id string, delta int) error
	GetMetrics(ctx Context, nodeID string) (ProxyMetrics, error)
	UpdateMetrics(ctx Context, m ProxyMetrics, health HealthState) error
	ResetWindow(ctx Context, nodeID string, windowStart time.Time) error
}

// LedgerRepository persists the append-only refund and balance ledgers.
type LedgerRepository interface {
	// InsertRefundEvent appends one event keyed by task id; false when the
	// task already has one.
	InsertRefundEvent(ctx Context, e RefundEvent) (bool, error)
	SumRefundEvents(ctx Context, orderID string) (decimal.Decimal, int, error)
	// AppendTransaction writes a balance transaction and moves the user's
	// balance atomically against balance-before.
	AppendTransaction(ctx Context, userID string, amount decimal.Decimal, typ TransactionType, reason string, orderID *string) (BalanceTransaction, error)
	Balance(ctx Context, userID string) (decimal.Decimal, error)
	InsertAnomaly(ctx Context, a RefundAnomaly) error
	ListAnomalies(ctx Context, orderID string) ([]RefundAnomaly, error)
}

// SettlementQueue enqueues per-order settlement once all tasks are terminal.
type SettlementQueue interface {
	EnqueueSettlement(ctx Context, orderID string) (string, error)
}

// DispatchRequest crosses the dispatch boundary.
type DispatchRequest struct {
	TaskID           string    `json:"task_id"`
	IdempotencyToken string    `json:"idempotency_token"`
	TargetRef        string    `json:"target_ref"`
	Quantity         int       `json:"quantity"`
	Node             ProxyNode `json:"node"`
}

// DispatchResult is the dispatcher's verdict. PlaysDelivered may be partial.
type DispatchResult struct {
	Success        bool   `json:"success"`
	PlaysDelivered int    `json:"plays_delivered"`
	ErrorCode      int    `json:"error_code,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	LatencyMS      int    `json:"latency_ms"`
}

// Dispatcher is the external boundary that turns one task batch into plays.
type Dispatcher interface {
	Dispatch(ctx Context, req DispatchRequest) (DispatchResult, error)
}
