package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/play-fulfillment/internal/domain"
)

// LedgerRepo persists the append-only refund and balance ledgers.
type LedgerRepo struct{ Pool PgxPool }

// NewLedgerRepo constructs a LedgerRepo with the given pool.
func NewLedgerRepo(p PgxPool) *LedgerRepo { return &LedgerRepo{Pool: p} }

// InsertRefundEvent appends one refund event. The task-id primary key
// guarantees one-per-task; a duplicate insert returns false.
func (r *LedgerRepo) InsertRefundEvent(ctx domain.Context, e domain.RefundEvent) (bool, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.InsertRefundEvent")
	defer span.End()
	q := `INSERT INTO refund_events (task_id, order_id, user_id, quantity, amount, price_per_unit, worker_id, created_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	ON CONFLICT (task_id) DO NOTHING`
	tag, err := r.Pool.Exec(ctx, q, e.TaskID, e.OrderID, e.UserID, e.Quantity, e.Amount,
		e.PricePerUnit, e.WorkerID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("op=ledger.insert_refund: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SumRefundEvents totals the ledger for one order: amount and quantity.
func (r *LedgerRepo) SumRefundEvents(ctx domain.Context, orderID string) (decimal.Decimal, int, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.SumRefundEvents")
	defer span.End()
	q := `SELECT COALESCE(SUM(amount), 0), COALESCE(SUM(quantity), 0) FROM refund_events WHERE order_id=$1`
	var amount decimal.Decimal
	var qty int
	if err := r.Pool.QueryRow(ctx, q, orderID).Scan(&amount, &qty); err != nil {
		return decimal.Zero, 0, fmt.Errorf("op=ledger.sum_refunds: %w", err)
	}
	return amount, qty, nil
}

// AppendTransaction writes a balance transaction and moves the user's balance
// in the same transaction, serialized on the balance row lock so that
// balance-after = balance-before + amount always holds.
func (r *LedgerRepo) AppendTransaction(ctx domain.Context, userID string, amount decimal.Decimal, typ domain.TransactionType, reason string, orderID *string) (domain.BalanceTransaction, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.AppendTransaction")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.BalanceTransaction{}, fmt.Errorf("op=ledger.append_tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Upsert-then-lock keeps first-time users on the same code path.
	if _, err := tx.Exec(ctx,
		`INSERT INTO user_balances (user_id, balance) VALUES ($1, 0) ON CONFLICT (user_id) DO NOTHING`,
		userID); err != nil {
		return domain.BalanceTransaction{}, fmt.Errorf("op=ledger.append_tx: %w", err)
	}
	var before decimal.Decimal
	if err := tx.QueryRow(ctx,
		`SELECT balance FROM user_balances WHERE user_id=$1 FOR UPDATE`, userID).Scan(&before); err != nil {
		return domain.BalanceTransaction{}, fmt.Errorf("op=ledger.append_tx: %w", err)
	}
	after := before.Add(amount)

	bt := domain.BalanceTransaction{
		ID:            uuid.New().String(),
		UserID:        userID,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		Type:          typ,
		Reason:        reason,
		OrderID:       orderID,
		CreatedAt:     time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO balance_transactions (id, user_id, amount, balance_before, balance_after, type, reason, order_id, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		bt.ID, bt.UserID, bt.Amount, bt.BalanceBefore, bt.BalanceAfter, bt.Type, bt.Reason, bt.OrderID, bt.CreatedAt); err != nil {
		return domain.BalanceTransaction{}, fmt.Errorf("op=ledger.append_tx: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE user_balances SET balance=$2 WHERE user_id=$1`, userID, after); err != nil {
		return domain.BalanceTransaction{}, fmt.Errorf("op=ledger.append_tx: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.BalanceTransaction{}, fmt.Errorf("op=ledger.append_tx: %w", err)
	}
	return bt, nil
}

// Balance returns the user's current balance.
func (r *LedgerRepo) Balance(ctx domain.Context, userID string) (decimal.Decimal, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Balance")
	defer span.End()
	var b decimal.Decimal
	err := r.Pool.QueryRow(ctx, `SELECT balance FROM user_balances WHERE user_id=$1`, userID).Scan(&b)
	if err != nil {
		if err == pgx.ErrNoRows {
			return decimal.Zero, nil
		}
		return decimal.Zero, fmt.Errorf("op=ledger.balance: %w", err)
	}
	return b, nil
}

// InsertAnomaly records a reconciliation divergence.
func (r *LedgerRepo) InsertAnomaly(ctx domain.Context, a domain.RefundAnomaly) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.InsertAnomaly")
	defer span.End()
	id := a.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO refund_anomalies (id, order_id, severity, detail, created_at) VALUES ($1,$2,$3,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, id, a.OrderID, a.Severity, a.Detail, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=ledger.insert_anomaly: %w", err)
	}
	return nil
}

// ListAnomalies loads anomalies for an order, newest first.
func (r *LedgerRepo) ListAnomalies(ctx domain.Context, orderID string) ([]domain.RefundAnomaly, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.ListAnomalies")
	defer span.End()
	q := `SELECT id, order_id, severity, detail, created_at FROM refund_anomalies WHERE order_id=$1 ORDER BY created_at DESC`
	rows, err := r.Pool.Query(ctx, q, orderID)
	if err != nil {
		return nil, fmt.Errorf("op=ledger.list_anomalies: %w", err)
	}
	defer rows.Close()
	var out []domain.RefundAnomaly
	for rows.Next() {
		var a domain.RefundAnomaly
		if err := rows.Scan(&a.ID, &a.OrderID, &a.Severity, &a.Detail, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=ledger.list_anomalies: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=ledger.list_anomalies: %w", err)
	}
	return out, nil
}
