package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fairyhunter13/play-fulfillment/internal/adapter/observability"
	"github.com/fairyhunter13/play-fulfillment/internal/domain"
)

// SettlementService reconciles a finished order and credits refunds for
// permanently failed units. Every step is idempotent: refund events are keyed
// per task and the single refund transaction is guarded by the order's
// refund-issued marker, so replaying a settlement job never double-credits.
type SettlementService struct {
	Orders domain.OrderRepository
	Tasks  domain.TaskRepository
	Ledger domain.LedgerRepository
}

// NewSettlementService constructs a SettlementService.
func NewSettlementService(orders domain.OrderRepository, tasks domain.TaskRepository, ledger domain.LedgerRepository) SettlementService {
	return SettlementService{Orders: orders, Tasks: tasks, Ledger: ledger}
}

// Settle runs the settlement pass for one order.
func (s SettlementService) Settle(ctx domain.Context, orderID string) error {
	o, err := s.Orders.Get(ctx, orderID)
	if err != nil {
		return fmt.Errorf("op=settlement.load: %w", err)
	}

	open, err := s.Tasks.CountNonTerminal(ctx, orderID)
	if err != nil {
		return fmt.Errorf("op=settlement.count: %w", err)
	}
	if open > 0 {
		return fmt.Errorf("op=settlement.count: %w: %d tasks still open", domain.ErrConflict, open)
	}

	failed, err := s.Tasks.ListFailedByOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("op=settlement.failed: %w", err)
	}
	failedQty := 0
	for _, t := range failed {
		failedQty += t.Quantity
	}

	// Counter reconciliation. A mismatch means a finalization bug; halt and
	// park the order for manual review rather than guess a refund.
	if o.Delivered+failedQty != o.Quantity {
		detail := fmt.Sprintf("delivered %d + failed %d != quantity %d", o.Delivered, failedQty, o.Quantity)
		s.recordAnomaly(ctx, orderID, domain.SeverityCritical, detail)
		return fmt.Errorf("op=settlement.reconcile: %w: %s", domain.ErrInvariantViolation, detail)
	}

	if failedQty == 0 {
		slog.Info("settlement complete, nothing to refund", slog.String("order_id", orderID))
		return nil
	}

	computed := decimal.Zero
	for _, t := range failed {
		amount := o.RefundAmount(t.Quantity)
		inserted, err := s.Ledger.InsertRefundEvent(ctx, domain.RefundEvent{
			TaskID:       t.ID,
			OrderID:      orderID,
			UserID:       o.UserID,
			Quantity:     t.Quantity,
			Amount:       amount,
			PricePerUnit: o.PricePerUnit,
			WorkerID:     t.WorkerID,
			CreatedAt:    time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("op=settlement.event: %w", err)
		}
		if !inserted {
			slog.Debug("refund event already present", slog.String("task_id", t.ID))
		}
		computed = computed.Add(amount)
	}

	ledgerSum, ledgerCount, err := s.Ledger.SumRefundEvents(ctx, orderID)
	if err != nil {
		return fmt.Errorf("op=settlement.sum: %w", err)
	}
	delta := ledgerSum.Sub(computed)
	if !delta.IsZero() || ledgerCount != len(failed) {
		sev := domain.SeverityForDelta(delta)
		detail := fmt.Sprintf("ledger sum %s (%d events) vs computed %s (%d tasks)",
			ledgerSum.StringFixed(2), ledgerCount, computed.StringFixed(2), len(failed))
		s.recordAnomaly(ctx, orderID, sev, detail)
		if sev == domain.SeverityCritical {
			return fmt.Errorf("op=settlement.anomaly: %w: %s", domain.ErrInvariantViolation, detail)
		}
		// Below critical the ledger stays the source of truth; credit its sum.
	}

	first, err := s.Orders.MarkRefunded(ctx, orderID)
	if err != nil {
		return fmt.Errorf("op=settlement.mark: %w", err)
	}
	if !first {
		slog.Info("refund already issued", slog.String("order_id", orderID))
		return nil
	}

	if _, err := s.Ledger.AppendTransaction(ctx, o.UserID, ledgerSum, domain.TxRefund, "refund for failed deliveries", &orderID); err != nil {
		return fmt.Errorf("op=settlement.credit: %w", err)
	}
	observability.RefundsIssuedTotal.Inc()

	if err := s.Orders.UpdateStatus(ctx, orderID, o.Status, domain.OrderRefunded); err != nil && !errors.Is(err, domain.ErrOptimisticConflict) {
		return fmt.Errorf("op=settlement.status: %w", err)
	}

	slog.Info("refund issued",
		slog.String("order_id", orderID),
		slog.String("user_id", o.UserID),
		slog.Int("failed_quantity", failedQty),
		slog.String("amount", ledgerSum.StringFixed(2)))
	return nil
}

func (s SettlementService) recordAnomaly(ctx domain.Context, orderID string, sev domain.AnomalySeverity, detail string) {
	observability.RefundAnomaliesTotal.WithLabelValues(string(sev)).Inc()
	slog.Warn("refund anomaly",
		slog.String("order_id", orderID),
		slog.String("severity", string(sev)),
		slog.String("detail", detail))
	if err := s.Ledger.InsertAnomaly(ctx, domain.RefundAnomaly{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Severity:  sev,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		slog.Error("anomaly insert failed", slog.String("order_id", orderID), slog.Any("error", err))
	}
}
