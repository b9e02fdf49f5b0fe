package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus enumerates the order lifecycle.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderRunning   OrderStatus = "running"
	OrderCompleted OrderStatus = "completed"
	OrderPartial   OrderStatus = "partial"
	OrderFailed    OrderStatus = "failed"
	OrderRefunded  OrderStatus = "refunded"
	OrderCancelled OrderStatus = "cancelled"
)

// orderRank orders statuses along the lifecycle; transitions never move
// backward.
var orderRank = map[OrderStatus]int{
	OrderPending:   0,
	OrderRunning:   1,
	OrderCompleted: 2,
	OrderPartial:   2,
	OrderFailed:    2,
	OrderCancelled: 2,
	OrderRefunded:  3,
}

// Terminal reports whether no further delivery work happens for the status.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderPartial || s == OrderFailed ||
		s == OrderRefunded || s == OrderCancelled
}

// CanTransition reports whether moving from s to next is a forward move.
func (s OrderStatus) CanTransition(next OrderStatus) bool {
	from, ok := orderRank[s]
	if !ok {
		return false
	}
	to, ok := orderRank[next]
	if !ok {
		return false
	}
	return to > from
}

// Order represents one accepted customer request for Quantity plays against
// TargetRef. Counters satisfy delivered + remains = quantity at all times and
// delivered + failed-permanent <= quantity.
type Order struct {
	ID              string
	UserID          string
	ServiceID       string
	Quantity        int
	PricePerUnit    decimal.Decimal
	TargetRef       string
	Region          string
	Status          OrderStatus
	Delivered       int
	Remains         int
	FailedPermanent int
	TaskDelivery    bool
	IdemKey         *string
	CreatedAt       time.Time
	StartedAt       *time.Time
	EstimatedAt     *time.Time
	CompletedAt     *time.Time
}

// ApplyTaskOutcome folds a task finalization into the order counters.
// delivered units move from remains to delivered; failed units move from
// remains to failed-permanent.
func (o *Order) ApplyTaskOutcome(delivered, failed int) error {
	if delivered < 0 || failed < 0 {
		return fmt.Errorf("op=order.apply_outcome: %w: negative delta", ErrInvalidArgument)
	}
	if delivered+failed > o.Remains {
		return fmt.Errorf("op=order.apply_outcome: %w: outcome %d exceeds remains %d",
			ErrInvariantViolation, delivered+failed, o.Remains)
	}
	o.Delivered += delivered
	o.FailedPermanent += failed
	o.Remains -= delivered + failed
	return o.CheckCounters()
}

// CheckCounters verifies delivered + remains + failed-permanent = quantity.
func (o *Order) CheckCounters() error {
	if o.Delivered+o.Remains+o.FailedPermanent != o.Quantity {
		return fmt.Errorf("op=order.check: %w: delivered=%d remains=%d failed=%d quantity=%d",
			ErrInvariantViolation, o.Delivered, o.Remains, o.FailedPermanent, o.Quantity)
	}
	return nil
}

// TerminalStatus derives the terminal order status once every task has
// finished: COMPLETED with no permanent failures, FAILED with no deliveries,
// PARTIAL in between.
func (o *Order) TerminalStatus() OrderStatus {
	switch {
	case o.FailedPermanent == 0:
		return OrderCompleted
	case o.Delivered == 0:
		return OrderFailed
	default:
		return OrderPartial
	}
}

// RefundAmount computes the credit owed for qty permanently failed units,
// rounded half-up to two fractional digits in the settlement unit.
func (o *Order) RefundAmount(qty int) decimal.Decimal {
	return o.PricePerUnit.Mul(decimal.NewFromInt(int64(qty))).Round(2)
}

// TotalPrice is quantity x price-per-unit, rounded like RefundAmount.
func (o *Order) TotalPrice() decimal.Decimal {
	return o.RefundAmount(o.Quantity)
}
