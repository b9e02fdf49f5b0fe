package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// RefundEvent is an append-only ledger entry, at most one per task.
type RefundEvent struct {
	TaskID       string
	OrderID      string
	UserID       string
	Quantity     int
	Amount       decimal.Decimal
	PricePerUnit decimal.Decimal
	WorkerID     string
	CreatedAt    time.Time
}

// TransactionType enumerates balance transaction kinds.
type TransactionType string

const (
	TxDebit      TransactionType = "debit"
	TxCredit     TransactionType = "credit"
	TxRefund     TransactionType = "refund"
	TxBonus      TransactionType = "bonus"
	TxAdjustment TransactionType = "adjustment"
)

// BalanceTransaction is an append-only user-balance ledger entry.
// Invariant: BalanceAfter = BalanceBefore + Amount.
type BalanceTransaction struct {
	ID            string
	UserID        string
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	Type          TransactionType
	Reason        string
	OrderID       *string
	CreatedAt     time.Time
}

// AnomalySeverity grades reconciliation divergences.
type AnomalySeverity string

const (
	SeverityInfo     AnomalySeverity = "info"
	SeverityWarning  AnomalySeverity = "warning"
	SeverityCritical AnomalySeverity = "critical"
)

// SeverityForDelta grades the absolute divergence between the computed refund
// and the ledger sum.
func SeverityForDelta(delta decimal.Decimal) AnomalySeverity {
	d := delta.Abs()
	switch {
	case d.LessThanOrEqual(decimal.NewFromFloat(0.01)):
		return SeverityInfo
	case d.LessThanOrEqual(decimal.NewFromInt(10)):
		return SeverityWarning
	default:
		return SeverityCritical
	}
}

// RefundAnomaly records a reconciliation divergence; inspected, never
// auto-corrected.
type RefundAnomaly struct {
	ID        string
	OrderID   string
	Severity  AnomalySeverity
	Detail    string
	CreatedAt time.Time
}
