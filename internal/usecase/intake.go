package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/fairyhunter13/play-fulfillment/internal/domain"
)

// SubmitOrderInput carries one order submission.
type SubmitOrderInput struct {
	UserID       string
	ServiceID    string
	Quantity     int
	PricePerUnit decimal.Decimal
	TargetRef    string
	Region       string
	IdemKey      string
}

// IntakeService accepts orders: idempotency, capacity admission, balance
// debit, and task generation, in that order.
type IntakeService struct {
	Orders    domain.OrderRepository
	Ledger    domain.LedgerRepository
	Planner   *CapacityPlanner
	Generator TaskGenerator
}

// NewIntakeService constructs an IntakeService.
func NewIntakeService(orders domain.OrderRepository, ledger domain.LedgerRepository, planner *CapacityPlanner, gen TaskGenerator) IntakeService {
	return IntakeService{Orders: orders, Ledger: ledger, Planner: planner, Generator: gen}
}

// Submit accepts one order. A repeated submission with the same per-user
// idempotency key returns the original order without charging again.
func (s IntakeService) Submit(ctx domain.Context, in SubmitOrderInput) (domain.Order, error) {
	if err := validateSubmit(in); err != nil {
		return domain.Order{}, err
	}

	if in.IdemKey != "" {
		existing, err := s.Orders.FindByIdemKey(ctx, in.UserID, in.IdemKey)
		if err == nil {
			slog.Info("order submission replayed",
				slog.String("order_id", existing.ID), slog.String("user_id", in.UserID))
			return existing, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return domain.Order{}, fmt.Errorf("op=intake.idem: %w", err)
		}
	}

	if err := s.Planner.Admit(ctx, in.Quantity); err != nil {
		return domain.Order{}, err
	}

	now := time.Now().UTC()
	o := domain.Order{
		ID:           ulid.Make().String(),
		UserID:       in.UserID,
		ServiceID:    in.ServiceID,
		Quantity:     in.Quantity,
		PricePerUnit: in.PricePerUnit,
		TargetRef:    in.TargetRef,
		Region:       in.Region,
		Status:       domain.OrderPending,
		Remains:      in.Quantity,
		TaskDelivery: true,
		CreatedAt:    now,
	}
	if in.IdemKey != "" {
		key := in.IdemKey
		o.IdemKey = &key
	}

	total := o.TotalPrice()
	balance, err := s.Ledger.Balance(ctx, in.UserID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("op=intake.balance: %w", err)
	}
	if balance.LessThan(total) {
		return domain.Order{}, fmt.Errorf("op=intake.balance: %w: balance %s below order total %s",
			domain.ErrRejected, balance.StringFixed(2), total.StringFixed(2))
	}

	id, err := s.Orders.Create(ctx, o)
	if err != nil {
		// A concurrent duplicate hit the idempotency-key unique index first.
		if errors.Is(err, domain.ErrConflict) && in.IdemKey != "" {
			if existing, ferr := s.Orders.FindByIdemKey(ctx, in.UserID, in.IdemKey); ferr == nil {
				return existing, nil
			}
		}
		return domain.Order{}, fmt.Errorf("op=intake.create: %w", err)
	}
	o.ID = id

	if _, err := s.Ledger.AppendTransaction(ctx, in.UserID, total.Neg(), domain.TxDebit, "order charge", &id); err != nil {
		return domain.Order{}, fmt.Errorf("op=intake.debit: %w", err)
	}

	if _, err := s.Generator.Generate(ctx, o, now); err != nil {
		return domain.Order{}, err
	}

	out, err := s.Orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, fmt.Errorf("op=intake.reload: %w", err)
	}
	slog.Info("order accepted",
		slog.String("order_id", out.ID),
		slog.String("user_id", out.UserID),
		slog.Int("quantity", out.Quantity),
		slog.String("total", total.StringFixed(2)))
	return out, nil
}

func validateSubmit(in SubmitOrderInput) error {
	switch {
	case in.UserID == "":
		return fmt.Errorf("%w: missing user id", domain.ErrInvalidArgument)
	case in.ServiceID == "":
		return fmt.Errorf("%w: missing service id", domain.ErrInvalidArgument)
	case in.TargetRef == "":
		return fmt.Errorf("%w: missing target ref", domain.ErrInvalidArgument)
	case in.Quantity < 1:
		return fmt.Errorf("%w: quantity must be positive", domain.ErrInvalidArgument)
	case in.PricePerUnit.IsNegative():
		return fmt.Errorf("%w: negative price per unit", domain.ErrInvalidArgument)
	}
	return nil
}
