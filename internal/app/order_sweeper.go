package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/play-fulfillment/internal/usecase"
)

// PendingOrderSweeper re-activates charged orders stranded in PENDING. A
// crash between the intake balance debit and task generation leaves an order
// paid for with no tasks; re-running the idempotent generator completes the
// interrupted activation.
type PendingOrderSweeper struct {
	gen      usecase.TaskGenerator
	maxAge   time.Duration
	interval time.Duration
}

// NewPendingOrderSweeper constructs a sweeper. Zero durations fall back to
// safe defaults.
func NewPendingOrderSweeper(gen usecase.TaskGenerator, maxAge, interval time.Duration) *PendingOrderSweeper {
	if maxAge <= 0 {
		maxAge = 2 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &PendingOrderSweeper{gen: gen, maxAge: maxAge, interval: interval}
}

// Run sweeps once at startup, then on every tick until ctx is cancelled.
func (s *PendingOrderSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("pending order sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *PendingOrderSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("orders.sweeper")
	ctx, span := tracer.Start(ctx, "PendingOrderSweeper.sweepOnce")
	defer span.End()

	const pageSize = 100
	span.SetAttributes(
		attribute.Int("orders.page_size", pageSize),
		attribute.Float64("orders.max_age_seconds", s.maxAge.Seconds()),
	)

	resumed, err := s.gen.ResumePending(ctx, s.maxAge, pageSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("pending order sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("orders.resumed", resumed))
	if resumed > 0 {
		slog.Info("pending order sweep resumed stranded orders", slog.Int("resumed", resumed))
	}
}
