package dispatch

import (
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/play-fulfillment/internal/domain"
)

// Stub is a fast, deterministic dispatcher for local runs and tests.
// Every FailEvery-th call fails with a transient error; everything else
// delivers the full batch.
type Stub struct {
	Delay     time.Duration
	FailEvery int

	calls atomic.Int64
}

// NewStub constructs a Stub that always succeeds.
func NewStub() *Stub { return &Stub{Delay: 5 * time.Millisecond} }

// Dispatch simulates one outbound delivery.
func (s *Stub) Dispatch(ctx domain.Context, req domain.DispatchRequest) (domain.DispatchResult, error) {
	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return domain.DispatchResult{Success: false, ErrorMessage: "timeout"}, nil
		}
	}
	n := s.calls.Add(1)
	if s.FailEvery > 0 && n%int64(s.FailEvery) == 0 {
		return domain.DispatchResult{
			Success:      false,
			ErrorCode:    500,
			ErrorMessage: "stub transient failure",
			LatencyMS:    int(s.Delay.Milliseconds()),
		}, nil
	}
	return domain.DispatchResult{
		Success:        true,
		PlaysDelivered: req.Quantity,
		LatencyMS:      int(s.Delay.Milliseconds()),
	}, nil
}
