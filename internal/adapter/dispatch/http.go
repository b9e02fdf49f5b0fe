// Package dispatch implements the outbound dispatch boundary.
//
// The HTTP client talks to an external dispatcher service; the stub is a
// fast, deterministic replacement for local runs and tests. Both honor the
// contract that a missed deadline surfaces as a transient failure, never as a
// hard error.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/play-fulfillment/internal/domain"
)

// HTTPDispatcher calls the external dispatcher over HTTP.
type HTTPDispatcher struct {
	url      string
	deadline time.Duration
	client   *http.Client
}

// NewHTTP constructs an HTTPDispatcher with the given endpoint and per-call
// deadline.
func NewHTTP(url string, deadline time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{
		url:      url,
		deadline: deadline,
		client:   &http.Client{Timeout: deadline},
	}
}

// Dispatch sends one task batch across the boundary. Transport-level hiccups
// are retried briefly inside the deadline; the idempotency token keeps the
// far side from double-delivering. Exceeding the deadline returns the
// canonical timeout result (error-code 0, message "timeout").
func (d *HTTPDispatcher) Dispatch(ctx domain.Context, req domain.DispatchRequest) (domain.DispatchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, d.deadline)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return domain.DispatchResult{}, fmt.Errorf("op=dispatch.marshal: %w", err)
	}

	var result domain.DispatchResult
	op := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyToken)

		resp, err := d.client.Do(httpReq)
		if err != nil {
			// Retryable: connection-level failure.
			return err
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("dispatch status %d", resp.StatusCode))
		}
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return backoff.Permanent(fmt.Errorf("dispatch decode: %w", err))
		}
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 2), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return domain.DispatchResult{
				Success:      false,
				ErrorCode:    0,
				ErrorMessage: "timeout",
				LatencyMS:    int(d.deadline.Milliseconds()),
			}, nil
		}
		return domain.DispatchResult{}, fmt.Errorf("op=dispatch.call: %w", err)
	}
	if result.PlaysDelivered > req.Quantity {
		return domain.DispatchResult{}, fmt.Errorf("op=dispatch.call: %w: delivered %d > quantity %d",
			domain.ErrInvariantViolation, result.PlaysDelivered, req.Quantity)
	}
	return result, nil
}
