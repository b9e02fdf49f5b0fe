package domain

import (
	"fmt"
	"time"
)

// TaskStatus enumerates the per-task state machine.
type TaskStatus string

const (
	TaskPending         TaskStatus = "pending"
	TaskExecuting       TaskStatus = "executing"
	TaskCompleted       TaskStatus = "completed"
	TaskFailedRetrying  TaskStatus = "failed_retrying"
	TaskFailedPermanent TaskStatus = "failed_permanent"
)

// Terminal reports whether the status admits no further transition.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailedPermanent
}

// Task is an atomic delivery batch owned by exactly one order.
type Task struct {
	ID               string
	OrderID          string
	Sequence         int
	Quantity         int
	Status           TaskStatus
	Attempts         int
	MaxAttempts      int
	LastError        string
	ProxyNodeID      string
	IdempotencyToken string
	WorkerID         string
	ScheduledAt      time.Time
	RetryAfter       *time.Time
	ExecutionStarted *time.Time
	ExecutedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IdemToken builds the {order-id}:{sequence}:{attempt} token that
// de-duplicates retries across the dispatch boundary.
func IdemToken(orderID string, sequence, attempt int) string {
	return fmt.Sprintf("%s:%d:%d", orderID, sequence, attempt)
}

// Eligible reports whether the task may be claimed at now.
func (t *Task) Eligible(now time.Time) bool {
	switch t.Status {
	case TaskPending:
		return !t.ScheduledAt.After(now)
	case TaskFailedRetrying:
		return t.RetryAfter != nil && !t.RetryAfter.After(now)
	default:
		return false
	}
}

// StartExecution claims the task for workerID: one more attempt begins.
func (t *Task) StartExecution(workerID string, now time.Time) error {
	if !t.Eligible(now) {
		return fmt.Errorf("op=task.start: %w: status=%s", ErrConflict, t.Status)
	}
	t.Status = TaskExecuting
	t.Attempts++
	t.WorkerID = workerID
	t.ExecutionStarted = &now
	t.RetryAfter = nil
	t.UpdatedAt = now
	return nil
}

// CompleteExecution transitions the task to its successful terminal state.
func (t *Task) CompleteExecution(now time.Time) error {
	if t.Status != TaskExecuting {
		return fmt.Errorf("op=task.complete: %w: status=%s", ErrConflict, t.Status)
	}
	t.Status = TaskCompleted
	t.ExecutedAt = &now
	t.WorkerID = ""
	t.ExecutionStarted = nil
	t.UpdatedAt = now
	return nil
}

// FailExecution records a failed attempt. When attempts remain the task
// re-enters the queue as FAILED-RETRYING with an exponential retry-after and
// a refreshed idempotency token; otherwise it goes FAILED-PERMANENT.
// Returns true when the failure is permanent.
func (t *Task) FailExecution(errMsg string, base, cap time.Duration, now time.Time) (bool, error) {
	if t.Status != TaskExecuting {
		return false, fmt.Errorf("op=task.fail: %w: status=%s", ErrConflict, t.Status)
	}
	t.LastError = errMsg
	t.WorkerID = ""
	t.ExecutionStarted = nil
	t.UpdatedAt = now
	if t.Attempts >= t.MaxAttempts {
		t.Status = TaskFailedPermanent
		t.RetryAfter = nil
		return true, nil
	}
	t.Status = TaskFailedRetrying
	after := now.Add(RetryBackoff(t.Attempts, base, cap))
	t.RetryAfter = &after
	t.IdempotencyToken = IdemToken(t.OrderID, t.Sequence, t.Attempts)
	return false, nil
}

// ReleaseOrphan returns a stale EXECUTING task to PENDING. Orphaning is not a
// failure: the attempt counter is left unchanged.
func (t *Task) ReleaseOrphan(now time.Time) error {
	if t.Status != TaskExecuting {
		return fmt.Errorf("op=task.release: %w: status=%s", ErrConflict, t.Status)
	}
	t.Status = TaskPending
	t.WorkerID = ""
	t.ExecutionStarted = nil
	t.ScheduledAt = now
	t.UpdatedAt = now
	return nil
}

// Orphaned reports whether an EXECUTING task has outlived threshold.
func (t *Task) Orphaned(now time.Time, threshold time.Duration) bool {
	return t.Status == TaskExecuting && t.ExecutionStarted != nil &&
		now.Sub(*t.ExecutionStarted) > threshold
}

// RetryBackoff computes the delay before retry attempt+1: base x 2^(attempt-1),
// capped. Attempt numbers start at 1.
func RetryBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
