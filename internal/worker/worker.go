// Package worker runs the delivery execution loop: claim eligible tasks,
// select a proxy node, dispatch across the boundary, and finalize the result
// against the task and order state machines. A sweeper returns orphaned
// claims from crashed workers to the queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"github.com/fairyhunter13/play-fulfillment/internal/adapter/observability"
	"github.com/fairyhunter13/play-fulfillment/internal/adapter/proxy"
	"github.com/fairyhunter13/play-fulfillment/internal/domain"
	"github.com/fairyhunter13/play-fulfillment/internal/service/ratelimiter"
)

// Config tunes one engine instance.
type Config struct {
	WorkerID        string
	PollInterval    time.Duration
	BatchSize       int
	Concurrency     int64
	ClaimRetryLimit int
	OrphanThreshold time.Duration
	SweepInterval   time.Duration
	BackoffBase     time.Duration
	BackoffCap      time.Duration
}

// NodePool is the slice of the proxy registry the engine needs.
type NodePool interface {
	ListSelectable(ctx domain.Context, tier *domain.NodeTier, region string) ([]domain.ProxyNode, error)
	Lease(ctx domain.Context, id string) error
	Release(ctx domain.Context, id string) error
	Report(ctx domain.Context, rep domain.MetricsReport) error
}

// Engine is one worker replica. Multiple replicas share the task table
// safely: claims and finalizations are conditional updates, so every task
// attempt is executed by at most one worker.
type Engine struct {
	cfg        Config
	tasks      domain.TaskRepository
	orders     domain.OrderRepository
	pool       NodePool
	dispatcher domain.Dispatcher
	queue      domain.SettlementQueue
	limiter    ratelimiter.Limiter

	sem     *semaphore.Weighted
	metrics *Metrics
	wg      sync.WaitGroup
}

// New constructs an Engine. limiter may be nil to run unthrottled.
func New(cfg Config, tasks domain.TaskRepository, orders domain.OrderRepository, pool NodePool, dispatcher domain.Dispatcher, queue domain.SettlementQueue, limiter ratelimiter.Limiter) *Engine {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Engine{
		cfg:        cfg,
		tasks:      tasks,
		orders:     orders,
		pool:       pool,
		dispatcher: dispatcher,
		queue:      queue,
		limiter:    limiter,
		sem:        semaphore.NewWeighted(cfg.Concurrency),
		metrics:    newMetrics(),
	}
}

// Run polls and sweeps until ctx is cancelled, then drains in-flight tasks.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("worker started",
		slog.String("worker_id", e.cfg.WorkerID),
		slog.Duration("poll_interval", e.cfg.PollInterval),
		slog.Int("batch_size", e.cfg.BatchSize),
		slog.Int64("concurrency", e.cfg.Concurrency))

	// Catch orphans from a previous crash before the first poll.
	e.sweepOnce(ctx)

	poll := time.NewTicker(e.cfg.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(e.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker draining in-flight tasks", slog.String("worker_id", e.cfg.WorkerID))
			e.wg.Wait()
			slog.Info("worker stopped", slog.String("worker_id", e.cfg.WorkerID))
			return nil
		case <-sweep.C:
			e.sweepOnce(ctx)
		case <-poll.C:
			e.pollOnce(ctx)
		}
	}
}

// Snapshot exports the engine counters plus the current dead-letter depth.
func (e *Engine) Snapshot(ctx domain.Context) (Snapshot, error) {
	dead, err := e.tasks.ListDeadLetter(ctx, 1000)
	if err != nil {
		return Snapshot{}, fmt.Errorf("op=worker.snapshot: %w", err)
	}
	return e.metrics.snapshot(len(dead)), nil
}

func (e *Engine) pollOnce(ctx context.Context) {
	now := time.Now().UTC()
	batch, err := e.tasks.ListEligible(ctx, now, e.cfg.BatchSize)
	if err != nil {
		slog.Error("eligible task poll failed", slog.Any("error", err))
		return
	}
	for _, t := range batch {
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return
		}
		e.wg.Add(1)
		go e.process(ctx, t)
	}
}

func (e *Engine) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()
	n, err := e.tasks.RecoverOrphans(ctx, now.Add(-e.cfg.OrphanThreshold), now)
	if err != nil {
		slog.Error("orphan sweep failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		observability.OrphansRecoveredTotal.Add(float64(n))
		e.metrics.orphansRecovered.Add(int64(n))
		slog.Warn("orphaned tasks recovered", slog.Int("count", n))
	}
}

// process runs one task attempt end to end. Failures between claim and
// finalization intentionally leave the row EXECUTING; the sweeper recovers it
// without burning the attempt.
func (e *Engine) process(ctx context.Context, t domain.Task) {
	defer e.wg.Done()
	defer e.sem.Release(1)

	// Shutdown lets in-flight attempts finish.
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()

	claimed, err := e.claim(ctx, t, now)
	if err != nil {
		if errors.Is(err, domain.ErrOptimisticConflict) || errors.Is(err, domain.ErrNotFound) {
			return
		}
		slog.Error("task claim failed", slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}

	e.metrics.processed.Add(1)
	e.metrics.activeClaims.Add(1)
	observability.TasksProcessedTotal.Inc()
	observability.ActiveClaims.Inc()
	defer func() {
		e.metrics.activeClaims.Add(-1)
		observability.ActiveClaims.Dec()
	}()

	o, err := e.orders.Get(ctx, claimed.OrderID)
	if err != nil {
		slog.Error("order load failed, leaving claim for sweep",
			slog.String("task_id", claimed.ID), slog.Any("error", err))
		return
	}
	if o.Status == domain.OrderCancelled {
		e.releaseClaim(ctx, claimed)
		return
	}

	candidates, err := e.pool.ListSelectable(ctx, nil, o.Region)
	if err != nil {
		e.finalizeFailure(ctx, claimed, fmt.Sprintf("node list: %v", err))
		return
	}
	node, err := proxy.Select(claimed.ID, candidates, "")
	if err != nil {
		e.finalizeFailure(ctx, claimed, "no available node")
		return
	}

	if e.limiter != nil {
		allowed, retryAfter, _ := e.limiter.Allow(ctx, node.ID, 1)
		if !allowed {
			slog.Info("node rate limited",
				slog.String("node_id", node.ID),
				slog.Duration("retry_after", retryAfter))
			e.finalizeFailure(ctx, claimed, "node rate limited")
			return
		}
	}

	if err := e.pool.Lease(ctx, node.ID); err != nil {
		e.finalizeFailure(ctx, claimed, fmt.Sprintf("node lease: %v", err))
		return
	}
	defer func() {
		if err := e.pool.Release(ctx, node.ID); err != nil {
			slog.Error("node release failed", slog.String("node_id", node.ID), slog.Any("error", err))
		}
	}()
	claimed.ProxyNodeID = node.ID

	start := time.Now()
	res, err := e.dispatcher.Dispatch(ctx, domain.DispatchRequest{
		TaskID:           claimed.ID,
		IdempotencyToken: claimed.IdempotencyToken,
		TargetRef:        o.TargetRef,
		Quantity:         claimed.Quantity,
		Node:             node,
	})
	observability.DispatchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		e.report(ctx, claimed.ID, node.ID, domain.DispatchResult{Success: false, ErrorMessage: err.Error()})
		e.finalizeFailure(ctx, claimed, err.Error())
		return
	}
	e.report(ctx, claimed.ID, node.ID, res)

	switch {
	case res.Success && res.PlaysDelivered >= claimed.Quantity:
		e.finalizeComplete(ctx, claimed)
	case res.PlaysDelivered > 0:
		e.finalizePartial(ctx, claimed, res.PlaysDelivered, res.ErrorMessage)
	default:
		e.finalizeFailure(ctx, claimed, failureMessage(res))
	}
}

// claim retries transient repository errors; a lost race is surfaced as
// ErrOptimisticConflict without retrying.
func (e *Engine) claim(ctx context.Context, t domain.Task, now time.Time) (domain.Task, error) {
	var claimed domain.Task
	op := func() error {
		c, err := e.tasks.Claim(ctx, t, e.cfg.WorkerID, now)
		if err != nil {
			if errors.Is(err, domain.ErrOptimisticConflict) || errors.Is(err, domain.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		claimed = c
		return nil
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), uint64(e.cfg.ClaimRetryLimit)), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return domain.Task{}, err
	}
	return claimed, nil
}

// releaseClaim hands a claimed task of a cancelled order back without burning
// the attempt. Eligibility listing excludes cancelled orders, so the task
// stays parked.
func (e *Engine) releaseClaim(ctx context.Context, t domain.Task) {
	if err := t.ReleaseOrphan(time.Now().UTC()); err != nil {
		slog.Error("claim release failed", slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}
	if _, err := e.tasks.Finalize(ctx, t); err != nil {
		slog.Error("claim release write failed", slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}
	slog.Info("claim released, order cancelled",
		slog.String("task_id", t.ID), slog.String("order_id", t.OrderID))
}

func (e *Engine) finalizeComplete(ctx context.Context, t domain.Task) {
	qty := t.Quantity
	if err := t.CompleteExecution(time.Now().UTC()); err != nil {
		slog.Error("task completion failed", slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}
	o, ok, err := e.tasks.FinalizeWithOutcome(ctx, t, qty, 0)
	if err != nil {
		slog.Error("task finalize failed, claim left for sweep",
			slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}
	if !ok {
		slog.Warn("finalize lost race, outcome discarded", slog.String("task_id", t.ID))
		return
	}
	e.metrics.completed.Add(1)
	observability.TasksCompletedTotal.Inc()
	slog.Info("task completed",
		slog.String("task_id", t.ID),
		slog.String("order_id", t.OrderID),
		slog.Int("quantity", qty),
		slog.Int("attempt", t.Attempts))
	e.finishOrderIfDone(ctx, o)
}

// finalizePartial records delivered units on the order and sends the
// remainder through the retry ladder under a fresh idempotency token.
func (e *Engine) finalizePartial(ctx context.Context, t domain.Task, delivered int, errMsg string) {
	if errMsg == "" {
		errMsg = fmt.Sprintf("partial delivery: %d of %d", delivered, t.Quantity)
	}
	t.Quantity -= delivered
	permanent, err := t.FailExecution(errMsg, e.cfg.BackoffBase, e.cfg.BackoffCap, time.Now().UTC())
	if err != nil {
		slog.Error("task failure transition failed", slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}
	failedUnits := 0
	if permanent {
		failedUnits = t.Quantity
	}
	o, ok, err := e.tasks.FinalizeWithOutcome(ctx, t, delivered, failedUnits)
	if err != nil {
		slog.Error("task finalize failed, claim left for sweep",
			slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}
	if !ok {
		slog.Warn("finalize lost race, outcome discarded", slog.String("task_id", t.ID))
		return
	}

	if permanent {
		e.metrics.failedPermanent.Add(1)
		observability.TasksFailedTotal.WithLabelValues("permanent").Inc()
	} else {
		e.metrics.failedTransient.Add(1)
		e.metrics.retries.Add(1)
		observability.TasksFailedTotal.WithLabelValues("transient").Inc()
		observability.TaskRetriesTotal.Inc()
	}
	slog.Info("task partially delivered",
		slog.String("task_id", t.ID),
		slog.Int("delivered", delivered),
		slog.Int("remaining", t.Quantity),
		slog.Bool("permanent", permanent))
	e.finishOrderIfDone(ctx, o)
}

func (e *Engine) finalizeFailure(ctx context.Context, t domain.Task, errMsg string) {
	permanent, err := t.FailExecution(errMsg, e.cfg.BackoffBase, e.cfg.BackoffCap, time.Now().UTC())
	if err != nil {
		slog.Error("task failure transition failed", slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}

	if permanent {
		o, ok, ferr := e.tasks.FinalizeWithOutcome(ctx, t, 0, t.Quantity)
		if ferr != nil {
			slog.Error("task finalize failed, claim left for sweep",
				slog.String("task_id", t.ID), slog.Any("error", ferr))
			return
		}
		if !ok {
			slog.Warn("finalize lost race, outcome discarded", slog.String("task_id", t.ID))
			return
		}
		e.metrics.failedPermanent.Add(1)
		observability.TasksFailedTotal.WithLabelValues("permanent").Inc()
		slog.Warn("task failed permanently",
			slog.String("task_id", t.ID),
			slog.String("order_id", t.OrderID),
			slog.Int("attempts", t.Attempts),
			slog.String("error", errMsg))
		e.finishOrderIfDone(ctx, o)
		return
	}

	// Transient retry leaves the counters alone.
	ok, err := e.tasks.Finalize(ctx, t)
	if err != nil {
		slog.Error("task finalize failed, claim left for sweep",
			slog.String("task_id", t.ID), slog.Any("error", err))
		return
	}
	if !ok {
		slog.Warn("finalize lost race, outcome discarded", slog.String("task_id", t.ID))
		return
	}
	e.metrics.failedTransient.Add(1)
	e.metrics.retries.Add(1)
	observability.TasksFailedTotal.WithLabelValues("transient").Inc()
	observability.TaskRetriesTotal.Inc()
	slog.Info("task failed, scheduled for retry",
		slog.String("task_id", t.ID),
		slog.Int("attempt", t.Attempts),
		slog.String("error", errMsg))
}

// finishOrderIfDone moves the order to its terminal status and enqueues
// settlement once the last open task has finished.
func (e *Engine) finishOrderIfDone(ctx context.Context, o domain.Order) {
	open, err := e.tasks.CountNonTerminal(ctx, o.ID)
	if err != nil {
		slog.Error("open task count failed", slog.String("order_id", o.ID), slog.Any("error", err))
		return
	}
	if open > 0 {
		return
	}

	terminal := o.TerminalStatus()
	if err := e.orders.UpdateStatus(ctx, o.ID, domain.OrderRunning, terminal); err != nil {
		// Another worker finished the order first.
		if !errors.Is(err, domain.ErrOptimisticConflict) {
			slog.Error("order finish failed", slog.String("order_id", o.ID), slog.Any("error", err))
		}
		return
	}
	slog.Info("order finished",
		slog.String("order_id", o.ID),
		slog.String("status", string(terminal)),
		slog.Int("delivered", o.Delivered),
		slog.Int("failed", o.FailedPermanent))

	if e.queue != nil {
		if _, err := e.queue.EnqueueSettlement(ctx, o.ID); err != nil {
			slog.Error("settlement enqueue failed", slog.String("order_id", o.ID), slog.Any("error", err))
		}
	}
}

func (e *Engine) report(ctx context.Context, taskID, nodeID string, res domain.DispatchResult) {
	err := e.pool.Report(ctx, domain.MetricsReport{
		TaskID:         taskID,
		NodeID:         nodeID,
		Success:        res.Success,
		PlaysDelivered: res.PlaysDelivered,
		ErrorCode:      res.ErrorCode,
		ErrorMessage:   res.ErrorMessage,
		LatencyMS:      res.LatencyMS,
	})
	if err != nil {
		slog.Error("node metrics report failed", slog.String("node_id", nodeID), slog.Any("error", err))
	}
}

func failureMessage(res domain.DispatchResult) string {
	if res.ErrorMessage != "" {
		return res.ErrorMessage
	}
	return fmt.Sprintf("dispatch failed with code %d", res.ErrorCode)
}
