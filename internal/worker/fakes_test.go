package worker

import (
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fairyhunter13/play-fulfillment/internal/domain"
)

// Compact in-memory fakes mirroring the conditional-update semantics of the
// Postgres repositories.

type stubOrders struct {
	mu       sync.Mutex
	orders   map[string]domain.Order
	refunded map[string]bool

	// failApplyOnce makes the next counter update error, simulating a
	// database failure between task finalize and order accounting.
	failApplyOnce bool
}

func newStubOrders() *stubOrders {
	return &stubOrders{orders: map[string]domain.Order{}, refunded: map[string]bool{}}
}

func (s *stubOrders) put(o domain.Order) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
}

func (s *stubOrders) Create(_ domain.Context, o domain.Order) (string, error) {
	s.put(o)
	return o.ID, nil
}

func (s *stubOrders) Get(_ domain.Context, id string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *stubOrders) FindByIdemKey(_ domain.Context, _, _ string) (domain.Order, error) {
	return domain.Order{}, domain.ErrNotFound
}

func (s *stubOrders) UpdateStatus(_ domain.Context, id string, from, to domain.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	if o.Status != from {
		return domain.ErrOptimisticConflict
	}
	o.Status = to
	s.orders[id] = o
	return nil
}

func (s *stubOrders) SetSchedule(_ domain.Context, id string, startedAt, estimatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.orders[id]
	o.StartedAt = &startedAt
	o.EstimatedAt = &estimatedAt
	s.orders[id] = o
	return nil
}

func (s *stubOrders) ApplyTaskOutcome(_ domain.Context, id string, delivered, failed int) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failApplyOnce {
		s.failApplyOnce = false
		return domain.Order{}, domain.ErrInternal
	}
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	if err := o.ApplyTaskOutcome(delivered, failed); err != nil {
		return domain.Order{}, err
	}
	s.orders[id] = o
	return o, nil
}

func (s *stubOrders) MarkRefunded(_ domain.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refunded[id] {
		return false, nil
	}
	s.refunded[id] = true
	return true, nil
}

func (s *stubOrders) PendingLoad(_ domain.Context) (int, error) { return 0, nil }

func (s *stubOrders) ListStuckPending(_ domain.Context, olderThan time.Time, limit int) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.Status == domain.OrderPending && o.TaskDelivery && o.CreatedAt.Before(olderThan) {
			out = append(out, o)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

type stubTasks struct {
	mu     sync.Mutex
	tasks  map[string]domain.Task
	orders *stubOrders
}

func newStubTasks() *stubTasks { return &stubTasks{tasks: map[string]domain.Task{}} }

func (s *stubTasks) put(t domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
}

func (s *stubTasks) CreateBatch(_ domain.Context, tasks []domain.Task) (int, error) {
	for _, t := range tasks {
		s.put(t)
	}
	return len(tasks), nil
}

func (s *stubTasks) Get(_ domain.Context, id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *stubTasks) ListByOrder(_ domain.Context, orderID string) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if t.OrderID == orderID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (s *stubTasks) ListFailedByOrder(ctx domain.Context, orderID string) ([]domain.Task, error) {
	all, _ := s.ListByOrder(ctx, orderID)
	var out []domain.Task
	for _, t := range all {
		if t.Status == domain.TaskFailedPermanent {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *stubTasks) ListDeadLetter(_ domain.Context, limit int) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if t.Status == domain.TaskFailedPermanent {
			out = append(out, t)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *stubTasks) ListEligible(_ domain.Context, now time.Time, limit int) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Task
	for _, t := range s.tasks {
		if t.Eligible(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledAt.Before(out[j].ScheduledAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *stubTasks) Claim(_ domain.Context, t domain.Task, workerID string, now time.Time) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	if cur.Status != t.Status || cur.Attempts != t.Attempts {
		return domain.Task{}, domain.ErrOptimisticConflict
	}
	if err := cur.StartExecution(workerID, now); err != nil {
		return domain.Task{}, domain.ErrOptimisticConflict
	}
	s.tasks[t.ID] = cur
	return cur, nil
}

func (s *stubTasks) Finalize(_ domain.Context, t domain.Task) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return false, domain.ErrNotFound
	}
	if cur.Status != domain.TaskExecuting || cur.Attempts != t.Attempts {
		return false, nil
	}
	s.tasks[t.ID] = t
	return true, nil
}

func (s *stubTasks) FinalizeWithOutcome(ctx domain.Context, t domain.Task, delivered, failed int) (domain.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok {
		return domain.Order{}, false, domain.ErrNotFound
	}
	if cur.Status != domain.TaskExecuting || cur.Attempts != t.Attempts {
		return domain.Order{}, false, nil
	}
	o, err := s.orders.ApplyTaskOutcome(ctx, t.OrderID, delivered, failed)
	if err != nil {
		// Counter write failed: the whole finalize rolls back and the
		// claim stays open.
		return domain.Order{}, false, err
	}
	s.tasks[t.ID] = t
	return o, true, nil
}

func (s *stubTasks) CountNonTerminal(_ domain.Context, orderID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.OrderID == orderID && !t.Status.Terminal() {
			n++
		}
	}
	return n, nil
}

func (s *stubTasks) RecoverOrphans(_ domain.Context, cutoff, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tasks {
		if t.Status == domain.TaskExecuting && t.ExecutionStarted != nil && t.ExecutionStarted.Before(cutoff) {
			if err := t.ReleaseOrphan(now); err != nil {
				continue
			}
			s.tasks[id] = t
			n++
		}
	}
	return n, nil
}

type stubPool struct {
	mu      sync.Mutex
	nodes   []domain.ProxyNode
	leases  map[string]int
	reports []domain.MetricsReport
}

func newStubPool(nodes ...domain.ProxyNode) *stubPool {
	return &stubPool{nodes: nodes, leases: map[string]int{}}
}

func (p *stubPool) ListSelectable(_ domain.Context, _ *domain.NodeTier, region string) ([]domain.ProxyNode, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.ProxyNode
	for _, n := range p.nodes {
		if n.Selectable() && (region == "" || n.Region == region) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (p *stubPool) Lease(_ domain.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leases[id]++
	return nil
}

func (p *stubPool) Release(_ domain.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leases[id]--
	return nil
}

func (p *stubPool) Report(_ domain.Context, rep domain.MetricsReport) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, rep)
	return nil
}

type stubDispatcher struct {
	mu    sync.Mutex
	fn    func(req domain.DispatchRequest) (domain.DispatchResult, error)
	calls []domain.DispatchRequest
}

func (d *stubDispatcher) Dispatch(_ domain.Context, req domain.DispatchRequest) (domain.DispatchResult, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	fn := d.fn
	d.mu.Unlock()
	if fn != nil {
		return fn(req)
	}
	return domain.DispatchResult{Success: true, PlaysDelivered: req.Quantity, LatencyMS: 10}, nil
}

func (d *stubDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type stubQueue struct {
	mu       sync.Mutex
	enqueued []string
}

func (q *stubQueue) EnqueueSettlement(_ domain.Context, orderID string) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, orderID)
	return orderID, nil
}

func (q *stubQueue) orders() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.enqueued))
	copy(out, q.enqueued)
	return out
}

func testOrder(id string, quantity int) domain.Order {
	return domain.Order{
		ID:           id,
		UserID:       "u1",
		ServiceID:    "svc-plays",
		Quantity:     quantity,
		PricePerUnit: decimal.NewFromFloat(0.002),
		TargetRef:    "track-1",
		Status:       domain.OrderRunning,
		Remains:      quantity,
		TaskDelivery: true,
	}
}

func testTask(id, orderID string, seq, quantity int) domain.Task {
	past := time.Now().UTC().Add(-time.Minute)
	return domain.Task{
		ID:               id,
		OrderID:          orderID,
		Sequence:         seq,
		Quantity:         quantity,
		Status:           domain.TaskPending,
		MaxAttempts:      3,
		IdempotencyToken: domain.IdemToken(orderID, seq, 0),
		ScheduledAt:      past,
		CreatedAt:        past,
		UpdatedAt:        past,
	}
}

func healthyNode(id string) domain.ProxyNode {
	return domain.ProxyNode{
		ID:       id,
		Address:  "10.9.0.1",
		Port:     8080,
		Status:   domain.NodeOnline,
		Health:   domain.HealthHealthy,
		Capacity: 10,
	}
}
